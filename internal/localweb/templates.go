package localweb

import (
	"html/template"
	"log"
	"net/http"
)

type dashboardData struct {
	Username       string
	Hostname       string
	IP             string
	Version        string
	LastPoll       string
	LastRunAt      string
	LastStatus     string
	LastUpdate     string
	RebootRequired bool
}

var loginTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>UpdateWatch Agent</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; background: #f4f5f7; display: flex; justify-content: center; padding-top: 10vh; }
.card { background: #fff; border-radius: 8px; box-shadow: 0 1px 4px rgba(0,0,0,.15); padding: 2rem; width: 320px; }
h1 { font-size: 1.2rem; margin-top: 0; }
input { width: 100%; box-sizing: border-box; padding: .5rem; margin-bottom: .8rem; border: 1px solid #ccc; border-radius: 4px; }
button { width: 100%; padding: .6rem; border: 0; border-radius: 4px; background: #2563eb; color: #fff; cursor: pointer; }
.error { color: #b91c1c; font-size: .85rem; margin-bottom: .8rem; }
</style>
</head>
<body>
<div class="card">
<h1>UpdateWatch Agent</h1>
{{if .Error}}<div class="error">{{.Error}}</div>{{end}}
<form method="POST" action="/login">
<input name="username" placeholder="Username" autocomplete="username" autofocus>
<input name="password" type="password" placeholder="Password" autocomplete="current-password">
<button type="submit">Sign in</button>
</form>
</div>
</body>
</html>
`))

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>UpdateWatch Agent &middot; {{.Hostname}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; background: #f4f5f7; margin: 0; }
header { background: #1e293b; color: #fff; padding: .8rem 1.5rem; display: flex; justify-content: space-between; align-items: center; }
header a { color: #93c5fd; text-decoration: none; font-size: .9rem; }
main { max-width: 720px; margin: 1.5rem auto; padding: 0 1rem; }
.card { background: #fff; border-radius: 8px; box-shadow: 0 1px 4px rgba(0,0,0,.1); padding: 1.2rem 1.5rem; margin-bottom: 1rem; }
dl { display: grid; grid-template-columns: 12rem 1fr; row-gap: .4rem; margin: 0; }
dt { color: #64748b; }
dd { margin: 0; }
.warn { color: #b45309; }
button { padding: .5rem 1rem; border: 0; border-radius: 4px; background: #2563eb; color: #fff; cursor: pointer; }
#run-output { margin-top: .8rem; font-family: monospace; font-size: .85rem; white-space: pre-wrap; }
</style>
</head>
<body>
<header>
<strong>UpdateWatch Agent</strong>
<span>{{.Username}} &middot; <a href="/logout">Logout</a></span>
</header>
<main>
<div class="card">
<dl>
<dt>Hostname</dt><dd>{{.Hostname}}</dd>
<dt>IP address</dt><dd>{{.IP}}</dd>
<dt>Agent version</dt><dd>{{.Version}}</dd>
<dt>Last poll</dt><dd>{{if .LastPoll}}{{.LastPoll}}{{else}}never{{end}}</dd>
<dt>Last update run</dt><dd>{{if .LastRunAt}}{{.LastRunAt}} ({{.LastStatus}}){{else}}never{{end}}</dd>
<dt>Last successful update</dt><dd>{{if .LastUpdate}}{{.LastUpdate}}{{else}}never{{end}}</dd>
<dt>Reboot required</dt><dd>{{if .RebootRequired}}<span class="warn">yes</span>{{else}}no{{end}}</dd>
</dl>
</div>
<div class="card">
<button id="run-btn">Run update now</button>
<div id="run-output"></div>
</div>
</main>
<script>
document.getElementById('run-btn').addEventListener('click', function () {
  var out = document.getElementById('run-output');
  out.textContent = 'Running...';
  fetch('/api/run-update', { method: 'POST' })
    .then(function (r) { return r.json(); })
    .then(function (d) { out.textContent = JSON.stringify(d, null, 2); })
    .catch(function (e) { out.textContent = 'Request failed: ' + e; });
});
</script>
</body>
</html>
`))

func renderLogin(w http.ResponseWriter, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginTmpl.Execute(w, struct{ Error string }{Error: errMsg}); err != nil {
		log.Printf("localweb: render login: %v", err)
	}
}

func renderDashboard(w http.ResponseWriter, data dashboardData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		log.Printf("localweb: render dashboard: %v", err)
	}
}
