// Package logs manages the agent's dated, append-only log files and the
// read-only log queries exposed to the dashboard and the local web UI.
package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/updatewatch/agent/pkg/models"
)

// MaxReadBytes caps how much of a log file FETCH_LOG returns; larger files
// are tailed and flagged as truncated.
const MaxReadBytes = 200000

type Dir struct {
	Path string
}

func NewDir(path string) *Dir {
	return &Dir{Path: path}
}

// CurrentPath returns today's log file, creating the log directory if needed.
func (d *Dir) CurrentPath() (string, error) {
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("agent-%s.log", time.Now().Format("2006-01-02"))
	return filepath.Join(d.Path, name), nil
}

// Append writes one timestamped line to today's log file. Logging failures
// are returned but callers generally treat them as best-effort.
func (d *Dir) Append(message string) error {
	path, err := d.CurrentPath()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "[%s] %s\n", time.Now().Format(time.RFC3339), message)
	return err
}

// List returns metadata for every *.log file, sorted by name.
func (d *Dir) List() ([]models.LogEntry, error) {
	entries, err := os.ReadDir(d.Path)
	if os.IsNotExist(err) {
		return []models.LogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read log dir: %w", err)
	}

	var logs []models.LogEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, models.LogEntry{
			Name:       e.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().Format(time.RFC3339),
		})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Name < logs[j].Name })
	if logs == nil {
		logs = []models.LogEntry{}
	}
	return logs, nil
}

// Read returns up to MaxReadBytes from the end of the named log file. The
// name is stripped to its base so a caller can never escape the log dir.
func (d *Dir) Read(name string) (*models.LogContent, error) {
	safe := filepath.Base(name)
	path := filepath.Join(d.Path, safe)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", safe, err)
	}

	size := info.Size()
	truncated := false
	var content []byte
	if size > MaxReadBytes {
		truncated = true
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open log %s: %w", safe, err)
		}
		defer f.Close()
		if _, err := f.Seek(size-MaxReadBytes, 0); err != nil {
			return nil, fmt.Errorf("seek log %s: %w", safe, err)
		}
		buf := make([]byte, MaxReadBytes)
		n, err := f.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read log %s: %w", safe, err)
		}
		content = buf[:n]
	} else {
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read log %s: %w", safe, err)
		}
	}

	return &models.LogContent{
		Name:      safe,
		SizeBytes: size,
		Truncated: truncated,
		Content:   string(content),
	}, nil
}

// Tail returns the last n lines of today's log file for the web UI.
func (d *Dir) Tail(n int) ([]string, error) {
	path, err := d.CurrentPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
