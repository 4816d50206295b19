// Package communicator is the HTTP client for the dashboard protocol:
// poll check-ins, command results, and bundle downloads.
package communicator

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/updatewatch/agent/internal/security"
	"github.com/updatewatch/agent/pkg/models"
)

type Client struct {
	client   *resty.Client
	agentID  string
	apiToken string
	signer   *security.Signer
	signing  bool
}

// New builds a dashboard client for one agent identity. Retries are
// limited and only fire on transient statuses; everything else surfaces
// immediately so the poll loop can log and move on.
func New(dashboardURL, agentID, apiToken string, secCfg security.Config, pins *security.PinStore) *Client {
	client := resty.New().
		SetBaseURL(dashboardURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "UpdateWatchAgent/1.0").
		SetAuthToken(apiToken).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == 429 || r.StatusCode() >= 500
		})

	tlsCfg := &tls.Config{}
	if !secCfg.VerifyTLS || secCfg.AllowSelfSigned {
		tlsCfg.InsecureSkipVerify = true
	}
	if pins != nil {
		if host := hostOf(dashboardURL); host != "" {
			// Pinning runs even when chain verification is skipped.
			tlsCfg.VerifyPeerCertificate = pins.VerifyPeer(host)
		}
	}
	client.SetTLSClientConfig(tlsCfg)

	return &Client{
		client:   client,
		agentID:  agentID,
		apiToken: apiToken,
		signer:   security.NewSigner(),
		signing:  secCfg.SignRequests,
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (c *Client) signedRequest(payload any) (*resty.Request, error) {
	req := c.client.R()
	if c.signing {
		sig, err := c.signer.Sign(payload, c.apiToken)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req.SetHeader("X-Signature", sig.Signature)
		req.SetHeader("X-Timestamp", sig.Timestamp)
		req.SetHeader("X-Nonce", sig.Nonce)
	}
	return req.SetBody(payload), nil
}

// Poll sends the check-in payload and returns the dashboard's response.
// skipCommand marks CLI-driven check-ins that must not consume a queued
// command.
func (c *Client) Poll(payload models.PollRequest, skipCommand bool) (*models.PollResponse, error) {
	req, err := c.signedRequest(payload)
	if err != nil {
		return nil, err
	}
	if skipCommand {
		req.SetHeader("X-Skip-Command", "true")
	}

	var out models.PollResponse
	resp, err := req.SetResult(&out).Post("/api/agent/poll")
	if err != nil {
		return nil, fmt.Errorf("poll request: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("poll rejected: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return &out, nil
}

// ReportResult posts one command result keyed by command id.
func (c *Client) ReportResult(result models.CommandResult) error {
	req, err := c.signedRequest(result)
	if err != nil {
		return err
	}
	resp, err := req.Post("/api/agent/command-result")
	if err != nil {
		return fmt.Errorf("report result: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("result rejected: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// DownloadBundle streams the latest agent bundle to destPath. Implements
// updater.BundleFetcher.
func (c *Client) DownloadBundle(destPath string) error {
	resp, err := c.client.R().
		SetDoNotParseResponse(true).
		Get("/agent/latest.tar.gz")
	if err != nil {
		return fmt.Errorf("bundle request: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 400 {
		return fmt.Errorf("bundle download: HTTP %d", resp.StatusCode())
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create bundle file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, body); err != nil {
		return fmt.Errorf("stream bundle: %w", err)
	}
	return nil
}
