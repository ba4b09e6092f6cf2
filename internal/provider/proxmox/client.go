// Package proxmox implements provider.Hypervisor against the Proxmox VE
// REST API (/api2/json) with API token authentication.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/metrics"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

const defaultTimeout = 10 * time.Second

var errNotConfigured = errors.New("proxmox url or api token not configured")

// Client talks to one Proxmox VE cluster. Settings are read from the
// config source on every call.
type Client struct {
	cfg     config.Source
	metrics *metrics.Metrics

	secure   *http.Transport
	insecure *http.Transport

	// taskPoll is the interval used while waiting for short tasks.
	taskPoll time.Duration
}

// New creates a Client. m may be nil.
func New(cfg config.Source, m *metrics.Metrics) *Client {
	base := http.DefaultTransport.(*http.Transport)
	secure := base.Clone()
	insecure := base.Clone()
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via proxmox.verify_ssl=false
	return &Client{
		cfg:      cfg,
		metrics:  m,
		secure:   secure,
		insecure: insecure,
		taskPoll: time.Second,
	}
}

func (c *Client) settings() config.ProxmoxConfig {
	return c.cfg.Current().Proxmox
}

func (c *Client) timeout() time.Duration {
	t := c.settings().Timeout
	if t <= 0 {
		t = defaultTimeout
	}
	if t > config.MaxHypervisorTimeout {
		t = config.MaxHypervisorTimeout
	}
	return t
}

func apiBase(raw string) string {
	base := strings.TrimRight(raw, "/")
	if strings.HasSuffix(base, "/api2/json") {
		return base
	}
	return base + "/api2/json"
}

// envelope is the Proxmox response wrapper.
type envelope struct {
	Data   json.RawMessage        `json:"data"`
	Errors map[string]interface{} `json:"errors,omitempty"`
}

// do performs one API call and decodes the data member into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) (err error) {
	started := time.Now()
	defer func() { c.metrics.AdapterCall(provider.SystemProxmox, started, err) }()

	s := c.settings()
	if s.URL == "" || s.TokenID == "" {
		return apperrors.Unavailable(provider.SystemProxmox, errNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	endpoint := apiBase(s.URL) + path
	var body io.Reader
	if form != nil && method != http.MethodGet && method != http.MethodDelete {
		body = strings.NewReader(form.Encode())
	} else if form != nil {
		endpoint += "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build proxmox request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", s.TokenID, s.TokenSecret))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	transport := c.secure
	if !s.VerifySSL {
		transport = c.insecure
	}
	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return apperrors.Unavailable(provider.SystemProxmox, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return apperrors.Unavailable(provider.SystemProxmox, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rejected(method, path, resp, raw)
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperrors.Rejected(provider.SystemProxmox, fmt.Sprintf("decode %s %s: %v", method, path, err))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.Rejected(provider.SystemProxmox, fmt.Sprintf("decode %s %s: %v", method, path, err))
	}
	return nil
}

func rejected(method, path string, resp *http.Response, raw []byte) error {
	msg := strings.TrimSpace(resp.Status)
	var env envelope
	if json.Unmarshal(raw, &env) == nil && len(env.Errors) > 0 {
		msg = fmt.Sprintf("%s %v", msg, env.Errors)
	} else if len(raw) > 0 && len(raw) < 512 {
		msg = fmt.Sprintf("%s %s", msg, strings.TrimSpace(string(raw)))
	}
	return apperrors.Rejected(provider.SystemProxmox, fmt.Sprintf("%s %s: %s", method, path, msg)).
		WithParams(map[string]interface{}{"status": resp.StatusCode})
}

// waitTask polls a task until it stops or limit elapses.
func (c *Client) waitTask(ctx context.Context, node, upid string, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	for {
		st, err := c.TaskStatus(ctx, node, upid)
		if err != nil {
			return err
		}
		if !st.Reachable {
			return apperrors.Unavailable(provider.SystemProxmox, fmt.Errorf("task %s unreachable", upid))
		}
		if st.Finished {
			if !st.Success {
				return apperrors.Rejected(provider.SystemProxmox, fmt.Sprintf("task %s failed: %s", upid, st.ExitStatus))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.Unavailable(provider.SystemProxmox, fmt.Errorf("task %s did not finish within %s", upid, limit))
		}
		select {
		case <-ctx.Done():
			return apperrors.Unavailable(provider.SystemProxmox, ctx.Err())
		case <-time.After(c.taskPoll):
		}
	}
}
