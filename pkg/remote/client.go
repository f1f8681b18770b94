// Package remote talks to the analysis service's command endpoint.
//
// Every command is a POST to {base}/CmdSrv/sync?cmd=<name> with a JSON body;
// responses are flat status payloads.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/metrics"
)

const commandPath = "/CmdSrv/sync"

// Command names understood by the service.
const (
	CmdPackageRequest = "packageRequest"
	CmdGetStatus      = "getBgStatus"
	CmdCancel         = "cancelBgJob"
	CmdRemove         = "removeBgJob"
	CmdAddToBg        = "addBgJob"
	CmdSetEmail       = "setBgEmail"
	CmdSetNotif       = "setBgNotif"
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	Token        string
	UserAgent    string
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	Logger       *zap.Logger
}

// DefaultConfig returns client defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		UserAgent:    "jobwatch",
		Timeout:      60 * time.Second,
		RetryCount:   3,
		RetryWait:    500 * time.Millisecond,
		RetryMaxWait: 2 * time.Second,
	}
}

// Client is a command client for one service.
type Client struct {
	baseURL string
	http    *resty.Client
	logger  *zap.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("remote: base URL is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("remote: base URL must be http(s): %s", base)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "jobwatch"
	}

	c := &Client{baseURL: base, logger: logger}
	c.http = resty.New().
		SetHeader("User-Agent", ua).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == http.StatusTooManyRequests || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})
	if cfg.Token != "" {
		c.http.SetAuthToken(cfg.Token)
	}
	return c, nil
}

// BaseURL returns the normalized service URL.
func (c *Client) BaseURL() string { return c.baseURL }

// SubmitPackage sends a packaging request. The returned payload is either a
// finished status or the status of a job that continues in the background.
func (c *Client) SubmitPackage(ctx context.Context, req PackageRequest) (bgstatus.Payload, error) {
	if err := req.Validate(); err != nil {
		return nil, &RemoteError{Op: CmdPackageRequest, Err: err}
	}
	return c.required(ctx, CmdPackageRequest, req)
}

// Status fetches the current status of a job.
func (c *Client) Status(ctx context.Context, jobID string) (bgstatus.Payload, error) {
	return c.required(ctx, CmdGetStatus, map[string]any{"ID": jobID})
}

// Cancel asks the service to stop a job. The payload may be nil when the
// service does not echo the new status.
func (c *Client) Cancel(ctx context.Context, jobID string) (bgstatus.Payload, error) {
	return c.call(ctx, CmdCancel, map[string]any{"ID": jobID})
}

// Remove asks the service to forget a job.
func (c *Client) Remove(ctx context.Context, jobID string) error {
	_, err := c.call(ctx, CmdRemove, map[string]any{"ID": jobID})
	return err
}

// AddToBackground moves a job to background tracking and returns its status.
func (c *Client) AddToBackground(ctx context.Context, jobID string) (bgstatus.Payload, error) {
	return c.required(ctx, CmdAddToBg, map[string]any{"ID": jobID})
}

// SetEmail sets the notification address for the session.
func (c *Client) SetEmail(ctx context.Context, email string) error {
	_, err := c.call(ctx, CmdSetEmail, map[string]any{"EMAIL": email})
	return err
}

// SetNotification toggles completion mail for one job.
func (c *Client) SetNotification(ctx context.Context, jobID string, enable bool, email string) error {
	_, err := c.call(ctx, CmdSetNotif, map[string]any{
		"ID":         jobID,
		"SEND_NOTIF": enable,
		"EMAIL":      email,
	})
	return err
}

// Ping checks that the service answers on its command endpoint. Any status
// below 500 counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Head(c.baseURL + commandPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &RemoteError{Op: "ping", Err: ctxErr}
		}
		return &RemoteError{Op: "ping", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	if code := resp.StatusCode(); code >= 500 {
		return &RemoteError{Op: "ping", StatusCode: code, Err: ErrUnavailable}
	}
	return nil
}

func (c *Client) required(ctx context.Context, cmd string, body any) (bgstatus.Payload, error) {
	p, err := c.call(ctx, cmd, body)
	if err != nil {
		return nil, err
	}
	if p == nil {
		err = &RemoteError{Op: cmd, Err: ErrEmptyResponse}
		metrics.IncRemoteRequest(cmd, err)
		return nil, err
	}
	return p, nil
}

func (c *Client) call(ctx context.Context, cmd string, body any) (bgstatus.Payload, error) {
	p, err := c.do(ctx, cmd, body)
	metrics.IncRemoteRequest(cmd, err)
	if err != nil {
		c.logger.Debug("Remote command failed", zap.String("cmd", cmd), zap.Error(err))
	}
	return p, err
}

func (c *Client) do(ctx context.Context, cmd string, body any) (bgstatus.Payload, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("cmd", cmd).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(c.baseURL + commandPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &RemoteError{Op: cmd, Err: ctxErr}
		}
		return nil, &RemoteError{Op: cmd, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusNotFound:
		return nil, &RemoteError{Op: cmd, StatusCode: code, Err: ErrNotFound}
	case code == http.StatusTooManyRequests || code >= 500:
		return nil, &RemoteError{Op: cmd, StatusCode: code, Err: ErrUnavailable}
	case code >= 400:
		return nil, &RemoteError{Op: cmd, StatusCode: code, Err: fmt.Errorf("%w: %s", ErrInvalidRequest, errorMessage(resp.Body()))}
	}

	raw := resp.Body()
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var payload bgstatus.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &RemoteError{Op: cmd, StatusCode: code, Err: fmt.Errorf("decode response: %w", err)}
	}
	return payload, nil
}

// errorMessage extracts a message from an error body, falling back to the
// raw text.
func errorMessage(body []byte) string {
	var env struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &env) == nil {
		switch e := env.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
		if env.Message != "" {
			return env.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "request rejected"
	}
	return msg
}
