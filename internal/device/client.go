package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrNoAddress      = errors.New("device address is empty")
	ErrInvalidAddress = errors.New("device address is invalid")
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeTimeout Outcome = "timeout"
	OutcomeFailure Outcome = "failure"
)

// Result is the outcome of one best-effort request. Callers are free to ignore it.
type Result struct {
	Outcome    Outcome       `json:"outcome"`
	StatusCode int           `json:"status_code,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// Client talks to the relay firmware over plain HTTP. Response bodies are never
// interpreted; any HTTP response counts as delivered.
type Client struct {
	address string
	client  *http.Client
}

func NewClient(address string) *Client {
	return &Client{
		address: strings.TrimSpace(address),
		client:  &http.Client{},
	}
}

func (c *Client) Address() string {
	return c.address
}

// SetRelay issues GET /relay?state=<0|1> bounded by timeout.
func (c *Client) SetRelay(ctx context.Context, on bool, timeout time.Duration) Result {
	state := "0"
	if on {
		state = "1"
	}
	return c.get(ctx, "/relay", url.Values{"state": {state}}, timeout)
}

// Probe issues GET / bounded by timeout.
func (c *Client) Probe(ctx context.Context, timeout time.Duration) Result {
	return c.get(ctx, "/", nil, timeout)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, timeout time.Duration) Result {
	start := time.Now()

	endpoint, err := BuildURL(c.address, path, query)
	if err != nil {
		return Result{Outcome: OutcomeFailure, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{Outcome: OutcomeFailure, Err: fmt.Errorf("device request: %w", err)}
	}

	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		outcome := OutcomeFailure
		if isTimeout(err) {
			outcome = OutcomeTimeout
		}
		return Result{Outcome: outcome, Duration: elapsed, Err: fmt.Errorf("device request failed: %w", err)}
	}
	resp.Body.Close()

	return Result{Outcome: OutcomeSuccess, StatusCode: resp.StatusCode, Duration: elapsed}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// BuildURL turns a bare host[:port] address into an http URL for path.
func BuildURL(address, path string, query url.Values) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", ErrNoAddress
	}
	if strings.ContainsAny(address, "/?# ") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	u, err := url.Parse("http://" + address)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	u.Path = path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}
