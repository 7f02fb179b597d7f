package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

const (
	// maxResponseBytes caps response body reads. torrent-get over a large
	// library can run to several megabytes.
	maxResponseBytes = 64 * 1024 * 1024

	defaultTimeout = 30 * time.Second

	// firstTag matches the tag sequence the daemon's own web client uses.
	firstTag = 57680
)

// Metrics observes client activity. A nil Metrics disables observation.
type Metrics interface {
	ObserveCall(method, outcome string, d time.Duration)
	SessionRefreshed()
}

// Client talks to one daemon endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	session    *Session
	username   string
	password   string
	logger     *slog.Logger
	metrics    Metrics
	tag        atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBasicAuth sends credentials on every upstream call, for daemons
// with rpc-authentication-required set.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithMetrics attaches a Metrics observer.
func WithMetrics(m Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a client for the daemon RPC endpoint, sharing the
// given session token cell. A nil session gets a private one.
func NewClient(endpoint string, session *Session, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing daemon endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("daemon endpoint must be http or https, got %q", endpoint)
	}

	if session == nil {
		session = NewSession()
	}

	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		endpoint:   u.String(),
		session:    session,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tag.Store(firstTag - 1)

	return c, nil
}

// Session returns the shared session token cell.
func (c *Client) Session() *Session {
	return c.session
}

// Do sends req as-is and returns the daemon's response. A session
// conflict is resolved by installing the token from the conflict response
// and retrying once; a second conflict fails with ErrSessionNegotiation.
//
// A response whose result is not "success" is returned together with a
// *RemoteError.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := c.do(ctx, req)
	c.observe(req.Method, err, time.Since(start))
	return resp, err
}

func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}

	token := c.session.Token()

	status, header, body, err := c.send(ctx, payload, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusConflict {
		fresh := header.Get(SessionHeader)
		if fresh == "" {
			return nil, fmt.Errorf("%w: conflict without %s header", ErrSessionNegotiation, SessionHeader)
		}

		token = c.session.Update(token, fresh)
		if c.metrics != nil {
			c.metrics.SessionRefreshed()
		}
		c.logger.Debug("rpc: session token refreshed", slog.String("method", req.Method))

		status, _, body, err = c.send(ctx, payload, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusConflict {
			return nil, ErrSessionNegotiation
		}
	}

	if status < 200 || status > 299 {
		return nil, &HTTPError{StatusCode: status, Body: sanitizeResponseBody(body)}
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if out.Result == "" {
		return nil, fmt.Errorf("%w: missing result", ErrMalformed)
	}
	if out.Result != ResultSuccess {
		return &out, &RemoteError{Result: out.Result, Response: &out}
	}

	return &out, nil
}

// send performs one POST. Only network and read failures are errors;
// every status is returned to the caller.
func (c *Client) send(ctx context.Context, payload []byte, token string) (int, http.Header, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set(SessionHeader, token)
	}
	if c.username != "" || c.password != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, nil, &TransportError{Err: fmt.Errorf("sending request to %s: %w", c.endpoint, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, &TransportError{Err: fmt.Errorf("reading response from %s: %w", c.endpoint, err)}
	}

	return resp.StatusCode, resp.Header, body, nil
}

// Call invokes method with args and decodes the result arguments into
// out. Either args or out may be nil. Calls are tagged from a private
// counter and the echoed tag is checked.
func (c *Client) Call(ctx context.Context, method string, args, out any) error {
	req := &Request{Method: method}

	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshalling %s arguments: %w", method, err)
		}
		if err := json.Unmarshal(raw, &req.Arguments); err != nil {
			return fmt.Errorf("%s arguments must be an object: %w", method, err)
		}
	}

	tag := int(c.tag.Add(1))
	req.Tag = &tag

	resp, err := c.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}

	if resp.Tag == nil || *resp.Tag != tag {
		return fmt.Errorf("calling %s: %w", method, ErrTagMismatch)
	}

	if out != nil && len(resp.Arguments) > 0 {
		if err := json.Unmarshal(resp.Arguments, out); err != nil {
			return fmt.Errorf("decoding %s result: %w: %v", method, ErrMalformed, err)
		}
	}

	return nil
}

func (c *Client) observe(method string, err error, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveCall(method, Outcome(err), d)
}

// Outcome classifies err into a short label for metrics and logs.
func Outcome(err error) string {
	var (
		transportErr *TransportError
		httpErr      *HTTPError
		remoteErr    *RemoteError
	)

	switch {
	case err == nil:
		return "success"
	case errors.As(err, &remoteErr):
		return "remote"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &httpErr):
		return "http"
	case errors.Is(err, ErrSessionNegotiation):
		return "session"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "error"
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]
			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}
		body = body[size:]
	}

	return string(clean)
}
