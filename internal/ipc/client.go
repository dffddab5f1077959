// Package ipc is the request/response channel to a running engine process,
// over either a loopback TCP endpoint or a unix domain socket. Callers pick
// the transport through Config; everything above depends only on Client.
package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client is the capability surface a supervised server exposes to the rest
// of the system. Implementations are safe for concurrent use.
type Client interface {
	// Get issues a GET and returns the response body. Non-2xx responses
	// surface as RemoteError.
	Get(ctx context.Context, path string) ([]byte, error)
	// Post issues a JSON POST and returns the response body.
	Post(ctx context.Context, path string, body []byte) ([]byte, error)
	// Stop sends a best-effort shutdown signal. A dead or unreachable
	// server is not an error.
	Stop(ctx context.Context) error
	// Host is the advertised endpoint (host:port or socket path).
	Host() string
	// ID is the stable server identity this client is bound to.
	ID() string
}

// Config selects and parameterizes a transport.
type Config struct {
	// HostPort is the loopback endpoint, e.g. "127.0.0.1:8334". Mutually
	// exclusive with SocketPath.
	HostPort string
	// SocketPath is the unix domain socket path.
	SocketPath string
	// CallTimeout bounds each call when the caller's context carries no
	// deadline of its own.
	CallTimeout time.Duration
	// ID is the stable identity of the server behind the endpoint.
	ID string
}

const defaultCallTimeout = 30 * time.Second

// New builds a Client for the configured transport.
func New(cfg Config) (Client, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	switch {
	case cfg.HostPort != "" && cfg.SocketPath != "":
		return nil, &SetupError{Reason: "both host:port and socket path configured"}
	case cfg.HostPort != "":
		if _, _, err := net.SplitHostPort(cfg.HostPort); err != nil {
			return nil, &SetupError{Reason: fmt.Sprintf("bad endpoint %q: %v", cfg.HostPort, err)}
		}
		return newHTTPClient(cfg), nil
	case cfg.SocketPath != "":
		return newUDSClient(cfg), nil
	default:
		return nil, &SetupError{Reason: "no endpoint configured"}
	}
}

// httpDoer is the shared request path of both transports; only the dial
// target and the advertised host differ.
type httpDoer struct {
	baseURL string
	host    string
	id      string
	timeout time.Duration
	cli     *http.Client
}

func (d *httpDoer) Host() string { return d.host }
func (d *httpDoer) ID() string   { return d.id }

func (d *httpDoer) Get(ctx context.Context, path string) ([]byte, error) {
	return d.do(ctx, http.MethodGet, path, nil)
}

func (d *httpDoer) Post(ctx context.Context, path string, body []byte) ([]byte, error) {
	return d.do(ctx, http.MethodPost, path, body)
}

func (d *httpDoer) Stop(ctx context.Context) error {
	_, err := d.do(ctx, http.MethodPost, "/stop", nil)
	if err == nil {
		return nil
	}
	// The server tearing down mid-response or already being gone is the
	// expected outcome of a stop.
	if IsIO(err) {
		return nil
	}
	if re, ok := IsRemote(err); ok && re.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func (d *httpDoer) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	timeout := d.timeout
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	} else if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, rd)
	if err != nil {
		return nil, &SetupError{Reason: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.cli.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{After: timeout}
		}
		return nil, &IOError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{After: timeout}
		}
		return nil, &IOError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return data, &RemoteError{Code: resp.StatusCode, Message: remoteMessage(data)}
	}
	return data, nil
}

// isTimeout covers both a context deadline and a transport-level timeout,
// such as the dialer's own limit firing before the deadline.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// remoteMessage pulls a human-readable message out of an error body. The
// engine wraps errors as {"error": {"code": n, "message": "..."}}; plain
// text bodies pass through as-is.
func remoteMessage(data []byte) string {
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	return strings.TrimSpace(string(data))
}

// GetJSON issues a GET and decodes the response into out.
func GetJSON(ctx context.Context, c Client, path string, out any) error {
	data, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &SerdeError{Err: err}
	}
	return nil
}

// PostJSON marshals in, issues a POST, and decodes the response into out
// when out is non-nil.
func PostJSON(ctx context.Context, c Client, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &SerdeError{Err: err}
	}
	data, err := c.Post(ctx, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &SerdeError{Err: err}
	}
	return nil
}
