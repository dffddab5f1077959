package ipc

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Per-transport clients keep Timeout at zero; every request carries a
// context deadline applied in do.

func newHTTPClient(cfg Config) *httpDoer {
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &httpDoer{
		baseURL: "http://" + cfg.HostPort,
		host:    cfg.HostPort,
		id:      cfg.ID,
		timeout: cfg.CallTimeout,
		cli:     &http.Client{Transport: tr, Timeout: 0},
	}
}

func newUDSClient(cfg Config) *httpDoer {
	path := cfg.SocketPath
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &httpDoer{
		// The authority part is ignored once DialContext pins the socket.
		baseURL: "http://unix",
		host:    path,
		id:      cfg.ID,
		timeout: cfg.CallTimeout,
		cli:     &http.Client{Transport: tr, Timeout: 0},
	}
}
