// Package httpkit builds the outbound HTTP client used to reach the
// inference endpoint and carries a few small response helpers.
//
// Inference calls are long: a non-streaming completion may not send
// headers for minutes. Overall deadlines therefore belong to the
// caller's context, and the client itself only bounds connection setup.
package httpkit

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/lamrelay/internal/buildinfo"
)

const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second

	// DefaultMaxIdleConnsPerHost matches the usual permit pool size so
	// concurrent inference calls reuse warm connections.
	DefaultMaxIdleConnsPerHost = 16
	DefaultMaxIdleConns        = 32
)

// ClientOption configures a Client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	responseHeader        time.Duration
	userAgent             string
	headers               http.Header
	tlsInsecureSkipVerify bool
}

// WithResponseHeaderTimeout bounds the wait for response headers after
// the request is written. Zero disables it.
func WithResponseHeaderTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.responseHeader = d }
}

// WithHeader adds a header to every request that does not already set it.
func WithHeader(key, value string) ClientOption {
	return func(c *clientConfig) {
		if c.headers == nil {
			c.headers = make(http.Header)
		}
		c.headers.Set(key, value)
	}
}

// WithTLSInsecureSkipVerify skips TLS certificate verification.
// Use only for lab endpoints with self-signed certificates.
func WithTLSInsecureSkipVerify() ClientOption {
	return func(c *clientConfig) { c.tlsInsecureSkipVerify = true }
}

// NewTransport creates an http.Transport with explicit dial and TLS
// timeouts and a connection pool sized for concurrent inference.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		MaxIdleConns:        DefaultMaxIdleConns,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:   true,
	}
}

// NewClient builds an *http.Client with the shared transport and the
// lamrelay User-Agent.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	t := NewTransport()
	t.ResponseHeaderTimeout = cfg.responseHeader

	if cfg.tlsInsecureSkipVerify {
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // explicit opt-in
	}

	headers := cfg.headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	if cfg.userAgent != "" {
		headers.Set("User-Agent", cfg.userAgent)
	}

	return &http.Client{
		Transport: &headerTransport{base: t, headers: headers},
	}
}

// headerTransport injects default headers on every request unless the
// request already carries them.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var cloned bool
	for k, vs := range t.headers {
		if req.Header.Get(k) != "" {
			continue
		}
		if !cloned {
			// RoundTrippers must not mutate the caller's request.
			req = req.Clone(req.Context())
			cloned = true
		}
		req.Header[k] = vs
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes from rc for error messages,
// then drains and closes the remainder. Returns "" if rc is nil.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

// IsConnectionError reports whether err is a dial-level failure
// (refused, unreachable, DNS) where the request never reached the server.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	return false
}
