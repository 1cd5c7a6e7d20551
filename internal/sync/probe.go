// Package sync drives the reconciliation loop between the local store,
// the pending queue and the remote system of record.
package sync

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// ConnectivityProbe reports whether the network is reachable. It is an
// injected capability so trigger logic is testable without a real
// network stack.
type ConnectivityProbe interface {
	IsOnline(ctx context.Context) bool
}

// HTTPProbe checks reachability by issuing a HEAD request against a
// well-known URL.
type HTTPProbe struct {
	url        string
	httpClient *http.Client
}

// NewHTTPProbe creates a probe against the given URL.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// IsOnline implements ConnectivityProbe. Any response, including an error
// status, proves reachability; only a transport failure means offline.
func (p *HTTPProbe) IsOnline(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// StaticProbe is a settable probe for tests and forced-offline mode.
type StaticProbe struct {
	online atomic.Bool
}

// NewStaticProbe creates a StaticProbe with an initial state.
func NewStaticProbe(online bool) *StaticProbe {
	p := &StaticProbe{}
	p.online.Store(online)
	return p
}

// SetOnline changes the probe state.
func (p *StaticProbe) SetOnline(online bool) {
	p.online.Store(online)
}

// IsOnline implements ConnectivityProbe.
func (p *StaticProbe) IsOnline(context.Context) bool {
	return p.online.Load()
}
