// Package session pools one HTTP client per content source so that every
// download from a source shares the same transport, header policy and
// timeout budget.
package session

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rip-stream/ripstream/internal/config"
	"github.com/rip-stream/ripstream/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	tlsHandshakeTimeout   = 10 * time.Second
	defaultSessionTimeout = 90 * time.Second
)

// Manager hands out pooled *http.Client instances keyed by source name.
// Clients are created lazily on first request and cached until closed.
type Manager struct {
	cfg *config.Config
	tel *telemetry.Telemetry

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewManager(cfg *config.Config, tel *telemetry.Telemetry) *Manager {
	return &Manager{
		cfg:     cfg,
		tel:     tel,
		clients: make(map[string]*http.Client),
	}
}

// GetSession returns the pooled client for source, building one under the
// lock when none exists. Concurrent callers for the same source always
// receive the same client.
func (m *Manager) GetSession(source string) *http.Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.clients[source]; ok {
		return client
	}

	client := m.buildClient(source)
	m.clients[source] = client
	m.tel.IncrementActiveSessions()

	return client
}

// CloseSession drops the pooled client for source and releases its idle
// connections. Closing an unknown source is a no-op. The next GetSession
// for the source builds a fresh client.
func (m *Manager) CloseSession(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[source]
	if !ok {
		return
	}

	client.CloseIdleConnections()
	delete(m.clients, source)
	m.tel.DecrementActiveSessions()
}

// CloseAll tears down every pooled client. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for source, client := range m.clients {
		client.CloseIdleConnections()
		delete(m.clients, source)
		m.tel.DecrementActiveSessions()
	}
}

// ActiveSessions returns the number of currently pooled clients.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.clients)
}

func (m *Manager) buildClient(source string) *http.Client {
	behavior := m.cfg.BehaviorFor(source)

	total := behavior.Timeout
	if total <= 0 {
		total = 2 * time.Minute
	}

	var rt http.RoundTripper = otelhttp.NewTransport(m.buildTransport(source, total))

	headers := m.cfg.HeadersFor(source)
	if m.cfg.UserAgent != "" {
		headers["User-Agent"] = m.cfg.UserAgent
	}
	rt = &headerTransport{base: rt, headers: headers}

	if token := m.cfg.TokenFor(source); token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   rt,
		}
	}

	return &http.Client{
		Timeout:   total,
		Transport: rt,
	}
}

// buildTransport derives the connect and response-header budgets from the
// total request timeout so a stalled dial or slow upstream fails well before
// the whole budget. Idle pooled connections live for SessionTimeout before
// being torn down.
func (m *Manager) buildTransport(source string, total time.Duration) *http.Transport {
	connect := total / 4
	if connect < time.Second {
		connect = time.Second
	}
	header := total / 2

	dialer := &net.Dialer{Timeout: connect}

	idle := m.cfg.SessionTimeout
	if idle <= 0 {
		idle = defaultSessionTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          m.cfg.MaxConcurrentDownloads * 2,
		MaxIdleConnsPerHost:   m.cfg.MaxConcurrentDownloads,
		MaxConnsPerHost:       m.cfg.MaxConcurrentDownloads,
		IdleConnTimeout:       idle,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: header,
		DisableCompression:    !m.cfg.EnableCompression,
	}

	if !m.cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
		slog.Warn("TLS certificate verification disabled", "source", source)
	}

	return transport
}

// headerTransport stamps default headers onto outgoing requests without
// overriding values the caller set explicitly.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	// RoundTrippers must not mutate the caller's request.
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		if clone.Header.Get(k) == "" {
			clone.Header.Set(k, v)
		}
	}

	return base.RoundTrip(clone)
}
