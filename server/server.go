// Package server implements the nine-endpoint OAuth broker state machine:
// the index/listing page, the StartLogin redirect, the provider callback
// that mints an AuthId, the CLI resource-owner path, the fetch-token poll,
// the privacy-policy redirect, the revoke flow, and the refresh endpoint.
// Routing and request-context plumbing use a gorilla/mux route table with
// request-id/remote-IP context injection ahead of every handler.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudauth/oauthbroker/cache"
	"github.com/cloudauth/oauthbroker/catalog"
	"github.com/cloudauth/oauthbroker/errs"
	oblog "github.com/cloudauth/oauthbroker/pkg/log"
	"github.com/cloudauth/oauthbroker/refresh"
	"github.com/cloudauth/oauthbroker/store"
	"github.com/cloudauth/oauthbroker/web"
)

// Config holds everything NewServer needs to assemble a Server. Multiple
// server instances sharing the same Store and Catalog are expected to be
// configured identically.
type Config struct {
	Hostname         string
	AppName          string
	DisplayName      string
	PrivacyPolicyURL string

	Catalog *catalog.Catalog
	Store   store.Store // nil is valid: every AuthId minted is then V2-only

	HTTPClient *http.Client
	Renderer   web.Renderer

	// Header to extract the real client IP from, when the broker sits
	// behind a trusted proxy.
	RealIPHeader       string
	TrustedRealIPCIDRs []netip.Prefix

	PrometheusRegistry *prometheus.Registry
	HealthChecker      gosundheit.Health

	Logger *slog.Logger
	Now    func() time.Time

	// AccessLogger, if set, receives one combined-log-format line per
	// request via handlers.CombinedLoggingHandler. Bridged through
	// pkg/log.Writer so any Logger implementation, including the legacy
	// Logrus adapter, can serve as the sink.
	AccessLogger oblog.Logger

	// WellKnownDir, if set, is served at /.well-known/* (ACME challenge
	// files). Populating the directory is a deployment concern; the
	// broker only mounts whatever directory it's pointed at.
	WellKnownDir string
}

// Server is the top-level HTTP handler, holding the three TTL caches and
// the collaborators each handler dispatches to.
type Server struct {
	catalog  *catalog.Catalog
	store    store.Store
	refresh  *refresh.Service
	renderer web.Renderer

	requestStates *cache.Cache[RequestState]
	fetchTokens   *cache.Cache[FetchTokenEntry]

	httpClient *http.Client

	appName          string
	displayName      string
	hostname         string
	privacyPolicyURL string

	realIPHeader string
	trustedCIDRs []netip.Prefix

	now    func() time.Time
	logger *slog.Logger
	mux    http.Handler
}

// NewServer builds a Server and its gorilla/mux route table.
func NewServer(c Config) (*Server, error) {
	if c.Catalog == nil {
		return nil, fmt.Errorf("server: catalog cannot be nil")
	}
	if c.HTTPClient == nil {
		return nil, fmt.Errorf("server: http client cannot be nil")
	}
	if c.Renderer == nil {
		return nil, fmt.Errorf("server: renderer cannot be nil")
	}
	if c.Hostname == "" {
		return nil, fmt.Errorf("server: hostname cannot be empty")
	}

	now := c.Now
	if now == nil {
		now = time.Now
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("starting oauth broker", "hostname", c.Hostname, "app_name", c.AppName)

	accessTokenCache := cache.New[refresh.CacheEntry](now)

	s := &Server{
		catalog: c.Catalog,
		store:   c.Store,
		refresh: &refresh.Service{
			Catalog:    c.Catalog,
			Store:      c.Store,
			Cache:      accessTokenCache,
			HTTPClient: c.HTTPClient,
			Now:        now,
		},
		renderer:         c.Renderer,
		requestStates:    cache.New[RequestState](now),
		fetchTokens:      cache.New[FetchTokenEntry](now),
		httpClient:       c.HTTPClient,
		appName:          c.AppName,
		displayName:      c.DisplayName,
		hostname:         c.Hostname,
		privacyPolicyURL: c.PrivacyPolicyURL,
		realIPHeader:     c.RealIPHeader,
		trustedCIDRs:     c.TrustedRealIPCIDRs,
		now:              now,
		logger:           logger,
	}

	m := newMetrics(c.PrometheusRegistry)

	r := mux.NewRouter().SkipClean(true)
	handle := func(p string, instrumentName string, h http.HandlerFunc, methods ...string) {
		r.HandleFunc(p, s.withRequestContext(m.instrument(instrumentName, h))).Methods(methods...)
	}

	handle("/", "index", s.handleIndex, http.MethodGet)
	handle("/login", "login", s.handleLogin, http.MethodGet)
	handle("/logged-in", "logged-in", s.handleLoggedIn, http.MethodGet)
	handle("/cli-token", "cli-token", s.handleCliTokenForm, http.MethodGet)
	handle("/cli-token-login", "cli-token-login", s.handleCliTokenLogin, http.MethodPost)
	handle("/fetch", "fetch", s.handleFetch, http.MethodGet)
	handle("/privacy-policy", "privacy-policy", s.handlePrivacyPolicy, http.MethodGet)
	handle("/revoke", "revoke", s.handleRevokeForm, http.MethodGet)
	handle("/revoked", "revoked", s.handleRevoke, http.MethodPost)
	handle("/refresh", "refresh", s.handleRefresh, http.MethodGet, http.MethodPost)

	if c.HealthChecker != nil {
		handle("/healthz", "healthz", s.handleHealthz(c.HealthChecker), http.MethodGet)
	}

	if c.WellKnownDir != "" {
		r.PathPrefix("/.well-known/").Handler(http.StripPrefix("/.well-known/", http.FileServer(http.Dir(c.WellKnownDir))))
	} else {
		handle("/.well-known/{rest:.*}", "well-known", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}, http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.renderHTMLError(w, http.StatusNotFound, "Not found")
	})

	var mux http.Handler = r
	if c.AccessLogger != nil {
		mux = handlers.CombinedLoggingHandler(oblog.Writer{Logger: c.AccessLogger}, mux)
	}
	s.mux = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(mux)

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type contextKey string

// RequestKeyRequestID and RequestKeyRemoteIP name the context values
// withRequestContext injects; cmd/oauth-broker's slog handler reads them
// back out to attach request_id and client_remote_addr to every log line.
const (
	RequestKeyRequestID contextKey = "request_id"
	RequestKeyRemoteIP  contextKey = "client_remote_addr"
)

// withRequestContext injects a request id and (when configured) the
// trusted client IP into the request context so every log line emitted
// while handling this request carries both.
func (s *Server) withRequestContext(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), RequestKeyRequestID, uuid.NewString())

		if s.realIPHeader != "" {
			if ip, ok := s.trustedRemoteIP(r); ok {
				ctx = context.WithValue(ctx, RequestKeyRemoteIP, ip)
			}
		}

		h(w, r.WithContext(ctx))
	}
}

func (s *Server) trustedRemoteIP(r *http.Request) (string, bool) {
	remoteAddr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", false
	}
	remoteIP, err := netip.ParseAddr(remoteAddr)
	if err != nil {
		return "", false
	}
	trusted := false
	for _, n := range s.trustedCIDRs {
		if n.Contains(remoteIP) {
			trusted = true
			break
		}
	}
	if !trusted {
		return remoteAddr, true
	}
	if v := r.Header.Get(s.realIPHeader); v != "" {
		if ip, err := netip.ParseAddr(v); err == nil {
			return ip.String(), true
		}
	}
	return remoteAddr, true
}

func (s *Server) handleHealthz(checker gosundheit.Health) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !checker.IsHealthy() {
			http.Error(w, "health check failed", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "ok")
	}
}

func (s *Server) logError(r *http.Request, err error) {
	cause := errs.Cause(err)
	s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", cause)
}
