// Package server assembles the proxy's HTTP surface.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/alexjbarnes/transmission-proxy/internal/acl"
	"github.com/alexjbarnes/transmission-proxy/internal/auth"
	"github.com/alexjbarnes/transmission-proxy/internal/config"
	"github.com/alexjbarnes/transmission-proxy/internal/metrics"
	"github.com/alexjbarnes/transmission-proxy/internal/proxy"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Policy yields the current rules and providers as one snapshot.
type Policy interface {
	Snapshot() *config.Snapshot
}

// Config holds dependencies for building the router.
type Config struct {
	// BasePath prefixes every proxy route, e.g. "/transmission".
	BasePath      string
	SecureCookies bool

	Policy   Policy
	Sessions *auth.SessionSigner
	Upstream proxy.Forwarder
	Dirs     *proxy.Dirs

	// Web serves the daemon's web interface when set.
	Web *proxy.WebConfig

	// CSRFToken enables the inbound session-id handshake when set.
	CSRFToken string

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter builds the router. Proxy routes live under BasePath;
// /healthz and /metrics stay at the root.
//
// Routes under BasePath:
//   - POST /rpc - mediated daemon RPC
//   - GET /web/* - daemon web interface
//   - GET /login, /logout - login page and sign out
//   - GET /auth/basic - Basic login converted into a session cookie
//   - GET /auth/{provider}/login, /auth/{provider}/callback - OAuth2
//
// Every request is served from a single policy snapshot: the routes are
// rebuilt against a new snapshot the first time a request sees it, so
// authentication and authorization never mix two policies.
func NewRouter(cfg Config) http.Handler {
	return &router{cfg: cfg, limiter: auth.NewLoginLimiter()}
}

type router struct {
	cfg     Config
	limiter *auth.LoginLimiter

	mu      sync.Mutex
	snap    *config.Snapshot
	handler http.Handler
}

func (rt *router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.handlerFor(rt.cfg.Policy.Snapshot()).ServeHTTP(w, r)
}

func (rt *router) handlerFor(snap *config.Snapshot) http.Handler {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.handler == nil || rt.snap != snap {
		rt.snap = snap
		rt.handler = rt.build(pinned{snap: snap})
	}
	return rt.handler
}

// pinned serves a fixed snapshot.
type pinned struct {
	snap *config.Snapshot
}

func (p pinned) Engine() *acl.Engine        { return p.snap.Engine }
func (p pinned) Providers() *auth.Providers { return p.snap.Providers }

func (rt *router) build(policy pinned) http.Handler {
	cfg := rt.cfg
	cookies := auth.CookieConfig{BasePath: cfg.BasePath, Secure: cfg.SecureCookies}
	loginURL := cookies.LoginURL()
	resolver := auth.NewResolver(policy, cfg.Sessions, cfg.Logger)

	opts := []proxy.Option{proxy.WithMetrics(cfg.Metrics)}
	if cfg.CSRFToken != "" {
		opts = append(opts, proxy.WithCSRFToken(cfg.CSRFToken))
	}
	mediator := proxy.NewMediator(policy, policy, cfg.Upstream, cfg.Dirs, cfg.Logger, opts...)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(cfg.Gatherer))
	}

	routes := func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			target := loginURL + "?" + url.Values{"redirect_to": {cfg.BasePath + "/web/"}}.Encode()
			http.Redirect(w, req, target, http.StatusFound)
		})

		r.Get("/login", auth.HandleLogin(resolver, cookies))
		r.Get("/logout", auth.HandleLogout(cookies))
		r.Get("/auth/basic", auth.HandleBasicLogin(resolver, cfg.Sessions, cookies, rt.limiter, cfg.Logger))
		r.Get("/auth/{provider}/login", auth.HandleOAuth2Login(policy, cookies, cfg.Logger))
		r.Get("/auth/{provider}/callback", auth.HandleOAuth2Callback(policy, cfg.Sessions, cookies, cfg.Logger))

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(resolver, cfg.Logger, loginURL))

			r.Handle("/rpc", mediator)

			if cfg.Web != nil {
				web := proxy.NewWebHandler(*cfg.Web, policy, policy, cfg.Logger)
				r.Handle("/web/*", http.StripPrefix(cfg.BasePath+"/web", web))
				r.Get("/web", func(w http.ResponseWriter, req *http.Request) {
					http.Redirect(w, req, cfg.BasePath+"/web/", http.StatusMovedPermanently)
				})
			}
		})
	}

	if cfg.BasePath == "" {
		routes(r)
	} else {
		r.Route(cfg.BasePath, routes)
	}

	return r
}

// requestLogger logs each request on completion with its request id.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
