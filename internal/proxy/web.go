package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/alexjbarnes/transmission-proxy/internal/auth"
)

// WebConfig configures the web interface pass-through.
type WebConfig struct {
	// Target is the daemon's web interface, e.g.
	// http://localhost:9091/transmission/web.
	Target *url.URL

	// Upstream credentials, if the daemon requires them.
	Username string
	Password string

	// LoginURL is where browsers without access are sent.
	LoginURL string
}

// NewWebHandler serves the daemon's web interface to callers the policy
// admits. Mount it with the public prefix stripped. It must run behind
// auth.Middleware.
func NewWebHandler(cfg WebConfig, policy PolicySource, providers auth.ProviderSource, logger *slog.Logger) http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(cfg.Target)
			pr.Out.Host = cfg.Target.Host

			// The daemon never sees the caller's credentials.
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
			if cfg.Username != "" || cfg.Password != "" {
				pr.Out.SetBasicAuth(cfg.Username, cfg.Password)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			// A daemon challenge would prompt for the daemon's credentials.
			resp.Header.Del("WWW-Authenticate")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("web interface unavailable",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)

			return
		}

		id := auth.RequestIdentity(r.Context())
		if !policy.Engine().Admits(id) {
			if id.IsAnonymous() {
				auth.Challenge(w, r, providers.Providers(), cfg.LoginURL)
				return
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)

			return
		}

		rp.ServeHTTP(w, r)
	})
}
