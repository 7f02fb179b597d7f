package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// BasicChallenge is sent with 401 responses when Basic credentials can
// succeed.
const BasicChallenge = `Basic realm="Transmission", charset="UTF-8"`

type contextKey int

const (
	ctxIdentity contextKey = iota
	ctxRemoteIP
)

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

// RequestIdentity returns the resolved identity from the context, or
// Anonymous.
func RequestIdentity(ctx context.Context) Identity {
	v, _ := ctx.Value(ctxIdentity).(Identity)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware resolves the caller and stores the identity in the request
// context. Requests with bad credentials are challenged and never reach
// next. Anonymous requests pass through; authorization is decided
// downstream.
func Middleware(resolver *Resolver, logger *slog.Logger, loginURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			id, err := resolver.Resolve(r)
			if err != nil {
				logger.Debug("middleware: authentication failed",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				Challenge(w, r, resolver.Providers(), loginURL)

				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxIdentity, id)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Challenge answers a request that needs (other) credentials. Browsers
// navigating to a page are sent to the login page; other clients get a
// 401, with a Basic challenge when Basic credentials can succeed.
func Challenge(w http.ResponseWriter, r *http.Request, providers *Providers, loginURL string) {
	if loginURL != "" && wantsHTML(r) {
		target := loginURL + "?" + url.Values{"redirect_to": {r.URL.RequestURI()}}.Encode()
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	if providers != nil && providers.BasicEnabled() {
		w.Header().Set("WWW-Authenticate", BasicChallenge)
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// wantsHTML reports whether r is a browser page navigation.
func wantsHTML(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
