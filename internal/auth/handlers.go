package auth

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/transmission-proxy/internal/errors"
	"github.com/go-chi/chi/v5"
)

// loginCookie binds an OAuth2 callback to the browser that started the
// login.
const loginCookie = "_transmission_proxy_login"

const (
	// rateLimitPruneThreshold is the number of tracked IPs above which
	// the rate limiter prunes expired entries to prevent unbounded growth.
	rateLimitPruneThreshold = 1000

	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10
)

// loginPage lists the visible providers.
var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Transmission</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  a.provider {
    display: block;
    text-align: center;
    text-decoration: none;
    padding: 0.6rem;
    margin-bottom: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
  }
  a.provider:hover { background: #333; }
</style>
</head>
<body>
<div class="card">
  <h1>Transmission</h1>
  <p class="sub">Sign in to continue.</p>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  {{range .Providers}}<a class="provider" href="{{.URL}}">{{.Label}}</a>
  {{else}}<p class="sub">No sign-in method is available.</p>{{end}}
</div>
</body>
</html>`))

type loginEntry struct {
	Label string
	URL   string
}

type loginData struct {
	Providers []loginEntry
	Error     string
}

// CookieConfig scopes the cookies the login handlers set.
type CookieConfig struct {
	// BasePath is the mount path of the proxy, e.g. "/transmission".
	BasePath string
	Secure   bool
}

func (c CookieConfig) cookie(name, value, path string, maxAge time.Duration) *http.Cookie {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge > 0 {
		ck.MaxAge = int(maxAge.Seconds())
		ck.Expires = time.Now().Add(maxAge)
	} else {
		ck.MaxAge = -1
		ck.Expires = time.Unix(0, 0)
	}
	return ck
}

func (c CookieConfig) cookiePath() string {
	if c.BasePath == "" {
		return "/"
	}
	return c.BasePath
}

// LoginURL is the login page path.
func (c CookieConfig) LoginURL() string {
	return c.BasePath + "/login"
}

// defaultRedirect is where a login lands without redirect_to: the
// daemon's web interface under the mount path.
func (c CookieConfig) defaultRedirect() string {
	return c.BasePath + "/web/"
}

// safeRedirect accepts only local absolute paths so login cannot be used
// as an open redirect.
func (c CookieConfig) safeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") ||
		strings.HasPrefix(target, "//") || strings.HasPrefix(target, `/\`) {
		return c.defaultRedirect()
	}
	u, err := url.Parse(target)
	if err != nil || u.Host != "" || u.Scheme != "" {
		return c.defaultRedirect()
	}
	return target
}

func setPageHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.Header().Set("Cache-Control", "no-store")
}

// HandleLogin returns the login page handler. Callers who are already
// signed in are sent straight on to redirect_to.
func HandleLogin(resolver *Resolver, cookies CookieConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		redirectTo := cookies.safeRedirect(r.URL.Query().Get("redirect_to"))

		if id, err := resolver.Resolve(r); err == nil && !id.IsAnonymous() {
			http.Redirect(w, r, redirectTo, http.StatusFound)
			return
		}

		q := url.Values{"redirect_to": {redirectTo}}.Encode()

		var data loginData
		for _, p := range resolver.Providers().Visible() {
			switch p.Kind().Type {
			case ProviderBasic:
				data.Providers = append(data.Providers, loginEntry{
					Label: "Sign in with password",
					URL:   cookies.BasePath + "/auth/basic?" + q,
				})
			case ProviderOAuth2:
				data.Providers = append(data.Providers, loginEntry{
					Label: "Sign in with " + p.Kind().Label,
					URL:   cookies.BasePath + "/auth/" + url.PathEscape(p.Kind().Label) + "/login?" + q,
				})
			}
		}

		if r.URL.Query().Get("error") != "" {
			data.Error = "Sign-in failed. Please try again."
		}

		setPageHeaders(w)
		_ = loginPage.Execute(w, data)
	}
}

// HandleBasicLogin returns the /auth/basic handler. It challenges until
// the browser presents valid credentials, then converts them into a
// session cookie. Failed attempts count against limiter.
func HandleBasicLogin(resolver *Resolver, sessions *SessionSigner, cookies CookieConfig, limiter *LoginLimiter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !resolver.Providers().BasicEnabled() {
			http.NotFound(w, r)
			return
		}

		ip := remoteIP(r)
		if limiter.check(ip) {
			logger.Warn("login rate limited", slog.String("ip", ip))
			http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)

			return
		}

		id, err := resolver.Resolve(r)
		if err != nil {
			limiter.record(ip)
		}
		if err != nil || id.IsAnonymous() {
			w.Header().Set("WWW-Authenticate", BasicChallenge)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)

			return
		}

		if err := issueSession(w, sessions, cookies, id); err != nil {
			logger.Error("issuing session", slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)

			return
		}

		logger.Info("login successful", slog.String("identity", id.String()), slog.String("ip", ip))
		http.Redirect(w, r, cookies.safeRedirect(r.URL.Query().Get("redirect_to")), http.StatusFound)
	}
}

// HandleOAuth2Login returns the /auth/{provider}/login handler.
func HandleOAuth2Login(source ProviderSource, cookies CookieConfig, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "provider")

		p := source.Providers().OAuth2(name)
		if p == nil || !p.Enabled() {
			http.NotFound(w, r)
			return
		}

		authURL, loginID, err := p.Authorize(cookies.safeRedirect(r.URL.Query().Get("redirect_to")))
		if err != nil {
			logger.Warn("oauth2: starting login", slog.String("provider", name), slog.String("error", err.Error()))
			http.Error(w, "login unavailable, try again later", http.StatusServiceUnavailable)

			return
		}

		http.SetCookie(w, cookies.cookie(loginCookie, loginID, callbackPath(cookies, name), loginExpiry))
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// HandleOAuth2Callback returns the /auth/{provider}/callback handler.
func HandleOAuth2Callback(source ProviderSource, sessions *SessionSigner, cookies CookieConfig, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "provider")

		p := source.Providers().OAuth2(name)
		if p == nil || !p.Enabled() {
			http.NotFound(w, r)
			return
		}

		var loginID string
		if c, err := r.Cookie(loginCookie); err == nil {
			loginID = c.Value
		}
		http.SetCookie(w, cookies.cookie(loginCookie, "", callbackPath(cookies, name), 0))

		q := r.URL.Query()
		if issuerErr := q.Get("error"); issuerErr != "" {
			// Consume the pending login so it cannot be completed later.
			p.logins.Consume(loginID)
			logger.Info("oauth2: issuer returned error",
				slog.String("provider", name),
				slog.String("error", issuerErr),
			)
			http.Redirect(w, r, cookies.LoginURL()+"?error=1", http.StatusFound)

			return
		}

		id, redirectTo, err := p.Exchange(r.Context(), loginID, q.Get("state"), q.Get("code"))
		if err != nil {
			logger.Warn("oauth2: login failed",
				slog.String("provider", name),
				slog.String("ip", remoteIP(r)),
				slog.String("error", err.Error()),
			)

			if errors.Is(err, apperrors.ErrStateMismatch) {
				http.Error(w, "invalid or expired login attempt", http.StatusBadRequest)
				return
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)

			return
		}

		if err := issueSession(w, sessions, cookies, id); err != nil {
			logger.Error("issuing session", slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)

			return
		}

		logger.Info("login successful", slog.String("identity", id.String()))
		http.Redirect(w, r, cookies.safeRedirect(redirectTo), http.StatusFound)
	}
}

// HandleLogout clears the session cookie.
func HandleLogout(cookies CookieConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, cookies.cookie(SessionCookie, "", cookies.cookiePath(), 0))
		http.Redirect(w, r, cookies.LoginURL(), http.StatusFound)
	}
}

func callbackPath(cookies CookieConfig, name string) string {
	return cookies.BasePath + "/auth/" + name + "/callback"
}

func issueSession(w http.ResponseWriter, sessions *SessionSigner, cookies CookieConfig, id Identity) error {
	token, err := sessions.Issue(id)
	if err != nil {
		return err
	}
	http.SetCookie(w, cookies.cookie(SessionCookie, token, cookies.cookiePath(), sessions.TTL()))
	return nil
}

// LoginLimiter tracks failed login attempts per IP with a sliding
// window. After rateLimitMaxFail failures within the window, further
// attempts are rejected until the window expires.
type LoginLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func NewLoginLimiter() *LoginLimiter {
	return &LoginLimiter{
		failures: make(map[string][]time.Time),
	}
}

// check returns true if the IP is currently rate-limited.
func (rl *LoginLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *LoginLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], time.Now())
	rl.mu.Unlock()
}
