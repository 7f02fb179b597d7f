package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/transmission-proxy/internal/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const (
	// stateBytes is the number of random bytes in an anti-forgery state
	// token (hex-encoded to twice this length).
	stateBytes = 16

	// maxUserinfoBytes caps userinfo response reads.
	maxUserinfoBytes = 1024 * 1024
)

// OAuth2Config configures one authorization-code provider.
type OAuth2Config struct {
	Name         string `yaml:"name" validate:"required,excludesall=/?#%"`
	Enabled      bool   `yaml:"enabled"`
	Visible      bool   `yaml:"visible"`
	AuthURL      string `yaml:"auth_url" validate:"required,url"`
	TokenURL     string `yaml:"token_url" validate:"required,url"`
	UserinfoURL  string `yaml:"userinfo_url" validate:"required,url"`
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret"`

	// EmailPath is a gjson path into the userinfo document, e.g. "email"
	// or "emails.0.value".
	EmailPath string `yaml:"email_path" validate:"required"`

	// Scopes is space separated.
	Scopes string `yaml:"scopes"`
}

// OAuth2Provider runs the authorization-code flow with PKCE against one
// issuer and names the caller by the email in its userinfo document.
type OAuth2Provider struct {
	cfg        OAuth2Config
	oauth      *oauth2.Config
	logins     *LoginStore
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOAuth2Provider builds a provider whose callback is
// <publicURL>/auth/<name>/callback. Pending logins go to logins.
func NewOAuth2Provider(cfg OAuth2Config, publicURL string, logins *LoginStore, httpClient *http.Client, logger *slog.Logger) *OAuth2Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &OAuth2Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: CallbackURL(publicURL, cfg.Name),
			Scopes:      strings.Fields(cfg.Scopes),
		},
		logins:     logins,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CallbackURL is the redirect URI registered with the issuer.
func CallbackURL(publicURL, name string) string {
	return strings.TrimRight(publicURL, "/") + "/auth/" + name + "/callback"
}

func (p *OAuth2Provider) Name() string       { return p.cfg.Name }
func (p *OAuth2Provider) Kind() ProviderKind { return OAuth2(p.cfg.Name) }
func (p *OAuth2Provider) Enabled() bool      { return p.cfg.Enabled }
func (p *OAuth2Provider) Visible() bool      { return p.cfg.Enabled && p.cfg.Visible }

// Authorize starts a login. It returns the issuer URL to send the
// browser to and the id of the pending login, which the callback must
// present together with the state the issuer echoes.
func (p *OAuth2Provider) Authorize(redirectTo string) (authURL, loginID string, err error) {
	if !p.cfg.Enabled {
		return "", "", apperrors.ErrProviderDisabled
	}

	state := RandomHex(stateBytes)
	verifier := oauth2.GenerateVerifier()

	loginID, err = p.logins.Save(&PendingLogin{
		Provider:   p.cfg.Name,
		State:      state,
		Verifier:   verifier,
		RedirectTo: redirectTo,
	})
	if err != nil {
		return "", "", err
	}

	return p.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), loginID, nil
}

// Exchange completes a login. The pending login is consumed whatever the
// outcome, so a callback can only be replayed into a failure.
func (p *OAuth2Provider) Exchange(ctx context.Context, loginID, state, code string) (Identity, string, error) {
	if !p.cfg.Enabled {
		return Anonymous, "", apperrors.ErrProviderDisabled
	}

	pending := p.logins.Consume(loginID)
	if pending == nil || pending.Provider != p.cfg.Name || state == "" ||
		subtle.ConstantTimeCompare([]byte(pending.State), []byte(state)) != 1 {
		return Anonymous, "", apperrors.ErrStateMismatch
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return Anonymous, "", fmt.Errorf("%w: %v", apperrors.ErrTokenExchange, err)
	}

	name, err := p.fetchEmail(ctx, token)
	if err != nil {
		return Anonymous, "", err
	}

	return Identity{Provider: p.Kind(), Name: name}, pending.RedirectTo, nil
}

// fetchEmail reads the userinfo document and applies the email path.
func (p *OAuth2Provider) fetchEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserinfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %v", apperrors.ErrUserinfo, err)
	}
	req.Header.Set("Accept", "application/json")
	token.SetAuthHeader(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrUserinfo, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserinfoBytes))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", apperrors.ErrUserinfo, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", apperrors.ErrUserinfo, resp.StatusCode)
	}

	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: response is not JSON", apperrors.ErrUserinfo)
	}

	email := gjson.GetBytes(body, p.cfg.EmailPath)
	if email.Type != gjson.String || email.String() == "" {
		p.logger.Debug("oauth2: email path matched nothing",
			slog.String("provider", p.cfg.Name),
			slog.String("email_path", p.cfg.EmailPath),
		)
		return "", apperrors.ErrMissingEmail
	}

	return email.String(), nil
}
