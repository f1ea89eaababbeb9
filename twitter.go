package dualauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dghubble/oauth1"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// ProviderIdentity is the provider account the user authorized as.
type ProviderIdentity struct {
	ID       string
	Username string
	Name     string
	Email    string
}

// OAuth1Credentials are long-lived OAuth1 access credentials.
type OAuth1Credentials struct {
	AccessToken       string
	AccessTokenSecret string
}

// OAuth2Credentials are the tokens returned by an OAuth2 code exchange.
type OAuth2Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// OAuth1Provider is the provider side of the three-legged OAuth1.0a flow.
type OAuth1Provider interface {
	RequestToken(ctx context.Context) (token, secret, authorizationURL string, err error)
	AccessToken(ctx context.Context, requestToken, requestSecret, verifier string) (*OAuth1Credentials, error)
	IdentityOAuth1(ctx context.Context, creds *OAuth1Credentials) (*ProviderIdentity, error)
}

// OAuth2Provider is the provider side of the authorization code flow with PKCE.
type OAuth2Provider interface {
	AuthCodeURL(state, codeVerifier, redirectURI string) string
	Exchange(ctx context.Context, code, codeVerifier, redirectURI string) (*OAuth2Credentials, error)
	IdentityOAuth2(ctx context.Context, creds *OAuth2Credentials) (*ProviderIdentity, error)
}

// TwitterProvider talks to Twitter with both protocols. Errors it returns
// are already classified as *Error.
type TwitterProvider struct {
	settings Settings
	client   *http.Client
	logger   zerolog.Logger
	metrics  *Metrics
}

// NewTwitterProvider returns a provider using client for all requests.
func NewTwitterProvider(settings Settings, client *http.Client, logger zerolog.Logger, metrics *Metrics) *TwitterProvider {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &TwitterProvider{
		settings: settings,
		client:   client,
		logger:   logger.With().Str("provider", ProviderTwitter).Logger(),
		metrics:  metrics,
	}
}

// statusRecorder remembers the status of the last response so failures of
// the oauth1 library, which only returns opaque errors, can be classified.
// It also binds requests to ctx, which the library does not do itself.
type statusRecorder struct {
	ctx    context.Context
	base   http.RoundTripper
	status int
}

func (s *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := s.base.RoundTrip(req.WithContext(s.ctx))
	if err == nil {
		s.status = resp.StatusCode
	}
	return resp, err
}

func (p *TwitterProvider) recorder(ctx context.Context) *statusRecorder {
	base := p.client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &statusRecorder{ctx: ctx, base: base}
}

func (p *TwitterProvider) oauth1Config(rec *statusRecorder) *oauth1.Config {
	config := &oauth1.Config{
		ConsumerKey:    p.settings.TwitterAPIKey,
		ConsumerSecret: p.settings.TwitterAPISecret,
		CallbackURL:    p.settings.TwitterOAuth1CallbackURL,
		Endpoint: oauth1.Endpoint{
			RequestTokenURL: p.settings.TwitterRequestTokenURL,
			AuthorizeURL:    p.settings.TwitterAuthorizeURL,
			AccessTokenURL:  p.settings.TwitterAccessTokenURL,
		},
	}
	if rec != nil {
		config.HTTPClient = &http.Client{Transport: rec, Timeout: p.client.Timeout}
	}
	return config
}

// RequestToken obtains temporary credentials and the URL the user must visit.
func (p *TwitterProvider) RequestToken(ctx context.Context) (string, string, string, error) {
	if !p.settings.oauth1Configured() {
		return "", "", "", newError(KindInternal, errors.New("twitter api key not configured"))
	}

	rec := p.recorder(ctx)
	config := p.oauth1Config(rec)

	done := p.metrics.observeProvider("oauth1_request_token")
	token, secret, err := config.RequestToken()
	done()
	if err != nil {
		p.logger.Error().Err(err).Int("status", rec.status).Msg("request token failed")
		return "", "", "", newError(KindProviderUnavailable, err)
	}

	authURL, err := config.AuthorizationURL(token)
	if err != nil {
		return "", "", "", newError(KindInternal, err)
	}

	return token, secret, authURL.String(), nil
}

// AccessToken exchanges the verifier for access credentials.
func (p *TwitterProvider) AccessToken(ctx context.Context, requestToken, requestSecret, verifier string) (*OAuth1Credentials, error) {
	rec := p.recorder(ctx)
	config := p.oauth1Config(rec)

	done := p.metrics.observeProvider("oauth1_access_token")
	token, secret, err := config.AccessToken(requestToken, requestSecret, verifier)
	done()
	if err != nil {
		p.logger.Error().Err(err).Int("status", rec.status).Msg("access token exchange failed")
		return nil, classifyStatus(rec.status, KindInvalidVerifier, err)
	}

	return &OAuth1Credentials{AccessToken: token, AccessTokenSecret: secret}, nil
}

// IdentityOAuth1 looks up the user with an OAuth1-signed request.
func (p *TwitterProvider) IdentityOAuth1(ctx context.Context, creds *OAuth1Credentials) (*ProviderIdentity, error) {
	ctx = context.WithValue(ctx, oauth1.HTTPClient, p.client)
	client := p.oauth1Config(nil).Client(ctx, oauth1.NewToken(creds.AccessToken, creds.AccessTokenSecret))
	return p.fetchIdentity(ctx, client, "oauth1_identity")
}

func (p *TwitterProvider) oauth2Config(redirectURI string) *oauth2.Config {
	scopes := []string{"tweet.read", "users.read", "offline.access"}
	if p.settings.TwitterUseEmail {
		scopes = append(scopes, "users.email")
	}
	return &oauth2.Config{
		ClientID:     p.settings.TwitterClientID,
		ClientSecret: p.settings.TwitterClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.settings.TwitterOAuth2AuthorizeURL,
			TokenURL:  p.settings.TwitterOAuth2TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// AuthCodeURL builds the authorization URL. Only the S256 challenge derived
// from codeVerifier is put in the URL.
func (p *TwitterProvider) AuthCodeURL(state, codeVerifier, redirectURI string) string {
	return p.oauth2Config(redirectURI).AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier))
}

// Exchange redeems the authorization code. redirectURI must be the one used
// to build the authorization URL.
func (p *TwitterProvider) Exchange(ctx context.Context, code, codeVerifier, redirectURI string) (*OAuth2Credentials, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	done := p.metrics.observeProvider("oauth2_token")
	token, err := p.oauth2Config(redirectURI).Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	done()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			p.logger.Error().Int("status", status).Str("error_code", re.ErrorCode).
				Bytes("body", re.Body).Msg("code exchange rejected")
			return nil, classifyStatus(status, KindProviderRejected, err)
		}
		p.logger.Error().Err(err).Msg("code exchange failed")
		return nil, newError(KindProviderUnavailable, err)
	}

	return &OAuth2Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}, nil
}

// IdentityOAuth2 looks up the user with the bearer token.
func (p *TwitterProvider) IdentityOAuth2(ctx context.Context, creds *OAuth2Credentials) (*ProviderIdentity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: creds.AccessToken,
		TokenType:   "Bearer",
	}))
	return p.fetchIdentity(ctx, client, "oauth2_identity")
}

func (p *TwitterProvider) fetchIdentity(ctx context.Context, client *http.Client, call string) (*ProviderIdentity, error) {
	fetchURL := p.settings.TwitterUserURL
	if p.settings.TwitterUseEmail {
		fetchURL += "?user.fields=confirmed_email"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, newError(KindInternal, err)
	}

	done := p.metrics.observeProvider(call)
	resp, err := client.Do(req)
	done()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to get user info")
		return nil, newError(KindProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		p.logger.Error().Int("status", resp.StatusCode).Bytes("body", body).Msg("twitter API error")
		return nil, classifyStatus(resp.StatusCode, KindProviderRejected,
			fmt.Errorf("user lookup returned %d", resp.StatusCode))
	}

	var userResp struct {
		Data struct {
			ID             string `json:"id"`
			Name           string `json:"name"`
			Username       string `json:"username"`
			ConfirmedEmail string `json:"confirmed_email"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&userResp); err != nil {
		return nil, newError(KindProviderRejected, fmt.Errorf("decode user info: %w", err))
	}
	if userResp.Data.ID == "" {
		return nil, newError(KindProviderRejected, errors.New("user info has no id"))
	}

	return &ProviderIdentity{
		ID:       userResp.Data.ID,
		Username: userResp.Data.Username,
		Name:     userResp.Data.Name,
		Email:    userResp.Data.ConfirmedEmail,
	}, nil
}

// classifyStatus maps a provider response status to an error kind. No
// response or a 5xx means the provider is unavailable; 401 is reported as
// unauthorized; any other status is a rejection.
func classifyStatus(status int, unauthorized ErrorKind, err error) *Error {
	switch {
	case status == 0 || status >= 500:
		return newError(KindProviderUnavailable, err)
	case status == http.StatusUnauthorized:
		return newError(unauthorized, err)
	default:
		return newError(KindProviderRejected, err)
	}
}
