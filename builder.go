package dualauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// InitRequest carries what the caller of an init endpoint supplies.
type InitRequest struct {
	// UserID is the signed-in platform user, or 0 for an OAuth2 login.
	UserID int64

	// RedirectURI overrides the configured OAuth2 redirect URI. It must be on
	// an allowed origin.
	RedirectURI string

	// Popup marks an attempt that runs in a detached window whose opener
	// lives at OpenerOrigin.
	Popup        bool
	OpenerOrigin string

	// Next is where a redirect-mode flow lands after success.
	Next string
}

// OAuth1Init is returned by InitOAuth1.
type OAuth1Init struct {
	AuthorizationURL string              `json:"authorization_url"`
	OAuthToken       string              `json:"oauth_token"`
	OAuthTokenSecret string              `json:"oauth_token_secret"`
	Attempt          *PendingAuthAttempt `json:"-"`
}

// OAuth2Init is returned by InitOAuth2.
type OAuth2Init struct {
	AuthorizationURL string              `json:"authorization_url"`
	State            string              `json:"state"`
	CodeVerifier     string              `json:"code_verifier"`
	Attempt          *PendingAuthAttempt `json:"-"`
}

// AuthorizationURLBuilder starts attempts: it obtains the one-time secrets
// each protocol needs, stores them, and returns the provider URL.
type AuthorizationURLBuilder struct {
	settings Settings
	store    AttemptStore
	oauth1   OAuth1Provider
	oauth2   OAuth2Provider
	logger   zerolog.Logger
	metrics  *Metrics
}

// NewAuthorizationURLBuilder returns a builder storing attempts in store.
func NewAuthorizationURLBuilder(settings Settings, store AttemptStore, o1 OAuth1Provider, o2 OAuth2Provider,
	logger zerolog.Logger, metrics *Metrics) *AuthorizationURLBuilder {
	return &AuthorizationURLBuilder{
		settings: settings,
		store:    store,
		oauth1:   o1,
		oauth2:   o2,
		logger:   logger,
		metrics:  metrics,
	}
}

// InitOAuth1 requests temporary credentials and stores them as a new attempt
// bound to req.UserID. OAuth1 only links, so the caller must be signed in.
func (b *AuthorizationURLBuilder) InitOAuth1(ctx context.Context, req InitRequest) (_ *OAuth1Init, err error) {
	defer func() { b.metrics.recordInit(ProtocolOAuth1, err) }()

	if req.UserID == 0 {
		return nil, newError(KindUnauthorized, nil)
	}
	if err := b.checkReturn(req); err != nil {
		return nil, err
	}

	tracker := b.tracker(ProtocolOAuth1)

	token, secret, authURL, err := b.oauth1.RequestToken(ctx)
	if err != nil {
		tracker.fail()
		return nil, providerError(err)
	}

	attempt := b.newAttempt(ProtocolOAuth1, req)
	attempt.OAuth1 = &OAuth1Attempt{RequestToken: token, RequestTokenSecret: secret}
	if err := b.put(ctx, attempt); err != nil {
		tracker.fail()
		return nil, err
	}
	if err := tracker.advance(StateRedirected); err != nil {
		return nil, newError(KindInternal, err)
	}

	return &OAuth1Init{
		AuthorizationURL: authURL,
		OAuthToken:       token,
		OAuthTokenSecret: secret,
		Attempt:          attempt,
	}, nil
}

// InitOAuth2 generates a state and a PKCE verifier, stores them, and returns
// the authorization URL carrying only the derived S256 challenge.
func (b *AuthorizationURLBuilder) InitOAuth2(ctx context.Context, req InitRequest) (_ *OAuth2Init, err error) {
	defer func() { b.metrics.recordInit(ProtocolOAuth2, err) }()

	if !b.settings.oauth2Configured() {
		return nil, newError(KindInternal, errors.New("twitter client id not configured"))
	}
	if err := b.checkReturn(req); err != nil {
		return nil, err
	}

	redirectURI, err := b.redirectURI(req.RedirectURI)
	if err != nil {
		return nil, err
	}

	tracker := b.tracker(ProtocolOAuth2)

	state, err := generateRandomString()
	if err != nil {
		tracker.fail()
		return nil, newError(KindInternal, err)
	}
	verifier := oauth2.GenerateVerifier()

	attempt := b.newAttempt(ProtocolOAuth2, req)
	attempt.OAuth2 = &OAuth2Attempt{State: state, CodeVerifier: verifier, RedirectURI: redirectURI}
	if err := b.put(ctx, attempt); err != nil {
		tracker.fail()
		return nil, err
	}
	if err := tracker.advance(StateRedirected); err != nil {
		return nil, newError(KindInternal, err)
	}

	return &OAuth2Init{
		AuthorizationURL: b.oauth2.AuthCodeURL(state, verifier, redirectURI),
		State:            state,
		CodeVerifier:     verifier,
		Attempt:          attempt,
	}, nil
}

func (b *AuthorizationURLBuilder) tracker(protocol Protocol) *attemptTracker {
	logger := b.logger.With().Str("protocol", string(protocol)).Logger()
	return newAttemptTracker(StateInit, func(from, to AttemptState) {
		logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("attempt transition")
	})
}

func (b *AuthorizationURLBuilder) newAttempt(protocol Protocol, req InitRequest) *PendingAuthAttempt {
	t := now()
	return &PendingAuthAttempt{
		Protocol:     protocol,
		Provider:     ProviderTwitter,
		UserID:       req.UserID,
		Popup:        req.Popup,
		OpenerOrigin: req.OpenerOrigin,
		Next:         req.Next,
		CreatedAt:    t,
		ExpiresAt:    t.Add(b.ttl()),
	}
}

func (b *AuthorizationURLBuilder) ttl() time.Duration {
	if b.settings.AttemptTTL > 0 {
		return b.settings.AttemptTTL
	}
	return DefaultAttemptTTL
}

func (b *AuthorizationURLBuilder) put(ctx context.Context, attempt *PendingAuthAttempt) error {
	if err := attempt.validate(); err != nil {
		return newError(KindInternal, err)
	}
	if err := b.store.Put(ctx, attemptKey(attempt.Protocol, attempt.Key()), attempt, b.ttl()); err != nil {
		b.logger.Error().Err(err).Msg("failed to store attempt")
		return newError(KindInternal, fmt.Errorf("store attempt: %w", err))
	}
	return nil
}

// redirectURI picks the configured redirect URI unless the caller supplied one
// on an allowed origin.
func (b *AuthorizationURLBuilder) redirectURI(requested string) (string, error) {
	if requested == "" || requested == b.settings.TwitterRedirectURL {
		return b.settings.TwitterRedirectURL, nil
	}
	origin := originOf(requested)
	if origin == "" || !originAllowed(b.settings.TrustedOrigins(), origin) {
		return "", badRequest("redirect_uri is not on an allowed origin")
	}
	return requested, nil
}

// checkReturn rejects popup openers and onward destinations that would send
// results to an origin we do not trust.
func (b *AuthorizationURLBuilder) checkReturn(req InitRequest) error {
	if req.Popup && !originAllowed(b.settings.TrustedOrigins(), req.OpenerOrigin) {
		return badRequest("opener origin is not allowed")
	}
	if req.Next != "" && !b.safeNext(req.Next) {
		return badRequest("next is not on an allowed origin")
	}
	return nil
}

func (b *AuthorizationURLBuilder) safeNext(next string) bool {
	if strings.HasPrefix(next, "/") && !strings.HasPrefix(next, "//") {
		return true
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme == "" {
		return false
	}
	return originAllowed(b.settings.TrustedOrigins(), originOf(next))
}

// providerError makes sure errors from a provider implementation carry a
// kind. Unclassified errors are treated as the provider being unreachable.
func providerError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindProviderUnavailable, err)
}
