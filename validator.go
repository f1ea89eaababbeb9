package dualauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Callback is what the provider (and the client) sends back after the
// consent screen. It is one of OAuth1Callback or OAuth2Callback.
type Callback interface {
	Protocol() Protocol
	attemptKey() string
	cancelled() bool
}

// OAuth1Callback is the return leg of the OAuth1 flow.
type OAuth1Callback struct {
	OAuthToken    string
	OAuthVerifier string

	// ClientSecret is the oauth_token_secret the client kept since init.
	// When present it must match the stored one.
	ClientSecret string

	// Denied is set by the provider, carrying the request token, when the
	// user refused access.
	Denied string
}

func (OAuth1Callback) Protocol() Protocol { return ProtocolOAuth1 }

func (c OAuth1Callback) attemptKey() string {
	if c.OAuthToken != "" {
		return c.OAuthToken
	}
	return c.Denied
}

func (c OAuth1Callback) cancelled() bool { return c.Denied != "" }

// OAuth2Callback is the return leg of the OAuth2 flow.
type OAuth2Callback struct {
	Code  string
	State string

	// CodeVerifier and ClientState are the values the client remembered
	// since init. Each is checked against the stored attempt when present.
	CodeVerifier string
	ClientState  string

	// BrowserRedirect is set when the provider sent the browser straight to
	// us. The state cookie set at init must then come back as ClientState.
	BrowserRedirect bool

	// ProviderError is the provider's error parameter, e.g. access_denied.
	ProviderError string
}

func (OAuth2Callback) Protocol() Protocol { return ProtocolOAuth2 }

func (c OAuth2Callback) attemptKey() string { return c.State }

func (c OAuth2Callback) cancelled() bool { return c.ProviderError != "" }

// CallbackValidator consumes the stored attempt for a callback and checks the
// echoed values against it. Nothing is exchanged unless it succeeds.
type CallbackValidator struct {
	store  AttemptStore
	logger zerolog.Logger
}

// NewCallbackValidator returns a validator consuming attempts from store.
func NewCallbackValidator(store AttemptStore, logger zerolog.Logger) *CallbackValidator {
	return &CallbackValidator{store: store, logger: logger}
}

// Validate takes the attempt for cb out of the store and checks it. The
// attempt is consumed whatever the outcome, and is returned alongside a
// validation error when one was found so the caller can still report back
// to a popup opener.
//
// callerID is the signed-in user delivering the callback, or 0 when the
// provider redirect arrives without a session.
func (v *CallbackValidator) Validate(ctx context.Context, cb Callback, callerID int64) (*PendingAuthAttempt, error) {
	key := cb.attemptKey()
	if key == "" {
		if cb.cancelled() {
			return nil, newError(KindUserCancelled, nil)
		}
		return nil, newError(KindAttemptNotFound, errors.New("callback has no attempt key"))
	}

	attempt, err := v.store.TakeOnce(ctx, attemptKey(cb.Protocol(), key))
	if err != nil {
		if !errors.Is(err, ErrAttemptMissing) {
			v.logger.Error().Err(err).Msg("attempt store failed")
		}
		return nil, newError(KindAttemptNotFound, err)
	}

	if attempt.Protocol != cb.Protocol() {
		return nil, newError(KindAttemptNotFound, fmt.Errorf("attempt is %s, callback is %s", attempt.Protocol, cb.Protocol()))
	}
	if err := attempt.validate(); err != nil {
		return nil, newError(KindAttemptNotFound, err)
	}
	if attempt.Expired(now()) {
		return attempt, newError(KindAttemptNotFound, errors.New("attempt expired"))
	}
	if callerID != 0 && attempt.UserID != 0 && callerID != attempt.UserID {
		return attempt, newError(KindAttemptNotFound, fmt.Errorf("attempt belongs to user %d, not %d", attempt.UserID, callerID))
	}

	if cb.cancelled() {
		return attempt, newError(KindUserCancelled, nil)
	}

	switch c := cb.(type) {
	case OAuth1Callback:
		err = v.validateOAuth1(attempt.OAuth1, c)
	case OAuth2Callback:
		err = v.validateOAuth2(attempt.OAuth2, c)
	default:
		err = newError(KindInternal, fmt.Errorf("unknown callback %T", cb))
	}
	return attempt, err
}

func (v *CallbackValidator) validateOAuth1(stored *OAuth1Attempt, c OAuth1Callback) error {
	if c.ClientSecret != "" && !secretsEqual(c.ClientSecret, stored.RequestTokenSecret) {
		return newError(KindStateMismatch, errors.New("client token secret differs from stored"))
	}
	if c.OAuthVerifier == "" {
		return newError(KindInvalidVerifier, errors.New("missing oauth_verifier"))
	}
	return nil
}

func (v *CallbackValidator) validateOAuth2(stored *OAuth2Attempt, c OAuth2Callback) error {
	if (c.BrowserRedirect || c.ClientState != "") && !secretsEqual(c.ClientState, stored.State) {
		return newError(KindStateMismatch, errors.New("client state differs from stored"))
	}
	if c.CodeVerifier != "" && !secretsEqual(c.CodeVerifier, stored.CodeVerifier) {
		return newError(KindStateMismatch, errors.New("client code verifier differs from stored"))
	}
	if c.Code == "" {
		return newError(KindProviderRejected, errors.New("missing code"))
	}
	return nil
}
