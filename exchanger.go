package dualauth

import (
	"context"
	"fmt"
)

// Exchanged is the outcome of a successful token exchange: the provider
// account and the credentials of the protocol that was used.
type Exchanged struct {
	Identity *ProviderIdentity
	OAuth1   *OAuth1Credentials
	OAuth2   *OAuth2Credentials
}

// TokenExchanger turns a validated callback into long-lived credentials.
type TokenExchanger struct {
	oauth1 OAuth1Provider
	oauth2 OAuth2Provider
}

// NewTokenExchanger returns an exchanger for both protocols.
func NewTokenExchanger(o1 OAuth1Provider, o2 OAuth2Provider) *TokenExchanger {
	return &TokenExchanger{oauth1: o1, oauth2: o2}
}

// Exchange redeems the temporary credential of cb using the secrets held in
// attempt. For OAuth2 the stored verifier and redirect URI are used, never the
// ones supplied by the client.
func (x *TokenExchanger) Exchange(ctx context.Context, attempt *PendingAuthAttempt, cb Callback) (*Exchanged, error) {
	switch c := cb.(type) {
	case OAuth1Callback:
		creds, err := x.oauth1.AccessToken(ctx, attempt.OAuth1.RequestToken, attempt.OAuth1.RequestTokenSecret, c.OAuthVerifier)
		if err != nil {
			return nil, providerError(err)
		}
		identity, err := x.oauth1.IdentityOAuth1(ctx, creds)
		if err != nil {
			return nil, providerError(err)
		}
		return &Exchanged{Identity: identity, OAuth1: creds}, nil

	case OAuth2Callback:
		creds, err := x.oauth2.Exchange(ctx, c.Code, attempt.OAuth2.CodeVerifier, attempt.OAuth2.RedirectURI)
		if err != nil {
			return nil, providerError(err)
		}
		identity, err := x.oauth2.IdentityOAuth2(ctx, creds)
		if err != nil {
			return nil, providerError(err)
		}
		return &Exchanged{Identity: identity, OAuth2: creds}, nil
	}

	return nil, newError(KindInternal, fmt.Errorf("unknown callback %T", cb))
}
