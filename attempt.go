package dualauth

import (
	"fmt"
	"time"
)

// Protocol identifies which OAuth protocol an attempt or callback belongs to.
type Protocol string

const (
	ProtocolOAuth1 Protocol = "oauth1"
	ProtocolOAuth2 Protocol = "oauth2"
)

// ProviderTwitter is the only provider this package links to.
const ProviderTwitter = "twitter"

// PendingAuthAttempt is the single-use record of an in-flight authorization.
// Exactly one of OAuth1 and OAuth2 is set, matching Protocol.
type PendingAuthAttempt struct {
	Protocol Protocol `json:"protocol"`
	Provider string   `json:"provider"`

	// UserID is the platform user who started the attempt, or 0 for a login.
	UserID int64 `json:"userid,omitempty"`

	// Popup attempts report back to OpenerOrigin instead of navigating.
	Popup        bool   `json:"popup,omitempty"`
	OpenerOrigin string `json:"opener_origin,omitempty"`
	Next         string `json:"next,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	OAuth1 *OAuth1Attempt `json:"oauth1,omitempty"`
	OAuth2 *OAuth2Attempt `json:"oauth2,omitempty"`
}

// OAuth1Attempt holds the temporary credentials of a three-legged OAuth1 flow.
type OAuth1Attempt struct {
	RequestToken       string `json:"request_token"`
	RequestTokenSecret string `json:"request_token_secret"`
}

// OAuth2Attempt holds the CSRF state and PKCE verifier of an OAuth2 flow.
type OAuth2Attempt struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
}

// Key returns the store key of the attempt: the request token for OAuth1 and
// the state for OAuth2.
func (a *PendingAuthAttempt) Key() string {
	switch a.Protocol {
	case ProtocolOAuth1:
		if a.OAuth1 != nil {
			return a.OAuth1.RequestToken
		}
	case ProtocolOAuth2:
		if a.OAuth2 != nil {
			return a.OAuth2.State
		}
	}
	return ""
}

// ClientSecret returns the secret handed only to the client that started
// the attempt: the request token secret for OAuth1 and the code verifier for
// OAuth2. Neither ever appears in a provider URL.
func (a *PendingAuthAttempt) ClientSecret() string {
	switch a.Protocol {
	case ProtocolOAuth1:
		if a.OAuth1 != nil {
			return a.OAuth1.RequestTokenSecret
		}
	case ProtocolOAuth2:
		if a.OAuth2 != nil {
			return a.OAuth2.CodeVerifier
		}
	}
	return ""
}

// Expired reports whether the attempt is past its TTL at time t.
func (a *PendingAuthAttempt) Expired(t time.Time) bool {
	return !a.ExpiresAt.IsZero() && t.After(a.ExpiresAt)
}

// LinkMode is true when the attempt links an identity to a signed-in user
// rather than signing a user in.
func (a *PendingAuthAttempt) LinkMode() bool {
	return a.UserID != 0
}

func (a *PendingAuthAttempt) validate() error {
	switch a.Protocol {
	case ProtocolOAuth1:
		if a.OAuth1 == nil || a.OAuth2 != nil || a.OAuth1.RequestToken == "" {
			return fmt.Errorf("malformed oauth1 attempt")
		}
	case ProtocolOAuth2:
		if a.OAuth2 == nil || a.OAuth1 != nil || a.OAuth2.State == "" {
			return fmt.Errorf("malformed oauth2 attempt")
		}
	default:
		return fmt.Errorf("unknown protocol %q", a.Protocol)
	}
	return nil
}

// AttemptState is a step in the lifecycle of one authorization attempt.
type AttemptState string

const (
	StateInit             AttemptState = "INIT"
	StateRedirected       AttemptState = "REDIRECTED"
	StateCallbackReceived AttemptState = "CALLBACK_RECEIVED"
	StateValidated        AttemptState = "VALIDATED"
	StateExchanged        AttemptState = "EXCHANGED"
	StateLinked           AttemptState = "LINKED"
	StateFailed           AttemptState = "FAILED"
)

var nextState = map[AttemptState]AttemptState{
	StateInit:             StateRedirected,
	StateRedirected:       StateCallbackReceived,
	StateCallbackReceived: StateValidated,
	StateValidated:        StateExchanged,
	StateExchanged:        StateLinked,
}

// Terminal reports whether no further transition is possible.
func (s AttemptState) Terminal() bool {
	return s == StateLinked || s == StateFailed
}

// CanTransition reports whether moving from s to to is allowed. Every
// non-terminal state may fail; otherwise only the single forward step is legal.
func (s AttemptState) CanTransition(to AttemptState) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return nextState[s] == to
}

// attemptTracker follows one attempt through the state machine.
type attemptTracker struct {
	state   AttemptState
	history []AttemptState
	onMove  func(from, to AttemptState)
}

func newAttemptTracker(start AttemptState, onMove func(from, to AttemptState)) *attemptTracker {
	return &attemptTracker{state: start, history: []AttemptState{start}, onMove: onMove}
}

func (t *attemptTracker) advance(to AttemptState) error {
	if !t.state.CanTransition(to) {
		return fmt.Errorf("illegal attempt transition %s -> %s", t.state, to)
	}
	from := t.state
	t.state = to
	t.history = append(t.history, to)
	if t.onMove != nil {
		t.onMove(from, to)
	}
	return nil
}

// fail moves to FAILED unless the attempt already terminated.
func (t *attemptTracker) fail() {
	if !t.state.Terminal() {
		t.advance(StateFailed)
	}
}
