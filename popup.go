package dualauth

import (
	"context"
	"html/template"
	"net/http"
	"sync"
	"time"
)

// Popup message types posted to the opener window.
const (
	PopupSuccess = "twitter-auth-success"
	PopupError   = "twitter-auth-error"
)

// DefaultPopupWaitTimeout bounds a long-poll for a popup's outcome.
const DefaultPopupWaitTimeout = 2 * time.Minute

// PopupMessage is the single message a popup sends its opener.
type PopupMessage struct {
	Type        string        `json:"type"`
	Protocol    Protocol      `json:"protocol"`
	Profile     *PopupProfile `json:"profile,omitempty"`
	AccessToken string        `json:"access_token,omitempty"`
	Error       ErrorKind     `json:"error,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// PopupProfile is the minimal profile sent with a success message.
type PopupProfile struct {
	UserID           int64  `json:"user_id"`
	Username         string `json:"username"`
	ProviderUserID   string `json:"provider_user_id"`
	ProviderUsername string `json:"provider_username"`
}

// PopupBridge relays the outcome of popup attempts to whoever waits for
// them. Each listener resolves at most once; later deliveries are dropped.
type PopupBridge struct {
	mu        sync.Mutex
	listeners map[string]*PopupListener
	ttl       time.Duration
}

// PopupListener is a single-shot channel for one attempt's outcome.
type PopupListener struct {
	key     string
	origin  string
	secret  string
	expires time.Time

	mu        sync.Mutex
	delivered bool
	msg       PopupMessage
	done      chan struct{}
}

// NewPopupBridge returns a bridge whose listeners are dropped after ttl.
func NewPopupBridge(ttl time.Duration) *PopupBridge {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	return &PopupBridge{listeners: make(map[string]*PopupListener), ttl: ttl}
}

// Listen registers a listener for key that only accepts messages for origin.
// Waiting on it requires secret, which only the opener was given.
func (b *PopupBridge) Listen(key, origin, secret string) *PopupListener {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := now()
	for k, l := range b.listeners {
		if t.After(l.expires) {
			delete(b.listeners, k)
		}
	}

	l := &PopupListener{
		key:     key,
		origin:  origin,
		secret:  secret,
		expires: t.Add(b.ttl),
		done:    make(chan struct{}),
	}
	b.listeners[key] = l
	return l
}

// Lookup returns the live listener for key, or nil.
func (b *PopupBridge) Lookup(key string) *PopupListener {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.listeners[key]
	if l == nil || now().After(l.expires) {
		return nil
	}
	return l
}

func (b *PopupBridge) remove(l *PopupListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners[l.key] == l {
		delete(b.listeners, l.key)
	}
}

// Publish delivers msg to the listener for key. It returns false when there
// is no listener, the origin differs from the registered one, or a message
// was already delivered.
func (b *PopupBridge) Publish(key, origin string, msg PopupMessage) bool {
	l := b.Lookup(key)
	if l == nil || !originAllowed([]string{l.origin}, origin) {
		return false
	}
	return l.deliver(msg)
}

// Wait blocks until the listener for key resolves, then stops listening.
// The waiter must present the origin and the secret the listener was
// registered with.
func (b *PopupBridge) Wait(ctx context.Context, key, origin, secret string, timeout time.Duration) (PopupMessage, error) {
	l := b.Lookup(key)
	if l == nil || !originAllowed([]string{l.origin}, origin) || !l.authorized(secret) {
		return PopupMessage{}, newError(KindAttemptNotFound, nil)
	}

	msg, err := l.Wait(ctx, timeout)
	if err == nil {
		b.remove(l)
	}
	return msg, err
}

func (l *PopupListener) authorized(secret string) bool {
	return l.secret != "" && secretsEqual(secret, l.secret)
}

func (l *PopupListener) deliver(msg PopupMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.delivered {
		return false
	}
	l.delivered = true
	l.msg = msg
	close(l.done)
	return true
}

// Wait returns the delivered message. Running out of time, or ctx being
// cancelled, is reported as ErrUserCancelled: the user most likely closed
// the window.
func (l *PopupListener) Wait(ctx context.Context, timeout time.Duration) (PopupMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.msg, nil
	case <-timer.C:
		return PopupMessage{}, newError(KindUserCancelled, nil)
	case <-ctx.Done():
		return PopupMessage{}, newError(KindUserCancelled, ctx.Err())
	}
}

// popupMessage describes the result of a completed flow for the opener.
func popupMessage(protocol Protocol, res *Result, err error) PopupMessage {
	if err != nil {
		e := AsError(err)
		return PopupMessage{
			Type:     PopupError,
			Protocol: protocol,
			Error:    e.Kind,
			Message:  e.UserMessage(),
		}
	}

	msg := PopupMessage{
		Type:     PopupSuccess,
		Protocol: protocol,
		Profile:  res.profile(),
	}
	if res.Session != nil {
		msg.AccessToken = res.Session.AccessToken
	}
	return msg
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
{{if .Redirect}}<meta http-equiv="refresh" content="{{.Delay}};url={{.Redirect}}">{{end}}
</head>
<body>
<p>{{.Text}}</p>
{{if .Popup}}<script>
(function() {
	var msg = {{.Message}};
	if (window.opener) {
		window.opener.postMessage(msg, {{.Origin}});
	}
	window.close();
})();
</script>{{end}}
</body>
</html>
`))

type callbackView struct {
	Title    string
	Text     string
	Redirect string
	Delay    int

	Popup   bool
	Origin  string
	Message PopupMessage
}

// renderCallback writes the page shown at the end of a provider redirect.
// Popups post their message to the opener and close; full-page flows show a
// terminal state and move on after a short delay.
func renderCallback(w http.ResponseWriter, status int, view callbackView) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	return callbackPage.Execute(w, view)
}
