package dualauth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Handler is an HTTP Handler that runs the account linking and login flows.
type Handler struct {
	settings Settings
	db       DB
	builder  *AuthorizationURLBuilder
	flow     *Flow
	issuer   *SessionTokenIssuer
	popups   *PopupBridge
	limiter  *rateLimiter
	logger   zerolog.Logger
}

type options struct {
	client  *http.Client
	logger  *zerolog.Logger
	metrics *Metrics
	hook    AuthEventHook
	oauth1  OAuth1Provider
	oauth2  OAuth2Provider
}

// Option configures the runtime collaborators of a Handler.
type Option func(*options)

// WithHTTPClient sets the client used to talk to the provider.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.client = client }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// WithMetrics sets where flow metrics are recorded. The default registers
// them with a private registry.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAuthEventHook sets a function called after each successful link or login.
func WithAuthEventHook(hook AuthEventHook) Option {
	return func(o *options) { o.hook = hook }
}

// WithOAuth1Provider replaces the Twitter OAuth1 client.
func WithOAuth1Provider(p OAuth1Provider) Option {
	return func(o *options) { o.oauth1 = p }
}

// WithOAuth2Provider replaces the Twitter OAuth2 client.
func WithOAuth2Provider(p OAuth2Provider) Option {
	return func(o *options) { o.oauth2 = p }
}

// New creates a new Handler. Attempts between init and callback are kept in
// store.
func New(db DB, store AttemptStore, settings Settings, opts ...Option) *Handler {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if settings.AttemptTTL <= 0 {
		settings.AttemptTTL = DefaultAttemptTTL
	}
	if settings.PopupWaitTimeout <= 0 {
		settings.PopupWaitTimeout = DefaultPopupWaitTimeout
	}

	logger := zerolog.Nop()
	if o.logger != nil {
		logger = *o.logger
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(prometheus.NewRegistry())
	}

	twitter := NewTwitterProvider(settings, o.client, logger, o.metrics)
	if o.oauth1 == nil {
		o.oauth1 = twitter
	}
	if o.oauth2 == nil {
		o.oauth2 = twitter
	}

	issuer := NewSessionTokenIssuer(db, settings)
	popups := NewPopupBridge(settings.AttemptTTL)

	return &Handler{
		settings: settings,
		db:       db,
		builder:  NewAuthorizationURLBuilder(settings, store, o.oauth1, o.oauth2, logger, o.metrics),
		flow: &Flow{
			db:        db,
			validator: NewCallbackValidator(store, logger),
			exchanger: NewTokenExchanger(o.oauth1, o.oauth2),
			linker:    NewAccountLinker(ProviderTwitter),
			issuer:    issuer,
			popups:    popups,
			logger:    logger,
			metrics:   o.metrics,
			hook:      o.hook,
		},
		issuer:  issuer,
		popups:  popups,
		limiter: newRateLimiter(settings.TrustedProxies),
		logger:  logger,
	}
}

func (a *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var err error

	switch r.Method + " " + r.URL.Path {
	case "POST /auth/oauth1/init":
		err = a.handleOAuth1Init(w, r)
	case "POST /auth/oauth1/callback":
		err = a.handleOAuth1Callback(w, r)
	case "GET /auth/oauth1/status":
		err = a.handleOAuth1Status(w, r)
	case "DELETE /auth/oauth1/disconnect":
		err = a.handleOAuth1Disconnect(w, r)
	case "POST /auth/oauth2/init":
		err = a.handleOAuth2Init(w, r)
	case "POST /auth/oauth2/callback":
		err = a.handleOAuth2Callback(w, r)
	case "GET /auth/oauth2/debug":
		err = a.handleOAuth2Debug(w, r)
	case "GET /auth/callback":
		err = a.handleOAuth1Redirect(w, r)
	case "GET /auth/oauth2-callback":
		err = a.handleOAuth2Redirect(w, r)
	case "GET /auth/popup/wait":
		err = a.handlePopupWait(w, r)
	case "POST /auth/token":
		err = a.handleToken(w, r)
	case "GET /auth/me":
		err = a.handleMe(w, r)
	case "POST /auth/signout":
		err = a.handleSignout(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err != nil {
		if KindOf(err) == KindInternal {
			a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		}
		SendError(w, err)
	}
}

type initBody struct {
	RedirectURI  string `json:"redirect_uri"`
	Popup        bool   `json:"popup"`
	OpenerOrigin string `json:"opener_origin"`
	Next         string `json:"next"`
}

func (b initBody) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.RedirectURI, is.URL),
		validation.Field(&b.OpenerOrigin, validation.When(b.Popup, validation.Required), is.URL),
		validation.Field(&b.Next, validation.Length(0, 2048)),
	)
}

func (b initBody) request(userID int64) InitRequest {
	return InitRequest{
		UserID:       userID,
		RedirectURI:  b.RedirectURI,
		Popup:        b.Popup,
		OpenerOrigin: strings.TrimRight(b.OpenerOrigin, "/"),
		Next:         b.Next,
	}
}

type oauth1CallbackBody struct {
	OAuthToken       string `json:"oauth_token"`
	OAuthVerifier    string `json:"oauth_verifier"`
	OAuthTokenSecret string `json:"oauth_token_secret"`
}

func (b oauth1CallbackBody) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.OAuthToken, validation.Required, validation.Length(1, 512)),
		validation.Field(&b.OAuthVerifier, validation.Length(0, 512)),
		validation.Field(&b.OAuthTokenSecret, validation.Length(0, 512)),
	)
}

type oauth2CallbackBody struct {
	Code         string `json:"code"`
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
}

func (b oauth2CallbackBody) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Code, validation.Length(0, 2048)),
		validation.Field(&b.State, validation.Required, validation.Length(1, 512)),
		validation.Field(&b.CodeVerifier, validation.Length(0, 512)),
	)
}

type loginForm struct {
	Username string
	Password string
}

func (f loginForm) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Username, validation.Required, validation.Length(1, 128)),
		validation.Field(&f.Password, validation.Required),
	)
}

// decodeJSON reads a JSON body into v and validates it. An empty body is
// allowed when optional is set.
func decodeJSON(r *http.Request, v validation.Validatable, optional bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		err = nil
	}
	if err != nil {
		return badRequest("invalid JSON body")
	}
	if err := v.Validate(); err != nil {
		return badRequest("%v", err)
	}
	return nil
}

type linkResponse struct {
	Message          string `json:"message"`
	ProviderUsername string `json:"provider_username"`
	ProviderUserID   string `json:"provider_user_id"`
}

type loginResponse struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	User        *userResponse `json:"user,omitempty"`
	NewUser     bool          `json:"new_user,omitempty"`
}

type statusResponse struct {
	Connected        bool   `json:"connected"`
	ProviderUsername string `json:"provider_username,omitempty"`
	ProviderUserID   string `json:"provider_user_id,omitempty"`
}

type userResponse struct {
	*User
	TwitterConnected bool            `json:"twitter_connected"`
	Twitter          *LinkedIdentity `json:"twitter,omitempty"`
}

func newUserResponse(user *User, li *LinkedIdentity) *userResponse {
	return &userResponse{
		User:             user,
		TwitterConnected: li != nil && li.HasOAuth1(),
		Twitter:          li,
	}
}

// optionalUser returns the signed-in user, or 0 when no credentials were
// presented. Presented but invalid credentials are an error.
func (a *Handler) optionalUser(r *http.Request) (int64, error) {
	if bearerToken(r) == "" {
		return 0, nil
	}
	userID, _, err := a.issuer.Authenticate(r)
	return userID, err
}

func (a *Handler) listenPopup(attempt *PendingAuthAttempt) {
	if attempt.Popup {
		a.popups.Listen(attemptKey(attempt.Protocol, attempt.Key()), attempt.OpenerOrigin, attempt.ClientSecret())
	}
}

func (a *Handler) handleOAuth1Init(w http.ResponseWriter, r *http.Request) error {
	userID, _, err := a.issuer.Authenticate(r)
	if err != nil {
		return err
	}
	if err := a.limiter.limit("oauth1_init", r, strconv.FormatInt(userID, 10), 10, time.Minute); err != nil {
		return err
	}

	var body initBody
	if err := decodeJSON(r, &body, true); err != nil {
		return err
	}

	started, err := a.builder.InitOAuth1(r.Context(), body.request(userID))
	if err != nil {
		return err
	}
	a.listenPopup(started.Attempt)

	SendJSON(w, started)
	return nil
}

func (a *Handler) handleOAuth1Callback(w http.ResponseWriter, r *http.Request) error {
	userID, _, err := a.issuer.Authenticate(r)
	if err != nil {
		return err
	}

	var body oauth1CallbackBody
	if err := decodeJSON(r, &body, false); err != nil {
		return err
	}

	res, err := a.flow.Complete(r.Context(), OAuth1Callback{
		OAuthToken:    body.OAuthToken,
		OAuthVerifier: body.OAuthVerifier,
		ClientSecret:  body.OAuthTokenSecret,
	}, userID)
	if err != nil {
		return err
	}

	SendJSON(w, linkResponse{
		Message:          "Twitter account connected",
		ProviderUsername: res.Identity.ProviderUsername,
		ProviderUserID:   res.Identity.ProviderUserID,
	})
	return nil
}

func (a *Handler) handleOAuth1Status(w http.ResponseWriter, r *http.Request) error {
	userID, _, err := a.issuer.Authenticate(r)
	if err != nil {
		return err
	}

	tx, err := a.db.Begin(r.Context())
	if err != nil {
		return err
	}
	defer tx.Rollback()

	li, err := tx.GetIdentity(userID, ProviderTwitter)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	var resp statusResponse
	if li != nil {
		resp.Connected = li.HasOAuth1()
		resp.ProviderUsername = li.ProviderUsername
		resp.ProviderUserID = li.ProviderUserID
	}
	SendJSON(w, resp)
	return nil
}

// handleOAuth1Disconnect forgets the posting credentials. The identity itself
// is kept while it still carries OAuth2 credentials, so login keeps working.
func (a *Handler) handleOAuth1Disconnect(w http.ResponseWriter, r *http.Request) error {
	userID, _, err := a.issuer.Authenticate(r)
	if err != nil {
		return err
	}

	tx, err := a.db.Begin(r.Context())
	if err != nil {
		return err
	}
	defer tx.Rollback()

	li, err := tx.GetIdentity(userID, ProviderTwitter)
	if err != nil {
		return err
	}
	if li == nil || !li.HasOAuth1() {
		SendJSON(w, map[string]string{"message": "Twitter account was not connected"})
		return nil
	}

	li.OAuth1AccessToken = ""
	li.OAuth1AccessTokenSecret = ""
	if li.HasOAuth2() {
		err = tx.SaveIdentity(li)
	} else {
		err = tx.RemoveIdentity(userID, ProviderTwitter)
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	a.logger.Info().Int64("userid", userID).Msg("twitter posting disconnected")
	SendJSON(w, map[string]string{"message": "Twitter account disconnected"})
	return nil
}

func (a *Handler) handleOAuth2Init(w http.ResponseWriter, r *http.Request) error {
	userID, err := a.optionalUser(r)
	if err != nil {
		return err
	}
	if err := a.limiter.limit("oauth2_init", r, "", 20, time.Minute); err != nil {
		return err
	}

	var body initBody
	if err := decodeJSON(r, &body, true); err != nil {
		return err
	}

	started, err := a.builder.InitOAuth2(r.Context(), body.request(userID))
	if err != nil {
		return err
	}
	a.setStateCookie(w, r, started.State)
	a.listenPopup(started.Attempt)

	SendJSON(w, started)
	return nil
}

func (a *Handler) handleOAuth2Callback(w http.ResponseWriter, r *http.Request) error {
	callerID, err := a.optionalUser(r)
	if err != nil {
		return err
	}

	var body oauth2CallbackBody
	if err := decodeJSON(r, &body, false); err != nil {
		return err
	}

	res, err := a.flow.Complete(r.Context(), OAuth2Callback{
		Code:         body.Code,
		State:        body.State,
		CodeVerifier: body.CodeVerifier,
		ClientState:  stateFromCookie(r, body.State),
	}, callerID)
	clearStateCookie(w, r, body.State)
	if err != nil {
		return err
	}

	if res.Session == nil {
		SendJSON(w, linkResponse{
			Message:          "Twitter account linked",
			ProviderUsername: res.Identity.ProviderUsername,
			ProviderUserID:   res.Identity.ProviderUserID,
		})
		return nil
	}

	SendJSON(w, loginResponse{
		AccessToken: res.Session.AccessToken,
		TokenType:   res.Session.TokenType,
		User:        newUserResponse(res.User, res.Identity),
		NewUser:     res.NewUser,
	})
	return nil
}

func (a *Handler) handleOAuth1Redirect(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	res, err := a.flow.Complete(r.Context(), OAuth1Callback{
		OAuthToken:    q.Get("oauth_token"),
		OAuthVerifier: q.Get("oauth_verifier"),
		Denied:        q.Get("denied"),
	}, a.issuer.CheckUserID(r))
	return a.finishRedirect(w, r, ProtocolOAuth1, res, err)
}

func (a *Handler) handleOAuth2Redirect(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	state := q.Get("state")
	res, err := a.flow.Complete(r.Context(), OAuth2Callback{
		Code:            q.Get("code"),
		State:           state,
		ClientState:     stateFromCookie(r, state),
		BrowserRedirect: true,
		ProviderError:   q.Get("error"),
	}, a.issuer.CheckUserID(r))
	clearStateCookie(w, r, state)
	return a.finishRedirect(w, r, ProtocolOAuth2, res, err)
}

const redirectDelay = 2

// finishRedirect renders the terminal page of a provider redirect. Success
// moves on to the attempt's next page and failure returns to the entry page.
func (a *Handler) finishRedirect(w http.ResponseWriter, r *http.Request, protocol Protocol, res *Result, err error) error {
	var attempt *PendingAuthAttempt
	if res != nil {
		attempt = res.Attempt
	}

	view := callbackView{Delay: redirectDelay}
	status := http.StatusOK

	if err != nil {
		e := AsError(err)
		status = e.StatusCode()
		view.Title = "Sign-in failed"
		view.Text = e.UserMessage()
		view.Redirect = a.entryURL(e.Kind)
	} else {
		view.Title = "Connected"
		view.Text = "Your Twitter account is connected."
		view.Redirect = a.nextURL(attempt)
		if res.Session != nil {
			setSessionCookie(w, res.Session, IsRequestSecure(r))
			view.Text = "You are signed in."
		}
	}

	if attempt != nil && attempt.Popup {
		view.Popup = true
		view.Origin = attempt.OpenerOrigin
		view.Message = popupMessage(protocol, res, err)
		view.Redirect = ""
	}

	return renderCallback(w, status, view)
}

func (a *Handler) entryURL(kind ErrorKind) string {
	u := strings.TrimRight(a.settings.FrontendURL, "/") + a.settings.EntryPath
	return u + "?" + url.Values{"error": {string(kind)}}.Encode()
}

func (a *Handler) nextURL(attempt *PendingAuthAttempt) string {
	frontend := strings.TrimRight(a.settings.FrontendURL, "/")
	if attempt == nil || attempt.Next == "" {
		return frontend + "/"
	}
	if strings.HasPrefix(attempt.Next, "/") {
		return frontend + attempt.Next
	}
	return attempt.Next
}

const popupSecretHeader = "X-Popup-Secret"

// handlePopupWait long-polls for the outcome of a popup attempt. Only the
// opener origin given at init may wait on it, and it must send the secret
// returned by init (oauth_token_secret or code_verifier) in the
// X-Popup-Secret header.
func (a *Handler) handlePopupWait(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	protocol := Protocol(q.Get("protocol"))
	key := q.Get("key")

	err := validation.Errors{
		"protocol": validation.Validate(string(protocol), validation.Required,
			validation.In(string(ProtocolOAuth1), string(ProtocolOAuth2))),
		"key": validation.Validate(key, validation.Required, validation.Length(1, 512)),
	}.Filter()
	if err != nil {
		return badRequest("%v", err)
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = originOf(r.Referer())
	}

	secret := r.Header.Get(popupSecretHeader)
	msg, err := a.popups.Wait(r.Context(), attemptKey(protocol, key), origin, secret, a.settings.PopupWaitTimeout)
	if err != nil {
		return err
	}
	SendJSON(w, msg)
	return nil
}

// handleToken signs in with a username and password.
func (a *Handler) handleToken(w http.ResponseWriter, r *http.Request) error {
	form := loginForm{
		Username: strings.TrimSpace(r.FormValue("username")),
		Password: r.FormValue("password"),
	}
	if err := form.Validate(); err != nil {
		return badRequest("%v", err)
	}
	if err := a.limiter.limit("token", r, form.Username, 5, 10*time.Minute); err != nil {
		return err
	}

	tx, err := a.db.Begin(r.Context())
	if err != nil {
		return err
	}
	defer tx.Rollback()

	userID, hashed, err := tx.GetPassword(form.Username)
	if err != nil {
		return err
	}
	if userID == 0 || hashed == "" || CompareHashedPassword(hashed, form.Password) != nil {
		return &Error{Kind: KindUnauthorized, Message: "Incorrect username or password"}
	}

	user, err := tx.GetUser(userID)
	if err != nil {
		return err
	}
	if user == nil || !user.IsActive {
		return &Error{Kind: KindUnauthorized, Message: "Inactive user"}
	}

	token, err := a.issuer.issueTx(tx, userID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	SendJSON(w, loginResponse{AccessToken: token.AccessToken, TokenType: token.TokenType})
	return nil
}

func (a *Handler) handleMe(w http.ResponseWriter, r *http.Request) error {
	userID, _, err := a.issuer.Authenticate(r)
	if err != nil {
		return err
	}

	tx, err := a.db.Begin(r.Context())
	if err != nil {
		return err
	}
	defer tx.Rollback()

	user, err := tx.GetUser(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return newError(KindUnauthorized, nil)
	}
	li, err := tx.GetIdentity(userID, ProviderTwitter)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	SendJSON(w, newUserResponse(user, li))
	return nil
}

func (a *Handler) handleSignout(w http.ResponseWriter, r *http.Request) error {
	if _, tokenID, err := a.issuer.Authenticate(r); err == nil {
		if err := a.issuer.Revoke(r.Context(), tokenID); err != nil {
			return err
		}
	}
	clearSessionCookie(w, IsRequestSecure(r))
	SendJSON(w, map[string]string{"message": "Signed out"})
	return nil
}

// handleOAuth2Debug reports which provider credentials are configured. It
// only exists when the DEBUG setting is on.
func (a *Handler) handleOAuth2Debug(w http.ResponseWriter, r *http.Request) error {
	if !a.settings.Debug {
		w.WriteHeader(http.StatusNotFound)
		return nil
	}

	SendJSON(w, map[string]interface{}{
		"oauth1_configured":   a.settings.oauth1Configured(),
		"oauth2_configured":   a.settings.oauth2Configured(),
		"api_key":             mask(a.settings.TwitterAPIKey),
		"client_id":           mask(a.settings.TwitterClientID),
		"oauth1_callback_url": a.settings.TwitterOAuth1CallbackURL,
		"redirect_uri":        a.settings.TwitterRedirectURL,
		"use_email":           a.settings.TwitterUseEmail,
	})
	return nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

// The state cookie is named per attempt so that several attempts started
// from one browser do not overwrite each other.
const stateCookiePrefix = "twitter_oauth_state_"

func stateCookieName(state string) string {
	if len(state) > 12 {
		state = state[:12]
	}
	return stateCookiePrefix + state
}

func (a *Handler) setStateCookie(w http.ResponseWriter, r *http.Request, state string) {
	ttl := a.settings.AttemptTTL
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName(state),
		Value:    state,
		Path:     "/auth",
		MaxAge:   int(ttl / time.Second),
		Secure:   IsRequestSecure(r),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func stateFromCookie(r *http.Request, state string) string {
	if state == "" {
		return ""
	}
	cookie, err := r.Cookie(stateCookieName(state))
	if err != nil {
		return ""
	}
	return cookie.Value
}

func clearStateCookie(w http.ResponseWriter, r *http.Request, state string) {
	if state == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName(state),
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		Secure:   IsRequestSecure(r),
		HttpOnly: true,
	})
}
