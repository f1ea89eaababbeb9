package dualauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	testConsumerKey    = "ckey"
	testConsumerSecret = "csecret"
	testClientID       = "cid"
	testClientSecret   = "csec"
	testFrontend       = "http://app.test"
	testOpener         = "http://opener.test"
)

type fakeAccount struct {
	ID       string
	Username string
	Name     string
	Email    string
}

var (
	alice = fakeAccount{ID: "1001", Username: "alice", Name: "Alice", Email: "Alice@Example.com"}
	bob   = fakeAccount{ID: "1002", Username: "bob", Name: "Bob"}
)

type fakeVerifier struct {
	verifier string
	account  fakeAccount
}

type fakeCode struct {
	challenge   string
	redirectURI string
	account     fakeAccount
}

// fakeTwitter serves the OAuth1, OAuth2 and users/me endpoints. The account
// field decides who approves the next consent screen.
type fakeTwitter struct {
	*httptest.Server

	mu            sync.Mutex
	account       fakeAccount
	requestTokens map[string]string
	verifiers     map[string]fakeVerifier
	codes         map[string]fakeCode
	tokens        map[string]fakeAccount
	fail          map[string]int
	calls         map[string]int
	seq           int
}

func newFakeTwitter(t *testing.T) *fakeTwitter {
	f := &fakeTwitter{
		account:       alice,
		requestTokens: make(map[string]string),
		verifiers:     make(map[string]fakeVerifier),
		codes:         make(map[string]fakeCode),
		tokens:        make(map[string]fakeAccount),
		fail:          make(map[string]int),
		calls:         make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeTwitter) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[r.URL.Path]++
	if status := f.fail[r.URL.Path]; status != 0 {
		w.WriteHeader(status)
		io.WriteString(w, `{"errors":[{"message":"Over capacity"}]}`)
		return
	}

	switch r.URL.Path {
	case "/oauth/request_token":
		f.requestToken(w, r)
	case "/oauth/access_token":
		f.accessToken(w, r)
	case "/2/oauth2/token":
		f.oauth2Token(w, r)
	case "/2/users/me":
		f.usersMe(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// oauthParams parses an OAuth1 Authorization header.
func oauthParams(r *http.Request) map[string]string {
	params := make(map[string]string)
	h := strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ")
	for _, part := range strings.Split(h, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		v, err := url.PathUnescape(strings.Trim(v, `"`))
		if err == nil {
			params[k] = v
		}
	}
	return params
}

func (f *fakeTwitter) requestToken(w http.ResponseWriter, r *http.Request) {
	params := oauthParams(r)
	if params["oauth_consumer_key"] != testConsumerKey || params["oauth_callback"] == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	f.seq++
	token, secret := fmt.Sprintf("rt%d", f.seq), fmt.Sprintf("rs%d", f.seq)
	f.requestTokens[token] = secret
	io.WriteString(w, url.Values{
		"oauth_token":              {token},
		"oauth_token_secret":       {secret},
		"oauth_callback_confirmed": {"true"},
	}.Encode())
}

func (f *fakeTwitter) accessToken(w http.ResponseWriter, r *http.Request) {
	params := oauthParams(r)
	token := params["oauth_token"]

	v, ok := f.verifiers[token]
	if !ok || v.verifier != params["oauth_verifier"] {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, "Error processing your OAuth request: Invalid oauth_verifier parameter")
		return
	}
	delete(f.verifiers, token)
	delete(f.requestTokens, token)

	f.seq++
	access := fmt.Sprintf("at%d", f.seq)
	f.tokens[access] = v.account
	io.WriteString(w, url.Values{
		"oauth_token":        {access},
		"oauth_token_secret": {fmt.Sprintf("as%d", f.seq)},
		"user_id":            {v.account.ID},
		"screen_name":        {v.account.Username},
	}.Encode())
}

func (f *fakeTwitter) oauth2Token(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	user, pass, ok := r.BasicAuth()
	if !ok || user != testClientID || pass != testClientSecret {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"unauthorized_client"}`)
		return
	}

	code := r.PostFormValue("code")
	c, ok := f.codes[code]
	delete(f.codes, code)
	if !ok || r.PostFormValue("grant_type") != "authorization_code" ||
		r.PostFormValue("redirect_uri") != c.redirectURI ||
		oauth2.S256ChallengeFromVerifier(r.PostFormValue("code_verifier")) != c.challenge {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"invalid_request","error_description":"Value passed for the authorization code was invalid."}`)
		return
	}

	f.seq++
	access := fmt.Sprintf("bt%d", f.seq)
	f.tokens[access] = c.account
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token":  access,
		"refresh_token": fmt.Sprintf("rf%d", f.seq),
		"token_type":    "bearer",
		"expires_in":    7200,
		"scope":         "tweet.read users.read offline.access",
	})
}

func (f *fakeTwitter) usersMe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var token string
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else {
		token = oauthParams(r)["oauth_token"]
	}

	account, ok := f.tokens[token]
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"title":"Unauthorized","status":401}`)
		return
	}

	data := map[string]string{
		"id":       account.ID,
		"username": account.Username,
		"name":     account.Name,
	}
	if strings.Contains(r.URL.Query().Get("user.fields"), "confirmed_email") && account.Email != "" {
		data["confirmed_email"] = account.Email
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func (f *fakeTwitter) setAccount(a fakeAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account = a
}

func (f *fakeTwitter) failPath(path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[path] = status
}

func (f *fakeTwitter) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

// approveOAuth1 plays the user accepting the consent screen for a request
// token and returns the verifier the browser would carry back.
func (f *fakeTwitter) approveOAuth1(requestToken string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	verifier := "v-" + requestToken
	f.verifiers[requestToken] = fakeVerifier{verifier: verifier, account: f.account}
	return verifier
}

// approveOAuth2 plays the user accepting the consent screen at authURL and
// returns the code and state the provider would redirect with.
func (f *fakeTwitter) approveOAuth2(t *testing.T, authURL string) (code, state string) {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Equal(t, testClientID, q.Get("client_id"))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	code = fmt.Sprintf("code%d", f.seq)
	f.codes[code] = fakeCode{
		challenge:   q.Get("code_challenge"),
		redirectURI: q.Get("redirect_uri"),
		account:     f.account,
	}
	return code, q.Get("state")
}

func testSettings(providerURL string) Settings {
	s := DefaultSettings
	s.SecretKey = "0123456789abcdef0123456789abcdef"
	s.FrontendURL = testFrontend
	s.AllowedOrigins = []string{testOpener}
	s.TwitterAPIKey = testConsumerKey
	s.TwitterAPISecret = testConsumerSecret
	s.TwitterOAuth1CallbackURL = testFrontend + "/auth/callback"
	s.TwitterClientID = testClientID
	s.TwitterClientSecret = testClientSecret
	s.TwitterRedirectURL = testFrontend + "/auth/oauth2-callback"
	s.TwitterRequestTokenURL = providerURL + "/oauth/request_token"
	s.TwitterAuthorizeURL = providerURL + "/oauth/authorize"
	s.TwitterAccessTokenURL = providerURL + "/oauth/access_token"
	s.TwitterOAuth2AuthorizeURL = providerURL + "/i/oauth2/authorize"
	s.TwitterOAuth2TokenURL = providerURL + "/2/oauth2/token"
	s.TwitterUserURL = providerURL + "/2/users/me"
	return s
}

func newTestDB(t *testing.T) *UserDB {
	t.Helper()
	conn := sqlx.MustConnect("sqlite3", ":memory:")
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	db, err := NewUserDB(conn)
	require.NoError(t, err)
	return db
}

// setNow replaces the clock for the rest of the test.
func setNow(t *testing.T, fn func() time.Time) {
	old := now
	now = fn
	t.Cleanup(func() { now = old })
}

type testEnv struct {
	t        *testing.T
	fake     *fakeTwitter
	settings Settings
	db       *UserDB
	store    *MemoryAttemptStore
	handler  *Handler
}

// newTestEnv builds a handler talking to a fake Twitter. configure, when not
// nil, adjusts the settings first.
func newTestEnv(t *testing.T, configure func(*Settings), opts ...Option) *testEnv {
	t.Helper()
	fake := newFakeTwitter(t)
	settings := testSettings(fake.URL)
	if configure != nil {
		configure(&settings)
	}
	db := newTestDB(t)
	store := NewMemoryAttemptStore()

	return &testEnv{
		t:        t,
		fake:     fake,
		settings: settings,
		db:       db,
		store:    store,
		handler:  New(db, store, settings, opts...),
	}
}

func (e *testEnv) do(method, path string, body interface{}, token string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) postForm(path, form string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// signUp creates a password user and returns its id and a session token.
func (e *testEnv) signUp(username, password string) (int64, string) {
	e.t.Helper()
	hashed, err := HashPassword(password)
	require.NoError(e.t, err)

	tx, err := e.db.Begin(context.Background())
	require.NoError(e.t, err)
	defer tx.Rollback()
	id, err := tx.CreateUser(username, "", "", hashed)
	require.NoError(e.t, err)
	require.NoError(e.t, tx.Commit())

	token, err := e.handler.issuer.Issue(context.Background(), id)
	require.NoError(e.t, err)
	return id, token.AccessToken
}

func (e *testEnv) identity(userID int64) *LinkedIdentity {
	e.t.Helper()
	tx, err := e.db.Begin(context.Background())
	require.NoError(e.t, err)
	defer tx.Rollback()
	li, err := tx.GetIdentity(userID, ProviderTwitter)
	require.NoError(e.t, err)
	return li
}

func (e *testEnv) startOAuth1(token string, body interface{}) OAuth1Init {
	e.t.Helper()
	w := e.do("POST", "/auth/oauth1/init", body, token)
	require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())

	var started OAuth1Init
	require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &started))
	return started
}

func (e *testEnv) startOAuth2(token string, body interface{}) (OAuth2Init, []*http.Cookie) {
	e.t.Helper()
	w := e.do("POST", "/auth/oauth2/init", body, token)
	require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())

	var started OAuth2Init
	require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &started))
	return started, w.Result().Cookies()
}

func requireErrorKind(t *testing.T, w *httptest.ResponseRecorder, status int, kind ErrorKind) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, kind, body.Error)
	require.NotEmpty(t, body.Message)
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}
