package dualauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestOAuth2LoginCreatesUser(t *testing.T) {
	e := newTestEnv(t, nil)

	started, _ := e.startOAuth2("", nil)
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)
	require.Equal(t, started.State, state)

	w := e.do("POST", "/auth/oauth2/callback", map[string]string{
		"code":          code,
		"state":         state,
		"code_verifier": started.CodeVerifier,
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		NewUser     bool   `json:"new_user"`
		User        struct {
			ID               int64  `json:"id"`
			Username         string `json:"username"`
			TwitterConnected bool   `json:"twitter_connected"`
			Twitter          struct {
				ProviderUserID string `json:"provider_user_id"`
			} `json:"twitter"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "bearer", resp.TokenType)
	assert.True(t, resp.NewUser)
	assert.Equal(t, "alice", resp.User.Username)
	assert.Equal(t, alice.ID, resp.User.Twitter.ProviderUserID)
	assert.False(t, resp.User.TwitterConnected, "login does not grant posting")

	li := e.identity(resp.User.ID)
	require.NotNil(t, li)
	assert.True(t, li.HasOAuth2())
	assert.False(t, li.HasOAuth1())

	has, err := e.store.Has(context.Background(), attemptKey(ProtocolOAuth2, state))
	require.NoError(t, err)
	assert.False(t, has)

	// the session token is the platform's own and works on its own
	w = e.do("GET", "/auth/me", nil, resp.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"username":"alice"`)
}

func TestOAuth2LoginReturningUser(t *testing.T) {
	e := newTestEnv(t, nil)

	login := func() (int64, bool) {
		started, _ := e.startOAuth2("", nil)
		code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)
		w := e.do("POST", "/auth/oauth2/callback", map[string]string{"code": code, "state": state}, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp loginResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.User)
		return resp.User.UserID, resp.NewUser
	}

	first, created := login()
	assert.True(t, created)
	second, created := login()
	assert.False(t, created)
	assert.Equal(t, first, second)
}

func TestOAuth2LinkToSignedInUser(t *testing.T) {
	e := newTestEnv(t, nil)
	userID, token := e.signUp("carol", "secret")

	started, _ := e.startOAuth2(token, nil)
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)

	w := e.do("POST", "/auth/oauth2/callback", map[string]string{"code": code, "state": state}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp linkResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Twitter account linked", resp.Message)
	assert.Equal(t, alice.ID, resp.ProviderUserID)
	assert.Equal(t, "alice", resp.ProviderUsername)

	li := e.identity(userID)
	require.NotNil(t, li)
	assert.Equal(t, alice.ID, li.ProviderUserID)
}

func TestCallbackWithUnknownStateTouchesNothing(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do("POST", "/auth/oauth2/callback", map[string]string{"code": "C1", "state": "S1"}, "")
	requireErrorKind(t, w, http.StatusBadRequest, KindAttemptNotFound)
	assert.Equal(t, 0, e.fake.callCount("/2/oauth2/token"))
	assert.Equal(t, 0, e.fake.callCount("/2/users/me"))
}

func TestReplayedCallbackFails(t *testing.T) {
	e := newTestEnv(t, nil)
	userID, token := e.signUp("carol", "secret")

	started, _ := e.startOAuth2(token, nil)
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)
	body := map[string]string{"code": code, "state": state}

	w := e.do("POST", "/auth/oauth2/callback", body, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	before := e.identity(userID)

	w = e.do("POST", "/auth/oauth2/callback", body, token)
	requireErrorKind(t, w, http.StatusBadRequest, KindAttemptNotFound)
	assert.Equal(t, 1, e.fake.callCount("/2/oauth2/token"))
	assert.Equal(t, before, e.identity(userID))
}

func TestConcurrentCallbacksForOneState(t *testing.T) {
	e := newTestEnv(t, nil)

	started, _ := e.startOAuth2("", nil)
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)
	body := map[string]string{"code": code, "state": state}

	const n = 8
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- e.do("POST", "/auth/oauth2/callback", body, "").Code
		}()
	}
	wg.Wait()
	close(codes)

	ok := 0
	for c := range codes {
		if c == http.StatusOK {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, e.fake.callCount("/2/oauth2/token"))
}

func TestAbandonedAttemptExpires(t *testing.T) {
	e := newTestEnv(t, nil)
	userID, token := e.signUp("carol", "secret")

	started := e.startOAuth1(token, nil)
	verifier := e.fake.approveOAuth1(started.OAuthToken)

	later := time.Now().Add(DefaultAttemptTTL + time.Minute)
	setNow(t, func() time.Time { return later })

	w := e.do("POST", "/auth/oauth1/callback", map[string]string{
		"oauth_token":    started.OAuthToken,
		"oauth_verifier": verifier,
	}, token)
	requireErrorKind(t, w, http.StatusBadRequest, KindAttemptNotFound)
	assert.Nil(t, e.identity(userID))
	assert.Equal(t, 0, e.fake.callCount("/oauth/access_token"))
}

func TestLinkingADifferentAccountConflicts(t *testing.T) {
	e := newTestEnv(t, nil)
	userID, token := e.signUp("carol", "secret")

	started, _ := e.startOAuth2(token, nil)
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)
	w := e.do("POST", "/auth/oauth2/callback", map[string]string{"code": code, "state": state}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	before := e.identity(userID)

	e.fake.setAccount(bob)
	started, _ = e.startOAuth2(token, nil)
	code, state = e.fake.approveOAuth2(t, started.AuthorizationURL)
	w = e.do("POST", "/auth/oauth2/callback", map[string]string{"code": code, "state": state}, token)
	requireErrorKind(t, w, http.StatusConflict, KindIdentityConflict)

	assert.Equal(t, before, e.identity(userID))
}

func TestLinkingAnAccountOwnedByAnotherUser(t *testing.T) {
	e := newTestEnv(t, nil)
	carol, carolToken := e.signUp("carol", "secret")
	dave, daveToken := e.signUp("dave", "secret")

	started, _ := e.startOAuth2(carolToken, nil)
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)
	w := e.do("POST", "/auth/oauth2/callback", map[string]string{"code": code, "state": state}, carolToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	started, _ = e.startOAuth2(daveToken, nil)
	code, state = e.fake.approveOAuth2(t, started.AuthorizationURL)
	w = e.do("POST", "/auth/oauth2/callback", map[string]string{"code": code, "state": state}, daveToken)
	requireErrorKind(t, w, http.StatusConflict, KindIdentityAlreadyLinked)

	assert.NotNil(t, e.identity(carol))
	assert.Nil(t, e.identity(dave))
}

func TestPKCERoundTrip(t *testing.T) {
	e := newTestEnv(t, nil)

	started, _ := e.startOAuth2("", nil)
	u, err := url.Parse(started.AuthorizationURL)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, started.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(started.CodeVerifier), q.Get("code_challenge"))
	assert.NotContains(t, started.AuthorizationURL, started.CodeVerifier)
	assert.Equal(t, e.settings.TwitterRedirectURL, q.Get("redirect_uri"))
	assert.Contains(t, strings.Fields(q.Get("scope")), "offline.access")
	assert.GreaterOrEqual(t, len(started.CodeVerifier), 43)

	attempt, err := e.store.TakeOnce(context.Background(), attemptKey(ProtocolOAuth2, started.State))
	require.NoError(t, err)
	assert.Equal(t, started.CodeVerifier, attempt.OAuth2.CodeVerifier)
}

func TestClientVerifierMustMatchStored(t *testing.T) {
	e := newTestEnv(t, nil)

	started, _ := e.startOAuth2("", nil)
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)

	w := e.do("POST", "/auth/oauth2/callback", map[string]string{
		"code":          code,
		"state":         state,
		"code_verifier": started.CodeVerifier + "x",
	}, "")
	requireErrorKind(t, w, http.StatusBadRequest, KindStateMismatch)
	assert.Equal(t, 0, e.fake.callCount("/2/oauth2/token"))
}

func TestConcurrentInitsAreIndependent(t *testing.T) {
	e := newTestEnv(t, nil)
	_, token := e.signUp("carol", "secret")

	first, _ := e.startOAuth2(token, nil)
	second, _ := e.startOAuth2(token, nil)
	require.NotEqual(t, first.State, second.State)

	code2, state2 := e.fake.approveOAuth2(t, second.AuthorizationURL)
	code1, state1 := e.fake.approveOAuth2(t, first.AuthorizationURL)

	w := e.do("POST", "/auth/oauth2/callback", map[string]string{"code": code2, "state": state2}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = e.do("POST", "/auth/oauth2/callback", map[string]string{"code": code1, "state": state1}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestOAuth2ProviderRejectsCode(t *testing.T) {
	e := newTestEnv(t, nil)

	started, _ := e.startOAuth2("", nil)
	_, state := e.fake.approveOAuth2(t, started.AuthorizationURL)

	w := e.do("POST", "/auth/oauth2/callback", map[string]string{"code": "forged", "state": state}, "")
	requireErrorKind(t, w, http.StatusBadRequest, KindProviderRejected)
	assert.NotContains(t, w.Body.String(), "authorization code was invalid")
}

func TestOAuth2ProviderDown(t *testing.T) {
	e := newTestEnv(t, nil)
	e.fake.failPath("/2/oauth2/token", http.StatusServiceUnavailable)

	started, _ := e.startOAuth2("", nil)
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)

	w := e.do("POST", "/auth/oauth2/callback", map[string]string{"code": code, "state": state}, "")
	requireErrorKind(t, w, http.StatusBadGateway, KindProviderUnavailable)
	assert.NotContains(t, w.Body.String(), "Over capacity")
}

func TestOAuth1LinkStatusDisconnect(t *testing.T) {
	e := newTestEnv(t, nil)
	userID, token := e.signUp("carol", "secret")

	w := e.do("GET", "/auth/oauth1/status", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"connected":false}`, w.Body.String())

	started := e.startOAuth1(token, nil)
	assert.NotEmpty(t, started.OAuthTokenSecret)
	assert.Contains(t, started.AuthorizationURL, "oauth_token="+started.OAuthToken)
	verifier := e.fake.approveOAuth1(started.OAuthToken)

	w = e.do("POST", "/auth/oauth1/callback", map[string]string{
		"oauth_token":        started.OAuthToken,
		"oauth_verifier":     verifier,
		"oauth_token_secret": started.OAuthTokenSecret,
	}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"message":"Twitter account connected","provider_username":"alice","provider_user_id":"1001"}`,
		w.Body.String())

	li := e.identity(userID)
	require.NotNil(t, li)
	assert.True(t, li.HasOAuth1())

	w = e.do("GET", "/auth/oauth1/status", nil, token)
	assert.JSONEq(t, `{"connected":true,"provider_username":"alice","provider_user_id":"1001"}`, w.Body.String())

	w = e.do("DELETE", "/auth/oauth1/disconnect", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Twitter account disconnected")
	assert.Nil(t, e.identity(userID))

	w = e.do("DELETE", "/auth/oauth1/disconnect", nil, token)
	assert.Contains(t, w.Body.String(), "Twitter account was not connected")
}

func TestBothProtocolsShareOneIdentity(t *testing.T) {
	e := newTestEnv(t, nil)

	started, _ := e.startOAuth2("", nil)
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)
	w := e.do("POST", "/auth/oauth2/callback", map[string]string{"code": code, "state": state}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var login loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	userID := login.User.UserID
	oauth2Token := e.identity(userID).OAuth2AccessToken

	posting := e.startOAuth1(login.AccessToken, nil)
	verifier := e.fake.approveOAuth1(posting.OAuthToken)
	w = e.do("POST", "/auth/oauth1/callback", map[string]string{
		"oauth_token":    posting.OAuthToken,
		"oauth_verifier": verifier,
	}, login.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	li := e.identity(userID)
	assert.True(t, li.HasOAuth1())
	assert.Equal(t, oauth2Token, li.OAuth2AccessToken)

	// dropping posting keeps the login credentials
	w = e.do("DELETE", "/auth/oauth1/disconnect", nil, login.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	li = e.identity(userID)
	require.NotNil(t, li)
	assert.False(t, li.HasOAuth1())
	assert.Equal(t, oauth2Token, li.OAuth2AccessToken)
}

func TestOAuth1RequiresSignIn(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do("POST", "/auth/oauth1/init", nil, "")
	requireErrorKind(t, w, http.StatusUnauthorized, KindUnauthorized)
	assert.Equal(t, 0, e.fake.callCount("/oauth/request_token"))
}

func TestOAuth1SecretEchoMismatch(t *testing.T) {
	e := newTestEnv(t, nil)
	_, token := e.signUp("carol", "secret")

	started := e.startOAuth1(token, nil)
	verifier := e.fake.approveOAuth1(started.OAuthToken)

	body := map[string]string{
		"oauth_token":        started.OAuthToken,
		"oauth_verifier":     verifier,
		"oauth_token_secret": "not-the-secret",
	}
	w := e.do("POST", "/auth/oauth1/callback", body, token)
	requireErrorKind(t, w, http.StatusBadRequest, KindStateMismatch)

	// the attempt was consumed by the failed try
	body["oauth_token_secret"] = started.OAuthTokenSecret
	w = e.do("POST", "/auth/oauth1/callback", body, token)
	requireErrorKind(t, w, http.StatusBadRequest, KindAttemptNotFound)
	assert.Equal(t, 0, e.fake.callCount("/oauth/access_token"))
}

func TestOAuth1WrongVerifier(t *testing.T) {
	e := newTestEnv(t, nil)
	userID, token := e.signUp("carol", "secret")

	started := e.startOAuth1(token, nil)
	e.fake.approveOAuth1(started.OAuthToken)

	w := e.do("POST", "/auth/oauth1/callback", map[string]string{
		"oauth_token":    started.OAuthToken,
		"oauth_verifier": "guessed",
	}, token)
	requireErrorKind(t, w, http.StatusBadRequest, KindInvalidVerifier)
	assert.Nil(t, e.identity(userID))
}

func TestOAuth1CallbackFromAnotherUser(t *testing.T) {
	e := newTestEnv(t, nil)
	_, carolToken := e.signUp("carol", "secret")
	_, daveToken := e.signUp("dave", "secret")

	started := e.startOAuth1(carolToken, nil)
	verifier := e.fake.approveOAuth1(started.OAuthToken)

	w := e.do("POST", "/auth/oauth1/callback", map[string]string{
		"oauth_token":    started.OAuthToken,
		"oauth_verifier": verifier,
	}, daveToken)
	requireErrorKind(t, w, http.StatusBadRequest, KindAttemptNotFound)
}

func TestOAuth1ProviderDown(t *testing.T) {
	e := newTestEnv(t, nil)
	_, token := e.signUp("carol", "secret")
	e.fake.failPath("/oauth/request_token", http.StatusServiceUnavailable)

	w := e.do("POST", "/auth/oauth1/init", nil, token)
	requireErrorKind(t, w, http.StatusBadGateway, KindProviderUnavailable)
	assert.Equal(t, 0, e.store.Len())
}

func TestOAuth1BrowserRedirect(t *testing.T) {
	e := newTestEnv(t, nil)
	userID, token := e.signUp("carol", "secret")

	started := e.startOAuth1(token, map[string]string{"next": "/settings"})
	verifier := e.fake.approveOAuth1(started.OAuthToken)

	w := e.do("GET", "/auth/callback?"+url.Values{
		"oauth_token":    {started.OAuthToken},
		"oauth_verifier": {verifier},
	}.Encode(), nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `url=http://app.test/settings`)
	assert.True(t, e.identity(userID).HasOAuth1())
}

func TestOAuth1UserDenied(t *testing.T) {
	e := newTestEnv(t, nil)
	_, token := e.signUp("carol", "secret")

	started := e.startOAuth1(token, nil)

	w := e.do("GET", "/auth/callback?denied="+started.OAuthToken, nil, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Sign-in was cancelled.")
	assert.Contains(t, w.Body.String(), "error=user_cancelled")

	has, err := e.store.Has(context.Background(), attemptKey(ProtocolOAuth1, started.OAuthToken))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestOAuth2BrowserRedirectSignsIn(t *testing.T) {
	e := newTestEnv(t, nil)

	started, cookies := e.startOAuth2("", map[string]string{"next": "/home"})
	stateCookie := findCookie(cookies, stateCookieName(started.State))
	require.NotNil(t, stateCookie)
	assert.True(t, stateCookie.HttpOnly)
	assert.Equal(t, "/auth", stateCookie.Path)

	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)
	w := e.do("GET", "/auth/oauth2-callback?"+url.Values{"code": {code}, "state": {state}}.Encode(), nil, "", stateCookie)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "You are signed in.")
	assert.Contains(t, w.Body.String(), "url=http://app.test/home")

	session := findCookie(w.Result().Cookies(), sessionCookie)
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)

	cleared := findCookie(w.Result().Cookies(), stateCookieName(state))
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)

	w = e.do("GET", "/auth/me", nil, "", session)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestOAuth2BrowserRedirectNeedsStateCookie(t *testing.T) {
	e := newTestEnv(t, nil)

	started, _ := e.startOAuth2("", nil)
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)

	w := e.do("GET", "/auth/oauth2-callback?"+url.Values{"code": {code}, "state": {state}}.Encode(), nil, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error=state_mismatch")
	assert.Nil(t, findCookie(w.Result().Cookies(), sessionCookie))
	assert.Equal(t, 0, e.fake.callCount("/2/oauth2/token"))
}

func TestOAuth2AccessDenied(t *testing.T) {
	e := newTestEnv(t, nil)

	started, cookies := e.startOAuth2("", nil)
	w := e.do("GET", "/auth/oauth2-callback?"+url.Values{
		"error": {"access_denied"},
		"state": {started.State},
	}.Encode(), nil, "", cookies...)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error=user_cancelled")
}

func TestPopupPostsToOpener(t *testing.T) {
	e := newTestEnv(t, nil)

	started, cookies := e.startOAuth2("", map[string]interface{}{
		"popup":         true,
		"opener_origin": testOpener,
	})
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)

	w := e.do("GET", "/auth/oauth2-callback?"+url.Values{"code": {code}, "state": {state}}.Encode(), nil, "", cookies...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	page := w.Body.String()
	assert.Contains(t, page, "window.opener.postMessage")
	assert.Contains(t, page, PopupSuccess)
	assert.Contains(t, page, "opener.test")
	assert.Contains(t, page, "window.close()")
	assert.NotContains(t, page, "http-equiv")

	// the opener can also collect the outcome by polling, once
	req := map[string]string{"Origin": testOpener, popupSecretHeader: started.CodeVerifier}
	msg := e.waitPopup(ProtocolOAuth2, state, req)
	require.Equal(t, http.StatusOK, msg.Code, msg.Body.String())
	var got PopupMessage
	require.NoError(t, json.Unmarshal(msg.Body.Bytes(), &got))
	assert.Equal(t, PopupSuccess, got.Type)
	assert.Equal(t, alice.ID, got.Profile.ProviderUserID)
	assert.NotEmpty(t, got.AccessToken)

	msg = e.waitPopup(ProtocolOAuth2, state, req)
	requireErrorKind(t, msg, http.StatusBadRequest, KindAttemptNotFound)
}

func TestPopupFailureReachesOpener(t *testing.T) {
	e := newTestEnv(t, nil)
	_, token := e.signUp("carol", "secret")

	started := e.startOAuth1(token, map[string]interface{}{
		"popup":         true,
		"opener_origin": testOpener,
	})

	w := e.do("GET", "/auth/callback?denied="+started.OAuthToken, nil, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), PopupError)

	msg := e.waitPopup(ProtocolOAuth1, started.OAuthToken, map[string]string{
		"Referer":         testOpener + "/page",
		popupSecretHeader: started.OAuthTokenSecret,
	})
	require.Equal(t, http.StatusOK, msg.Code, msg.Body.String())
	var got PopupMessage
	require.NoError(t, json.Unmarshal(msg.Body.Bytes(), &got))
	assert.Equal(t, PopupError, got.Type)
	assert.Equal(t, KindUserCancelled, got.Error)
}

func TestPopupWaitFromWrongOrigin(t *testing.T) {
	e := newTestEnv(t, nil)

	started, _ := e.startOAuth2("", map[string]interface{}{
		"popup":         true,
		"opener_origin": testOpener,
	})

	w := e.waitPopup(ProtocolOAuth2, started.State, map[string]string{
		"Origin":          "http://evil.test",
		popupSecretHeader: started.CodeVerifier,
	})
	requireErrorKind(t, w, http.StatusBadRequest, KindAttemptNotFound)
}

func TestPopupWaitNeedsInitSecret(t *testing.T) {
	e := newTestEnv(t, nil)

	started, cookies := e.startOAuth2("", map[string]interface{}{
		"popup":         true,
		"opener_origin": testOpener,
	})
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)
	w := e.do("GET", "/auth/oauth2-callback?"+url.Values{"code": {code}, "state": {state}}.Encode(), nil, "", cookies...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// the state is visible in provider URLs and the Origin header is easy to
	// set outside a browser; neither is enough to collect the session
	for _, headers := range []map[string]string{
		{"Origin": testOpener},
		{"Origin": testOpener, popupSecretHeader: "guess"},
		{"Origin": testOpener, popupSecretHeader: state},
	} {
		w = e.waitPopup(ProtocolOAuth2, state, headers)
		requireErrorKind(t, w, http.StatusBadRequest, KindAttemptNotFound)
		assert.NotContains(t, w.Body.String(), "access_token")
	}

	// failed waits leave the outcome for the real opener
	w = e.waitPopup(ProtocolOAuth2, state, map[string]string{"Origin": testOpener, popupSecretHeader: started.CodeVerifier})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got PopupMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, PopupSuccess, got.Type)
	assert.NotEmpty(t, got.AccessToken)
}

func TestPopupOpenerMustBeTrusted(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do("POST", "/auth/oauth2/init", map[string]interface{}{
		"popup":         true,
		"opener_origin": "http://evil.test",
	}, "")
	requireErrorKind(t, w, http.StatusBadRequest, KindBadRequest)

	w = e.do("POST", "/auth/oauth2/init", map[string]interface{}{"popup": true}, "")
	requireErrorKind(t, w, http.StatusBadRequest, KindBadRequest)
	assert.Equal(t, 0, e.store.Len())
}

func (e *testEnv) waitPopup(protocol Protocol, key string, headers map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest("GET", "/auth/popup/wait?"+url.Values{
		"protocol": {string(protocol)},
		"key":      {key},
	}.Encode(), nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	ctx, cancel := context.WithTimeout(req.Context(), time.Second)
	defer cancel()

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req.WithContext(ctx))
	return w
}

func TestPopupWaitDefaultsTimeout(t *testing.T) {
	e := newTestEnv(t, func(s *Settings) {
		s.AttemptTTL = 0
		s.PopupWaitTimeout = 0
	})
	assert.Equal(t, DefaultAttemptTTL, e.handler.settings.AttemptTTL)
	assert.Equal(t, DefaultPopupWaitTimeout, e.handler.settings.PopupWaitTimeout)

	started, cookies := e.startOAuth2("", map[string]interface{}{
		"popup":         true,
		"opener_origin": testOpener,
	})
	code, state := e.fake.approveOAuth2(t, started.AuthorizationURL)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- e.waitPopup(ProtocolOAuth2, state, map[string]string{"Origin": testOpener, popupSecretHeader: started.CodeVerifier})
	}()

	// the wait is still pending while the user is on the consent screen
	select {
	case w := <-done:
		t.Fatalf("wait ended early: %d %s", w.Code, w.Body.String())
	case <-time.After(50 * time.Millisecond):
	}

	w := e.do("GET", "/auth/oauth2-callback?"+url.Values{"code": {code}, "state": {state}}.Encode(), nil, "", cookies...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = <-done
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got PopupMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, PopupSuccess, got.Type)
}
