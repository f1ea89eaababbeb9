/*
Package dualauth links platform accounts to Twitter using two OAuth protocols at once.

It includes:
  - OAuth 1.0a (three-legged) linking, which yields the credentials needed to post on behalf of a user
  - OAuth 2.0 Authorization Code with PKCE, used to sign users in and to link accounts
  - A single-use, TTL-bound store for in-flight attempts (in memory or Redis)
  - Popup support: the popup reports its outcome to the opening window exactly once
  - Session tokens (JWT) that do not depend on any provider token
  - Automatic database schema management (SQLite and PostgreSQL)

# Quick Start

	package main

	import (
		"log"
		"net/http"

		"github.com/jmoiron/sqlx"
		_ "github.com/mattn/go-sqlite3"
		"github.com/smhanov/dualauth"
	)

	func main() {
		db, err := sqlx.Open("sqlite3", "users.db")
		if err != nil {
			log.Fatal(err)
		}
		db.SetMaxOpenConns(1)

		userDB, err := dualauth.NewUserDB(db)
		if err != nil {
			log.Fatal(err)
		}

		settings := dualauth.DefaultSettings
		settings.SecretKey = "a secret of at least thirty-two bytes"
		settings.TwitterAPIKey = "consumer key"
		settings.TwitterAPISecret = "consumer secret"
		settings.TwitterClientID = "client id"
		settings.TwitterClientSecret = "client secret"

		h := dualauth.New(userDB, dualauth.NewMemoryAttemptStore(), settings)
		http.Handle("/auth/", dualauth.CORS(settings.TrustedOrigins(), h))
		log.Fatal(http.ListenAndServe(":8080", nil))
	}

The cmd/dualauthd server does the same from environment variables (see LoadSettings)
and adds /healthz and /metrics.

# Why two protocols

Twitter only lets an application post on a user's behalf with OAuth 1.0a user credentials,
while sign-in works best with OAuth 2.0. A user therefore signs in with OAuth 2.0 and, when
they want posting, connects their account again with OAuth 1.0a. Both end up in the same
LinkedIdentity row, each protocol's credentials in its own columns.

# Endpoints

  - POST   /auth/oauth1/init        - start linking for posting (signed in)
  - POST   /auth/oauth1/callback    - finish linking with oauth_token, oauth_verifier, oauth_token_secret
  - GET    /auth/oauth1/status      - {connected, provider_username, provider_user_id}
  - DELETE /auth/oauth1/disconnect  - forget the posting credentials
  - POST   /auth/oauth2/init        - start login, or linking when signed in
  - POST   /auth/oauth2/callback    - finish with code, state, code_verifier
  - GET    /auth/callback           - OAuth 1.0a provider redirect target
  - GET    /auth/oauth2-callback    - OAuth 2.0 provider redirect target
  - GET    /auth/popup/wait         - long poll for the outcome of a popup attempt
  - POST   /auth/token              - password login (username, password)
  - GET    /auth/me                 - current user and linked identity
  - POST   /auth/signout            - revoke the current session
  - GET    /auth/oauth2/debug       - configuration overview, only when Debug is set

Signed-in requests present the session token as "Authorization: Bearer <token>" or in the
session cookie.

# Attempts

Each init stores a PendingAuthAttempt keyed by the OAuth 1.0a request token or the OAuth 2.0
state. The callback takes it out of the store with TakeOnce, so a replayed or double-submitted
callback always fails with ErrAttemptNotFound. Values the client keeps across the redirect
(oauth_token_secret, code_verifier, the state cookie) are only compared with the stored copy;
what is sent to the provider always comes from the store.

Every failure is an *Error whose Kind tells the client what happened. Provider error bodies are
logged but never sent to the client.

# Popups

Send popup and opener_origin with the init request. The provider redirect page then posts a
single message to window.opener with opener_origin as the target origin and closes itself:

	window.addEventListener("message", function handler(ev) {
		if (ev.origin !== API_ORIGIN) return;
		window.removeEventListener("message", handler);
		// ev.data.type is "twitter-auth-success" or "twitter-auth-error"
	});

Openers that cannot receive messages can long poll GET /auth/popup/wait?protocol=oauth2&key=<state>,
sending the code_verifier (or oauth_token_secret for OAuth1) returned by init in the
X-Popup-Secret header.
If the user closes the popup the wait ends with ErrUserCancelled after PopupWaitTimeout.

# Event Hooks

WithAuthEventHook runs a function inside the transaction that stores a link or login:

	h := dualauth.New(userDB, store, settings,
		dualauth.WithAuthEventHook(func(tx dualauth.Tx, ev dualauth.AuthEvent) error {
			if ev.NewUser {
				log.Printf("new user %d", ev.UserID)
			}
			return nil
		}))

Returning an error rolls the link back.

# Common Pitfalls

1. SQLite in memory

Each connection to ":memory:" is a separate database. Call db.SetMaxOpenConns(1).

2. Several server instances

The memory store only works with a single process. Set REDIS_URL so that the instance
receiving the callback can find the attempt created by another.

3. Redirect URIs

A redirect_uri sent to /auth/oauth2/init must be on a trusted origin (FrontendURL or
AllowedOrigins) and must also be registered with Twitter.
*/
package dualauth
