package dualauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionToken is the platform's own bearer credential. It does not depend
// on any provider token.
type SessionToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SessionTokenIssuer mints and checks session tokens. Each token's id is
// recorded in the Sessions table so it can be revoked on sign out.
type SessionTokenIssuer struct {
	db         DB
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

// NewSessionTokenIssuer returns an issuer signing with the settings' secret key.
func NewSessionTokenIssuer(db DB, settings Settings) *SessionTokenIssuer {
	ttl := settings.AccessTokenExpire
	if ttl <= 0 {
		ttl = DefaultSettings.AccessTokenExpire
	}
	return &SessionTokenIssuer{
		db:         db,
		signingKey: []byte(settings.SecretKey),
		issuer:     settings.TokenIssuer,
		ttl:        ttl,
	}
}

// Issue mints a token for userID in its own transaction.
func (s *SessionTokenIssuer) Issue(ctx context.Context, userID int64) (*SessionToken, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, newError(KindInternal, err)
	}
	defer tx.Rollback()

	token, err := s.issueTx(tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, newError(KindInternal, err)
	}
	return token, nil
}

func (s *SessionTokenIssuer) issueTx(tx Tx, userID int64) (*SessionToken, error) {
	issuedAt := now()
	expiresAt := issuedAt.Add(s.ttl)

	claims := &jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    s.issuer,
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return nil, newError(KindInternal, fmt.Errorf("failed to sign JWT: %w", err))
	}

	if err := tx.SignIn(userID, claims.ID, expiresAt); err != nil {
		return nil, newError(KindInternal, fmt.Errorf("record session: %w", err))
	}

	return &SessionToken{AccessToken: signed, TokenType: "bearer", ExpiresAt: expiresAt}, nil
}

// parse checks the signature, issuer and expiry of a token.
func (s *SessionTokenIssuer) parse(raw string) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	}, opts...)
	if err != nil {
		return nil, newError(KindUnauthorized, err)
	}
	if !token.Valid || claims.ID == "" {
		return nil, newError(KindUnauthorized, errors.New("invalid token"))
	}
	return claims, nil
}

// Authenticate returns the user id and token id of the request's session,
// taken from the Authorization header or the session cookie. Requests
// without a valid, unrevoked token get ErrUnauthorized.
func (s *SessionTokenIssuer) Authenticate(r *http.Request) (int64, string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return 0, "", newError(KindUnauthorized, nil)
	}

	claims, err := s.parse(raw)
	if err != nil {
		return 0, "", err
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, "", newError(KindUnauthorized, fmt.Errorf("bad subject %q", claims.Subject))
	}

	tx, err := s.db.Begin(r.Context())
	if err != nil {
		return 0, "", newError(KindInternal, err)
	}
	defer tx.Rollback()

	owner, err := tx.GetID(claims.ID)
	if err != nil {
		return 0, "", newError(KindInternal, err)
	}
	if owner != userID {
		return 0, "", newError(KindUnauthorized, errors.New("session revoked"))
	}
	if err := tx.Commit(); err != nil {
		return 0, "", newError(KindInternal, err)
	}

	return userID, claims.ID, nil
}

// CheckUserID returns the signed-in user, or 0.
func (s *SessionTokenIssuer) CheckUserID(r *http.Request) int64 {
	userID, _, err := s.Authenticate(r)
	if err != nil {
		return 0
	}
	return userID
}

// Revoke deletes the session so its token stops authenticating.
func (s *SessionTokenIssuer) Revoke(ctx context.Context, tokenID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return newError(KindInternal, err)
	}
	defer tx.Rollback()

	if err := tx.SignOut(tokenID); err != nil {
		return newError(KindInternal, err)
	}
	if err := tx.Commit(); err != nil {
		return newError(KindInternal, err)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

const sessionCookie = "session"

// setSessionCookie stores the token in an HttpOnly cookie for redirect-mode
// logins, where the page cannot receive a JSON body.
func setSessionCookie(w http.ResponseWriter, token *SessionToken, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token.AccessToken,
		Path:     "/",
		Expires:  token.ExpiresAt,
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   secure,
		HttpOnly: true,
	})
}
