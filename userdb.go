package dualauth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// User is a platform account.
type User struct {
	UserID   int64  `db:"userid" json:"id"`
	Username string `db:"username" json:"username"`
	Email    string `db:"email" json:"email,omitempty"`
	FullName string `db:"full_name" json:"full_name,omitempty"`
	IsActive bool   `db:"is_active" json:"is_active"`
}

// LinkedIdentity is the association between a platform user and one
// provider account. A user has at most one per provider and a provider
// account belongs to at most one user.
type LinkedIdentity struct {
	UserID                  int64     `json:"-"`
	Provider                string    `json:"provider"`
	ProviderUserID          string    `json:"provider_user_id"`
	ProviderUsername        string    `json:"provider_username"`
	OAuth1AccessToken       string    `json:"-"`
	OAuth1AccessTokenSecret string    `json:"-"`
	OAuth2AccessToken       string    `json:"-"`
	OAuth2RefreshToken      string    `json:"-"`
	LinkedAt                time.Time `json:"linked_at"`
}

// HasOAuth1 reports whether posting credentials are present.
func (li *LinkedIdentity) HasOAuth1() bool {
	return li.OAuth1AccessToken != "" && li.OAuth1AccessTokenSecret != ""
}

// HasOAuth2 reports whether OAuth2 credentials are present.
func (li *LinkedIdentity) HasOAuth2() bool {
	return li.OAuth2AccessToken != ""
}

// DB is all the operations needed from the database.
// You can use the built-in userdb provided by this package
// and override one or more operations.
type DB interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a database transaction that has methods for user and linked
// identity management. Lookups that find nothing return a nil value
// and a nil error.
type Tx interface {
	Commit() error
	Rollback() error

	CreateUser(username, fullName, email, password string) (int64, error)
	GetUser(userid int64) (*User, error)
	GetUserByUsername(username string) (*User, error)
	GetPassword(username string) (int64, string, error)
	UpdateEmail(userid int64, email string) error

	GetIdentity(userid int64, provider string) (*LinkedIdentity, error)
	GetIdentityByProviderID(provider, providerUserID string) (*LinkedIdentity, error)
	SaveIdentity(li *LinkedIdentity) error
	RemoveIdentity(userid int64, provider string) error

	SignIn(userid int64, tokenID string, expiry time.Time) error
	GetID(tokenID string) (int64, error)
	SignOut(tokenID string) error
}

// UserDB is a database that handles users and their linked identities.
type UserDB struct {
	db *sqlx.DB
}

// UserTx wraps a database transaction
type UserTx struct {
	Tx *sqlx.Tx
}

// NewUserDB returns a new user database, creating its tables if needed.
func NewUserDB(db *sqlx.DB) (*UserDB, error) {
	udb := &UserDB{db}
	if err := udb.createTables(); err != nil {
		return nil, err
	}
	return udb, nil
}

func (db *UserDB) createTables() error {
	var err error
	if db.db.DriverName() == "postgres" {
		_, err = db.db.Exec(schemaPostgres)
	} else {
		_, err = db.db.Exec(schemaSqlite)
	}
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Begin begins a transaction
func (db *UserDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return UserTx{tx}, nil
}

// Commit commits a DB transaction
func (tx UserTx) Commit() error {
	err := tx.Tx.Commit()
	if err != nil && err != sql.ErrTxDone {
		return err
	}
	return nil
}

// Rollback aborts a DB transaction. Rolling back a committed transaction
// is a no-op, so it is safe to defer.
func (tx UserTx) Rollback() error {
	err := tx.Tx.Rollback()
	if err != nil && err != sql.ErrTxDone {
		return err
	}
	return nil
}

// CreateUser creates a user. The password is already hashed, or empty for
// users that only sign in through a provider.
func (tx UserTx) CreateUser(username, fullName, email, password string) (int64, error) {
	now := now().Unix()
	var err error
	var id int64

	if tx.Tx.DriverName() == "postgres" {
		err = tx.Tx.QueryRow(`INSERT INTO Users (username, email, password, full_name, is_active, created, lastSeen)
			VALUES ($1, $2, $3, $4, TRUE, $5, $6) RETURNING userid`,
			username, email, password, fullName, now, now).Scan(&id)
	} else {
		var res sql.Result
		res, err = tx.Tx.Exec(`INSERT INTO Users (username, email, password, full_name, is_active, created, lastSeen)
			VALUES ($1, $2, $3, $4, 1, $5, $6)`,
			username, email, password, fullName, now, now)
		if err == nil {
			id, err = res.LastInsertId()
		}
	}

	if err != nil {
		return 0, err
	}
	return id, nil
}

const userColumns = `userid, username, COALESCE(email, '') AS email,
	COALESCE(full_name, '') AS full_name, is_active`

// GetUser returns the user with the given id, or nil.
func (tx UserTx) GetUser(userid int64) (*User, error) {
	var u User
	err := tx.Tx.Get(&u, `SELECT `+userColumns+` FROM Users WHERE userid=$1`, userid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByUsername returns the user with the given username, or nil.
func (tx UserTx) GetUserByUsername(username string) (*User, error) {
	var u User
	err := tx.Tx.Get(&u, `SELECT `+userColumns+` FROM Users WHERE username=$1`, username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetPassword searches for the hashed password for the given username.
// It also returns the userid. If not found, userid will be 0
func (tx UserTx) GetPassword(username string) (int64, string, error) {
	var row struct {
		UserID   int64  `db:"userid"`
		Password string `db:"password"`
	}
	err := tx.Tx.Get(&row, `SELECT userid, COALESCE(password, '') AS password
		FROM Users WHERE username=$1`, username)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return row.UserID, row.Password, nil
}

// UpdateEmail changes the given user's email. Email must be in lower case already.
func (tx UserTx) UpdateEmail(userid int64, email string) error {
	_, err := tx.Tx.Exec("UPDATE Users SET email=$1 WHERE userid=$2", email, userid)
	return err
}

type identityRow struct {
	UserID                  int64  `db:"userid"`
	Provider                string `db:"provider"`
	ProviderUserID          string `db:"provider_user_id"`
	ProviderUsername        string `db:"provider_username"`
	OAuth1AccessToken       string `db:"oauth1_access_token"`
	OAuth1AccessTokenSecret string `db:"oauth1_access_token_secret"`
	OAuth2AccessToken       string `db:"oauth2_access_token"`
	OAuth2RefreshToken      string `db:"oauth2_refresh_token"`
	LinkedAt                int64  `db:"linked_at"`
}

func (r identityRow) identity() *LinkedIdentity {
	return &LinkedIdentity{
		UserID:                  r.UserID,
		Provider:                r.Provider,
		ProviderUserID:          r.ProviderUserID,
		ProviderUsername:        r.ProviderUsername,
		OAuth1AccessToken:       r.OAuth1AccessToken,
		OAuth1AccessTokenSecret: r.OAuth1AccessTokenSecret,
		OAuth2AccessToken:       r.OAuth2AccessToken,
		OAuth2RefreshToken:      r.OAuth2RefreshToken,
		LinkedAt:                time.Unix(r.LinkedAt, 0),
	}
}

const identityColumns = `userid, provider, provider_user_id, provider_username,
	COALESCE(oauth1_access_token, '') AS oauth1_access_token,
	COALESCE(oauth1_access_token_secret, '') AS oauth1_access_token_secret,
	COALESCE(oauth2_access_token, '') AS oauth2_access_token,
	COALESCE(oauth2_refresh_token, '') AS oauth2_refresh_token,
	linked_at`

func (tx UserTx) getIdentity(query string, args ...interface{}) (*LinkedIdentity, error) {
	var row identityRow
	err := tx.Tx.Get(&row, query, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.identity(), nil
}

// GetIdentity returns the user's identity at the provider, or nil.
func (tx UserTx) GetIdentity(userid int64, provider string) (*LinkedIdentity, error) {
	return tx.getIdentity(`SELECT `+identityColumns+` FROM linked_identities
		WHERE userid=$1 AND provider=$2`, userid, provider)
}

// GetIdentityByProviderID returns the identity for the given provider
// account, whichever user owns it, or nil.
func (tx UserTx) GetIdentityByProviderID(provider, providerUserID string) (*LinkedIdentity, error) {
	return tx.getIdentity(`SELECT `+identityColumns+` FROM linked_identities
		WHERE provider=$1 AND provider_user_id=$2`, provider, providerUserID)
}

// SaveIdentity inserts the identity, or replaces the stored one for the same
// user and provider.
func (tx UserTx) SaveIdentity(li *LinkedIdentity) error {
	res, err := tx.Tx.Exec(`UPDATE linked_identities SET
			provider_user_id=$1, provider_username=$2,
			oauth1_access_token=$3, oauth1_access_token_secret=$4,
			oauth2_access_token=$5, oauth2_refresh_token=$6, linked_at=$7
		WHERE userid=$8 AND provider=$9`,
		li.ProviderUserID, li.ProviderUsername,
		nullable(li.OAuth1AccessToken), nullable(li.OAuth1AccessTokenSecret),
		nullable(li.OAuth2AccessToken), nullable(li.OAuth2RefreshToken),
		li.LinkedAt.Unix(), li.UserID, li.Provider)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	_, err = tx.Tx.Exec(`INSERT INTO linked_identities (userid, provider, provider_user_id,
			provider_username, oauth1_access_token, oauth1_access_token_secret,
			oauth2_access_token, oauth2_refresh_token, linked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		li.UserID, li.Provider, li.ProviderUserID, li.ProviderUsername,
		nullable(li.OAuth1AccessToken), nullable(li.OAuth1AccessTokenSecret),
		nullable(li.OAuth2AccessToken), nullable(li.OAuth2RefreshToken),
		li.LinkedAt.Unix())
	return err
}

// RemoveIdentity removes the given provider from the user's account
func (tx UserTx) RemoveIdentity(userid int64, provider string) error {
	_, err := tx.Tx.Exec("DELETE FROM linked_identities WHERE userid=$1 AND provider=$2",
		userid, provider)
	return err
}

// SignIn records a session token id for the user.
func (tx UserTx) SignIn(userid int64, tokenID string, expiry time.Time) error {
	now := now().Unix()

	if _, err := tx.Tx.Exec("INSERT INTO Sessions (token_id, userid, expiry, lastUsed) VALUES ($1, $2, $3, $4)",
		tokenID, userid, expiry.Unix(), now); err != nil {
		return err
	}

	if _, err := tx.Tx.Exec("UPDATE Users SET lastSeen=$1 WHERE userid=$2", now, userid); err != nil {
		return err
	}

	return tx.performMaintenance()
}

func (tx UserTx) performMaintenance() error {
	_, err := tx.Tx.Exec("DELETE FROM Sessions WHERE expiry < $1", now().Unix())
	return err
}

// GetID returns the userid associated with a live session token id,
// or 0 if there is none.
func (tx UserTx) GetID(tokenID string) (int64, error) {
	var userid int64
	err := tx.Tx.Get(&userid, `SELECT userid FROM Sessions WHERE token_id=$1 AND expiry >= $2`,
		tokenID, now().Unix())
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return userid, err
}

// SignOut deletes the session with the given token id.
func (tx UserTx) SignOut(tokenID string) error {
	_, err := tx.Tx.Exec("DELETE FROM Sessions WHERE token_id=$1", tokenID)
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation recognises constraint errors from both sqlite and postgres.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE") || strings.Contains(message, "duplicate key")
}
