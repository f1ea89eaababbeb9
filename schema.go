package dualauth

const schemaSqlite = `
CREATE TABLE IF NOT EXISTS Users (
    userid INTEGER PRIMARY KEY,
    username TEXT UNIQUE NOT NULL,
	email TEXT,
	password TEXT,
	full_name TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	created INTEGER NOT NULL,
	lastSeen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Sessions (
    token_id TEXT PRIMARY KEY,
	userid INTEGER NOT NULL,
	expiry INTEGER NOT NULL,
	lastUsed INTEGER NOT NULL,
    FOREIGN KEY (userid) REFERENCES Users ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS linked_identities (
	userid INTEGER NOT NULL,
	provider TEXT NOT NULL,
	provider_user_id TEXT NOT NULL,
	provider_username TEXT NOT NULL,
	oauth1_access_token TEXT,
	oauth1_access_token_secret TEXT,
	oauth2_access_token TEXT,
	oauth2_refresh_token TEXT,
	linked_at INTEGER NOT NULL,
	FOREIGN KEY (userid) REFERENCES Users ON DELETE CASCADE,
	UNIQUE(userid, provider),
	UNIQUE(provider, provider_user_id)
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS Users (
    userid BIGSERIAL PRIMARY KEY,
    username TEXT NOT NULL,
	email TEXT,
	password TEXT,
	full_name TEXT,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created BIGINT NOT NULL,
	lastSeen BIGINT NOT NULL,
	UNIQUE(username)
);

CREATE TABLE IF NOT EXISTS Sessions (
    token_id TEXT PRIMARY KEY,
	userid BIGINT NOT NULL,
	expiry BIGINT NOT NULL,
	lastUsed BIGINT NOT NULL,
    FOREIGN KEY (userid) REFERENCES Users ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS linked_identities (
	userid BIGINT NOT NULL,
	provider TEXT NOT NULL,
	provider_user_id TEXT NOT NULL,
	provider_username TEXT NOT NULL,
	oauth1_access_token TEXT,
	oauth1_access_token_secret TEXT,
	oauth2_access_token TEXT,
	oauth2_refresh_token TEXT,
	linked_at BIGINT NOT NULL,
	FOREIGN KEY (userid) REFERENCES Users ON DELETE CASCADE,
	UNIQUE(userid, provider),
	UNIQUE(provider, provider_user_id)
);
`
