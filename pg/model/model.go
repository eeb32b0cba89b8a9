package model

import (
	"time"
)

// CredentialEntry is one persisted credential-store key for a profile.
type CredentialEntry struct {
	Profile   string    `json:"profile"`
	Key       string    `json:"key"`
	Value     string    `json:"-"` // Never expose in JSON
	UpdatedAt time.Time `json:"updated_at"`
}

// CredentialSchema creates the table backing the Postgres credential store.
const CredentialSchema = `
CREATE TABLE IF NOT EXISTS session_credential (
	profile    TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	value      TEXT        NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (profile, key)
)`
