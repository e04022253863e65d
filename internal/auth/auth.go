// Package auth validates client credentials for the TUIC and Trojan servers.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrAuthFailed is the only error returned for a rejected credential. It
// never says whether the identity or the secret was wrong.
var ErrAuthFailed = errors.New("authentication failed")

// TokenSize is the length of a TUIC token.
const TokenSize = 32

// Exporter derives keying material from the connection's TLS session.
// tls.ConnectionState satisfies it.
type Exporter interface {
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
}

// Credential is one configured TUIC user.
type Credential struct {
	UUID     uuid.UUID
	Password string
}

// Table is the immutable TUIC credential table. It is safe for concurrent
// use without locking.
type Table struct {
	users map[uuid.UUID][]byte
	dummy []byte
}

// NewTable builds a credential table. Duplicate UUIDs are rejected.
func NewTable(creds []Credential) (*Table, error) {
	t := &Table{
		users: make(map[uuid.UUID][]byte, len(creds)),
		dummy: make([]byte, 16),
	}
	for _, c := range creds {
		if _, dup := t.users[c.UUID]; dup {
			return nil, fmt.Errorf("duplicate user %s", c.UUID)
		}
		t.users[c.UUID] = []byte(c.Password)
	}
	return t, nil
}

// Len returns the number of users.
func (t *Table) Len() int {
	return len(t.users)
}

// Authenticate checks token against the keying material exported for id.
// Unknown ids still run the derivation and comparison.
func (t *Table) Authenticate(id uuid.UUID, token []byte, exp Exporter) error {
	password, known := t.users[id]
	if !known {
		password = t.dummy
	}

	expected, err := exp.ExportKeyingMaterial(string(id[:]), password, TokenSize)
	if err != nil {
		return ErrAuthFailed
	}

	match := subtle.ConstantTimeCompare(expected, token) == 1
	if !known || !match {
		return ErrAuthFailed
	}
	return nil
}

// TrojanHashSize is the length of the hex SHA224 password hash.
const TrojanHashSize = 56

// TrojanTable holds the accepted Trojan password hashes.
type TrojanTable struct {
	hashes [][]byte
}

// NewTrojanTable hashes each password.
func NewTrojanTable(passwords []string) *TrojanTable {
	t := &TrojanTable{hashes: make([][]byte, 0, len(passwords))}
	for _, p := range passwords {
		t.hashes = append(t.hashes, TrojanHash(p))
	}
	return t
}

// TrojanHash returns hex(SHA224(password)).
func TrojanHash(password string) []byte {
	sum := sha256.Sum224([]byte(password))
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum[:])
	return out
}

// Authenticate compares hash against every configured hash.
func (t *TrojanTable) Authenticate(hash []byte) error {
	found := 0
	for _, h := range t.hashes {
		found |= subtle.ConstantTimeCompare(h, hash)
	}
	if found != 1 {
		return ErrAuthFailed
	}
	return nil
}
