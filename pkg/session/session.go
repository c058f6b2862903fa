// Package session provides the in-memory registry of MCP sessions.
// A session is a short-lived handshake artifact minted on initialize and
// referenced by the Mcp-Session-Id header; it carries no identity and is not
// persisted, so a process restart invalidates every session.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// DefaultTTL is how long a session stays valid without activity.
	DefaultTTL = 30 * time.Minute

	// DefaultSweepInterval is how often expired sessions are removed.
	DefaultSweepInterval = 5 * time.Minute

	// idBytes is the number of random bytes behind a session ID.
	// 32 bytes encode to 43 unpadded base64url characters.
	idBytes = 32
)

// Session represents an active client session.
type Session struct {
	// ID is the opaque session identifier sent as Mcp-Session-Id.
	ID string

	// CreatedAt is when the session was established.
	CreatedAt time.Time

	// LastActivity is the most recent successful lookup.
	LastActivity time.Time
}

// Store is the session registry used by the protocol dispatcher and the
// HTTP transport.
type Store interface {
	// Create mints a new session and returns its ID.
	Create() (string, error)

	// Touch returns the session and refreshes LastActivity. The boolean is
	// false when the session does not exist or has expired.
	Touch(id string) (Session, bool)

	// IsValid reports whether Touch finds the session.
	IsValid(id string) bool

	// Delete removes a session. Deleting an unknown ID is a no-op.
	Delete(id string)

	// Sweep removes every expired session and returns how many were removed.
	Sweep() int
}

// generateID creates a cryptographically random, URL-safe session ID.
func generateID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
