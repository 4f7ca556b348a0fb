// Package directory is the durable store of connection records, keyed by
// connection id. It is a pure CRUD collaborator: retry and failure policy
// belong to the caller.
package directory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no live record exists for the id.
var ErrNotFound = errors.New("directory: connection not found")

// Record is one connection's directory entry. Field names follow the
// persisted JSON shape.
type Record struct {
	ConnectionID   string    `json:"connectionId"`
	SessionID      string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	Email          string    `json:"email"`
	Username       string    `json:"username"`
	LanguageCode   string    `json:"languageCode"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Store maps connection ids to records. Implementations must make
// records past their ExpiresAt invisible to Get, eagerly or lazily.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, connectionID string) (Record, error)
	Delete(ctx context.Context, connectionID string) error
	Close() error
}
