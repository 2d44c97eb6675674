// Package engine is the reference protected store: sealed vault items kept in
// memory and persisted per user as JSON.
package engine

import (
	"errors"
	"time"

	"github.com/agies-dev/agies-guard/internal/vault"
	"github.com/agies-dev/agies-guard/pkg/schema"
)

var (
	// ErrUserNotFound is returned when a user has no stored items.
	ErrUserNotFound = errors.New("user not found")
	// ErrTypeNotFound is returned when a user has no items of a data type.
	ErrTypeNotFound = errors.New("data type not found")
	// ErrItemNotFound is returned when a requested item does not exist.
	ErrItemNotFound = errors.New("item not found")
	// ErrInvalidUserID is returned for user IDs that cannot be persisted.
	ErrInvalidUserID = errors.New("invalid user id")
)

// Item is one sealed vault entry.
type Item struct {
	Sealed   vault.Sealed `json:"sealed"`
	EntryID  string       `json:"entry_id"`
	StoredAt time.Time    `json:"stored_at"`
}

// Store holds sealed items keyed by user, data type and item ID. Items are
// only ever written through the entry gate and read through a completed exit.
type Store interface {
	Put(userID string, dataType schema.DataType, itemID string, item Item) error
	Get(userID string, dataType schema.DataType, itemID string) (Item, error)
	Delete(userID string, dataType schema.DataType, itemID string) error

	// List returns every item of dataType for userID.
	List(userID string, dataType schema.DataType) (map[string]Item, error)
	// Types returns the data types userID has items for.
	Types(userID string) ([]schema.DataType, error)
	// Users returns every user with stored items.
	Users() ([]string, error)
}
