// Package snapshot persists exported database images.
//
// A Store keeps every saved image under a caller-chosen name. Ids are
// UUIDv7, so ordering by id is ordering by save time.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no snapshot matches.
	ErrNotFound = errors.New("snapshot: not found")
	// ErrCorrupt is returned when a loaded image does not match its digest.
	ErrCorrupt = errors.New("snapshot: digest mismatch")
	// ErrEmptyName is returned when saving without a name.
	ErrEmptyName = errors.New("snapshot: name is required")
)

// Snapshot describes one saved image.
type Snapshot struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Size      int64     `db:"size" json:"size"`
	Digest    string    `db:"digest" json:"digest,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Store saves and retrieves database images.
type Store interface {
	// Save stores data under name and returns its metadata.
	Save(ctx context.Context, name string, data []byte) (Snapshot, error)
	// Load returns the snapshot with the given id.
	Load(ctx context.Context, id string) (Snapshot, []byte, error)
	// Latest returns the most recent snapshot saved under name.
	Latest(ctx context.Context, name string) (Snapshot, []byte, error)
	// List returns snapshots saved under name, newest first. An empty name
	// lists everything.
	List(ctx context.Context, name string) ([]Snapshot, error)
	// Delete removes the snapshot with the given id.
	Delete(ctx context.Context, id string) error
	Close() error
}

func newSnapshot(name string, data []byte) (Snapshot, error) {
	if name == "" {
		return Snapshot{}, ErrEmptyName
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ID:        id.String(),
		Name:      name,
		Size:      int64(len(data)),
		Digest:    digest(data),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func verify(s Snapshot, data []byte) error {
	if s.Digest != "" && s.Digest != digest(data) {
		return ErrCorrupt
	}
	return nil
}
