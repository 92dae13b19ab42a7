// internal/store/store.go
// Package store holds the hub's I/O collaborators: the credential store,
// the message log and the blob store, with one implementation per backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erilali/chathub/internal/message"
)

var (
	ErrDuplicateUser = errors.New("username already exists")
	ErrInvalidKind   = errors.New("invalid message kind")
	ErrEmptyUsername = errors.New("username and password are required")
)

// Record is one persisted chat message.
type Record struct {
	ID        uint64    `json:"id"`
	Sender    string    `json:"sender"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// History converts r to its client-facing JSON form.
func (r Record) History() message.HistoryRecord {
	return message.HistoryRecord{
		ID:        r.ID,
		Sender:    r.Sender,
		Kind:      r.Kind,
		Content:   r.Content,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type CredentialStore interface {
	// Register returns ErrDuplicateUser when username is taken.
	Register(ctx context.Context, username, secret string) error
	Verify(ctx context.Context, username, secret string) (bool, error)
}

type MessageLog interface {
	Append(ctx context.Context, sender, kind, content string) (uint64, error)
	// Recent returns up to limit of the newest records, oldest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

type BlobStore interface {
	// Save stores data under a sanitized, timestamped name derived from
	// nameHint and returns that name.
	Save(ctx context.Context, nameHint string, data []byte) (string, error)
}

// ValidateKind enforces the set of kinds a record may carry.
func ValidateKind(kind string) error {
	switch kind {
	case message.KindText, message.KindFile, message.KindImage, message.KindVoice:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
}

func reverse(records []Record) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}
