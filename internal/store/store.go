// Package store looks up document metadata in postgres. Document CRUD itself
// belongs to the surrounding services; the sync engine only needs to know
// whether a document exists and what its row looks like.
package store

import (
	"context"

	"github.com/pkg/errors"
)

// ErrDocumentNotFound reports a document id with no backing row.
var ErrDocumentNotFound = errors.New("document not found")

// Document is the metadata row echoed in document events and used as the
// seed-content fallback.
type Document struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	OwnerID  string `json:"ownerId"`
	IsShared bool   `json:"isShared"`
}

// DocumentStore gates lazy creation of in-memory document state.
type DocumentStore interface {
	// Get returns the document row, or ErrDocumentNotFound.
	Get(ctx context.Context, documentID string) (Document, error)
}
