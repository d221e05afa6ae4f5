package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Postgres reads document rows through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Get(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	row := s.pool.QueryRow(ctx,
		`SELECT id, title, content, owner_id, is_shared FROM documents WHERE id = $1`,
		documentID)
	err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.OwnerID, &doc.IsShared)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, errors.Wrap(ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return Document{}, errors.Wrapf(err, "query document %s", documentID)
	}
	return doc, nil
}
