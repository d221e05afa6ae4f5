// Package ot implements operational transformation over a flat character
// sequence: the operation variant, the transform engine, and the per-document
// version log.
package ot

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind discriminates the two operation variants.
type Kind string

const (
	Insert Kind = "INSERT"
	Delete Kind = "DELETE"
)

// ErrInvalidOperation reports an operation whose position or length falls
// outside the current document bounds after rebasing.
var ErrInvalidOperation = errors.New("operation out of bounds")

// ErrUnknownKind reports an operation type outside {INSERT, DELETE}.
var ErrUnknownKind = errors.New("unknown operation kind")

// Operation is a single edit against a document. Position and Length are rune
// offsets. Content is set for inserts, Length for deletes. Version is the
// version the operation was computed against until commit, and the assigned
// version afterwards. UserID and OpID together form the tie-break key for
// same-position inserts, so they must be stable across replicas.
type Operation struct {
	Kind     Kind   `json:"operationType"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"`
	Length   int    `json:"length,omitempty"`
	Version  int    `json:"version"`
	UserID   string `json:"userId"`
	OpID     string `json:"opId,omitempty"`
}

// NewInsert builds an insert proposal against base version.
func NewInsert(pos int, content string, version int) Operation {
	return Operation{Kind: Insert, Position: pos, Content: content, Version: version}
}

// NewDelete builds a delete proposal against base version.
func NewDelete(pos, length, version int) Operation {
	return Operation{Kind: Delete, Position: pos, Length: length, Version: version}
}

// Validate rejects malformed proposals before any rebasing happens.
func (op Operation) Validate() error {
	switch op.Kind {
	case Insert, Delete:
	default:
		return errors.Wrapf(ErrUnknownKind, "%q", op.Kind)
	}
	if op.Position < 0 {
		return errors.Wrapf(ErrInvalidOperation, "negative position %d", op.Position)
	}
	if op.Kind == Delete && op.Length < 0 {
		return errors.Wrapf(ErrInvalidOperation, "negative length %d", op.Length)
	}
	return nil
}

// span is the rune length the operation inserts or removes.
func (op Operation) span() int {
	if op.Kind == Insert {
		return len([]rune(op.Content))
	}
	return op.Length
}

// Apply applies the operation to content and returns the new content.
// Positions are rune offsets so multi-byte input cannot split a character.
func (op Operation) Apply(content string) (string, error) {
	runes := []rune(content)
	switch op.Kind {
	case Insert:
		if op.Position < 0 || op.Position > len(runes) {
			return "", errors.Wrapf(ErrInvalidOperation, "insert at %d, len %d", op.Position, len(runes))
		}
		out := make([]rune, 0, len(runes)+len([]rune(op.Content)))
		out = append(out, runes[:op.Position]...)
		out = append(out, []rune(op.Content)...)
		out = append(out, runes[op.Position:]...)
		return string(out), nil
	case Delete:
		if op.Position < 0 || op.Position+op.Length > len(runes) {
			return "", errors.Wrapf(ErrInvalidOperation, "delete %d+%d, len %d", op.Position, op.Length, len(runes))
		}
		out := make([]rune, 0, len(runes)-op.Length)
		out = append(out, runes[:op.Position]...)
		out = append(out, runes[op.Position+op.Length:]...)
		return string(out), nil
	default:
		return "", errors.Wrapf(ErrUnknownKind, "%q", op.Kind)
	}
}

func (op Operation) String() string {
	if op.Kind == Insert {
		return fmt.Sprintf("i@%d,%q,v%d", op.Position, op.Content, op.Version)
	}
	return fmt.Sprintf("d@%d,%d,v%d", op.Position, op.Length, op.Version)
}
