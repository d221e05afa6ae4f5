// Package editor coordinates concurrent edits per document: it rebases
// proposed operations through the transform engine, commits them to the
// version log, and hands the committed frames to the broadcast path.
package editor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"collabsync/internal/message"
	"collabsync/internal/ot"
	"collabsync/internal/snapshot"
	"collabsync/internal/store"
)

// Publisher receives committed frames in commit order. Publish must not
// block: it is called inside the document's critical section.
type Publisher interface {
	Publish(documentID string, payload []byte)
}

// State is a point-in-time view of a document.
type State struct {
	Document store.Document
	Content  string
	Version  int
}

// document is the in-memory state for one document. content and log are only
// touched while mu is held, so rebase, apply, and append form one atomic unit
// per document while distinct documents proceed in parallel.
type document struct {
	mu      sync.Mutex
	meta    store.Document
	content string
	log     *ot.VersionLog
}

// Coordinator owns all in-memory document state for this process.
type Coordinator struct {
	mu   sync.Mutex
	docs map[string]*document

	store         store.DocumentStore
	snapshots     snapshot.Creator
	latest        snapshot.LatestFetcher
	pub           Publisher
	snapshotEvery int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSnapshotEvery overrides the snapshot version cadence.
func WithSnapshotEvery(n int) Option {
	return func(c *Coordinator) { c.snapshotEvery = n }
}

// WithLatestFetcher seeds freshly loaded documents from the most recent
// durable snapshot instead of the document row.
func WithLatestFetcher(f snapshot.LatestFetcher) Option {
	return func(c *Coordinator) { c.latest = f }
}

func NewCoordinator(st store.DocumentStore, snaps snapshot.Creator, pub Publisher, opts ...Option) *Coordinator {
	c := &Coordinator{
		docs:          make(map[string]*document),
		store:         st,
		snapshots:     snaps,
		pub:           pub,
		snapshotEvery: 10,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit runs a client's proposed operation through the full pipeline:
// fetch the operations the client has not seen, rebase against each in
// version order, apply to the content, and commit to the version log. The
// committed operation, stamped with its authoritative version, is returned
// and broadcast. A proposal whose rebased position falls out of bounds is
// rejected without committing or broadcasting anything.
func (c *Coordinator) Submit(ctx context.Context, documentID, userID string, proposed ot.Operation, clientVersion int) (ot.Operation, error) {
	if err := proposed.Validate(); err != nil {
		return ot.Operation{}, err
	}
	proposed.UserID = userID

	d, err := c.lookup(ctx, documentID)
	if err != nil {
		return ot.Operation{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pending := d.log.Since(clientVersion)
	committed := ot.Rebase(proposed, pending)

	content, err := committed.Apply(d.content)
	if err != nil {
		return ot.Operation{}, err
	}
	d.content = content
	d.meta.Content = content
	committed.Version = d.log.Append(committed)

	c.publishCommit(documentID, d, committed)

	if c.snapshotEvery > 0 && committed.Version%c.snapshotEvery == 0 {
		go c.takeSnapshot(documentID, userID, content, committed.Version)
	}
	return committed, nil
}

// State returns the current document view, lazily loading state the same way
// Submit does. Used for init events and the read endpoints.
func (c *Coordinator) State(ctx context.Context, documentID string) (State, error) {
	d, err := c.lookup(ctx, documentID)
	if err != nil {
		return State{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{Document: d.meta, Content: d.content, Version: d.log.Version()}, nil
}

// History returns the committed operations after the given version.
func (c *Coordinator) History(ctx context.Context, documentID string, since int) ([]ot.Operation, error) {
	d, err := c.lookup(ctx, documentID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.log.Since(since), nil
}

// lookup returns the in-memory state for documentID, creating it on first
// access. Creation is gated by the document store: an id with no backing row
// surfaces store.ErrDocumentNotFound. The store and snapshot calls run
// outside both locks so a slow collaborator never stalls other documents.
func (c *Coordinator) lookup(ctx context.Context, documentID string) (*document, error) {
	c.mu.Lock()
	d, ok := c.docs[documentID]
	c.mu.Unlock()
	if ok {
		return d, nil
	}

	meta, err := c.store.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}

	// In-memory state is a cache over durable storage: a process that has
	// never seen this document seeds its content from the latest snapshot,
	// falling back to the document row.
	content := meta.Content
	if c.latest != nil {
		snap, ok, err := c.latest.Latest(ctx, documentID)
		if err != nil {
			log.Printf("editor: latest snapshot for doc=%s unavailable, using document row: %v", documentID, err)
		} else if ok {
			content = snap
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.docs[documentID]; ok {
		// Lost the creation race; the winner's state is authoritative.
		return d, nil
	}
	meta.Content = content
	d = &document{meta: meta, content: content, log: ot.NewVersionLog()}
	c.docs[documentID] = d
	return d, nil
}

// publishCommit emits the committed-operation echo and the document event.
// Called with d.mu held so frames enter the broadcast path in commit order.
func (c *Coordinator) publishCommit(documentID string, d *document, op ot.Operation) {
	opFrame, err := json.Marshal(message.Edit{
		Type:          message.TypeOperation,
		DocumentID:    documentID,
		UserID:        op.UserID,
		OperationType: string(op.Kind),
		Position:      op.Position,
		Content:       op.Content,
		Length:        op.Length,
		Version:       op.Version,
		OpID:          op.OpID,
	})
	if err == nil {
		c.pub.Publish(documentID, opFrame)
	}

	docFrame, err := json.Marshal(message.DocumentEvent{
		Type:     message.TypeDocument,
		Document: d.meta,
		Change: message.Change{
			DocumentID:    documentID,
			UserID:        op.UserID,
			ChangeContent: op.Content,
			OperationType: string(op.Kind),
		},
	})
	if err == nil {
		c.pub.Publish(documentID, docFrame)
	}
}

// takeSnapshot asks the version-control service to persist content. Failures
// are logged and dropped: snapshots are best-effort and must never surface on
// the edit path.
func (c *Coordinator) takeSnapshot(documentID, userID, content string, version int) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	desc := fmt.Sprintf("Periodic snapshot at version %d", version)
	if err := c.snapshots.Create(ctx, documentID, userID, content, desc); err != nil {
		log.Printf("editor: snapshot for doc=%s at version %d failed: %v", documentID, version, err)
	}
}
