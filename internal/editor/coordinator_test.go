package editor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"collabsync/internal/message"
	"collabsync/internal/ot"
	"collabsync/internal/store"
)

type fakeStore struct {
	docs map[string]store.Document
}

func (s *fakeStore) Get(_ context.Context, id string) (store.Document, error) {
	doc, ok := s.docs[id]
	if !ok {
		return store.Document{}, store.ErrDocumentNotFound
	}
	return doc, nil
}

type fakeSnaps struct {
	mu    sync.Mutex
	calls []string
	fail  bool
	done  chan struct{}
}

func (s *fakeSnaps) Create(_ context.Context, documentID, userID, content, description string) error {
	s.mu.Lock()
	s.calls = append(s.calls, content+"|"+description)
	s.mu.Unlock()
	if s.done != nil {
		s.done <- struct{}{}
	}
	if s.fail {
		return errors.New("version control unreachable")
	}
	return nil
}

type fakePub struct {
	mu     sync.Mutex
	frames [][]byte
}

func (p *fakePub) Publish(_ string, payload []byte) {
	p.mu.Lock()
	p.frames = append(p.frames, payload)
	p.mu.Unlock()
}

type fakeLatest struct {
	content string
	ok      bool
	err     error
}

func (f *fakeLatest) Latest(_ context.Context, _ string) (string, bool, error) {
	return f.content, f.ok, f.err
}

func newTestCoordinator(content string, opts ...Option) (*Coordinator, *fakePub, *fakeSnaps) {
	st := &fakeStore{docs: map[string]store.Document{
		"doc-1": {ID: "doc-1", Title: "Notes", Content: content, OwnerID: "owner"},
	}}
	snaps := &fakeSnaps{}
	pub := &fakePub{}
	return NewCoordinator(st, snaps, pub, opts...), pub, snaps
}

func insert(pos int, content string, opID string) ot.Operation {
	return ot.Operation{Kind: ot.Insert, Position: pos, Content: content, OpID: opID}
}

func remove(pos, length int) ot.Operation {
	return ot.Operation{Kind: ot.Delete, Position: pos, Length: length}
}

// Two concurrent inserts against the same base version: the later arrival is
// rebased against the first commit.
func TestSubmitConcurrentInserts(t *testing.T) {
	c, _, _ := newTestCoordinator("hello")
	ctx := context.Background()

	a, err := c.Submit(ctx, "doc-1", "alice", insert(5, "!", "a1"), 0)
	if err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("a.Version = %d, want 1", a.Version)
	}

	b, err := c.Submit(ctx, "doc-1", "bob", insert(0, "Hi ", "b1"), 0)
	if err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if b.Version != 2 || b.Position != 0 {
		t.Errorf("b committed as %v, want position 0 at version 2", b)
	}

	state, err := c.State(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Content != "Hi hello!" {
		t.Errorf("content = %q, want %q", state.Content, "Hi hello!")
	}
	if state.Version != 2 {
		t.Errorf("version = %d, want 2", state.Version)
	}
}

// Submit at the current version commits the proposal unchanged.
func TestSubmitNoRebaseWindow(t *testing.T) {
	c, _, _ := newTestCoordinator("abc")
	ctx := context.Background()

	if _, err := c.Submit(ctx, "doc-1", "alice", insert(3, "d", ""), 0); err != nil {
		t.Fatal(err)
	}
	op, err := c.Submit(ctx, "doc-1", "bob", insert(1, "x", ""), 1)
	if err != nil {
		t.Fatal(err)
	}
	if op.Position != 1 || op.Content != "x" {
		t.Errorf("op rewritten to %v, want unchanged", op)
	}
}

func TestSubmitOverlappingDeletes(t *testing.T) {
	c, _, _ := newTestCoordinator("abcdef")
	ctx := context.Background()

	if _, err := c.Submit(ctx, "doc-1", "alice", remove(1, 2), 0); err != nil {
		t.Fatal(err)
	}
	op, err := c.Submit(ctx, "doc-1", "bob", remove(2, 2), 0)
	if err != nil {
		t.Fatalf("rebased overlapping delete rejected: %v", err)
	}
	if op.Position != 1 || op.Length != 1 {
		t.Errorf("rebased to d@%d,%d, want d@1,1", op.Position, op.Length)
	}
	state, _ := c.State(ctx, "doc-1")
	if state.Content != "aef" {
		t.Errorf("content = %q, want %q", state.Content, "aef")
	}
}

func TestSubmitRejectsOutOfBounds(t *testing.T) {
	c, pub, _ := newTestCoordinator("abc")
	ctx := context.Background()

	_, err := c.Submit(ctx, "doc-1", "alice", remove(1, 10), 0)
	if !errors.Is(err, ot.ErrInvalidOperation) {
		t.Fatalf("err = %v, want ErrInvalidOperation", err)
	}
	state, _ := c.State(ctx, "doc-1")
	if state.Version != 0 || state.Content != "abc" {
		t.Errorf("rejected op mutated state: %q v%d", state.Content, state.Version)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.frames) != 0 {
		t.Errorf("rejected op was broadcast: %d frames", len(pub.frames))
	}
}

func TestSubmitRejectsUnknownKind(t *testing.T) {
	c, _, _ := newTestCoordinator("abc")
	_, err := c.Submit(context.Background(), "doc-1", "alice", ot.Operation{Kind: "REPLACE"}, 0)
	if !errors.Is(err, ot.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestSubmitUnknownDocument(t *testing.T) {
	c, _, _ := newTestCoordinator("")
	_, err := c.Submit(context.Background(), "nope", "alice", insert(0, "x", ""), 0)
	if !errors.Is(err, store.ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}
	if _, err := c.State(context.Background(), "nope"); !errors.Is(err, store.ErrDocumentNotFound) {
		t.Fatalf("State err = %v, want ErrDocumentNotFound", err)
	}
}

func TestSnapshotCadence(t *testing.T) {
	st := &fakeStore{docs: map[string]store.Document{"doc-1": {ID: "doc-1"}}}
	snaps := &fakeSnaps{done: make(chan struct{}, 2)}
	c := NewCoordinator(st, snaps, &fakePub{}, WithSnapshotEvery(2))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := c.Submit(ctx, "doc-1", "alice", insert(i, "x", fmt.Sprint(i)), i); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-snaps.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("snapshot %d never fired", i)
		}
	}
	snaps.mu.Lock()
	defer snaps.mu.Unlock()
	if len(snaps.calls) != 2 {
		t.Fatalf("%d snapshots, want 2", len(snaps.calls))
	}
	if snaps.calls[0] != "xx|Periodic snapshot at version 2" {
		t.Errorf("first snapshot = %q", snaps.calls[0])
	}
}

// A failing snapshot store never surfaces on the edit path.
func TestSnapshotFailureIsSwallowed(t *testing.T) {
	st := &fakeStore{docs: map[string]store.Document{"doc-1": {ID: "doc-1"}}}
	snaps := &fakeSnaps{fail: true, done: make(chan struct{}, 1)}
	c := NewCoordinator(st, snaps, &fakePub{}, WithSnapshotEvery(1))

	op, err := c.Submit(context.Background(), "doc-1", "alice", insert(0, "x", ""), 0)
	if err != nil {
		t.Fatalf("submit failed because of snapshot store: %v", err)
	}
	if op.Version != 1 {
		t.Errorf("version = %d, want 1", op.Version)
	}
	select {
	case <-snaps.done:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot never attempted")
	}
}

func TestLazyLoadSeedsFromLatestSnapshot(t *testing.T) {
	st := &fakeStore{docs: map[string]store.Document{
		"doc-1": {ID: "doc-1", Content: "row content"},
	}}
	c := NewCoordinator(st, &fakeSnaps{}, &fakePub{},
		WithLatestFetcher(&fakeLatest{content: "snapshot content", ok: true}))

	state, err := c.State(context.Background(), "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Content != "snapshot content" {
		t.Errorf("content = %q, want snapshot seed", state.Content)
	}
}

func TestLazyLoadFallsBackToRow(t *testing.T) {
	st := &fakeStore{docs: map[string]store.Document{
		"doc-1": {ID: "doc-1", Content: "row content"},
	}}
	c := NewCoordinator(st, &fakeSnaps{}, &fakePub{},
		WithLatestFetcher(&fakeLatest{err: errors.New("unreachable")}))

	state, err := c.State(context.Background(), "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Content != "row content" {
		t.Errorf("content = %q, want row fallback", state.Content)
	}
}

// Commits publish an operation echo followed by a document event, in commit
// order.
func TestPublishOrder(t *testing.T) {
	c, pub, _ := newTestCoordinator("")
	ctx := context.Background()

	c.Submit(ctx, "doc-1", "alice", insert(0, "a", "op-1"), 0)
	c.Submit(ctx, "doc-1", "alice", insert(1, "b", "op-2"), 1)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.frames) != 4 {
		t.Fatalf("%d frames, want 4", len(pub.frames))
	}
	var first message.Edit
	if err := json.Unmarshal(pub.frames[0], &first); err != nil {
		t.Fatal(err)
	}
	if first.Type != message.TypeOperation || first.Version != 1 || first.OpID != "op-1" {
		t.Errorf("first frame = %+v", first)
	}
	var second message.DocumentEvent
	if err := json.Unmarshal(pub.frames[1], &second); err != nil {
		t.Fatal(err)
	}
	if second.Type != message.TypeDocument || second.Change.ChangeContent != "a" {
		t.Errorf("second frame = %+v", second)
	}
	var third message.Edit
	if err := json.Unmarshal(pub.frames[2], &third); err != nil {
		t.Fatal(err)
	}
	if third.Version != 2 || third.OpID != "op-2" {
		t.Errorf("third frame = %+v", third)
	}
}

// Many writers on one document: every submit lands, versions never skip or
// repeat, and the content length accounts for every insert.
func TestSubmitParallelWriters(t *testing.T) {
	c, _, _ := newTestCoordinator("")
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%02d", i)
			if _, err := c.Submit(ctx, "doc-1", user, insert(0, "x", user), 0); err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	state, err := c.State(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Version != n {
		t.Errorf("version = %d, want %d", state.Version, n)
	}
	if len(state.Content) != n {
		t.Errorf("content length = %d, want %d", len(state.Content), n)
	}
	hist, _ := c.History(ctx, "doc-1", 0)
	for i, op := range hist {
		if op.Version != i+1 {
			t.Fatalf("history[%d].Version = %d", i, op.Version)
		}
	}
}
