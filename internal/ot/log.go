package ot

// VersionLog is a document's append-only history of committed operations.
// Versions start at 1; a fresh log is at version 0.
//
// The log does no locking of its own: it is owned by the document's
// coordinator and only touched inside that document's critical section.
type VersionLog struct {
	ops []Operation
}

// NewVersionLog returns an empty log at version 0.
func NewVersionLog() *VersionLog {
	return &VersionLog{}
}

// Version is the version of the most recent committed operation.
func (l *VersionLog) Version() int {
	return len(l.ops)
}

// Append commits op at the next version and returns the assigned version.
func (l *VersionLog) Append(op Operation) int {
	op.Version = len(l.ops) + 1
	l.ops = append(l.ops, op)
	return op.Version
}

// Since returns all operations with version strictly greater than version, in
// commit order. Out-of-range arguments yield an empty slice.
func (l *VersionLog) Since(version int) []Operation {
	if version < 0 {
		version = 0
	}
	if version >= len(l.ops) {
		return nil
	}
	out := make([]Operation, len(l.ops)-version)
	copy(out, l.ops[version:])
	return out
}

// At returns the operation committed at version, if any.
func (l *VersionLog) At(version int) (Operation, bool) {
	if version < 1 || version > len(l.ops) {
		return Operation{}, false
	}
	return l.ops[version-1], true
}
