package ot

// Transform rewrites op so it has its intended effect after committed has
// already been applied. Both operations are positioned against the same base
// state. Pure: the inputs are never mutated.
//
// Same-position inserts tie-break on the (UserID, OpID) pair: the smaller key
// keeps its position, the larger shifts right. The key is carried by the
// operation itself, so every replica resolves the tie identically regardless
// of arrival order.
func Transform(op, committed Operation) Operation {
	switch {
	case op.Kind == Insert && committed.Kind == Insert:
		return transformInsertInsert(op, committed)
	case op.Kind == Insert && committed.Kind == Delete:
		return transformInsertDelete(op, committed)
	case op.Kind == Delete && committed.Kind == Insert:
		return transformDeleteInsert(op, committed)
	case op.Kind == Delete && committed.Kind == Delete:
		return transformDeleteDelete(op, committed)
	}
	return op
}

// Rebase transforms op sequentially against each committed operation in
// increasing version order.
func Rebase(op Operation, committed []Operation) Operation {
	for _, c := range committed {
		op = Transform(op, c)
	}
	return op
}

func tieKey(op Operation) string {
	return op.UserID + "\x00" + op.OpID
}

func transformInsertInsert(op, committed Operation) Operation {
	switch {
	case op.Position < committed.Position:
		return op
	case op.Position > committed.Position:
		op.Position += committed.span()
		return op
	case tieKey(op) < tieKey(committed):
		return op
	default:
		op.Position += committed.span()
		return op
	}
}

func transformInsertDelete(op, committed Operation) Operation {
	if op.Position <= committed.Position {
		return op
	}
	// Shift left, clamped so an insert inside the deleted range lands at the
	// start of it.
	op.Position -= committed.Length
	if op.Position < committed.Position {
		op.Position = committed.Position
	}
	return op
}

func transformDeleteInsert(op, committed Operation) Operation {
	if op.Position < committed.Position {
		return op
	}
	op.Position += committed.span()
	return op
}

func transformDeleteDelete(op, committed Operation) Operation {
	opEnd := op.Position + op.Length
	cEnd := committed.Position + committed.Length
	switch {
	case opEnd <= committed.Position:
		// Fully before the committed delete.
		return op
	case op.Position >= cEnd:
		// Fully after: shift left by what was removed.
		op.Position -= committed.Length
		return op
	default:
		// Ranges overlap: the overlapping runes are already gone, so shrink
		// by the overlap and land at the surviving left edge.
		overlap := min(opEnd, cEnd) - max(op.Position, committed.Position)
		op.Length -= overlap
		op.Position = min(op.Position, committed.Position)
		return op
	}
}
