package chat

// A MamReference is a point in the server archive timeline: either a bare
// wall-clock timestamp or an opaque per-item cursor pinned at the instant it
// was observed. A cursor at the same instant is strictly more precise than a
// bare timestamp.
type MamReference struct {
	timestampMs int64
	cursor      string
}

func NewMamReference(timestampMs int64) MamReference {
	return MamReference{timestampMs: timestampMs}
}

func NewMamCursor(timestampMs int64, cursor string) MamReference {
	return MamReference{timestampMs: timestampMs, cursor: cursor}
}

func (r MamReference) TimestampMs() int64 {
	return r.timestampMs
}

func (r MamReference) Cursor() string {
	return r.cursor
}

func (r MamReference) HasCursor() bool {
	return r.cursor != ""
}

// Zero reports whether the reference is the epoch, meaning no history has
// been seen locally.
func (r MamReference) Zero() bool {
	return r.timestampMs <= 0 && r.cursor == ""
}

// TimeOnly strips the cursor, leaving a bare timestamp bound.
func (r MamReference) TimeOnly() MamReference {
	return MamReference{timestampMs: r.timestampMs}
}

func (r MamReference) GreaterThan(o MamReference) bool {
	if r.timestampMs != o.timestampMs {
		return r.timestampMs > o.timestampMs
	}
	return r.HasCursor() && !o.HasCursor()
}

// MaxMamReference returns the later-bounded of the two references.
func MaxMamReference(a, b MamReference) MamReference {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
