package clock

import "strings"

// SortKey is the canonical total order over actions: timestamp, then the
// author's own counter, then the author id lexicographically, then the
// action id. Two distinct actions never compare equal.
type SortKey struct {
	TimestampMs uint64
	Counter     uint64
	ClientID    string
	ActionID    string
}

// NewSortKey derives the canonical key for an action authored by the given
// client under the given clock.
func NewSortKey(h HLC, author ClientID, actionID string) SortKey {
	return SortKey{
		TimestampMs: h.TimestampMs,
		Counter:     h.Counter(author),
		ClientID:    author.String(),
		ActionID:    actionID,
	}
}

// Compare returns -1, 0, or 1 as k orders before, equal to, or after other.
func (k SortKey) Compare(other SortKey) int {
	if k.TimestampMs != other.TimestampMs {
		if k.TimestampMs < other.TimestampMs {
			return -1
		}
		return 1
	}
	if k.Counter != other.Counter {
		if k.Counter < other.Counter {
			return -1
		}
		return 1
	}
	if byClient := strings.Compare(k.ClientID, other.ClientID); byClient != 0 {
		return byClient
	}
	return strings.Compare(k.ActionID, other.ActionID)
}

// Less reports whether k orders strictly before other.
func (k SortKey) Less(other SortKey) bool {
	return k.Compare(other) < 0
}

// Compare orders two stamped events by the canonical total order.
func Compare(a HLC, aAuthor ClientID, aID string, b HLC, bAuthor ClientID, bID string) int {
	return NewSortKey(a, aAuthor, aID).Compare(NewSortKey(b, bAuthor, bID))
}
