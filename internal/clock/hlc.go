package clock

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("clock: invalid client id")
	// ErrInvalidClock indicates that a serialized clock payload could not be decoded.
	ErrInvalidClock = errors.New("clock: invalid clock payload")
)

// ClientID represents a validated replica identifier.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// HLC is a hybrid logical clock: a wall-clock milliseconds component paired
// with a per-client counter vector. The vector entry for a replica only ever
// increases for events authored by that replica, and the timestamp component
// never decreases locally.
type HLC struct {
	TimestampMs uint64              `json:"timestampMs"`
	Vector      map[ClientID]uint64 `json:"vector"`
}

// New returns a zero clock with an empty counter vector.
func New() HLC {
	return HLC{TimestampMs: 0, Vector: map[ClientID]uint64{}}
}

// Clone returns a deep copy of the clock.
func (h HLC) Clone() HLC {
	vector := make(map[ClientID]uint64, len(h.Vector))
	for client, counter := range h.Vector {
		vector[client] = counter
	}
	return HLC{TimestampMs: h.TimestampMs, Vector: vector}
}

// Counter returns the vector entry for the provided client, zero when absent.
func (h HLC) Counter(client ClientID) uint64 {
	if h.Vector == nil {
		return 0
	}
	return h.Vector[client]
}

// Increment advances the clock for a new locally-authored event: the
// timestamp is clamped to max(current, nowMs) and the caller's own vector
// entry moves strictly past every counter already in the vector. When wall
// time has not advanced past a merged remote timestamp, the counter alone
// must order the new event after everything this replica has observed.
// The receiver is not mutated.
func (h HLC) Increment(self ClientID, nowMs uint64) HLC {
	advanced := h.Clone()
	if nowMs > advanced.TimestampMs {
		advanced.TimestampMs = nowMs
	}
	if advanced.Vector == nil {
		advanced.Vector = map[ClientID]uint64{}
	}
	next := advanced.Vector[self] + 1
	for _, counter := range advanced.Vector {
		if counter >= next {
			next = counter + 1
		}
	}
	advanced.Vector[self] = next
	return advanced
}

// Merge folds a remote clock into a local one. The timestamp becomes the
// maximum of both sides and nowMs; vector entries are combined pointwise and
// are never removed or decreased, even when one side's timestamp dominates.
func Merge(a HLC, b HLC, nowMs uint64) HLC {
	merged := a.Clone()
	if b.TimestampMs > merged.TimestampMs {
		merged.TimestampMs = b.TimestampMs
	}
	if nowMs > merged.TimestampMs {
		merged.TimestampMs = nowMs
	}
	if merged.Vector == nil {
		merged.Vector = map[ClientID]uint64{}
	}
	for client, counter := range b.Vector {
		if counter > merged.Vector[client] {
			merged.Vector[client] = counter
		}
	}
	return merged
}

// Dominates reports whether every vector entry of other is covered by h.
func (h HLC) Dominates(other HLC) bool {
	for client, counter := range other.Vector {
		if h.Counter(client) < counter {
			return false
		}
	}
	return true
}

// IsConcurrent reports whether two clocks describe causally unrelated events:
// equal timestamps with vectors where neither side pointwise-dominates the
// other.
func IsConcurrent(a HLC, b HLC) bool {
	if a.TimestampMs != b.TimestampMs {
		return false
	}
	return !a.Dominates(b) && !b.Dominates(a)
}

// Encode serializes the clock to its canonical JSON form.
func (h HLC) Encode() (string, error) {
	payload, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidClock, err)
	}
	return string(payload), nil
}

// Decode parses a clock from its canonical JSON form.
func Decode(payload string) (HLC, error) {
	var decoded HLC
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return HLC{}, fmt.Errorf("%w: %v", ErrInvalidClock, err)
	}
	if decoded.Vector == nil {
		decoded.Vector = map[ClientID]uint64{}
	}
	return decoded, nil
}
