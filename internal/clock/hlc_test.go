package clock

import "testing"

func TestIncrementAdvancesOwnCounterAndClampsTimestamp(t *testing.T) {
	base := HLC{TimestampMs: 1000, Vector: map[ClientID]uint64{"a": 2, "b": 5}}

	advanced := base.Increment("a", 900)
	if advanced.TimestampMs != 1000 {
		t.Fatalf("timestamp must not move backwards, got %d", advanced.TimestampMs)
	}
	if advanced.Counter("a") != 6 {
		t.Fatalf("own counter must pass every observed counter, got %d", advanced.Counter("a"))
	}
	if advanced.Counter("b") != 5 {
		t.Fatalf("foreign counter must be untouched, got %d", advanced.Counter("b"))
	}
	if base.Counter("a") != 2 {
		t.Fatalf("increment must not mutate the receiver")
	}

	later := base.Increment("a", 2000)
	if later.TimestampMs != 2000 {
		t.Fatalf("expected wall clock to win, got %d", later.TimestampMs)
	}

	isolated := HLC{TimestampMs: 0, Vector: map[ClientID]uint64{"a": 2}}
	if next := isolated.Increment("a", 0); next.Counter("a") != 3 {
		t.Fatalf("without foreign counters the own entry advances by one, got %d", next.Counter("a"))
	}
}

func TestIncrementOrdersAfterObservedEvents(t *testing.T) {
	// A stalled wall clock must not let a new local event slip canonically
	// before a remote event this replica has already merged, even when the
	// remote author's client id sorts later lexicographically.
	remote := HLC{TimestampMs: 1000, Vector: map[ClientID]uint64{"b": 5}}
	local := Merge(HLC{TimestampMs: 0, Vector: map[ClientID]uint64{"a": 1}}, remote, 900)

	next := local.Increment("a", 900)

	remoteKey := SortKey{TimestampMs: remote.TimestampMs, Counter: remote.Counter("b"), ClientID: "b", ActionID: "remote"}
	localKey := SortKey{TimestampMs: next.TimestampMs, Counter: next.Counter("a"), ClientID: "a", ActionID: "local"}
	if localKey.Compare(remoteKey) <= 0 {
		t.Fatalf("new local event %+v must sort after observed remote %+v", localKey, remoteKey)
	}
}

func TestMergeIsCommutativeAndMonotonic(t *testing.T) {
	a := HLC{TimestampMs: 1500, Vector: map[ClientID]uint64{"a": 4, "c": 1}}
	b := HLC{TimestampMs: 1200, Vector: map[ClientID]uint64{"b": 7, "c": 3}}

	ab := Merge(a, b, 1400)
	ba := Merge(b, a, 1400)

	if ab.TimestampMs != ba.TimestampMs || ab.TimestampMs != 1500 {
		t.Fatalf("merge timestamps diverged: %d vs %d", ab.TimestampMs, ba.TimestampMs)
	}
	for _, client := range []ClientID{"a", "b", "c"} {
		if ab.Counter(client) != ba.Counter(client) {
			t.Fatalf("merge not commutative for %q", client)
		}
		if ab.Counter(client) < a.Counter(client) || ab.Counter(client) < b.Counter(client) {
			t.Fatalf("merge lost a counter for %q", client)
		}
	}
	if ab.Counter("c") != 3 {
		t.Fatalf("expected pointwise max 3 for c, got %d", ab.Counter("c"))
	}
}

func TestMergeNeverDropsEntriesWhenOneTimestampDominates(t *testing.T) {
	a := HLC{TimestampMs: 9000, Vector: map[ClientID]uint64{"a": 10}}
	b := HLC{TimestampMs: 100, Vector: map[ClientID]uint64{"b": 2}}

	merged := Merge(a, b, 0)
	if merged.Counter("b") != 2 {
		t.Fatalf("dominated side's vector entry must survive, got %d", merged.Counter("b"))
	}
}

func TestIsConcurrent(t *testing.T) {
	tests := []struct {
		name     string
		a        HLC
		b        HLC
		expected bool
	}{
		{
			name:     "different-timestamps",
			a:        HLC{TimestampMs: 1, Vector: map[ClientID]uint64{"a": 1}},
			b:        HLC{TimestampMs: 2, Vector: map[ClientID]uint64{"b": 1}},
			expected: false,
		},
		{
			name:     "equal-timestamp-incomparable-vectors",
			a:        HLC{TimestampMs: 5, Vector: map[ClientID]uint64{"a": 2, "b": 1}},
			b:        HLC{TimestampMs: 5, Vector: map[ClientID]uint64{"a": 1, "b": 2}},
			expected: true,
		},
		{
			name:     "equal-timestamp-dominating-vector",
			a:        HLC{TimestampMs: 5, Vector: map[ClientID]uint64{"a": 2, "b": 2}},
			b:        HLC{TimestampMs: 5, Vector: map[ClientID]uint64{"a": 1, "b": 2}},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConcurrent(tt.a, tt.b); got != tt.expected {
				t.Fatalf("IsConcurrent = %v, want %v", got, tt.expected)
			}
			if got := IsConcurrent(tt.b, tt.a); got != tt.expected {
				t.Fatalf("IsConcurrent must be symmetric")
			}
		})
	}
}

func TestCompareIsAntisymmetricAndReflexive(t *testing.T) {
	a := HLC{TimestampMs: 10, Vector: map[ClientID]uint64{"alpha": 3}}
	b := HLC{TimestampMs: 10, Vector: map[ClientID]uint64{"beta": 3}}

	if Compare(a, "alpha", "act-1", a, "alpha", "act-1") != 0 {
		t.Fatalf("compare with self must be zero")
	}
	forward := Compare(a, "alpha", "act-1", b, "beta", "act-2")
	backward := Compare(b, "beta", "act-2", a, "alpha", "act-1")
	if forward != -backward {
		t.Fatalf("compare not antisymmetric: %d vs %d", forward, backward)
	}
	if forward != -1 {
		t.Fatalf("expected lexicographic client tie-break, got %d", forward)
	}
}

func TestSortKeyOrdering(t *testing.T) {
	tests := []struct {
		name     string
		left     SortKey
		right    SortKey
		expected int
	}{
		{
			name:     "timestamp-wins",
			left:     SortKey{TimestampMs: 1, Counter: 99, ClientID: "z", ActionID: "z"},
			right:    SortKey{TimestampMs: 2, Counter: 1, ClientID: "a", ActionID: "a"},
			expected: -1,
		},
		{
			name:     "counter-breaks-timestamp-tie",
			left:     SortKey{TimestampMs: 7, Counter: 2, ClientID: "z", ActionID: "z"},
			right:    SortKey{TimestampMs: 7, Counter: 3, ClientID: "a", ActionID: "a"},
			expected: -1,
		},
		{
			name:     "client-breaks-counter-tie",
			left:     SortKey{TimestampMs: 7, Counter: 3, ClientID: "a", ActionID: "z"},
			right:    SortKey{TimestampMs: 7, Counter: 3, ClientID: "b", ActionID: "a"},
			expected: -1,
		},
		{
			name:     "action-id-is-final-tie-break",
			left:     SortKey{TimestampMs: 7, Counter: 3, ClientID: "a", ActionID: "1"},
			right:    SortKey{TimestampMs: 7, Counter: 3, ClientID: "a", ActionID: "2"},
			expected: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.left.Compare(tt.right); got != tt.expected {
				t.Fatalf("Compare = %d, want %d", got, tt.expected)
			}
			if got := tt.right.Compare(tt.left); got != -tt.expected {
				t.Fatalf("reverse Compare = %d, want %d", got, -tt.expected)
			}
			if !tt.left.Less(tt.right) {
				t.Fatalf("Less must agree with Compare")
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := HLC{TimestampMs: 42, Vector: map[ClientID]uint64{"a": 1, "b": 9}}
	payload, err := original.Encode()
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	decoded, err := Decode(payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.TimestampMs != original.TimestampMs {
		t.Fatalf("timestamp mismatch after round trip")
	}
	for client, counter := range original.Vector {
		if decoded.Counter(client) != counter {
			t.Fatalf("counter mismatch for %q", client)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode("{not json"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestNewClientIDValidation(t *testing.T) {
	if _, err := NewClientID("   "); err == nil {
		t.Fatalf("expected empty client id to be rejected")
	}
	id, err := NewClientID(" replica-1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "replica-1" {
		t.Fatalf("expected trimmed id, got %q", id.String())
	}
}
