package action

import (
	"errors"
	"testing"
)

func TestDeriveRowIDConvergesAcrossReplicas(t *testing.T) {
	strategy := IdentityStrategy{Fields: []string{"workspace", "slug"}}

	first, err := strategy.DeriveRowID("notes", map[string]any{"workspace": "w1", "slug": "todo", "title": "from A"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := strategy.DeriveRowID("notes", map[string]any{"slug": "todo", "workspace": "w1", "title": "from B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("identical identity fields must derive the same id: %q vs %q", first, second)
	}

	other, err := strategy.DeriveRowID("notes", map[string]any{"workspace": "w1", "slug": "groceries"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other == first {
		t.Fatalf("distinct identities must not share an id")
	}
}

func TestDeriveRowIDIsTableScoped(t *testing.T) {
	strategy := IdentityStrategy{Fields: []string{"slug"}}
	a, err := strategy.DeriveRowID("notes", map[string]any{"slug": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := strategy.DeriveRowID("folders", map[string]any{"slug": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Fatalf("same fields in different tables must derive different ids")
	}
}

func TestDeriveRowIDMissingFieldFails(t *testing.T) {
	strategy := IdentityStrategy{Fields: []string{"workspace", "slug"}}
	_, err := strategy.DeriveRowID("notes", map[string]any{"workspace": "w1"})
	if !errors.Is(err, ErrIdentityFields) {
		t.Fatalf("expected identity field error, got %v", err)
	}
}

func TestDeriveRowIDCustomFunction(t *testing.T) {
	strategy := IdentityStrategy{
		Derive: func(fields map[string]any) (string, error) {
			return fields["email"].(string), nil
		},
	}
	id, err := strategy.DeriveRowID("contacts", map[string]any{"email": "ada@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "ada@example.com" {
		t.Fatalf("unexpected derived id %q", id)
	}
}

func TestIdentityKeyDistinguishesCollapsedDerivations(t *testing.T) {
	strategy := IdentityStrategy{
		Derive: func(fields map[string]any) (string, error) { return "fixed", nil },
	}

	first, err := strategy.IdentityKey("contacts", map[string]any{"slug": "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := strategy.IdentityKey("contacts", map[string]any{"slug": "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("distinct rows collapsing onto one derived id must keep distinct identity keys")
	}

	same, err := strategy.IdentityKey("contacts", map[string]any{"slug": "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if same != first {
		t.Fatalf("identity keys must be stable for identical fields")
	}
}

func TestCollisionErrorCarriesContext(t *testing.T) {
	err := &CollisionError{
		Table:         "notes",
		RowID:         "row-1",
		FirstIdentity: "notes\x1fslug=\"a\"",
		OtherIdentity: "notes\x1fslug=\"b\"",
	}
	if !errors.Is(err, ErrIdentityCollision) {
		t.Fatalf("collision error must unwrap to the sentinel")
	}
	message := err.Error()
	if message == "" {
		t.Fatalf("expected descriptive message")
	}
}

func TestPatchEncodeDecode(t *testing.T) {
	patch := Patch{"title": "X", "count": float64(3), "stale": nil}
	payload, err := EncodePatch(patch)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	decoded, err := DecodePatch(payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded["title"] != "X" || decoded["count"] != float64(3) {
		t.Fatalf("decoded patch mismatch: %#v", decoded)
	}
	if value, present := decoded["stale"]; !present || value != nil {
		t.Fatalf("nil field markers must survive the round trip")
	}

	empty, err := DecodePatch("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("blank payload must decode to an empty patch")
	}
}
