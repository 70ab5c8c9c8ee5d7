package action

import (
	"errors"
	"testing"
)

func noopHandler(rows RowWriter, args map[string]any) (any, error) {
	return nil, nil
}

func TestRegisterAndLookup(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Tag: "note.create", Handler: noopHandler}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	def, ok := registry.Lookup("note.create")
	if !ok {
		t.Fatalf("expected definition to be found")
	}
	if def.Tag != "note.create" {
		t.Fatalf("unexpected tag %q", def.Tag)
	}
	if _, ok := registry.Lookup("note.delete"); ok {
		t.Fatalf("unexpected definition for unregistered tag")
	}
}

func TestRegisterRejections(t *testing.T) {
	tests := []struct {
		name     string
		def      Definition
		expected error
	}{
		{name: "empty-tag", def: Definition{Tag: "  ", Handler: noopHandler}, expected: ErrInvalidTag},
		{name: "missing-handler", def: Definition{Tag: "note.create"}, expected: ErrInvalidTag},
		{name: "reserved-sync-apply", def: Definition{Tag: TagSyncApply, Handler: noopHandler}, expected: ErrReservedTag},
		{name: "reserved-rollback", def: Definition{Tag: TagRollback, Handler: noopHandler}, expected: ErrReservedTag},
		{name: "reserved-underscore-prefix", def: Definition{Tag: "_custom", Handler: noopHandler}, expected: ErrReservedTag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			err := registry.Register(tt.def)
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Tag: "note.create", Handler: noopHandler}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	err := registry.Register(Definition{Tag: "note.create", Handler: noopHandler})
	if !errors.Is(err, ErrDuplicateTag) {
		t.Fatalf("expected duplicate tag error, got %v", err)
	}
}

func TestKnowsCoversReservedTags(t *testing.T) {
	registry := NewRegistry()
	for _, tag := range []string{TagSyncApply, TagCorrection, TagRollback} {
		if !registry.Knows(tag) {
			t.Fatalf("registry must always know reserved tag %q", tag)
		}
	}
	if registry.Knows("note.create") {
		t.Fatalf("registry must not know unregistered tags")
	}
}
