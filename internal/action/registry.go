package action

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Reserved tags are authored by the sync machinery itself, never by
// application handlers. They are applied patch-wise during replay and are
// rejected at registration time.
const (
	// TagSyncApply marks a corrective action synthesized when a replayed
	// handler computes a different outcome for rows another replica already
	// recorded.
	TagSyncApply = "_InternalSyncApply"
	// TagCorrection marks a corrective action synthesized when a replay
	// creates or omits whole rows relative to the recorded outcome.
	TagCorrection = "_CorrectionAction"
	// TagRollback is a patch-less marker that forces receivers to roll back
	// and replay the canonical order. It never mutates data itself.
	TagRollback = "_Rollback"
)

var (
	// ErrDuplicateTag indicates that a tag is already registered.
	ErrDuplicateTag = errors.New("action: duplicate tag")
	// ErrReservedTag indicates an attempt to register a tag owned by the sync machinery.
	ErrReservedTag = errors.New("action: reserved tag")
	// ErrUnknownTag indicates a dispatch or replay against a tag that was never registered.
	ErrUnknownTag = errors.New("action: unknown tag")
)

// IsReserved reports whether the tag belongs to the sync machinery.
func IsReserved(tag string) bool {
	switch tag {
	case TagSyncApply, TagCorrection, TagRollback:
		return true
	default:
		return strings.HasPrefix(tag, "_")
	}
}

// RowWriter is the mutation surface a handler uses. Every write is captured
// as a forward/reverse patch pair attributed to the executing action.
type RowWriter interface {
	// Get returns the current fields of a row, reporting presence.
	Get(table string, rowID string) (map[string]any, bool, error)
	// Put inserts or updates a row with an explicit identifier.
	Put(table string, rowID string, fields map[string]any) error
	// PutNew inserts or updates a row whose identifier is derived from the
	// table's identity strategy, returning the derived id.
	PutNew(table string, fields map[string]any) (string, error)
	// Delete removes a row. Deleting an absent row is a no-op.
	Delete(table string, rowID string) error
}

// HandlerFunc executes one action against the current row state. The args
// payload must fully determine the handler's effect given that state:
// handlers are re-invoked during reconciliation and must be deterministic.
type HandlerFunc func(rows RowWriter, args map[string]any) (any, error)

// Definition binds a tag to its handler.
type Definition struct {
	Tag     string
	Handler HandlerFunc
}

// Registry maps tags to statically-registered handlers. Unknown tags at
// replay time surface as ErrUnknownTag, never as a crash.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register validates and installs a definition.
func (r *Registry) Register(def Definition) error {
	if err := ValidateTag(def.Tag); err != nil {
		return err
	}
	if IsReserved(def.Tag) {
		return fmt.Errorf("%w: %q", ErrReservedTag, def.Tag)
	}
	if def.Handler == nil {
		return fmt.Errorf("%w: %q has no handler", ErrInvalidTag, def.Tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Tag]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTag, def.Tag)
	}
	r.defs[def.Tag] = def
	return nil
}

// Lookup returns the definition for a tag.
func (r *Registry) Lookup(tag string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[tag]
	return def, ok
}

// Knows reports whether a tag can be replayed: either a registered handler
// exists or the tag is owned by the sync machinery.
func (r *Registry) Knows(tag string) bool {
	if IsReserved(tag) {
		return true
	}
	_, ok := r.Lookup(tag)
	return ok
}
