package envelope

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/jsoncodec"
)

// DefaultBatchSize is used for entries that do not declare one.
const DefaultBatchSize = 10

// Kernel performs the kind's computation on a batch. It returns the same
// messages with Body.Result populated, in input order.
type Kernel interface {
	Respond(ctx context.Context, batch []*Message) ([]*Message, error)
}

// KernelFunc adapts a function to Kernel.
type KernelFunc func(ctx context.Context, batch []*Message) ([]*Message, error)

func (f KernelFunc) Respond(ctx context.Context, batch []*Message) ([]*Message, error) {
	return f(ctx, batch)
}

// ProcessFunc adapts a single-item function to Kernel. The function fills
// msg.Body.Result in place; the first error aborts the batch.
func ProcessFunc(fn func(ctx context.Context, msg *Message) error) Kernel {
	return KernelFunc(func(ctx context.Context, batch []*Message) ([]*Message, error) {
		for _, msg := range batch {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := fn(ctx, msg); err != nil {
				return nil, err
			}
		}
		return batch, nil
	})
}

// Entry binds a kind to its kernel, result shape and validation rules.
type Entry struct {
	Kind      string
	Kernel    Kernel
	NewResult func() Result
	// Validate adds kind-specific checks on top of the struct rules.
	Validate func(body *GenericItem) error
	// BatchSize caps how many messages a worker receives per cycle.
	BatchSize int
}

func (e Entry) batchSize() int {
	if e.BatchSize > 0 {
		return e.BatchSize
	}
	return DefaultBatchSize
}

// Registry maps kinds to entries. It is populated at startup and read
// concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	validate *validator.Validate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]Entry),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register adds an entry. Empty or duplicate kinds are rejected.
func (r *Registry) Register(e Entry) error {
	if e.Kind == "" {
		return prestoerrors.ErrKindRequired
	}
	if e.Kernel == nil {
		return fmt.Errorf("%w: %s", prestoerrors.ErrKernelRequired, e.Kind)
	}
	if e.NewResult == nil {
		return fmt.Errorf("%w: %s", prestoerrors.ErrResultRequired, e.Kind)
	}
	e.BatchSize = e.batchSize()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Kind]; exists {
		return fmt.Errorf("%w: %s", prestoerrors.ErrKindRegistered, e.Kind)
	}
	r.entries[e.Kind] = e
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(e Entry) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Lookup returns the entry registered for kind.
func (r *Registry) Lookup(kind string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	return e, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Parse decodes raw into a typed Message. Structural problems yield a 422
// ValidationError, an unregistered kind a 404 one.
func (r *Registry) Parse(raw []byte) (*Message, error) {
	msg, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := r.Prepare(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Prepare validates msg against its kind and installs the typed result,
// decoding any result payload already present.
func (r *Registry) Prepare(msg *Message) error {
	entry, ok := r.Lookup(msg.Kind)
	if !ok {
		return prestoerrors.NewUnknownKindError(msg.Kind)
	}
	if err := r.validateBody(entry, &msg.Body); err != nil {
		return err
	}
	if msg.Body.Result != nil {
		return nil
	}
	result := entry.NewResult()
	if raw := msg.Body.RawResult(); len(raw) > 0 {
		if err := jsoncodec.Unmarshal(raw, result); err != nil {
			return prestoerrors.NewValidationError("decode result", err)
		}
	}
	msg.Body.Result = result
	msg.Body.rawResult = nil
	return nil
}

func (r *Registry) validateBody(entry Entry, body *GenericItem) error {
	if body.ID.IsZero() {
		return prestoerrors.NewValidationError("body.id is required", nil)
	}
	if err := r.validate.Struct(body); err != nil {
		return prestoerrors.NewValidationError("body", err)
	}
	if entry.Validate != nil {
		if err := entry.Validate(body); err != nil {
			return prestoerrors.NewValidationError(entry.Kind, err)
		}
	}
	return nil
}
