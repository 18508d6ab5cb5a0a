package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/drblury/presto/internal/runtime/envelope"
	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/jsoncodec"
	"github.com/drblury/presto/transport"
)

// Receipt describes an accepted item.
type Receipt struct {
	ID    string `json:"id"`
	Kind  string `json:"model_name"`
	Queue string `json:"queue"`
}

// Enqueuer validates items and places them on their kind's input queue.
type Enqueuer struct {
	backend  transport.Backend
	registry *envelope.Registry
	naming   transport.Naming

	mu     sync.Mutex
	inputs map[string]transport.Handle
}

func NewEnqueuer(backend transport.Backend, registry *envelope.Registry, naming transport.Naming) *Enqueuer {
	return &Enqueuer{
		backend:  backend,
		registry: registry,
		naming:   naming,
		inputs:   make(map[string]transport.Handle),
	}
}

type rawEnvelope struct {
	Body       json.RawMessage `json:"body"`
	Kind       string          `json:"model_name"`
	RetryCount int             `json:"retry_count"`
}

// Enqueue validates raw as an item of kind and sends it, unchanged, inside a
// fresh envelope. Validation failures are ValidationErrors; queue failures
// are transient.
func (e *Enqueuer) Enqueue(ctx context.Context, kind string, raw []byte) (Receipt, error) {
	if !jsoncodec.Valid(raw) {
		return Receipt{}, prestoerrors.NewValidationError("body is not valid JSON", nil)
	}
	var item envelope.GenericItem
	if err := jsoncodec.Unmarshal(raw, &item); err != nil {
		return Receipt{}, prestoerrors.NewValidationError("decode item", err)
	}
	if err := e.registry.Prepare(envelope.NewMessage(kind, item)); err != nil {
		return Receipt{}, err
	}

	payload, err := jsoncodec.Marshal(rawEnvelope{Body: raw, Kind: kind})
	if err != nil {
		return Receipt{}, fmt.Errorf("encode envelope: %w", err)
	}
	input, err := e.input(ctx, kind)
	if err != nil {
		return Receipt{}, prestoerrors.Transient("resolve input queue", err)
	}
	if err := e.backend.Send(ctx, input, payload, transport.SendOptions{GroupID: item.ID.String()}); err != nil {
		return Receipt{}, prestoerrors.Transient("enqueue", err)
	}
	return Receipt{ID: item.ID.String(), Kind: kind, Queue: input.Name}, nil
}

func (e *Enqueuer) input(ctx context.Context, kind string) (transport.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if in, ok := e.inputs[kind]; ok {
		return in, nil
	}
	in, err := e.backend.CreateOrGet(ctx, e.naming.Input(kind), transport.RoleInput)
	if err != nil {
		return transport.Handle{}, err
	}
	e.inputs[kind] = in
	return in, nil
}
