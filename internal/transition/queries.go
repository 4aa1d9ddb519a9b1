package transition

import (
	"context"
	"strings"

	"envtrack/internal/audit"
	"envtrack/internal/envelope"
	"envtrack/internal/faults"
)

const (
	defaultListLimit     = 50
	maxListLimit         = 200
	defaultHistoryLimit  = 5
	maxHistoryLimit      = 100
	defaultConflictLimit = 20
)

func clamp(value, fallback, upper int) int {
	if value <= 0 {
		return fallback
	}
	return min(value, upper)
}

// Get returns the envelope identified by key.
func (e *Engine) Get(ctx context.Context, key string) (envelope.Envelope, error) {
	env, err := e.envelopes.Get(ctx, strings.TrimSpace(key))
	if err != nil {
		return envelope.Envelope{}, e.readFault("get envelope", err)
	}
	return env, nil
}

// ListRequest pages through envelopes.
type ListRequest struct {
	Page     int
	Limit    int
	Statuses []envelope.Status
}

// ListResult is one page of envelopes.
type ListResult struct {
	Envelopes []envelope.Envelope `json:"envelopes"`
	Total     int                 `json:"total"`
	Page      int                 `json:"page"`
	Limit     int                 `json:"limit"`
}

// List returns envelopes ordered by most recent update.
func (e *Engine) List(ctx context.Context, req ListRequest) (ListResult, error) {
	page := max(req.Page, 1)
	limit := clamp(req.Limit, defaultListLimit, maxListLimit)
	envelopes, total, err := e.envelopes.List(ctx, envelope.Filter{Statuses: req.Statuses, Page: page, Limit: limit})
	if err != nil {
		return ListResult{}, e.readFault("list envelopes", err)
	}
	if envelopes == nil {
		envelopes = []envelope.Envelope{}
	}
	return ListResult{Envelopes: envelopes, Total: total, Page: page, Limit: limit}, nil
}

// History returns the newest events for key, newest first.
func (e *Engine) History(ctx context.Context, key string, limit int) ([]audit.Event, error) {
	key = strings.TrimSpace(key)
	if _, err := e.envelopes.Get(ctx, key); err != nil {
		return nil, e.readFault("envelope history", err)
	}
	events, err := e.audit.Events(ctx, key, clamp(limit, defaultHistoryLimit, maxHistoryLimit))
	if err != nil {
		return nil, e.readFault("envelope history", err)
	}
	if events == nil {
		events = []audit.Event{}
	}
	return events, nil
}

// MachineOccupant returns the envelope in production on machine, or nil.
func (e *Engine) MachineOccupant(ctx context.Context, machine string) (*envelope.Envelope, error) {
	machine = strings.TrimSpace(machine)
	if machine == "" {
		return nil, faults.New(faults.CodeValidation, "machine is required")
	}
	env, err := e.envelopes.OnMachine(ctx, machine)
	if err != nil {
		return nil, e.readFault("machine occupant", err)
	}
	return env, nil
}

// ReturnCart lists envelopes waiting on the return cart.
func (e *Engine) ReturnCart(ctx context.Context) ([]envelope.Envelope, error) {
	envelopes, err := e.envelopes.ByStatus(ctx, envelope.StatusOnReturnCart)
	if err != nil {
		return nil, e.readFault("return cart", err)
	}
	if envelopes == nil {
		envelopes = []envelope.Envelope{}
	}
	return envelopes, nil
}

// Conflicts returns the rejected attempts recorded for key. Entries outlive
// the envelope itself.
func (e *Engine) Conflicts(ctx context.Context, key string, limit int) ([]audit.Conflict, error) {
	conflicts, err := e.audit.Conflicts(ctx, strings.TrimSpace(key), clamp(limit, defaultConflictLimit, maxListLimit))
	if err != nil {
		return nil, e.readFault("conflicts", err)
	}
	if conflicts == nil {
		conflicts = []audit.Conflict{}
	}
	return conflicts, nil
}

func (e *Engine) readFault(operation string, err error) error {
	fe := faults.From(err)
	if fe.Code == faults.CodeInternal {
		fe = faults.Internal(operation, err)
		e.logger.Error("envelope read failed", "operation", operation, "error", err)
	}
	return fe
}
