package transition

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"envtrack/internal/audit"
	"envtrack/internal/config"
	"envtrack/internal/envelope"
	"envtrack/internal/faults"
	"envtrack/internal/logging"
	"envtrack/internal/metrics"
	"envtrack/internal/store"
)

// Actions name the requested operation in logs, metrics, and conflict entries.
const (
	ActionCreate      = "CREATE"
	ActionIssue       = "ISSUE"
	ActionBind        = "BIND"
	ActionRelease     = "RELEASE"
	ActionReturn      = "RETURN"
	ActionDelete      = "DELETE"
	ActionSetComplete = "SET_COMPLETE"
)

const (
	systemActor    = "SYSTEM"
	warehouseActor = "WAREHOUSE"
	adminActor     = "ADMIN"
)

// Options tunes engine policy.
type Options struct {
	// MachinePolicy is config.PolicyTransfer or config.PolicyBlock.
	MachinePolicy     string
	PalletizingMarker string
	DefaultSection    string
}

// OptionsFromConfig extracts engine options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MachinePolicy:     cfg.Transitions.MachinePolicy,
		PalletizingMarker: cfg.Transitions.PalletizingMarker,
		DefaultSection:    cfg.Transitions.DefaultSection,
	}
}

// Result describes an accepted operation.
type Result struct {
	Envelope   envelope.Envelope  `json:"envelope"`
	Operation  envelope.Operation `json:"operation"`
	FromHolder string             `json:"from_holder,omitempty"`
	ToHolder   string             `json:"to_holder,omitempty"`
	EventID    int64              `json:"event_id,omitempty"`
}

// Engine validates and applies envelope state changes. Each operation runs
// in one write-intent transaction scoped to the envelope key.
type Engine struct {
	envelopes *envelope.Store
	audit     *audit.Log
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Collector
	now       func() time.Time
}

// New builds an Engine over db.
func New(db *store.DB, opts Options, logger *slog.Logger, collector *metrics.Collector) *Engine {
	return NewWithStores(envelope.NewStore(db), audit.NewLog(db, logger), opts, logger, collector)
}

// NewWithStores builds an Engine from explicit collaborators.
func NewWithStores(envelopes *envelope.Store, auditLog *audit.Log, opts Options, logger *slog.Logger, collector *metrics.Collector) *Engine {
	if opts.MachinePolicy == "" {
		opts.MachinePolicy = config.PolicyTransfer
	}
	if opts.PalletizingMarker == "" {
		opts.PalletizingMarker = "PALLET"
	}
	if opts.DefaultSection == "" {
		opts.DefaultSection = "A"
	}
	return &Engine{
		envelopes: envelopes,
		audit:     auditLog,
		opts:      opts,
		logger:    logging.NewComponentLogger(logger, "transition"),
		metrics:   collector,
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Policy returns the active different-machine bind policy.
func (e *Engine) Policy() string {
	return e.opts.MachinePolicy
}

type request struct {
	action   string
	key      string
	actor    string
	location string
}

func rejection(code faults.Code, env envelope.Envelope, format string, args ...any) *faults.Error {
	return faults.Newf(code, format, args...).WithDetails(env.Snapshot())
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return faults.Newf(faults.CodeValidation, "%s is required", name)
	}
	return nil
}

// run executes apply inside Modify and handles the outcome bookkeeping.
func (e *Engine) run(ctx context.Context, req request, apply func(tx *envelope.Tx) (Result, error)) (Result, error) {
	var result Result
	outcome, err := e.envelopes.Modify(ctx, req.key, func(tx *envelope.Tx) error {
		r, err := apply(tx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return Result{}, e.reject(ctx, req, err)
	}
	result.Envelope = outcome.Envelope
	result.EventID = outcome.EventID
	e.accept(ctx, req, result)
	return result, nil
}

// move applies next after checking the transition table and appends the
// event that describes it.
func (e *Engine) move(tx *envelope.Tx, next envelope.Envelope, op envelope.Operation, actor, comment string) (Result, error) {
	cur := tx.Current()
	if !envelope.CanTransition(cur.Status, next.Status) {
		return Result{}, rejection(faults.CodeInvalidStatus, cur, "envelope %s cannot move from %s to %s", cur.Key, cur.Status, next.Status)
	}
	next.UpdatedAt = e.now().UTC()
	if err := tx.Save(next); err != nil {
		return Result{}, err
	}
	if _, err := tx.Append(audit.Event{
		Actor:      actor,
		FromStatus: string(cur.Status),
		ToStatus:   string(next.Status),
		FromHolder: cur.HolderID,
		ToHolder:   next.HolderID,
		Operation:  string(op),
		Comment:    comment,
		CreatedAt:  next.UpdatedAt,
	}); err != nil {
		return Result{}, err
	}
	return Result{Operation: op, FromHolder: cur.HolderID, ToHolder: next.HolderID}, nil
}

func (e *Engine) accept(ctx context.Context, req request, result Result) {
	e.metrics.RecordTransition(req.action, metrics.ResultOK)
	logging.WithContext(ctx, e.logger).Info("envelope operation accepted",
		logging.String(logging.FieldOperation, string(result.Operation)),
		logging.String(logging.FieldEnvelopeKey, req.key),
		logging.String(logging.FieldActor, req.actor),
		logging.String("status", string(result.Envelope.Status)),
		logging.String("holder", result.Envelope.HolderID),
	)
}

// reject converts err into the caller-visible fault and records business
// rejections in the conflict log.
func (e *Engine) reject(ctx context.Context, req request, err error) error {
	fe := faults.From(err)
	if fe.Code == faults.CodeInternal && fe.Message == "" {
		fe = faults.Internal(strings.ToLower(req.action)+" envelope", err)
	}
	e.metrics.RecordTransition(req.action, string(fe.Code))
	logger := logging.WithContext(ctx, e.logger)
	if fe.Code.Hidden() {
		logger.Error("envelope operation failed",
			logging.String(logging.FieldOperation, req.action),
			logging.String(logging.FieldEnvelopeKey, req.key),
			logging.ErrorCode(string(fe.Code)),
			logging.Error(err),
		)
		return fe
	}
	logger.Warn("envelope operation rejected",
		logging.String(logging.FieldOperation, req.action),
		logging.String(logging.FieldEnvelopeKey, req.key),
		logging.ErrorCode(string(fe.Code)),
		logging.String("reason", fe.Message),
	)
	e.audit.RecordConflict(context.WithoutCancel(ctx), audit.Conflict{
		SubjectKey: req.key,
		Code:       string(fe.Code),
		Actor:      req.actor,
		Location:   req.location,
		Details:    withAction(fe.Details, req.action),
	})
	return fe
}

func withAction(details map[string]any, action string) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["action"] = action
	return out
}

func (e *Engine) validate(ctx context.Context, req request, checks ...error) error {
	for _, err := range checks {
		if err != nil {
			return e.reject(ctx, req, err)
		}
	}
	return nil
}

// Issue moves a complete envelope from the warehouse onto an outbound cart.
func (e *Engine) Issue(ctx context.Context, key, cartID, actor string) (Result, error) {
	key, cartID, actor = strings.TrimSpace(key), strings.TrimSpace(cartID), strings.TrimSpace(actor)
	req := request{action: ActionIssue, key: key, actor: actor, location: cartID}
	if err := e.validate(ctx, req, required("envelope key", key), required("cart id", cartID), required("actor", actor)); err != nil {
		return Result{}, err
	}
	return e.run(ctx, req, func(tx *envelope.Tx) (Result, error) {
		cur := tx.Current()
		if cur.Status != envelope.StatusInWarehouse {
			code := faults.CodeInvalidStatus
			if cur.Status == envelope.StatusInProduction {
				code = faults.CodeDuplicateActive
			}
			return Result{}, rejection(code, cur, "envelope %s is %s, not in the warehouse", cur.Key, cur.Status)
		}
		if !cur.IsComplete {
			return Result{}, rejection(faults.CodeWrongState, cur, "envelope %s is incomplete and may not leave the warehouse", cur.Key)
		}
		next := cur
		next.Status = envelope.StatusIssued
		next.HolderID = cartID
		next.HolderType = envelope.HolderCartOut
		next.WarehouseSection = ""
		next.LastOperator = actor
		return e.move(tx, next, envelope.OpIssue, actor, "")
	})
}

// Bind puts an issued envelope on machine. An envelope already running on
// another machine is transferred or refused depending on the machine policy.
func (e *Engine) Bind(ctx context.Context, key, machine, actor string) (Result, error) {
	key, machine, actor = strings.TrimSpace(key), strings.TrimSpace(machine), strings.TrimSpace(actor)
	req := request{action: ActionBind, key: key, actor: actor, location: machine}
	if err := e.validate(ctx, req, required("envelope key", key), required("machine", machine), required("actor", actor)); err != nil {
		return Result{}, err
	}
	return e.run(ctx, req, func(tx *envelope.Tx) (Result, error) {
		cur := tx.Current()
		next := cur
		next.Status = envelope.StatusInProduction
		next.HolderID = machine
		next.HolderType = envelope.HolderMachine
		next.WarehouseSection = ""
		next.LastOperator = actor

		switch cur.Status {
		case envelope.StatusInWarehouse:
			return Result{}, rejection(faults.CodeNotIssued, cur, "envelope %s has not been issued from the warehouse", cur.Key)
		case envelope.StatusInProduction:
			if cur.HolderID == machine {
				return Result{Operation: envelope.OpAlreadyOnMachine, FromHolder: machine, ToHolder: machine}, nil
			}
			if e.opts.MachinePolicy == config.PolicyBlock {
				return Result{}, faults.Newf(faults.CodeMachineBusy, "envelope %s is in production on %s", cur.Key, cur.HolderID).
					WithDetails(map[string]any{
						"attempted_machine": machine,
						"current_machine":   cur.HolderID,
						"last_operator":     cur.LastOperator,
						"last_updated":      store.FormatTime(cur.UpdatedAt),
					})
			}
			return e.move(tx, next, envelope.OpTransferAuto, actor, "")
		case envelope.StatusIssued:
			return e.move(tx, next, envelope.OpLoad, actor, "")
		default:
			return Result{}, rejection(faults.CodeInvalidStatus, cur, "envelope %s is %s and cannot be bound", cur.Key, cur.Status)
		}
	})
}

// Release takes an envelope off its machine. Palletizing stations send it to
// the return cart; every other machine leaves it on the shop floor. An empty
// actor falls back to the last operator.
func (e *Engine) Release(ctx context.Context, key, actor string) (Result, error) {
	key, actor = strings.TrimSpace(key), strings.TrimSpace(actor)
	req := request{action: ActionRelease, key: key, actor: actor}
	if err := e.validate(ctx, req, required("envelope key", key)); err != nil {
		return Result{}, err
	}
	return e.run(ctx, req, func(tx *envelope.Tx) (Result, error) {
		cur := tx.Current()
		if cur.Status != envelope.StatusInProduction {
			return Result{}, rejection(faults.CodeInvalidStatus, cur, "envelope %s is %s, not in production", cur.Key, cur.Status)
		}
		who := actor
		if who == "" {
			who = cur.LastOperator
		}
		if who == "" {
			who = systemActor
		}

		next := cur
		if e.isPalletizing(cur.HolderID) {
			next.Status = envelope.StatusOnReturnCart
			next.HolderID = envelope.ReturnCartHolderID
			next.HolderType = envelope.HolderCartIn
		} else {
			next.Status = envelope.StatusIssued
			next.HolderID = envelope.FloorHolderID
			next.HolderType = envelope.HolderFloor
		}
		if actor != "" {
			next.LastOperator = actor
		}
		return e.move(tx, next, envelope.OpRelease, who, "")
	})
}

func (e *Engine) isPalletizing(holder string) bool {
	fold := cases.Fold()
	return strings.Contains(fold.String(holder), fold.String(e.opts.PalletizingMarker))
}

// ReturnToWarehouse shelves an envelope in section. An envelope still on a
// machine must be released first.
func (e *Engine) ReturnToWarehouse(ctx context.Context, key, section, actor string) (Result, error) {
	key, actor = strings.TrimSpace(key), strings.TrimSpace(actor)
	if actor == "" {
		actor = warehouseActor
	}
	if strings.TrimSpace(section) == "" {
		section = e.opts.DefaultSection
	}
	req := request{action: ActionReturn, key: key, actor: actor, location: warehouseActor}
	normalized, sectionErr := envelope.NormalizeSection(section)
	if sectionErr != nil {
		sectionErr = faults.New(faults.CodeValidation, sectionErr.Error())
	}
	if err := e.validate(ctx, req, required("envelope key", key), sectionErr); err != nil {
		return Result{}, err
	}
	return e.run(ctx, req, func(tx *envelope.Tx) (Result, error) {
		cur := tx.Current()
		if cur.Status == envelope.StatusInProduction && !cur.HolderType.IsCart() {
			return Result{}, rejection(faults.CodeInvalidStatus, cur, "envelope %s is on machine %s and must be released first", cur.Key, cur.HolderID)
		}
		next := cur
		next.Status = envelope.StatusInWarehouse
		next.HolderID = envelope.WarehouseHolderID(normalized)
		next.HolderType = envelope.HolderWarehouse
		next.WarehouseSection = normalized
		next.LastOperator = actor
		return e.move(tx, next, envelope.OpReturn, actor, "")
	})
}

// SetComplete flips the completeness gate of a shelved envelope.
func (e *Engine) SetComplete(ctx context.Context, key string, complete bool, actor string) (Result, error) {
	key, actor = strings.TrimSpace(key), strings.TrimSpace(actor)
	if actor == "" {
		actor = warehouseActor
	}
	req := request{action: ActionSetComplete, key: key, actor: actor, location: warehouseActor}
	if err := e.validate(ctx, req, required("envelope key", key)); err != nil {
		return Result{}, err
	}
	return e.run(ctx, req, func(tx *envelope.Tx) (Result, error) {
		cur := tx.Current()
		if cur.Status != envelope.StatusInWarehouse {
			return Result{}, rejection(faults.CodeInvalidStatus, cur, "envelope %s is %s; completeness can only change in the warehouse", cur.Key, cur.Status)
		}
		op := envelope.OpMarkIncomplete
		if complete {
			op = envelope.OpMarkComplete
		}
		next := cur
		next.IsComplete = complete
		next.LastOperator = actor
		return e.move(tx, next, op, actor, "")
	})
}

// CreateRequest describes an administrative insertion.
type CreateRequest struct {
	Key        string
	ProductRef string
	Section    string
	IsComplete bool
	Actor      string
}

// Create inserts a new envelope on a warehouse shelf.
func (e *Engine) Create(ctx context.Context, in CreateRequest) (Result, error) {
	key := strings.TrimSpace(in.Key)
	product := strings.TrimSpace(in.ProductRef)
	actor := strings.TrimSpace(in.Actor)
	if actor == "" {
		actor = adminActor
	}
	section := in.Section
	if strings.TrimSpace(section) == "" {
		section = e.opts.DefaultSection
	}
	req := request{action: ActionCreate, key: key, actor: actor, location: warehouseActor}
	normalized, sectionErr := envelope.NormalizeSection(section)
	if sectionErr != nil {
		sectionErr = faults.New(faults.CodeValidation, sectionErr.Error())
	}
	if err := e.validate(ctx, req, required("envelope key", key), required("product reference", product), sectionErr); err != nil {
		return Result{}, err
	}

	now := e.now().UTC()
	env := envelope.Envelope{
		Key:              key,
		ProductRef:       product,
		Status:           envelope.StatusInWarehouse,
		HolderID:         envelope.WarehouseHolderID(normalized),
		HolderType:       envelope.HolderWarehouse,
		WarehouseSection: normalized,
		IsComplete:       in.IsComplete,
		LastOperator:     actor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	eventID, err := e.envelopes.Create(ctx, env, audit.Event{
		EnvelopeKey: key,
		Actor:       actor,
		FromStatus:  envelope.StatusNew,
		ToStatus:    string(env.Status),
		ToHolder:    env.HolderID,
		Operation:   string(envelope.OpCreate),
		CreatedAt:   now,
	})
	if err != nil {
		return Result{}, e.reject(ctx, req, err)
	}
	result := Result{Envelope: env, Operation: envelope.OpCreate, ToHolder: env.HolderID, EventID: eventID}
	e.accept(ctx, req, result)
	return result, nil
}

// DeleteResult reports an administrative removal.
type DeleteResult struct {
	Key           string `json:"key"`
	EventsRemoved int64  `json:"events_removed"`
}

// Delete removes an envelope and its events. A DELETED conflict entry is
// always written so the removal stays traceable.
func (e *Engine) Delete(ctx context.Context, key, actor string) (DeleteResult, error) {
	key, actor = strings.TrimSpace(key), strings.TrimSpace(actor)
	if actor == "" {
		actor = adminActor
	}
	req := request{action: ActionDelete, key: key, actor: actor, location: warehouseActor}
	if err := e.validate(ctx, req, required("envelope key", key)); err != nil {
		return DeleteResult{}, err
	}

	var snapshot map[string]any
	outcome, err := e.envelopes.Modify(ctx, key, func(tx *envelope.Tx) error {
		snapshot = tx.Current().Snapshot()
		_, err := tx.Delete()
		return err
	})
	if err != nil {
		return DeleteResult{}, e.reject(ctx, req, err)
	}

	details := withAction(snapshot, "manual_delete")
	details["events_removed"] = outcome.EventsRemoved
	e.audit.RecordConflict(context.WithoutCancel(ctx), audit.Conflict{
		SubjectKey: key,
		Code:       string(envelope.OpDeleted),
		Actor:      actor,
		Location:   warehouseActor,
		Details:    details,
	})
	e.metrics.RecordTransition(req.action, metrics.ResultOK)
	logging.WithContext(ctx, e.logger).Info("envelope deleted",
		logging.String(logging.FieldEnvelopeKey, key),
		logging.String(logging.FieldActor, actor),
		logging.Int64("events_removed", outcome.EventsRemoved),
	)
	return DeleteResult{Key: key, EventsRemoved: outcome.EventsRemoved}, nil
}

// String renders a result for CLI output.
func (r Result) String() string {
	if r.FromHolder != "" && r.FromHolder != r.ToHolder {
		return fmt.Sprintf("%s %s: %s -> %s (%s)", r.Operation, r.Envelope.Key, r.FromHolder, r.ToHolder, r.Envelope.Status)
	}
	return fmt.Sprintf("%s %s: %s (%s)", r.Operation, r.Envelope.Key, r.Envelope.HolderID, r.Envelope.Status)
}
