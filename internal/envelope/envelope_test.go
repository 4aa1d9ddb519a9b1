package envelope_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"envtrack/internal/audit"
	"envtrack/internal/envelope"
	"envtrack/internal/faults"
	"envtrack/internal/testsupport"
)

func newWarehouseEnvelope(key string) envelope.Envelope {
	now := time.Now().UTC()
	return envelope.Envelope{
		Key:              key,
		ProductRef:       "RCS044563/C",
		Status:           envelope.StatusInWarehouse,
		HolderID:         envelope.WarehouseHolderID("A"),
		HolderType:       envelope.HolderWarehouse,
		WarehouseSection: "A",
		IsComplete:       true,
		LastOperator:     "admin",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestValidateInvariants(t *testing.T) {
	valid := newWarehouseEnvelope("E1")
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}

	cases := map[string]func(*envelope.Envelope){
		"machine holder in warehouse": func(e *envelope.Envelope) { e.HolderType = envelope.HolderMachine },
		"production without machine": func(e *envelope.Envelope) {
			e.Status = envelope.StatusInProduction
			e.WarehouseSection = ""
		},
		"warehouse without section": func(e *envelope.Envelope) { e.WarehouseSection = "" },
		"section on floor": func(e *envelope.Envelope) {
			e.Status = envelope.StatusIssued
			e.HolderType = envelope.HolderCartOut
		},
		"return cart with floor holder": func(e *envelope.Envelope) {
			e.Status = envelope.StatusOnReturnCart
			e.HolderType = envelope.HolderFloor
			e.WarehouseSection = ""
		},
		"missing holder": func(e *envelope.Envelope) { e.HolderID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			env := newWarehouseEnvelope("E1")
			mutate(&env)
			if err := env.Validate(); err == nil {
				t.Fatal("expected invariant violation")
			}
		})
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to envelope.Status }{
		{envelope.StatusInWarehouse, envelope.StatusIssued},
		{envelope.StatusIssued, envelope.StatusInProduction},
		{envelope.StatusInProduction, envelope.StatusInProduction},
		{envelope.StatusInProduction, envelope.StatusIssued},
		{envelope.StatusInProduction, envelope.StatusOnReturnCart},
		{envelope.StatusOnReturnCart, envelope.StatusInWarehouse},
		{envelope.StatusIssued, envelope.StatusInWarehouse},
	}
	for _, tc := range allowed {
		if !envelope.CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to envelope.Status }{
		{envelope.StatusInWarehouse, envelope.StatusInProduction},
		{envelope.StatusInProduction, envelope.StatusInWarehouse},
		{envelope.StatusOnReturnCart, envelope.StatusInProduction},
		{envelope.StatusIssued, envelope.StatusOnReturnCart},
	}
	for _, tc := range denied {
		if envelope.CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestNormalizeSection(t *testing.T) {
	got, err := envelope.NormalizeSection(" b ")
	if err != nil || got != "B" {
		t.Fatalf("expected B, got %q (%v)", got, err)
	}
	for _, bad := range []string{"", "AB", "1", "-"} {
		if _, err := envelope.NormalizeSection(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestParseStatus(t *testing.T) {
	status, ok := envelope.ParseStatus("in_production")
	if !ok || status != envelope.StatusInProduction {
		t.Fatalf("expected IN_PRODUCTION, got %q", status)
	}
	if _, ok := envelope.ParseStatus("MAGAZYN"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestCreateRejectsDuplicateKey(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := envelope.NewStore(testsupport.MustOpenStore(t, cfg))
	ctx := context.Background()

	env := newWarehouseEnvelope("E1")
	ev := audit.Event{EnvelopeKey: "E1", Actor: "admin", FromStatus: envelope.StatusNew, ToStatus: string(env.Status), Operation: string(envelope.OpCreate)}
	if _, err := store.Create(ctx, env, ev); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_, err := store.Create(ctx, env, ev)
	if faults.CodeOf(err) != faults.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	fetched, err := store.Get(ctx, "E1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.WarehouseSection != "A" || !fetched.IsComplete {
		t.Fatalf("unexpected envelope: %#v", fetched)
	}
}

func TestGetMissingEnvelope(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := envelope.NewStore(testsupport.MustOpenStore(t, cfg))
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestModifyRequiresEventForEverySave(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenStore(t, cfg)
	store := envelope.NewStore(db)
	ctx := context.Background()

	env := newWarehouseEnvelope("E1")
	if _, err := store.Create(ctx, env, audit.Event{EnvelopeKey: "E1", Actor: "admin", FromStatus: envelope.StatusNew, ToStatus: string(env.Status), Operation: string(envelope.OpCreate)}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := store.Modify(ctx, "E1", func(tx *envelope.Tx) error {
		next := tx.Current()
		next.Status = envelope.StatusIssued
		next.HolderID = "CART-7"
		next.HolderType = envelope.HolderCartOut
		next.WarehouseSection = ""
		return tx.Save(next)
	})
	if err == nil {
		t.Fatal("expected save without event to be refused")
	}

	fetched, err := store.Get(ctx, "E1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Status != envelope.StatusInWarehouse {
		t.Fatalf("expected rollback to keep IN_WAREHOUSE, got %s", fetched.Status)
	}
}

func TestModifyRefusesIllegalTransition(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := envelope.NewStore(testsupport.MustOpenStore(t, cfg))
	ctx := context.Background()

	env := newWarehouseEnvelope("E1")
	if _, err := store.Create(ctx, env, audit.Event{EnvelopeKey: "E1", Actor: "admin", FromStatus: envelope.StatusNew, ToStatus: string(env.Status), Operation: string(envelope.OpCreate)}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_, err := store.Modify(ctx, "E1", func(tx *envelope.Tx) error {
		next := tx.Current()
		next.Status = envelope.StatusInProduction
		next.HolderID = "PRESS-1"
		next.HolderType = envelope.HolderMachine
		next.WarehouseSection = ""
		return tx.Save(next)
	})
	if err == nil {
		t.Fatal("expected IN_WAREHOUSE -> IN_PRODUCTION to be refused")
	}
}

func TestListAndOnMachine(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := envelope.NewStore(testsupport.MustOpenStore(t, cfg))
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	for i, key := range []string{"E1", "E2", "E3"} {
		env := newWarehouseEnvelope(key)
		env.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := store.Create(ctx, env, audit.Event{EnvelopeKey: key, Actor: "admin", FromStatus: envelope.StatusNew, ToStatus: string(env.Status), Operation: string(envelope.OpCreate)}); err != nil {
			t.Fatalf("Create %s failed: %v", key, err)
		}
	}

	page, total, err := store.List(ctx, envelope.Filter{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("expected 2 of 3 envelopes, got %d of %d", len(page), total)
	}
	if page[0].Key != "E3" {
		t.Fatalf("expected most recent first, got %s", page[0].Key)
	}

	none, total, err := store.List(ctx, envelope.Filter{Statuses: []envelope.Status{envelope.StatusInProduction}, Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("List by status failed: %v", err)
	}
	if total != 0 || len(none) != 0 {
		t.Fatalf("expected no envelopes in production, got %d", total)
	}

	occupant, err := store.OnMachine(ctx, "PRESS-1")
	if err != nil {
		t.Fatalf("OnMachine failed: %v", err)
	}
	if occupant != nil {
		t.Fatalf("expected free machine, got %#v", occupant)
	}
}
