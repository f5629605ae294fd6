package load

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/s3pgload/internal/domain"
	"github.com/rpattn/s3pgload/internal/normalize"
	"github.com/rpattn/s3pgload/internal/objectstore"
	"github.com/rpattn/s3pgload/internal/schema"

	"github.com/google/uuid"
)

const registryYAML = `
user:
  table_name: users
  columns:
    id: {column_name: user_id, type: bigint, unique_identifier: true}
    email: {column_name: email, type: varchar}
order:
  table_name: orders
  columns:
    id: {column_name: order_id, type: varchar, unique_identifier: true}
    total: {column_name: total, type: decimal}
shipment:
  table_name: shipments
  columns:
    id: {column_name: shipment_id, type: varchar, unique_identifier: true}
    geo: {column_name: geo, type: geography}
invoice:
  table_name: invoices
  columns:
    id: {column_name: invoice_id, type: varchar, unique_identifier: true}
`

const stagedKey = "run_20240301T081500Z.json"

const stagedBody = `[
  {"on":"user","id":1,"email":" a@example.com "},
  {"on":"shipment","id":"s-1","geo":"POINT(0 0)"},
  {"on":"order","id":"o-1","total":"19.99"},
  {"on":"user","id":2,"email":"b@example.com"},
  {"on":"user","id":1,"email":"dupe@example.com"},
  {"on":"order","id":"o-2","total":"n/a"},
  {"on":"refund","id":"r-1"},
  {"id":"untagged"}
]`

type fixture struct {
	store     *objectstore.LocalStore
	ledger    *stubLedger
	warehouse *memoryWarehouse
	service   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := schema.ParseRegistry([]byte(registryYAML))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}

	store := objectstore.NewLocalStore(t.TempDir())
	if err := store.CreateBucket("staging"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	if err := store.PutObject(context.Background(), "staging", stagedKey, []byte(stagedBody)); err != nil {
		t.Fatalf("stage file: %v", err)
	}

	path := objectstore.FormatPath("staging", stagedKey)
	ledger := &stubLedger{staged: &path}
	warehouse := newMemoryWarehouse("users", "orders", "shipments", "invoices")

	service := NewService(registry, store, "staging", ledger, warehouse,
		WithClock(func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }))
	return &fixture{store: store, ledger: ledger, warehouse: warehouse, service: service}
}

func TestServiceRunIsolatesEntityFailures(t *testing.T) {
	f := newFixture(t)
	workflowID := uuid.New()

	summary, err := f.service.Run(context.Background(), workflowID)
	if err == nil {
		t.Fatalf("expected the failing entity to surface an error")
	}
	if !domain.IsEntityFailure(err) || !errors.Is(err, domain.ErrUnknownType) {
		t.Fatalf("expected entity-scoped unknown type failure, got %v", err)
	}

	if len(f.ledger.loads) != 4 {
		t.Fatalf("expected one record per entity (4), got %d", len(f.ledger.loads))
	}
	want := []struct {
		entity   string
		inserted *int
	}{
		{"user", intPtr(2)},
		{"order", intPtr(2)},
		{"shipment", nil},
		{"invoice", intPtr(0)},
	}
	for i, w := range want {
		record := f.ledger.loads[i]
		if record.Entity == nil || *record.Entity != w.entity {
			t.Fatalf("record %d: expected entity %s, got %v", i, w.entity, record.Entity)
		}
		if record.WorkflowID != workflowID || record.SourcePath == nil {
			t.Fatalf("record %d: missing run metadata: %+v", i, record)
		}
		switch {
		case w.inserted == nil:
			if record.Succeeded() || record.RecordsInserted != nil {
				t.Fatalf("record %d: expected failure without row count, got %+v", i, record)
			}
		case record.RecordsInserted == nil || *record.RecordsInserted != *w.inserted:
			t.Fatalf("record %d: expected %d rows, got %v", i, *w.inserted, record.RecordsInserted)
		}
	}

	if len(summary.Failed()) != 1 || summary.Failed()[0].Entity != "shipment" {
		t.Fatalf("expected only shipment to fail, got %+v", summary.Failed())
	}
	if summary.Unrecognized["refund"] != 1 || summary.Unrecognized["<missing>"] != 1 {
		t.Fatalf("expected unrecognized tags to be reported, got %v", summary.Unrecognized)
	}
	if f.warehouse.upserts["invoices"] != 0 {
		t.Fatalf("entities without records must not reach the warehouse")
	}

	users := f.warehouse.tables["users"]
	key := normalize.SurrogateKey(int64(1))
	if users[key][1] != "a@example.com" {
		t.Fatalf("expected first occurrence to win and be trimmed, got %v", users[key])
	}
	orders := f.warehouse.tables["orders"]
	if orders[normalize.SurrogateKey("o-2")][1] != nil {
		t.Fatalf("expected unparseable total to load as NULL, got %v", orders[normalize.SurrogateKey("o-2")])
	}
}

func TestServiceRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	workflowID := uuid.New()

	_, _ = f.service.Run(context.Background(), workflowID)
	first := f.warehouse.snapshot()

	_, _ = f.service.Run(context.Background(), workflowID)
	second := f.warehouse.snapshot()

	if first != second {
		t.Fatalf("reloading the same file changed the warehouse:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestServiceRunWithoutStagedFileIsNoop(t *testing.T) {
	f := newFixture(t)
	f.ledger.staged = nil

	summary, err := f.service.Run(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if !summary.NoStagedFile || len(f.ledger.loads) != 0 || len(f.warehouse.upserts) != 0 {
		t.Fatalf("expected nothing to happen, got summary %+v, %d records", summary, len(f.ledger.loads))
	}
}

func TestServiceRunMissingTableAbortsBeforeData(t *testing.T) {
	f := newFixture(t)
	delete(f.warehouse.tables, "orders")

	_, err := f.service.Run(context.Background(), uuid.New())
	if !domain.IsFatal(err) || !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected fatal configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "orders") {
		t.Fatalf("expected missing table to be named, got %v", err)
	}
	if len(f.warehouse.upserts) != 0 {
		t.Fatalf("no entity may be loaded when a table is missing")
	}
	if len(f.ledger.loads) != 1 || f.ledger.loads[0].Entity != nil || f.ledger.loads[0].Succeeded() {
		t.Fatalf("expected a single run-level failure record, got %+v", f.ledger.loads)
	}
}

func TestServiceRunUnreadableStagedFileRecordsRunFailure(t *testing.T) {
	f := newFixture(t)
	missing := objectstore.FormatPath("staging", "gone.json")
	f.ledger.staged = &missing

	_, err := f.service.Run(context.Background(), uuid.New())
	if !objectstore.HasCode(err, objectstore.CodeObjectNotFound) {
		t.Fatalf("expected object not found, got %v", err)
	}
	if len(f.ledger.loads) != 1 || f.ledger.loads[0].Entity != nil || *f.ledger.loads[0].SourcePath != missing {
		t.Fatalf("expected run-level record naming the source, got %+v", f.ledger.loads)
	}
}

func TestServiceRunUpsertFailureIsEntityScoped(t *testing.T) {
	f := newFixture(t)
	f.warehouse.failOn = "users"

	summary, err := f.service.Run(context.Background(), uuid.New())
	if err == nil {
		t.Fatalf("expected upsert failure to surface")
	}
	if len(summary.Failed()) != 2 {
		t.Fatalf("expected users and shipments to fail, got %+v", summary.Failed())
	}
	if f.ledger.loads[1].RecordsInserted == nil || *f.ledger.loads[1].RecordsInserted != 2 {
		t.Fatalf("orders must still load after users failed, got %+v", f.ledger.loads[1])
	}
}

func intPtr(v int) *int { return &v }

type stubLedger struct {
	staged *string
	loads  []domain.LoadExecution
}

func (s *stubLedger) RecordIngestion(context.Context, domain.IngestionExecution) error { return nil }

func (s *stubLedger) RecordLoad(_ context.Context, execution domain.LoadExecution) error {
	s.loads = append(s.loads, execution)
	return nil
}

func (s *stubLedger) LastSuccessfulFetchHour(context.Context) (*time.Time, error) { return nil, nil }

func (s *stubLedger) StagedFilePath(context.Context, uuid.UUID) (*string, error) {
	return s.staged, nil
}

func (s *stubLedger) ListIngestions(context.Context, uuid.UUID) ([]domain.IngestionExecution, error) {
	return nil, nil
}

func (s *stubLedger) ListLoads(context.Context, uuid.UUID) ([]domain.LoadExecution, error) {
	return s.loads, nil
}

// memoryWarehouse applies upserts the way ON CONFLICT DO UPDATE does.
type memoryWarehouse struct {
	tables  map[string]map[uuid.UUID][]any
	upserts map[string]int
	failOn  string
}

func newMemoryWarehouse(tables ...string) *memoryWarehouse {
	w := &memoryWarehouse{tables: map[string]map[uuid.UUID][]any{}, upserts: map[string]int{}}
	for _, table := range tables {
		w.tables[table] = map[uuid.UUID][]any{}
	}
	return w
}

func (w *memoryWarehouse) TableExists(_ context.Context, table string) (bool, error) {
	_, ok := w.tables[table]
	return ok, nil
}

func (w *memoryWarehouse) Upsert(_ context.Context, table string, _ []string, rows []domain.NormalizedRow) (int, error) {
	if table == w.failOn {
		return 0, fmt.Errorf("duplicate key value violates unique constraint")
	}
	w.upserts[table]++
	for _, row := range rows {
		w.tables[table][row.SurrogateKey] = append([]any(nil), row.Values...)
	}
	return len(rows), nil
}

func (w *memoryWarehouse) snapshot() string {
	var sb strings.Builder
	for _, table := range []string{"users", "orders", "shipments", "invoices"} {
		fmt.Fprintf(&sb, "%s:%d;", table, len(w.tables[table]))
		for _, key := range []uuid.UUID{
			normalize.SurrogateKey(int64(1)),
			normalize.SurrogateKey(int64(2)),
			normalize.SurrogateKey("o-1"),
			normalize.SurrogateKey("o-2"),
		} {
			if values, ok := w.tables[table][key]; ok {
				fmt.Fprintf(&sb, "%s=%v;", key, values)
			}
		}
	}
	return sb.String()
}
