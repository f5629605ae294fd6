package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/s3pgload/internal/domain"
	"github.com/rpattn/s3pgload/internal/objectstore"
	"github.com/rpattn/s3pgload/internal/watermark"

	"github.com/google/uuid"
)

var epoch = time.Date(2022, 11, 24, 10, 0, 0, 0, time.UTC)

type fixture struct {
	root    string
	store   *objectstore.LocalStore
	ledger  *stubLedger
	service *Service
	execID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureAt(t, time.Date(2024, 3, 1, 8, 15, 0, 0, time.UTC))
}

func newFixtureAt(t *testing.T, now time.Time) *fixture {
	t.Helper()
	root := t.TempDir()
	store := objectstore.NewLocalStore(root)
	for _, bucket := range []string{"source", "staging"} {
		if err := store.CreateBucket(bucket); err != nil {
			t.Fatalf("create bucket %s: %v", bucket, err)
		}
	}

	ledger := &stubLedger{}
	execID := uuid.MustParse("3b0f6a4e-5d4c-4e0a-9c61-0f1d0d2e9a11")
	clock := func() time.Time { return now }

	service := NewService(
		watermark.NewCursor(ledger, time.Time{}),
		NewFetcher(store, "source", "", nil),
		store,
		"staging",
		ledger,
		WithClock(clock),
		WithIDGenerator(func() uuid.UUID { return execID }),
	)
	return &fixture{root: root, store: store, ledger: ledger, service: service, execID: execID}
}

func (f *fixture) putSource(t *testing.T, key, body string, modified time.Time) {
	t.Helper()
	if err := f.store.PutObject(context.Background(), "source", key, []byte(body)); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	path := filepath.Join(f.root, "source", filepath.FromSlash(key))
	if err := os.Chtimes(path, modified, modified); err != nil {
		t.Fatalf("chtimes %s: %v", key, err)
	}
}

func TestServiceRunStagesPartitionAndAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	workflowID := uuid.New()

	f.putSource(t, "data/a.json", `{"on":"user","id":1}`+"\n"+`{"on":"user","id":2}`+"\n", epoch.Add(5*time.Minute))
	f.putSource(t, "data/b.json", `{"on":"order","id":"o-1"}`+"\n\n"+`not json`+"\n", epoch.Add(20*time.Minute))
	f.putSource(t, "data/c.json", `[{"on":"order","id":"o-2"},{"on":"user","id":3}]`, epoch.Add(59*time.Minute))
	f.putSource(t, "data/late.json", `{"on":"user","id":4}`, epoch.Add(time.Hour))
	f.putSource(t, "data/notes.txt", `{"on":"user","id":5}`, epoch.Add(time.Minute))
	f.putSource(t, "archive/old.json", `{"on":"user","id":6}`, epoch.Add(time.Minute))

	summary, err := f.service.Run(context.Background(), workflowID)
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	if summary.FilesFetched != 3 || summary.RecordsStaged != 5 || summary.SkippedLines != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if !summary.FetchedHour.Equal(epoch) {
		t.Fatalf("expected fetched hour %s, got %s", epoch, summary.FetchedHour)
	}
	wantPath := "s3://staging/" + f.execID.String() + "_20240301T081500Z.json"
	if summary.StagedPath != wantPath {
		t.Fatalf("expected staged path %s, got %s", wantPath, summary.StagedPath)
	}

	if len(f.ledger.ingestions) != 1 {
		t.Fatalf("expected exactly one ledger record, got %d", len(f.ledger.ingestions))
	}
	record := f.ledger.ingestions[0]
	if !record.Succeeded() || record.WorkflowID != workflowID {
		t.Fatalf("unexpected ledger record: %+v", record)
	}
	if *record.FilesFetched != 3 || !record.FetchedHour.Equal(epoch) || *record.DestinationPath != wantPath {
		t.Fatalf("ledger record does not match summary: %+v", record)
	}

	_, key, _ := objectstore.ParsePath(wantPath)
	staged, err := f.store.GetObject(context.Background(), "staging", key)
	if err != nil {
		t.Fatalf("staged file missing: %v", err)
	}
	var records []map[string]any
	if err := json.Unmarshal(staged, &records); err != nil {
		t.Fatalf("staged file is not a JSON array: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 staged records, got %d", len(records))
	}
	if records[0][domain.ProvenanceField] != "source/data/a.json" || records[4][domain.ProvenanceField] != "source/data/c.json" {
		t.Fatalf("staged records lost file order or provenance: %v / %v", records[0], records[4])
	}

	next, err := watermark.NewCursor(f.ledger, time.Time{}).NextPartition(context.Background())
	if err != nil {
		t.Fatalf("next partition: %v", err)
	}
	if !next.Equal(epoch.Add(time.Hour)) {
		t.Fatalf("expected next watermark %s, got %s", epoch.Add(time.Hour), next)
	}
}

func TestServiceRunWithNoFilesStillAdvances(t *testing.T) {
	f := newFixture(t)

	summary, err := f.service.Run(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if summary.FilesFetched != 0 || summary.StagedPath != "" {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	record := f.ledger.ingestions[0]
	if !record.Succeeded() || *record.FilesFetched != 0 || record.DestinationPath != nil {
		t.Fatalf("expected successful zero-file record without destination, got %+v", record)
	}

	objects, err := f.store.ListObjects(context.Background(), "staging", "")
	if err != nil {
		t.Fatalf("list staging: %v", err)
	}
	if len(objects) != 0 {
		t.Fatalf("expected no staged file, got %d objects", len(objects))
	}

	next, _ := watermark.NewCursor(f.ledger, time.Time{}).NextPartition(context.Background())
	if !next.Equal(epoch.Add(time.Hour)) {
		t.Fatalf("empty hour must still advance the watermark, got %s", next)
	}
}

func TestServiceRunRecordsFailureAndReturnsIt(t *testing.T) {
	f := newFixture(t)
	f.putSource(t, "data/a.json", `{"on":"user","id":1}`, epoch.Add(time.Minute))
	failing := &failingStore{Store: f.store, putErr: errors.New("disk full")}
	f.service.staging = failing

	_, err := f.service.Run(context.Background(), uuid.New())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected staging error, got %v", err)
	}

	if len(f.ledger.ingestions) != 1 {
		t.Fatalf("expected exactly one ledger record, got %d", len(f.ledger.ingestions))
	}
	record := f.ledger.ingestions[0]
	if record.Succeeded() || !strings.Contains(*record.Failure, "disk full") {
		t.Fatalf("expected failure to be recorded, got %+v", record)
	}

	next, _ := watermark.NewCursor(f.ledger, time.Time{}).NextPartition(context.Background())
	if !next.Equal(epoch) {
		t.Fatalf("failed run must not advance the watermark, got %s", next)
	}
}

func TestServiceRunMissingStagingBucketIsFatal(t *testing.T) {
	f := newFixture(t)
	f.service.stagingBucket = "absent"

	_, err := f.service.Run(context.Background(), uuid.New())
	if !domain.IsFatal(err) || !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected fatal configuration error, got %v", err)
	}
	if len(f.ledger.ingestions) != 1 || f.ledger.ingestions[0].Succeeded() {
		t.Fatalf("expected a failure record, got %+v", f.ledger.ingestions)
	}
	if f.ledger.ingestions[0].FetchedHour != nil {
		t.Fatalf("no partition should be recorded when the run aborts before the cursor")
	}
}

func TestServiceRunRecordsLedgerWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.ledger.recordErr = errors.New("ledger offline")

	if _, err := f.service.Run(context.Background(), uuid.New()); err == nil || !strings.Contains(err.Error(), "ledger offline") {
		t.Fatalf("expected ledger error to surface, got %v", err)
	}
}

func TestServiceRunLeavesOpenHourForLater(t *testing.T) {
	f := newFixtureAt(t, epoch.Add(30*time.Minute))
	f.putSource(t, "data/early.json", `{"on":"user","id":1}`, epoch.Add(10*time.Minute))

	for i := 0; i < 3; i++ {
		summary, err := f.service.Run(context.Background(), uuid.New())
		if !errors.Is(err, ErrPartitionOpen) {
			t.Fatalf("run %d: expected open partition error, got %v", i, err)
		}
		if summary.StagedPath != "" || summary.FilesFetched != 0 {
			t.Fatalf("run %d: open hour must not be fetched: %+v", i, summary)
		}
	}

	if len(f.ledger.ingestions) != 3 {
		t.Fatalf("expected one ledger record per run, got %d", len(f.ledger.ingestions))
	}
	for _, record := range f.ledger.ingestions {
		if record.Succeeded() || !record.FetchedHour.Equal(epoch) {
			t.Fatalf("expected failed record for %s, got %+v", epoch, record)
		}
	}
	next, err := watermark.NewCursor(f.ledger, time.Time{}).NextPartition(context.Background())
	if err != nil {
		t.Fatalf("next partition: %v", err)
	}
	if !next.Equal(epoch) {
		t.Fatalf("watermark moved past the open hour: %s", next)
	}
}

func TestServiceRunIngestsHourOnceItEnds(t *testing.T) {
	f := newFixtureAt(t, epoch.Add(time.Hour))
	f.putSource(t, "data/early.json", `{"on":"user","id":1}`, epoch.Add(10*time.Minute))
	f.putSource(t, "data/late.json", `{"on":"user","id":2}`, epoch.Add(45*time.Minute))

	summary, err := f.service.Run(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if summary.FilesFetched != 2 || summary.RecordsStaged != 2 {
		t.Fatalf("expected both files of the closed hour, got %+v", summary)
	}
}

func TestParseLinesStripsByteOrderMark(t *testing.T) {
	payload := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"on":"user","id":12345678901234567890}`)...)
	records, skipped, err := parseLines(payload, "source/data/x.json")
	if err != nil || skipped != 0 || len(records) != 1 {
		t.Fatalf("unexpected parse result: %v records, %d skipped, err %v", records, skipped, err)
	}
	if id, ok := records[0]["id"].(json.Number); !ok || id.String() != "12345678901234567890" {
		t.Fatalf("expected large identifier to be kept verbatim, got %#v", records[0]["id"])
	}
}

func TestMergeKeepsOrder(t *testing.T) {
	merged := Merge([][]map[string]any{
		{{"n": 1}, {"n": 2}},
		nil,
		{{"n": 3}},
	})
	if len(merged) != 3 || merged[0]["n"] != 1 || merged[2]["n"] != 3 {
		t.Fatalf("unexpected merge result %v", merged)
	}
}

type stubLedger struct {
	ingestions []domain.IngestionExecution
	loads      []domain.LoadExecution
	recordErr  error
}

func (s *stubLedger) RecordIngestion(_ context.Context, execution domain.IngestionExecution) error {
	if s.recordErr != nil {
		return s.recordErr
	}
	s.ingestions = append(s.ingestions, execution)
	return nil
}

func (s *stubLedger) RecordLoad(_ context.Context, execution domain.LoadExecution) error {
	s.loads = append(s.loads, execution)
	return nil
}

func (s *stubLedger) LastSuccessfulFetchHour(context.Context) (*time.Time, error) {
	var last *time.Time
	for _, execution := range s.ingestions {
		if !execution.Succeeded() || execution.FetchedHour == nil {
			continue
		}
		if last == nil || execution.FetchedHour.After(*last) {
			hour := *execution.FetchedHour
			last = &hour
		}
	}
	return last, nil
}

func (s *stubLedger) StagedFilePath(context.Context, uuid.UUID) (*string, error) {
	return nil, nil
}

func (s *stubLedger) ListIngestions(context.Context, uuid.UUID) ([]domain.IngestionExecution, error) {
	return s.ingestions, nil
}

func (s *stubLedger) ListLoads(context.Context, uuid.UUID) ([]domain.LoadExecution, error) {
	return s.loads, nil
}

type failingStore struct {
	objectstore.Store
	putErr error
}

func (s *failingStore) PutObject(context.Context, string, string, []byte) error {
	return s.putErr
}
