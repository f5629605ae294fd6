package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/rpattn/s3pgload/internal/domain"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

func sampleLedger() *stubLedger {
	workflow := uuid.MustParse("0b8f1d4e-7a55-4f0e-9a3b-2c1d0e9f8a76")
	hour := time.Date(2022, 11, 24, 10, 0, 0, 0, time.UTC)
	files := 3
	path := "s3://staging/run_20221124T100500Z.json"
	users, table := "user", "users"
	inserted := 42
	failure := "entity shipment: configuration error: unknown column type"
	shipment, shipments := "shipment", "shipments"

	return &stubLedger{
		ingestions: []domain.IngestionExecution{{
			WorkflowID: workflow, ExecutionID: uuid.New(), ExecutedAt: hour.Add(5 * time.Minute),
			FetchedHour: &hour, FilesFetched: &files, DestinationPath: &path,
		}},
		loads: []domain.LoadExecution{
			{WorkflowID: workflow, ExecutionID: uuid.New(), ExecutedAt: hour.Add(6 * time.Minute),
				SourcePath: &path, Entity: &users, DestinationTable: &table, RecordsInserted: &inserted},
			{WorkflowID: workflow, ExecutionID: uuid.New(), ExecutedAt: hour.Add(6 * time.Minute),
				SourcePath: &path, Entity: &shipment, DestinationTable: &shipments, Failure: &failure},
		},
	}
}

func TestExportCSV(t *testing.T) {
	var buf bytes.Buffer
	counts, err := NewService(sampleLedger()).Export(context.Background(), uuid.Nil, FormatCSV, &buf)
	if err != nil {
		t.Fatalf("export returned error: %v", err)
	}
	if counts.Ingestions != 1 || counts.Loads != 2 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header and 3 rows, got %d", len(rows))
	}
	if rows[1][0] != "ingestion" || rows[1][4] != "2022-11-24T10:00:00Z" || rows[1][5] != "3" {
		t.Fatalf("unexpected ingestion row %v", rows[1])
	}
	if rows[2][0] != "load" || rows[2][8] != "user" || rows[2][10] != "42" || rows[2][11] != "" {
		t.Fatalf("unexpected load row %v", rows[2])
	}
	if rows[3][10] != "" || rows[3][11] == "" {
		t.Fatalf("expected failed entity without row count, got %v", rows[3])
	}
}

func TestExportWorkbook(t *testing.T) {
	var buf bytes.Buffer
	if _, err := NewService(sampleLedger()).Export(context.Background(), uuid.Nil, FormatXLSX, &buf); err != nil {
		t.Fatalf("export returned error: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	ingestion, err := f.GetRows(ingestionSheet)
	if err != nil {
		t.Fatalf("read ingestion sheet: %v", err)
	}
	if len(ingestion) != 2 || ingestion[0][3] != "fetched_hour" || ingestion[1][4] != "3" {
		t.Fatalf("unexpected ingestion sheet %v", ingestion)
	}

	load, err := f.GetRows(loadSheet)
	if err != nil {
		t.Fatalf("read load sheet: %v", err)
	}
	if len(load) != 3 || load[1][4] != "user" || load[1][6] != "42" {
		t.Fatalf("unexpected load sheet %v", load)
	}
	if load[2][7] == "" {
		t.Fatalf("expected failure detail in load sheet, got %v", load[2])
	}
}

func TestExportPropagatesLedgerErrors(t *testing.T) {
	ledger := &stubLedger{err: errors.New("monitor db down")}
	if _, err := NewService(ledger).Export(context.Background(), uuid.Nil, FormatCSV, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected ledger error")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("XLSX"); err != nil || f != FormatXLSX {
		t.Fatalf("expected xlsx, got %q (%v)", f, err)
	}
	if _, err := ParseFormat("parquet"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

type stubLedger struct {
	ingestions []domain.IngestionExecution
	loads      []domain.LoadExecution
	err        error
}

func (s *stubLedger) RecordIngestion(context.Context, domain.IngestionExecution) error { return nil }
func (s *stubLedger) RecordLoad(context.Context, domain.LoadExecution) error           { return nil }
func (s *stubLedger) LastSuccessfulFetchHour(context.Context) (*time.Time, error)      { return nil, nil }
func (s *stubLedger) StagedFilePath(context.Context, uuid.UUID) (*string, error)       { return nil, nil }

func (s *stubLedger) ListIngestions(context.Context, uuid.UUID) ([]domain.IngestionExecution, error) {
	return s.ingestions, s.err
}

func (s *stubLedger) ListLoads(context.Context, uuid.UUID) ([]domain.LoadExecution, error) {
	return s.loads, s.err
}
