package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/s3pgload/internal/domain"
	"github.com/rpattn/s3pgload/internal/repository"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

// Format selects the report encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts csv or xlsx.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: unsupported export format %q", domain.ErrConfiguration, raw)
}

const (
	ingestionSheet = "ingestion"
	loadSheet      = "load"

	// maxCellLength is the longest text a spreadsheet cell accepts.
	maxCellLength = 32767
)

var (
	ingestionHeaders = []string{"workflow_id", "execution_id", "executed_at", "fetched_hour", "files_fetched", "destination_path", "failure_detail"}
	loadHeaders      = []string{"workflow_id", "execution_id", "executed_at", "source_path", "entity", "destination_table", "records_inserted", "failure_detail"}
	csvHeaders       = []string{"phase", "workflow_id", "execution_id", "executed_at", "fetched_hour", "files_fetched", "destination_path", "source_path", "entity", "destination_table", "records_inserted", "failure_detail"}
)

// Counts reports how many ledger records were written.
type Counts struct {
	Ingestions int
	Loads      int
}

// Service renders the execution ledger as a report.
type Service struct {
	ledger repository.ExecutionRepository
}

// NewService creates a ledger report service.
func NewService(ledger repository.ExecutionRepository) *Service {
	return &Service{ledger: ledger}
}

// Export writes the ledger records of workflowID (every workflow for
// uuid.Nil) to w.
func (s *Service) Export(ctx context.Context, workflowID uuid.UUID, format Format, w io.Writer) (Counts, error) {
	ingestions, err := s.ledger.ListIngestions(ctx, workflowID)
	if err != nil {
		return Counts{}, fmt.Errorf("list ingestion executions: %w", err)
	}
	loads, err := s.ledger.ListLoads(ctx, workflowID)
	if err != nil {
		return Counts{}, fmt.Errorf("list load executions: %w", err)
	}
	counts := Counts{Ingestions: len(ingestions), Loads: len(loads)}

	switch format {
	case FormatXLSX:
		return counts, writeWorkbook(w, ingestions, loads)
	case FormatCSV, "":
		return counts, writeCSV(w, ingestions, loads)
	}
	return Counts{}, fmt.Errorf("%w: unsupported export format %q", domain.ErrConfiguration, format)
}

func ingestionRow(e domain.IngestionExecution) []any {
	return []any{e.WorkflowID, e.ExecutionID, e.ExecutedAt, e.FetchedHour, e.FilesFetched, e.DestinationPath, e.Failure}
}

func loadRow(e domain.LoadExecution) []any {
	return []any{e.WorkflowID, e.ExecutionID, e.ExecutedAt, e.SourcePath, e.Entity, e.DestinationTable, e.RecordsInserted, e.Failure}
}

func writeCSV(w io.Writer, ingestions []domain.IngestionExecution, loads []domain.LoadExecution) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(csvHeaders); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := make([]string, len(csvHeaders))
	for _, e := range ingestions {
		fill(row, string(domain.PhaseIngestion), e.WorkflowID, e.ExecutionID, e.ExecutedAt, e.FetchedHour, e.FilesFetched, e.DestinationPath, nil, nil, nil, nil, e.Failure)
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("write ingestion row: %w", err)
		}
	}
	for _, e := range loads {
		fill(row, string(domain.PhaseLoad), e.WorkflowID, e.ExecutionID, e.ExecutedAt, nil, nil, nil, e.SourcePath, e.Entity, e.DestinationTable, e.RecordsInserted, e.Failure)
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("write load row: %w", err)
		}
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func fill(row []string, values ...any) {
	for i, value := range values {
		row[i] = formatValue(value)
	}
}

func writeWorkbook(w io.Writer, ingestions []domain.IngestionExecution, loads []domain.LoadExecution) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), ingestionSheet); err != nil {
		return fmt.Errorf("name ingestion sheet: %w", err)
	}
	if _, err := f.NewSheet(loadSheet); err != nil {
		return fmt.Errorf("create load sheet: %w", err)
	}

	ingestionRows := make([][]any, 0, len(ingestions))
	for _, e := range ingestions {
		ingestionRows = append(ingestionRows, ingestionRow(e))
	}
	if err := writeSheet(f, ingestionSheet, ingestionHeaders, ingestionRows); err != nil {
		return err
	}

	loadRows := make([][]any, 0, len(loads))
	for _, e := range loads {
		loadRows = append(loadRows, loadRow(e))
	}
	if err := writeSheet(f, loadSheet, loadHeaders, loadRows); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]any) error {
	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write %s header: %w", sheet, err)
	}

	for i, values := range rows {
		cells := make([]any, len(values))
		for j, value := range values {
			cells[j] = cellValue(value)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

// cellValue keeps counts numeric in the workbook and renders everything else
// as text.
func cellValue(value any) any {
	switch v := value.(type) {
	case *int:
		if v == nil {
			return nil
		}
		return *v
	case *string:
		if v == nil {
			return nil
		}
		return truncate(*v, maxCellLength)
	}
	text := formatValue(value)
	if text == "" {
		return nil
	}
	return text
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case *int:
		if v == nil {
			return ""
		}
		return strconv.Itoa(*v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truncate(value string, maxLen int) string {
	if len(value) > maxLen {
		return value[:maxLen]
	}
	return value
}
