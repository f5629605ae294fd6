package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rpattn/s3pgload/internal/domain"
	"github.com/rpattn/s3pgload/internal/objectstore"

	"go.uber.org/zap"
)

const (
	// DefaultPrefix is where source files live in the source bucket.
	DefaultPrefix = "data/"

	sourceSuffix   = ".json"
	maxLineBytes   = 16 << 20
	initialLineBuf = 64 << 10
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// Partition is the content of one fetched hour.
type Partition struct {
	Hour    time.Time
	Files   []string
	Batches [][]map[string]any
	Skipped int
}

// Fetcher lists and downloads the files of one hour partition.
type Fetcher struct {
	store  objectstore.Store
	bucket string
	prefix string
	logger *zap.Logger
}

// NewFetcher creates a fetcher for bucket. An empty prefix selects DefaultPrefix.
func NewFetcher(store objectstore.Store, bucket, prefix string, logger *zap.Logger) *Fetcher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{store: store, bucket: bucket, prefix: prefix, logger: logger}
}

// Bucket returns the source bucket name.
func (f *Fetcher) Bucket() string { return f.bucket }

// FetchHour downloads every .json object under the prefix whose LastModified
// falls within [hour, hour+1h). Each file holds newline-delimited JSON; lines
// that do not decode are skipped with a warning.
func (f *Fetcher) FetchHour(ctx context.Context, hour time.Time) (Partition, error) {
	start := hour.UTC().Truncate(time.Hour)
	end := start.Add(time.Hour)
	partition := Partition{Hour: start}

	objects, err := f.store.ListObjects(ctx, f.bucket, f.prefix)
	if err != nil {
		return partition, fmt.Errorf("failed to list %s: %w", objectstore.FormatPath(f.bucket, f.prefix), err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	for _, object := range objects {
		if !strings.HasSuffix(object.Key, sourceSuffix) {
			continue
		}
		modified := object.LastModified.UTC()
		if modified.Before(start) || !modified.Before(end) {
			continue
		}

		payload, err := f.store.GetObject(ctx, f.bucket, object.Key)
		if err != nil {
			return partition, fmt.Errorf("failed to fetch %s: %w", objectstore.FormatPath(f.bucket, object.Key), err)
		}

		origin := f.bucket + "/" + object.Key
		records, skipped, err := parseLines(payload, origin)
		if err != nil {
			return partition, fmt.Errorf("failed to read %s: %w", origin, err)
		}
		if skipped > 0 {
			f.logger.Warn("skipped lines that are not JSON objects",
				zap.String("file", origin),
				zap.Int("lines", skipped))
		}

		partition.Files = append(partition.Files, object.Key)
		partition.Batches = append(partition.Batches, records)
		partition.Skipped += skipped
		f.logger.Info("loaded source file", zap.String("file", origin), zap.Int("records", len(records)))
	}

	return partition, nil
}

// parseLines decodes newline-delimited JSON. A line holding an array
// contributes each object element. Every record is stamped with its origin.
func parseLines(payload []byte, origin string) ([]map[string]any, int, error) {
	payload = bytes.TrimPrefix(payload, byteOrderMark)

	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 0, initialLineBuf), maxLineBytes)

	var (
		records []map[string]any
		skipped int
	)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		decoded, err := decodeJSON(line)
		if err != nil {
			skipped++
			continue
		}
		switch value := decoded.(type) {
		case map[string]any:
			value[domain.ProvenanceField] = origin
			records = append(records, value)
		case []any:
			for _, item := range value {
				object, ok := item.(map[string]any)
				if !ok {
					skipped++
					continue
				}
				object[domain.ProvenanceField] = origin
				records = append(records, object)
			}
		default:
			skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, err
	}
	return records, skipped, nil
}

// decodeJSON keeps numbers as json.Number so identifiers survive untouched.
func decodeJSON(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return value, nil
}

// Merge flattens per-file batches into one sequence, keeping file order and
// line order.
func Merge(batches [][]map[string]any) []map[string]any {
	total := 0
	for _, batch := range batches {
		total += len(batch)
	}
	merged := make([]map[string]any, 0, total)
	for _, batch := range batches {
		merged = append(merged, batch...)
	}
	return merged
}
