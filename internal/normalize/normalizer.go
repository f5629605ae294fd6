package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/s3pgload/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DedupPolicy decides which row survives when several rows share a surrogate key.
type DedupPolicy string

const (
	// KeepFirst retains the first occurrence in input order.
	KeepFirst DedupPolicy = "first"
	// KeepLast retains the values of the last occurrence at the position of the first.
	KeepLast DedupPolicy = "last"
)

// ParseDedupPolicy accepts "first" or "last"; empty means KeepFirst.
func ParseDedupPolicy(raw string) (DedupPolicy, error) {
	switch DedupPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", KeepFirst:
		return KeepFirst, nil
	case KeepLast:
		return KeepLast, nil
	}
	return "", fmt.Errorf("%w: unknown dedup policy %q", domain.ErrConfiguration, raw)
}

// Normalizer converts raw records into typed, deduplicated rows.
type Normalizer struct {
	location *time.Location
	policy   DedupPolicy
	logger   *zap.Logger
}

// Option configures the normalizer.
type Option func(*Normalizer)

// WithLocation sets the storage location timestamps are expressed in.
func WithLocation(loc *time.Location) Option {
	return func(n *Normalizer) {
		if loc != nil {
			n.location = loc
		}
	}
}

// WithDedupPolicy sets the duplicate resolution policy.
func WithDedupPolicy(policy DedupPolicy) Option {
	return func(n *Normalizer) {
		if policy != "" {
			n.policy = policy
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// New creates a normalizer storing timestamps in UTC and keeping first occurrences.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		location: time.UTC,
		policy:   KeepFirst,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Result holds the rows for one entity along with coercion statistics.
type Result struct {
	Columns          []string
	Rows             []domain.NormalizedRow
	Duplicates       int
	NullsSubstituted map[string]int
}

// RecoveredNulls is the total number of cells replaced by NULL.
func (r Result) RecoveredNulls() int {
	total := 0
	for _, n := range r.NullsSubstituted {
		total += n
	}
	return total
}

// Normalize coerces records to the entity's declared types, renames columns to
// their targets, computes surrogate keys, and deduplicates. A value that cannot
// be cast becomes NULL; only an unusable declaration fails, and then nothing of
// the entity is returned.
func (n *Normalizer) Normalize(records []domain.RawRecord, entity domain.Entity) (Result, error) {
	columns, keyIdx, err := resolveColumns(entity)
	if err != nil {
		return Result{}, &domain.EntityFailure{Entity: entity.Name, Err: err}
	}

	result := Result{
		Columns:          entity.TargetColumns(),
		Rows:             make([]domain.NormalizedRow, 0, len(records)),
		NullsSubstituted: map[string]int{},
	}
	positions := make(map[uuid.UUID]int, len(records))
	keyValues := make([]any, len(keyIdx))

	for _, record := range records {
		values := make([]any, len(columns))
		for i, column := range columns {
			raw, _ := record.Value(column.Source)
			cell := Coerce(column.semantic, raw, n.location)
			if cell.Recovered {
				result.NullsSubstituted[column.Target]++
			}
			values[i] = cell.Value
		}

		for i, idx := range keyIdx {
			keyValues[i] = values[idx]
		}
		row := domain.NormalizedRow{SurrogateKey: SurrogateKey(keyValues...), Values: values}

		if pos, seen := positions[row.SurrogateKey]; seen {
			result.Duplicates++
			if n.policy == KeepLast {
				result.Rows[pos] = row
			}
			continue
		}
		positions[row.SurrogateKey] = len(result.Rows)
		result.Rows = append(result.Rows, row)
	}

	if recovered := result.RecoveredNulls(); recovered > 0 {
		n.logger.Debug("substituted nulls for values that failed coercion",
			zap.String("entity", entity.Name),
			zap.Int("cells", recovered),
			zap.Any("columns", result.NullsSubstituted))
	}
	if result.Duplicates > 0 {
		n.logger.Info("dropped rows sharing a surrogate key",
			zap.String("entity", entity.Name),
			zap.Int("duplicates", result.Duplicates),
			zap.String("policy", string(n.policy)))
	}

	return result, nil
}
