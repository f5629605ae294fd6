package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// EntityTagField is the discriminator naming the entity a raw record belongs to.
	EntityTagField = "on"
	// ProvenanceField carries the "<bucket>/<key>" of the source file.
	ProvenanceField = "original_s3_file_path"
)

// RawRecord is one untyped source record tagged with its entity.
type RawRecord struct {
	Entity string
	Origin string
	Fields map[string]any
}

// NewRawRecord builds a RawRecord from a decoded JSON object. Nested objects are
// flattened into dotted keys ("payload.amount") so schema columns can address them.
func NewRawRecord(payload map[string]any) RawRecord {
	fields := make(map[string]any, len(payload))
	flatten("", payload, fields)

	record := RawRecord{Fields: fields}
	if tag, ok := payload[EntityTagField].(string); ok {
		record.Entity = strings.TrimSpace(tag)
	}
	if origin, ok := payload[ProvenanceField].(string); ok {
		record.Origin = origin
	}
	return record
}

// Value returns the field value and whether the field was present.
func (r RawRecord) Value(field string) (any, bool) {
	value, ok := r.Fields[field]
	return value, ok
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for key, value := range in {
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok && len(nested) > 0 {
			flatten(name, nested, out)
			continue
		}
		out[name] = value
	}
}

// EntityBatch is a staged file split by entity tag. Records whose tag is absent
// or not declared in the registry land in Unrecognized instead of being dropped
// silently.
type EntityBatch struct {
	Known        map[string][]RawRecord
	Unrecognized []RawRecord
}

// PartitionByEntity splits records by their entity tag. Input order is kept
// within every partition.
func PartitionByEntity(records []RawRecord, entities []string) EntityBatch {
	batch := EntityBatch{Known: make(map[string][]RawRecord, len(entities))}
	for _, name := range entities {
		batch.Known[name] = nil
	}
	for _, record := range records {
		if _, ok := batch.Known[record.Entity]; !ok {
			batch.Unrecognized = append(batch.Unrecognized, record)
			continue
		}
		batch.Known[record.Entity] = append(batch.Known[record.Entity], record)
	}
	return batch
}

// UnrecognizedTags returns a count of records per unknown tag.
func (b EntityBatch) UnrecognizedTags() map[string]int {
	counts := make(map[string]int)
	for _, record := range b.Unrecognized {
		tag := record.Entity
		if tag == "" {
			tag = "<missing>"
		}
		counts[tag]++
	}
	return counts
}

// NormalizedRow is a record coerced to its entity's declared types. Values are
// aligned with Entity.TargetColumns(); nil means SQL NULL.
type NormalizedRow struct {
	SurrogateKey uuid.UUID
	Values       []any
}

// Args returns the row as statement arguments, surrogate key first.
func (r NormalizedRow) Args() []any {
	args := make([]any, 0, len(r.Values)+1)
	args = append(args, r.SurrogateKey)
	return append(args, r.Values...)
}

func (r NormalizedRow) String() string {
	return fmt.Sprintf("%s %v", r.SurrogateKey, r.Values)
}
