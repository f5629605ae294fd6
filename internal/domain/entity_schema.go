package domain

import "strings"

// SurrogateKeyColumn is the warehouse column every entity table is keyed on.
const SurrogateKeyColumn = "surrogate_key"

// SemanticType represents the normalized type a source column is coerced to
type SemanticType string

const (
	TypeIdentifier SemanticType = "identifier"
	TypeInteger    SemanticType = "integer"
	TypeFloat      SemanticType = "float"
	TypeDecimal    SemanticType = "decimal"
	TypeTimestamp  SemanticType = "timestamp"
	TypeDate       SemanticType = "date"
	TypeString     SemanticType = "string"
	TypeBoolean    SemanticType = "boolean"
)

// IsTemporal reports whether values of this type are parsed as points in time.
func (t SemanticType) IsTemporal() bool {
	return t == TypeTimestamp || t == TypeDate
}

// IsText reports whether values of this type are stored as trimmed strings.
func (t SemanticType) IsText() bool {
	return t == TypeString || t == TypeIdentifier
}

// Column maps one source field onto a warehouse column
type Column struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	Type       string `json:"type"` // declared type name, resolved by the normalizer
	NaturalKey bool   `json:"natural_key"`
}

// Entity is a named category of business record and its target table.
type Entity struct {
	Name    string   `json:"name"`
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

// NewEntity creates an entity, copying the column slice so the result stays immutable.
func NewEntity(name, table string, columns []Column) Entity {
	return Entity{
		Name:    strings.TrimSpace(name),
		Table:   strings.TrimSpace(table),
		Columns: copyColumns(columns),
	}
}

// NaturalKey returns the natural-key columns in declaration order.
func (e Entity) NaturalKey() []Column {
	var keys []Column
	for _, column := range e.Columns {
		if column.NaturalKey {
			keys = append(keys, column)
		}
	}
	return keys
}

// TargetColumns returns the warehouse column names in declaration order.
func (e Entity) TargetColumns() []string {
	names := make([]string, 0, len(e.Columns))
	for _, column := range e.Columns {
		names = append(names, column.Target)
	}
	return names
}

// WithColumn returns a new entity with the column added, or replaced when the
// source field is already mapped.
func (e Entity) WithColumn(column Column) Entity {
	columns := copyColumns(e.Columns)
	for i, existing := range columns {
		if existing.Source == column.Source {
			columns[i] = column
			return Entity{Name: e.Name, Table: e.Table, Columns: columns}
		}
	}
	return Entity{Name: e.Name, Table: e.Table, Columns: append(columns, column)}
}

func copyColumns(columns []Column) []Column {
	if columns == nil {
		return nil
	}
	clone := make([]Column, len(columns))
	copy(clone, columns)
	return clone
}
