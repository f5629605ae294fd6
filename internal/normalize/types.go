package normalize

import (
	"fmt"
	"strings"

	"github.com/rpattn/s3pgload/internal/domain"
)

// declaredTypes maps registry type names onto semantic types.
var declaredTypes = map[string]domain.SemanticType{
	"uuid":      domain.TypeIdentifier,
	"bigint":    domain.TypeInteger,
	"int":       domain.TypeInteger,
	"integer":   domain.TypeInteger,
	"smallint":  domain.TypeInteger,
	"float":     domain.TypeFloat,
	"double":    domain.TypeFloat,
	"decimal":   domain.TypeDecimal,
	"numeric":   domain.TypeDecimal,
	"timestamp": domain.TypeTimestamp,
	"date":      domain.TypeDate,
	"varchar":   domain.TypeString,
	"char":      domain.TypeString,
	"string":    domain.TypeString,
	"text":      domain.TypeString,
	"bit":       domain.TypeBoolean,
	"bool":      domain.TypeBoolean,
	"boolean":   domain.TypeBoolean,
}

// LookupType resolves a declared column type. Lookup is case-insensitive.
func LookupType(declared string) (domain.SemanticType, error) {
	semantic, ok := declaredTypes[strings.ToLower(strings.TrimSpace(declared))]
	if !ok {
		return "", fmt.Errorf("%w %q", domain.ErrUnknownType, declared)
	}
	return semantic, nil
}

type resolvedColumn struct {
	domain.Column
	semantic domain.SemanticType
}

// resolveColumns resolves every column of an entity before any record is
// touched, so a bad declaration never produces a partial load.
func resolveColumns(entity domain.Entity) ([]resolvedColumn, []int, error) {
	resolved := make([]resolvedColumn, 0, len(entity.Columns))
	var keyIdx []int
	for i, column := range entity.Columns {
		semantic, err := LookupType(column.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", column.Source, err)
		}
		resolved = append(resolved, resolvedColumn{Column: column, semantic: semantic})
		if column.NaturalKey {
			keyIdx = append(keyIdx, i)
		}
	}
	if len(keyIdx) == 0 {
		return nil, nil, fmt.Errorf("%w: no unique_identifier columns declared", domain.ErrConfiguration)
	}
	return resolved, keyIdx, nil
}
