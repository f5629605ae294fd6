package validator

import (
	"fmt"
	"strings"

	"github.com/rpattn/s3pgload/internal/domain"
)

// ValidateEntity ensures an entity declaration is structurally usable: a table,
// at least one column, unique non-empty target columns, and no column that
// collides with the surrogate key. Declared types are resolved later by the
// normalizer so an unknown type only fails its own entity.
func ValidateEntity(entity domain.Entity) error {
	if strings.TrimSpace(entity.Name) == "" {
		return fmt.Errorf("%w: entity name is required", domain.ErrConfiguration)
	}
	if strings.TrimSpace(entity.Table) == "" {
		return fmt.Errorf("%w: entity %s must declare table_name", domain.ErrConfiguration, entity.Name)
	}
	if len(entity.Columns) == 0 {
		return fmt.Errorf("%w: entity %s declares no columns", domain.ErrConfiguration, entity.Name)
	}

	targets := make(map[string]string, len(entity.Columns))
	for _, column := range entity.Columns {
		target := strings.TrimSpace(column.Target)
		if target == "" {
			return fmt.Errorf("%w: entity %s field %s must declare column_name", domain.ErrConfiguration, entity.Name, column.Source)
		}
		if strings.EqualFold(target, domain.SurrogateKeyColumn) {
			return fmt.Errorf("%w: entity %s field %s cannot target reserved column %s", domain.ErrConfiguration, entity.Name, column.Source, domain.SurrogateKeyColumn)
		}
		if strings.TrimSpace(column.Type) == "" {
			return fmt.Errorf("%w: entity %s field %s must declare a type", domain.ErrConfiguration, entity.Name, column.Source)
		}
		if previous, dup := targets[target]; dup {
			return fmt.Errorf("%w: entity %s maps both %s and %s to column %s", domain.ErrConfiguration, entity.Name, previous, column.Source, target)
		}
		targets[target] = column.Source
	}

	return nil
}
