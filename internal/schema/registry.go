package schema

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rpattn/s3pgload/internal/domain"
	"github.com/rpattn/s3pgload/internal/schema/validator"

	"gopkg.in/yaml.v3"
)

// ErrEntityNotFound is returned when a name is not declared in the registry.
var ErrEntityNotFound = errors.New("entity not declared in schema registry")

type columnSpec struct {
	ColumnName       string `yaml:"column_name"`
	Type             string `yaml:"type"`
	UniqueIdentifier bool   `yaml:"unique_identifier"`
}

type entitySpec struct {
	TableName string    `yaml:"table_name"`
	Columns   yaml.Node `yaml:"columns"`
	Schema    yaml.Node `yaml:"schema"` // legacy key for columns
}

// Registry is the static set of entities known to the loader, kept in
// document order. It is never mutated after loading.
type Registry struct {
	entities []domain.Entity
	index    map[string]int
}

// LoadRegistry reads and parses a registry file.
func LoadRegistry(path string) (*Registry, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema registry %s: %w", path, err)
	}
	registry, err := ParseRegistry(payload)
	if err != nil {
		return nil, fmt.Errorf("parse schema registry %s: %w", path, err)
	}
	return registry, nil
}

// ParseRegistry parses a registry document keyed by entity name:
//
//	user:
//	  table_name: users
//	  columns:
//	    id: {column_name: user_id, type: uuid, unique_identifier: true}
func ParseRegistry(payload []byte) (*Registry, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("%w: invalid yaml: %v", domain.ErrConfiguration, err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: schema registry is empty", domain.ErrConfiguration)
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: schema registry must be a mapping of entity names", domain.ErrConfiguration)
	}

	registry := &Registry{index: make(map[string]int)}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		name := strings.TrimSpace(doc.Content[i].Value)
		entity, err := decodeEntity(name, doc.Content[i+1])
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateEntity(entity); err != nil {
			return nil, err
		}
		if _, dup := registry.index[entity.Name]; dup {
			return nil, fmt.Errorf("%w: entity %s declared twice", domain.ErrConfiguration, entity.Name)
		}
		registry.index[entity.Name] = len(registry.entities)
		registry.entities = append(registry.entities, entity)
	}
	if len(registry.entities) == 0 {
		return nil, fmt.Errorf("%w: schema registry declares no entities", domain.ErrConfiguration)
	}

	return registry, nil
}

func decodeEntity(name string, node *yaml.Node) (domain.Entity, error) {
	var spec entitySpec
	if err := node.Decode(&spec); err != nil {
		return domain.Entity{}, fmt.Errorf("%w: entity %s: %v", domain.ErrConfiguration, name, err)
	}

	columnsNode := &spec.Columns
	if columnsNode.Kind == 0 {
		columnsNode = &spec.Schema
	}
	if columnsNode.Kind != 0 && columnsNode.Kind != yaml.MappingNode {
		return domain.Entity{}, fmt.Errorf("%w: entity %s columns must be a mapping of source fields", domain.ErrConfiguration, name)
	}

	var columns []domain.Column
	for i := 0; i+1 < len(columnsNode.Content); i += 2 {
		source := columnsNode.Content[i].Value
		var col columnSpec
		if err := columnsNode.Content[i+1].Decode(&col); err != nil {
			return domain.Entity{}, fmt.Errorf("%w: entity %s field %s: %v", domain.ErrConfiguration, name, source, err)
		}
		columns = append(columns, domain.Column{
			Source:     source,
			Target:     strings.TrimSpace(col.ColumnName),
			Type:       strings.TrimSpace(col.Type),
			NaturalKey: col.UniqueIdentifier,
		})
	}

	return domain.NewEntity(name, spec.TableName, columns), nil
}

// Entities returns the declared entities in document order.
func (r *Registry) Entities() []domain.Entity {
	clone := make([]domain.Entity, len(r.entities))
	copy(clone, r.entities)
	return clone
}

// Names returns the declared entity names in document order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entities))
	for _, entity := range r.entities {
		names = append(names, entity.Name)
	}
	return names
}

// Entity looks up one entity by name.
func (r *Registry) Entity(name string) (domain.Entity, error) {
	idx, ok := r.index[name]
	if !ok {
		return domain.Entity{}, fmt.Errorf("%w: %s", ErrEntityNotFound, name)
	}
	return r.entities[idx], nil
}

// Tables returns the distinct target tables in declaration order.
func (r *Registry) Tables() []string {
	seen := make(map[string]struct{}, len(r.entities))
	var tables []string
	for _, entity := range r.entities {
		if _, ok := seen[entity.Table]; ok {
			continue
		}
		seen[entity.Table] = struct{}{}
		tables = append(tables, entity.Table)
	}
	return tables
}
