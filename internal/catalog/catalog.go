// Package catalog loads the declarative source catalog: the mapping from
// source name to primary key and ordered column list that the rest of the
// pipeline treats as an opaque, immutable SourceDefinition.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Column is one field of a source: its name and its upstream SQL type name,
// used by internal/sqltype to decode wire values.
type Column struct {
	Name    string
	SQLType string
}

// SourceDefinition is the immutable, opaque record the core pipeline
// consumes. The loader is the only place that constructs one.
type SourceDefinition struct {
	name          string
	primaryKey    string
	columns       []Column
	columnIndex   map[string]int
}

// Name returns the source's name, used as the SUBSCRIBE TO target and the
// registry key.
func (s *SourceDefinition) Name() string { return s.name }

// PrimaryKeyField returns the name of the primary key column.
func (s *SourceDefinition) PrimaryKeyField() string { return s.primaryKey }

// Columns returns the ordered list of all columns exactly as declared
// (primary key included, in its declared position).
func (s *SourceDefinition) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// NonKeyColumns returns columns in schema order, excluding the primary key —
// the order the wire protocol uses after mz_timestamp/mz_state/pk.
func (s *SourceDefinition) NonKeyColumns() []Column {
	out := make([]Column, 0, len(s.columns))
	for _, c := range s.columns {
		if c.Name != s.primaryKey {
			out = append(out, c)
		}
	}
	return out
}

// FieldNames returns every schema field name, in declared order.
func (s *SourceDefinition) FieldNames() []string {
	out := make([]string, len(s.columns))
	for i, c := range s.columns {
		out[i] = c.Name
	}
	return out
}

// SQLTypeOf returns the declared SQL type name for a field, and whether the
// field exists at all.
func (s *SourceDefinition) SQLTypeOf(field string) (string, bool) {
	idx, ok := s.columnIndex[field]
	if !ok {
		return "", false
	}
	return s.columns[idx].SQLType, true
}

// rawCatalog mirrors the YAML document shape:
//
//	sources:
//	  trades:
//	    primary_key: id
//	    columns:
//	      id: bigint
//	      symbol: text
//	      price: numeric
type rawCatalog struct {
	Sources map[string]rawSource `yaml:"sources"`
}

type rawSource struct {
	PrimaryKey string            `yaml:"primary_key"`
	Columns    yaml.Node         `yaml:"columns"`
}

// Load reads and validates a source catalog from a YAML file. Validation
// requires the primary key to be named among the columns, and every
// declared column to carry a SQL type name supported by sqltype.
func Load(path string, supportedSQLType func(string) bool) (map[string]*SourceDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data, supportedSQLType)
}

// Parse validates and builds the catalog from raw YAML bytes. Exposed
// separately from Load so tests and embedders can supply in-memory YAML.
func Parse(data []byte, supportedSQLType func(string) bool) (map[string]*SourceDefinition, error) {
	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}

	out := make(map[string]*SourceDefinition, len(raw.Sources))
	for name, rs := range raw.Sources {
		def, err := buildSourceDefinition(name, rs, supportedSQLType)
		if err != nil {
			return nil, err
		}
		out[name] = def
	}
	return out, nil
}

func buildSourceDefinition(name string, rs rawSource, supportedSQLType func(string) bool) (*SourceDefinition, error) {
	if name == "" {
		return nil, fmt.Errorf("catalog: source name must not be empty")
	}
	if rs.PrimaryKey == "" {
		return nil, fmt.Errorf("catalog: source %q: primary_key is required", name)
	}

	// columns is declared as a YAML mapping so ordering in the document is
	// preserved via yaml.Node's Content slice (map[string]string loses order).
	if rs.Columns.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("catalog: source %q: columns must be a mapping of name to SQL type", name)
	}

	cols := make([]Column, 0, len(rs.Columns.Content)/2)
	index := make(map[string]int, len(rs.Columns.Content)/2)
	for i := 0; i+1 < len(rs.Columns.Content); i += 2 {
		colName := rs.Columns.Content[i].Value
		sqlType := rs.Columns.Content[i+1].Value
		if colName == "" {
			return nil, fmt.Errorf("catalog: source %q: empty column name", name)
		}
		if supportedSQLType != nil && !supportedSQLType(sqlType) {
			return nil, fmt.Errorf("catalog: source %q: column %q: unsupported SQL type %q", name, colName, sqlType)
		}
		index[colName] = len(cols)
		cols = append(cols, Column{Name: colName, SQLType: sqlType})
	}

	if _, ok := index[rs.PrimaryKey]; !ok {
		return nil, fmt.Errorf("catalog: source %q: primary key %q not declared in columns", name, rs.PrimaryKey)
	}

	return &SourceDefinition{
		name:        name,
		primaryKey:  rs.PrimaryKey,
		columns:     cols,
		columnIndex: index,
	}, nil
}
