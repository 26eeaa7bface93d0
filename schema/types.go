// Package schema declares how records map onto tables: the table's own
// columns, the scalar fields normalized into satellite lookup tables, the
// fields to drop or keep, and the natural key of deduplicated tables.
//
// Schemas are plain values. Helpers that derive a variant of a schema return
// a modified copy and never touch the receiver.
package schema

import (
	"errors"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// DefaultIDFieldSuffix names the id column of a bare reference field:
// reference field "tag" is stored as "tag_id".
const DefaultIDFieldSuffix = "_id"

// ErrInvalidSchema is returned by Validate.
var ErrInvalidSchema = errors.New("invalid schema")

// Column is a declared column and its SQL type.
type Column struct {
	Name string
	Type string
}

// Columns keeps declared columns in declaration order. In YAML it is a
// mapping from column name to type.
type Columns []Column

func (c Columns) Names() []string {
	out := make([]string, len(c))
	for i, col := range c {
		out[i] = col.Name
	}
	return out
}

// Lookup returns the declared type of name.
func (c Columns) Lookup(name string) (string, bool) {
	for _, col := range c {
		if col.Name == name {
			return col.Type, true
		}
	}
	return "", false
}

func (c *Columns) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: fields must be a mapping of column to type", node.Line)
	}
	out := make(Columns, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name, typ string
		if err := node.Content[i].Decode(&name); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&typ); err != nil {
			return err
		}
		out = append(out, Column{Name: name, Type: typ})
	}
	*c = out
	return nil
}

func (c Columns) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, col := range c {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: col.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: col.Type},
		)
	}
	return node, nil
}

// RefFieldSchema describes a satellite table: a table named after Field with
// a surrogate integer key IDField and a unique value column Field.
type RefFieldSchema struct {
	Field           string `yaml:"field"`
	IDField         string `yaml:"idField,omitempty"`
	Type            string `yaml:"type,omitempty"`
	CacheSize       int    `yaml:"cacheSize,omitempty"`
	AutoCreateTable bool   `yaml:"autoCreateTable,omitempty"`
	AutoCreateIndex bool   `yaml:"autoCreateIndex,omitempty"`
}

// Table is the satellite table's name, which is always the field name.
func (r RefFieldSchema) Table() string {
	return r.Field
}

// RefField is a reference field as declared on a table: either a bare field
// name that inherits the table's options, or a full RefFieldSchema.
type RefField struct {
	Name   string
	Schema *RefFieldSchema
}

// Ref declares a bare reference field.
func Ref(name string) RefField {
	return RefField{Name: name}
}

// FullRef declares a reference field with its own options.
func FullRef(s RefFieldSchema) RefField {
	return RefField{Name: s.Field, Schema: &s}
}

func (r *RefField) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*r = RefField{Name: node.Value}
		return nil
	case yaml.MappingNode:
		var s RefFieldSchema
		if err := node.Decode(&s); err != nil {
			return err
		}
		*r = FullRef(s)
		return nil
	}
	return fmt.Errorf("line %d: refFields entries must be a name or a mapping", node.Line)
}

func (r RefField) MarshalYAML() (any, error) {
	if r.Schema == nil {
		return r.Name, nil
	}
	return r.Schema, nil
}

// Whitelist is either true, meaning declared columns plus reference id
// columns, or an explicit list of columns.
type Whitelist struct {
	All    bool
	Fields []string
}

func (w Whitelist) IsZero() bool {
	return !w.All && len(w.Fields) == 0
}

func (w *Whitelist) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var all bool
		if err := node.Decode(&all); err != nil {
			return fmt.Errorf("line %d: whitelistFields must be a bool or a list: %w", node.Line, err)
		}
		*w = Whitelist{All: all}
		return nil
	case yaml.SequenceNode:
		var fields []string
		if err := node.Decode(&fields); err != nil {
			return err
		}
		*w = Whitelist{Fields: fields}
		return nil
	}
	return fmt.Errorf("line %d: whitelistFields must be a bool or a list", node.Line)
}

func (w Whitelist) MarshalYAML() (any, error) {
	if w.Fields != nil {
		return w.Fields, nil
	}
	return w.All, nil
}

// TableSchema declares one table. A TableSchema with DeduplicateFields and
// IDField set is a deduplicated table: rows sharing the natural key collapse
// into one.
type TableSchema struct {
	Table             string     `yaml:"table"`
	Fields            Columns    `yaml:"fields,omitempty"`
	PrimaryKeys       []string   `yaml:"primaryKeys,omitempty"`
	RefFields         []RefField `yaml:"refFields,omitempty"`
	CacheFields       []string   `yaml:"cacheFields,omitempty"`
	CacheSize         int        `yaml:"cacheSize,omitempty"`
	SkipFields        []string   `yaml:"skipFields,omitempty"`
	WhitelistFields   Whitelist  `yaml:"whitelistFields,omitempty"`
	IDFieldSuffix     string     `yaml:"idFieldSuffix,omitempty"`
	InplaceUpdate     bool       `yaml:"inplaceUpdate,omitempty"`
	AutoAddField      bool       `yaml:"autoAddField,omitempty"`
	AutoCreateTable   bool       `yaml:"autoCreateTable,omitempty"`
	AutoCreateIndex   bool       `yaml:"autoCreateIndex,omitempty"`
	CreateTableSQL    string     `yaml:"createTableSql,omitempty"`
	CreateIndexSQL    string     `yaml:"createIndexSql,omitempty"`
	DeduplicateFields []string   `yaml:"deduplicateFields,omitempty"`
	IDField           string     `yaml:"idField,omitempty"`
}

// Defaults are table options applied to every table of a configuration.
type Defaults struct {
	InplaceUpdate     bool   `yaml:"inplaceUpdate"`
	AutoAddField      bool   `yaml:"autoAddField"`
	AutoCreateTable   bool   `yaml:"autoCreateTable"`
	AutoCreateIndex   bool   `yaml:"autoCreateIndex"`
	WhitelistFields   bool   `yaml:"whitelistFields"`
	CacheSize         int    `yaml:"cacheSize"`
	IDFieldSuffix     string `yaml:"idFieldSuffix"`
	CacheAllRefFields bool   `yaml:"cacheAllRefFields"`
}

func (s TableSchema) IsDeduplicated() bool {
	return len(s.DeduplicateFields) > 0
}

func (s TableSchema) idFieldSuffix() string {
	if s.IDFieldSuffix != "" {
		return s.IDFieldSuffix
	}
	return DefaultIDFieldSuffix
}

// RefSchemas resolves every reference field into a full RefFieldSchema.
// Bare names inherit the table's auto-create options, and its cache size
// when listed in CacheFields.
func (s TableSchema) RefSchemas() []RefFieldSchema {
	out := make([]RefFieldSchema, 0, len(s.RefFields))
	for _, rf := range s.RefFields {
		if rf.Schema != nil {
			r := *rf.Schema
			if r.IDField == "" {
				r.IDField = r.Field + s.idFieldSuffix()
			}
			out = append(out, r)
			continue
		}
		r := RefFieldSchema{
			Field:           rf.Name,
			IDField:         rf.Name + s.idFieldSuffix(),
			AutoCreateTable: s.AutoCreateTable,
			AutoCreateIndex: s.AutoCreateIndex,
		}
		if slices.Contains(s.CacheFields, rf.Name) {
			r.CacheSize = s.CacheSize
		}
		out = append(out, r)
	}
	return out
}

func (s TableSchema) RefFieldNames() []string {
	out := make([]string, len(s.RefFields))
	for i, rf := range s.RefFields {
		out[i] = rf.Name
	}
	return out
}

func (s TableSchema) RefIDFieldNames() []string {
	refs := s.RefSchemas()
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.IDField
	}
	return out
}

// WhitelistColumns returns the columns kept by whitelist projection, and
// false when the table does not project.
func (s TableSchema) WhitelistColumns() ([]string, bool) {
	if s.WhitelistFields.Fields != nil {
		return s.WhitelistFields.Fields, true
	}
	if !s.WhitelistFields.All || len(s.Fields) == 0 {
		return nil, false
	}
	return append(s.Fields.Names(), s.RefIDFieldNames()...), true
}

// Validate checks the invariants every pipeline relies on.
func (s TableSchema) Validate() error {
	if s.Table == "" {
		return fmt.Errorf("%w: empty table name", ErrInvalidSchema)
	}
	ids := map[string]string{}
	for _, r := range s.RefSchemas() {
		if r.Field == "" {
			return fmt.Errorf("%w: table %s: reference field without a name", ErrInvalidSchema, s.Table)
		}
		if slices.Contains(s.SkipFields, r.Field) {
			return fmt.Errorf("%w: table %s: %q is both a reference field and a skip field", ErrInvalidSchema, s.Table, r.Field)
		}
		if other, ok := ids[r.IDField]; ok {
			return fmt.Errorf("%w: table %s: reference fields %q and %q share id column %q", ErrInvalidSchema, s.Table, other, r.Field, r.IDField)
		}
		ids[r.IDField] = r.Field
	}
	if s.IsDeduplicated() && s.IDField == "" {
		return fmt.Errorf("%w: table %s: deduplicateFields requires idField", ErrInvalidSchema, s.Table)
	}
	if !s.IsDeduplicated() && s.IDField != "" {
		return fmt.Errorf("%w: table %s: idField requires deduplicateFields", ErrInvalidSchema, s.Table)
	}
	return nil
}

// Clone returns a copy that shares no slices with s.
func (s TableSchema) Clone() TableSchema {
	out := s
	out.Fields = slices.Clone(s.Fields)
	out.PrimaryKeys = slices.Clone(s.PrimaryKeys)
	out.CacheFields = slices.Clone(s.CacheFields)
	out.SkipFields = slices.Clone(s.SkipFields)
	out.DeduplicateFields = slices.Clone(s.DeduplicateFields)
	out.WhitelistFields.Fields = slices.Clone(s.WhitelistFields.Fields)
	out.RefFields = make([]RefField, len(s.RefFields))
	for i, rf := range s.RefFields {
		if rf.Schema != nil {
			cp := *rf.Schema
			rf.Schema = &cp
		}
		out.RefFields[i] = rf
	}
	if s.RefFields == nil {
		out.RefFields = nil
	}
	return out
}

// CacheAllRefFields returns a copy of s with every reference field listed in
// CacheFields.
func (s TableSchema) CacheAllRefFields() TableSchema {
	out := s.Clone()
	for _, name := range s.RefFieldNames() {
		if !slices.Contains(out.CacheFields, name) {
			out.CacheFields = append(out.CacheFields, name)
		}
	}
	return out
}

// WithDefaults returns a copy of s with d applied. Flags are enabled when
// either side enables them; values only fill in what s leaves unset.
func (s TableSchema) WithDefaults(d Defaults) TableSchema {
	out := s.Clone()
	out.InplaceUpdate = out.InplaceUpdate || d.InplaceUpdate
	out.AutoAddField = out.AutoAddField || d.AutoAddField
	out.AutoCreateTable = out.AutoCreateTable || d.AutoCreateTable
	out.AutoCreateIndex = out.AutoCreateIndex || d.AutoCreateIndex
	if out.WhitelistFields.IsZero() && d.WhitelistFields {
		out.WhitelistFields.All = true
	}
	if out.CacheSize == 0 {
		out.CacheSize = d.CacheSize
	}
	if out.IDFieldSuffix == "" {
		out.IDFieldSuffix = d.IDFieldSuffix
	}
	if d.CacheAllRefFields {
		out = out.CacheAllRefFields()
	}
	return out
}
