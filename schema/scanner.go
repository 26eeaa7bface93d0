package schema

import (
	"sort"

	"github.com/tomberek/sqlnorm/value"
)

// Scanner infers column types from sample records and spots text fields
// that repeat often enough to be worth a satellite table.
type Scanner struct {
	columns Columns
	index   map[string]int
	uniques map[string]map[string]struct{}
	rows    int
}

func NewScanner() *Scanner {
	return &Scanner{
		index:   map[string]int{},
		uniques: map[string]map[string]struct{}{},
	}
}

// Add records one sample. A field keeps the type of the first non-null value
// seen for it; a field only ever seen as null is a blob.
func (s *Scanner) Add(rec value.Record) {
	s.rows++
	for _, k := range rec.Keys() {
		v := rec[k]
		i, ok := s.index[k]
		if !ok {
			s.index[k] = len(s.columns)
			s.columns = append(s.columns, Column{Name: k, Type: v.ColumnType()})
		} else if !v.IsNull() && s.columns[i].Type == value.TypeBlob && v.Kind() != value.KindBlob {
			s.columns[i].Type = v.ColumnType()
		}
		if text, ok := v.AsText(); ok {
			set, ok := s.uniques[k]
			if !ok {
				set = map[string]struct{}{}
				s.uniques[k] = set
			}
			set[text] = struct{}{}
		}
	}
}

func (s *Scanner) Rows() int {
	return s.rows
}

// Columns returns the inferred columns in first-seen order.
func (s *Scanner) Columns() Columns {
	out := make(Columns, len(s.columns))
	copy(out, s.columns)
	return out
}

// SuggestRefFields returns the text fields whose distinct values number
// fewer than a fifth of the sampled rows, sorted by name.
func (s *Scanner) SuggestRefFields() []string {
	var out []string
	for field, set := range s.uniques {
		if len(set) < s.rows/5 {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}

// Schema builds an auto-created table from the samples, turning suggested
// fields into reference fields. Fields listed in exclude are left out.
func (s *Scanner) Schema(table string, exclude ...string) TableSchema {
	skip := map[string]bool{}
	for _, e := range exclude {
		skip[e] = true
	}
	refs := map[string]bool{}
	ts := TableSchema{Table: table, AutoCreateTable: true}
	for _, name := range s.SuggestRefFields() {
		if skip[name] {
			continue
		}
		refs[name] = true
		ts.RefFields = append(ts.RefFields, Ref(name))
	}
	for _, col := range s.columns {
		if skip[col.Name] || refs[col.Name] {
			continue
		}
		ts.Fields = append(ts.Fields, col)
	}
	return ts
}
