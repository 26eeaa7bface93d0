package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tomberek/sqlnorm/pipeline"
	"github.com/tomberek/sqlnorm/schema"
	"github.com/tomberek/sqlnorm/value"
)

// AnalyzeOptions controls schema inference from sample records.
type AnalyzeOptions struct {
	Table  string // name of the root table
	Sample int    // number of records to sample
	// IndexRefs makes every suggested reference field create its unique index
	IndexRefs bool
}

func DefaultAnalyzeOptions() AnalyzeOptions {
	return AnalyzeOptions{Table: "main", Sample: 20, IndexRefs: true}
}

// AnalyzeJSON samples line-delimited records from r and proposes tables and
// a record tree for them. Nested objects become single children, arrays of
// objects child tables, arrays of scalars element tables. Text fields that
// repeat enough become reference fields.
func AnalyzeJSON(r io.Reader, opts AnalyzeOptions) (Config, error) {
	var roots []value.Record
	br := bufio.NewReader(r)
	for len(roots) < opts.Sample {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if rec, perr := value.ParseRecord(line); perr == nil {
				roots = append(roots, rec)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Config{}, err
		}
	}
	if len(roots) == 0 {
		return Config{}, errors.New("no records to analyze")
	}

	a := &analyzer{opts: opts, seen: map[string]bool{}}
	spec := a.node(opts.Table, roots)
	cfg := DefaultConfig()
	cfg.Database.Path = opts.Table + ".db"
	cfg.Tables = a.tables
	cfg.Record = &spec
	return cfg, nil
}

type analyzer struct {
	opts   AnalyzeOptions
	tables []schema.TableSchema
	seen   map[string]bool
}

type shape int

const (
	shapeScalar shape = iota
	shapeObject
	shapeObjects
	shapeScalars
)

func shapeOf(v value.Value) shape {
	switch v.Kind() {
	case value.KindObject:
		return shapeObject
	case value.KindArray:
		for _, e := range v.Elements() {
			if e.Kind() == value.KindObject {
				return shapeObjects
			}
		}
		return shapeScalars
	}
	return shapeScalar
}

// node analyzes the rows of one table and returns its part of the tree.
func (a *analyzer) node(table string, rows []value.Record) pipeline.TreeSpec {
	table = a.uniqueName(table)
	spec := pipeline.TreeSpec{Table: table}

	// first seen shape wins
	shapes := map[string]shape{}
	var order []string
	for _, row := range rows {
		for _, k := range row.Keys() {
			if _, ok := shapes[k]; ok || row[k].IsNull() {
				continue
			}
			shapes[k] = shapeOf(row[k])
			order = append(order, k)
		}
	}

	var nested []string
	for _, k := range order {
		if shapes[k] != shapeScalar {
			nested = append(nested, k)
		}
	}
	// a record's own id identifies it to its children; otherwise a
	// surrogate id column is added
	if _, ok := shapes[pipeline.SurrogateKey]; ok && len(nested) > 0 {
		spec.Key = pipeline.SurrogateKey
	}
	fk := table + schema.DefaultIDFieldSuffix

	sc := schema.NewScanner()
	for _, row := range rows {
		flat := make(value.Record, len(row))
		for k, v := range row {
			if s, ok := shapes[k]; ok && s != shapeScalar {
				continue
			}
			flat[k] = v
		}
		sc.Add(flat)
	}
	ts := sc.Schema(table, nested...)
	if len(nested) > 0 && spec.Key == "" {
		ts.Fields = append(schema.Columns{{Name: pipeline.SurrogateKey, Type: "integer primary key"}}, ts.Fields...)
	}
	ts.AutoAddField = true
	ts.AutoCreateIndex = a.opts.IndexRefs && len(ts.RefFields) > 0
	a.tables = append(a.tables, ts)

	for _, field := range nested {
		var kids []value.Record
		switch shapes[field] {
		case shapeObject:
			for _, row := range rows {
				if v, ok := row[field]; ok && v.Kind() == value.KindObject {
					kids = append(kids, v.Fields())
				}
			}
			child := a.node(field, kids)
			child.Field, child.ForeignKey, child.Single = field, fk, true
			a.addForeignKey(child.Table, fk)
			spec.Children = append(spec.Children, child)
		case shapeObjects:
			for _, row := range rows {
				for _, e := range row[field].Elements() {
					if e.Kind() == value.KindObject {
						kids = append(kids, e.Fields())
					}
				}
			}
			child := a.node(table+"_"+field, kids)
			child.Field, child.ForeignKey = field, fk
			a.addForeignKey(child.Table, fk)
			spec.Children = append(spec.Children, child)
		case shapeScalars:
			for _, row := range rows {
				for _, e := range row[field].Elements() {
					kids = append(kids, value.Record{field: e})
				}
			}
			child := a.node(table+"_"+field, kids)
			child.Field, child.ForeignKey, child.Element = field, fk, field
			a.addForeignKey(child.Table, fk)
			spec.Children = append(spec.Children, child)
		}
	}
	return spec
}

func (a *analyzer) uniqueName(table string) string {
	name := table
	for i := 2; a.seen[name]; i++ {
		name = fmt.Sprintf("%s_%d", table, i)
	}
	a.seen[name] = true
	return name
}

// addForeignKey declares fk on a child table right after its surrogate key.
func (a *analyzer) addForeignKey(table, fk string) {
	for i := range a.tables {
		ts := &a.tables[i]
		if ts.Table != table {
			continue
		}
		if _, ok := ts.Fields.Lookup(fk); ok {
			return
		}
		col := schema.Column{Name: fk, Type: value.TypeInteger}
		at := 0
		if len(ts.Fields) > 0 && ts.Fields[0].Name == pipeline.SurrogateKey {
			at = 1
		}
		ts.Fields = append(ts.Fields[:at], append(schema.Columns{col}, ts.Fields[at:]...)...)
		return
	}
}
