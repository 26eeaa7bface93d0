package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomberek/sqlnorm/schema"
	"github.com/tomberek/sqlnorm/sqlite"
	"github.com/tomberek/sqlnorm/value"
)

// SurrogateKey is the column that identifies rows of a node without a Key.
const SurrogateKey = "id"

// TreeSpec maps a nested record onto tables. The root names the table of the
// record itself; every child names a field of its parent record holding
// either one value (Single) or an array, and the table its elements go to.
//
// A forum thread with tags, posts and an author looks like:
//
//	table: thread
//	key: tid
//	children:
//	  - {field: tags, table: thread_tag, element: tag, foreignKey: tid}
//	  - {field: author, table: author, element: author, single: true, parentKey: uid, foreignKey: uid}
//	  - field: posts
//	    table: post
//	    key: pid
//	    foreignKey: tid
//	    children:
//	      - {field: imgs, table: post_img, element: img, foreignKey: pid}
type TreeSpec struct {
	Table string `yaml:"table"`
	Field string `yaml:"field,omitempty"`
	// Key is the field that identifies a record of this node to its
	// children. Empty means the surrogate id column, which readers hide.
	Key string `yaml:"key,omitempty"`
	// Element is the column scalar elements are stored under.
	Element string `yaml:"element,omitempty"`
	// ParentKey is the parent field copied into ForeignKey. Empty means the
	// parent's key.
	ParentKey  string     `yaml:"parentKey,omitempty"`
	ForeignKey string     `yaml:"foreignKey,omitempty"`
	Single     bool       `yaml:"single,omitempty"`
	Children   []TreeSpec `yaml:"children,omitempty"`
}

// Validate checks the tree and every child against tables.
func (t TreeSpec) Validate(tables map[string]schema.TableSchema) error {
	if _, ok := tables[t.Table]; !ok {
		return fmt.Errorf("%w: record tree names unknown table %q", schema.ErrInvalidSchema, t.Table)
	}
	for _, c := range t.Children {
		if c.Field == "" || c.ForeignKey == "" {
			return fmt.Errorf("%w: child of %s needs field and foreignKey", schema.ErrInvalidSchema, t.Table)
		}
		if err := c.Validate(tables); err != nil {
			return err
		}
	}
	return nil
}

// Tables returns the distinct tables of the tree, parents first.
func (t TreeSpec) Tables() []string {
	var out []string
	seen := map[string]bool{}
	var walk func(TreeSpec)
	walk = func(n TreeSpec) {
		if !seen[n.Table] {
			seen[n.Table] = true
			out = append(out, n.Table)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t)
	return out
}

func (t TreeSpec) keyOf(rec value.Record, id value.Value) value.Value {
	if t.Key == "" {
		return id
	}
	return rec[t.Key]
}

// ByTable indexes schemas by table name.
func ByTable(tables []schema.TableSchema) map[string]schema.TableSchema {
	out := make(map[string]schema.TableSchema, len(tables))
	for _, t := range tables {
		out[t.Table] = t
	}
	return out
}

// Writer inserts nested records through one Inserter per table.
type Writer struct {
	spec      TreeSpec
	inserters map[string]*Inserter
}

func NewWriter(ctx context.Context, conn sqlite.Conn, tables []schema.TableSchema, spec TreeSpec, opts ...Option) (*Writer, error) {
	byName := ByTable(tables)
	if err := spec.Validate(byName); err != nil {
		return nil, err
	}
	w := &Writer{spec: spec, inserters: map[string]*Inserter{}}
	for _, name := range spec.Tables() {
		ins, err := NewInserter(ctx, conn, byName[name], opts...)
		if err != nil {
			w.Close()
			return nil, err
		}
		w.inserters[name] = ins
	}
	return w, nil
}

// Insert writes rec and all of its children. It returns the root's key: the
// Key field of rec, or the id of the inserted row.
func (w *Writer) Insert(ctx context.Context, rec value.Record) (value.Value, error) {
	return w.insert(ctx, w.spec, rec)
}

func (w *Writer) insert(ctx context.Context, node TreeSpec, rec value.Record) (value.Value, error) {
	row := rec.Clone()
	type pending struct {
		spec TreeSpec
		v    value.Value
	}
	var kids []pending
	for _, c := range node.Children {
		v, ok := row[c.Field]
		if !ok {
			continue
		}
		delete(row, c.Field)
		if !v.IsNull() {
			kids = append(kids, pending{c, v})
		}
	}

	id, err := w.inserters[node.Table].Insert(ctx, row)
	if err != nil {
		return value.Null, err
	}
	key := node.keyOf(rec, id)

	for _, kid := range kids {
		fk := key
		if kid.spec.ParentKey != "" {
			fk = rec[kid.spec.ParentKey]
		}
		elems := []value.Value{kid.v}
		if !kid.spec.Single {
			if kid.v.Kind() != value.KindArray {
				return value.Null, fmt.Errorf("%s.%s: expected an array, got %s", node.Table, kid.spec.Field, kid.v.Kind())
			}
			elems = kid.v.Elements()
		}
		for _, e := range elems {
			var crec value.Record
			switch {
			case e.Kind() == value.KindObject:
				crec = e.Fields().Clone()
			case kid.spec.Element != "":
				crec = value.Record{kid.spec.Element: e}
			default:
				return value.Null, fmt.Errorf("%s.%s: scalar element without an element column", node.Table, kid.spec.Field)
			}
			crec[kid.spec.ForeignKey] = fk
			if _, err := w.insert(ctx, kid.spec, crec); err != nil {
				return value.Null, fmt.Errorf("%s.%s: %w", node.Table, kid.spec.Field, err)
			}
		}
	}
	return key, nil
}

// Inserter returns the inserter bound to table.
func (w *Writer) Inserter(table string) (*Inserter, bool) {
	ins, ok := w.inserters[table]
	return ins, ok
}

func (w *Writer) Close() error {
	var errs []error
	for _, ins := range w.inserters {
		errs = append(errs, ins.Close())
	}
	return errors.Join(errs...)
}

// Reader rebuilds nested records written by a Writer with the same TreeSpec.
// Children whose element is a reference field of their table are read with
// a Join, all others with a Finder on the foreign key. Foreign keys and
// surrogate ids are removed again; empty children are left out.
type Reader struct {
	sel  *Selector
	root *readNode
}

type readNode struct {
	spec     TreeSpec
	join     *Join
	find     *Finder
	children []*readNode
}

func NewReader(ctx context.Context, conn sqlite.Conn, tables []schema.TableSchema, spec TreeSpec, opts ...Option) (*Reader, error) {
	byName := ByTable(tables)
	if err := spec.Validate(byName); err != nil {
		return nil, err
	}
	sel, err := NewSelector(ctx, conn, byName[spec.Table], opts...)
	if err != nil {
		return nil, err
	}
	r := &Reader{sel: sel, root: &readNode{spec: spec}}
	if err := r.build(ctx, conn, byName, r.root, opts); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) build(ctx context.Context, conn sqlite.Conn, byName map[string]schema.TableSchema, n *readNode, opts []Option) error {
	for _, c := range n.spec.Children {
		kid := &readNode{spec: c}
		n.children = append(n.children, kid)
		ts := byName[c.Table]

		if c.Element != "" {
			for _, rs := range ts.RefSchemas() {
				if rs.Field != c.Element {
					continue
				}
				j, err := NewJoin(ctx, conn, JoinSchema{
					Field:     rs.Field,
					FromTable: c.Table,
					JoinTable: rs.Table(),
					JoinField: rs.IDField,
					IDField:   c.ForeignKey,
					Type:      rs.Type,
					CacheSize: rs.CacheSize,
				})
				if err != nil {
					return err
				}
				kid.join = j
			}
		}
		if kid.join == nil {
			f, err := NewFinder(ctx, conn, ts, c.ForeignKey, opts...)
			if err != nil {
				return err
			}
			kid.find = f
		}
		if err := r.build(ctx, conn, byName, kid, opts); err != nil {
			return err
		}
	}
	return nil
}

// Select returns the record stored at offset of the root table.
func (r *Reader) Select(ctx context.Context, offset int64) (value.Record, error) {
	rec, err := r.sel.Select(ctx, offset)
	if err != nil {
		return nil, err
	}
	if err := r.attach(ctx, r.root, rec); err != nil {
		return nil, err
	}
	if r.root.spec.Key == "" {
		delete(rec, SurrogateKey)
	}
	return rec, nil
}

func (r *Reader) Count(ctx context.Context) (int64, error) {
	return r.sel.Count(ctx)
}

// Each calls fn with every record in offset order.
func (r *Reader) Each(ctx context.Context, fn func(offset int64, rec value.Record) error) error {
	n, err := r.Count(ctx)
	if err != nil {
		return err
	}
	for i := int64(0); i < n; i++ {
		rec, err := r.Select(ctx, i)
		if err != nil {
			return err
		}
		if err := fn(i, rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) attach(ctx context.Context, n *readNode, rec value.Record) error {
	for _, kid := range n.children {
		var key value.Value
		var ok bool
		switch {
		case kid.spec.ParentKey != "":
			key, ok = rec[kid.spec.ParentKey]
		case n.spec.Key != "":
			key, ok = rec[n.spec.Key]
		default:
			key, ok = rec[SurrogateKey]
		}
		if !ok || key.IsNull() {
			continue
		}

		var vals []value.Value
		if kid.join != nil {
			vs, err := kid.join.All(ctx, key)
			if err != nil {
				return err
			}
			vals = vs
		} else {
			rows, err := kid.find.All(ctx, key)
			if err != nil {
				return err
			}
			for _, crow := range rows {
				if err := r.attach(ctx, kid, crow); err != nil {
					return err
				}
				if kid.spec.Element != "" {
					if v, ok := crow[kid.spec.Element]; ok {
						vals = append(vals, v)
					}
					continue
				}
				delete(crow, kid.spec.ForeignKey)
				if kid.spec.Key == "" {
					delete(crow, SurrogateKey)
				}
				vals = append(vals, value.Object(crow))
			}
		}
		if len(vals) == 0 {
			continue
		}
		if kid.spec.Single {
			rec[kid.spec.Field] = vals[0]
		} else {
			rec[kid.spec.Field] = value.Array(vals...)
		}
	}
	return nil
}

func (r *Reader) Close() error {
	errs := []error{r.sel.Close()}
	var walk func(*readNode)
	walk = func(n *readNode) {
		for _, c := range n.children {
			if c.join != nil {
				errs = append(errs, c.join.Close())
			}
			if c.find != nil {
				errs = append(errs, c.find.Close())
			}
			walk(c)
		}
	}
	walk(r.root)
	return errors.Join(errs...)
}
