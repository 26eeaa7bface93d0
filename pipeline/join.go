package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tomberek/sqlnorm/cache"
	"github.com/tomberek/sqlnorm/schema"
	"github.com/tomberek/sqlnorm/sqlite"
	"github.com/tomberek/sqlnorm/value"
)

// JoinSchema describes a child collection stored as rows of FromTable that
// point into a satellite table, such as the tags of a thread:
//
//	select "tag"."tag" from "thread_tag"
//	inner join "tag" on "thread_tag"."tag_id" = "tag"."tag_id"
//	where "thread_tag"."tid" = ?
type JoinSchema struct {
	// Field is the value column of the satellite table.
	Field     string `yaml:"field"`
	FromTable string `yaml:"table"`
	// JoinTable defaults to Field.
	JoinTable string `yaml:"joinTable,omitempty"`
	// JoinField defaults to Field plus IDFieldSuffix.
	JoinField     string `yaml:"joinField,omitempty"`
	IDFieldSuffix string `yaml:"idFieldSuffix,omitempty"`
	// IDField is the owner column of FromTable.
	IDField   string `yaml:"idField"`
	Type      string `yaml:"type,omitempty"`
	CacheSize int    `yaml:"cacheSize,omitempty"`
}

// Join reads the values of a child collection by owner id.
type Join struct {
	conn  sqlite.Conn
	js    JoinSchema
	query string
	stmt  *sql.Stmt
	cache *cache.Cache[[]value.Value]
}

func NewJoin(ctx context.Context, conn sqlite.Conn, js JoinSchema) (*Join, error) {
	if js.Field == "" || js.FromTable == "" || js.IDField == "" {
		return nil, fmt.Errorf("%w: join needs field, table and idField", schema.ErrInvalidSchema)
	}
	if js.JoinTable == "" {
		js.JoinTable = js.Field
	}
	if js.JoinField == "" {
		suffix := js.IDFieldSuffix
		if suffix == "" {
			suffix = schema.DefaultIDFieldSuffix
		}
		js.JoinField = js.Field + suffix
	}
	from, join := sqlite.Quote(js.FromTable), sqlite.Quote(js.JoinTable)
	jf := sqlite.Quote(js.JoinField)
	j := &Join{
		conn: conn,
		js:   js,
		query: "select " + join + "." + sqlite.Quote(js.Field) + " from " + from +
			" inner join " + join + " on " + from + "." + jf + " = " + join + "." + jf +
			" where " + from + "." + sqlite.Quote(js.IDField) + " = ? order by " + from + ".rowid",
	}
	if js.CacheSize > 0 {
		j.cache = cache.New[[]value.Value](js.CacheSize)
	}
	return j, nil
}

// All returns every joined value owned by id, in insertion order.
func (j *Join) All(ctx context.Context, id value.Value) ([]value.Value, error) {
	if j.cache == nil {
		return j.all(ctx, id)
	}
	return j.cache.Get(id.Key(), func(string) ([]value.Value, error) {
		return j.all(ctx, id)
	})
}

// Get returns the first joined value owned by id, or null.
func (j *Join) Get(ctx context.Context, id value.Value) (value.Value, error) {
	vs, err := j.All(ctx, id)
	if err != nil || len(vs) == 0 {
		return value.Null, err
	}
	return vs[0], nil
}

func (j *Join) all(ctx context.Context, id value.Value) ([]value.Value, error) {
	arg, err := id.Value()
	if err != nil {
		return nil, err
	}
	if j.stmt == nil {
		if j.stmt, err = j.conn.PrepareContext(ctx, j.query); err != nil {
			return nil, fmt.Errorf("prepare join %s: %w", j.js.FromTable, err)
		}
	}
	rows, err := j.stmt.QueryContext(ctx, arg)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", j.js.FromTable, err)
	}
	_, vals, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", j.js.FromTable, err)
	}
	out := make([]value.Value, 0, len(vals))
	for _, raw := range vals {
		v, err := value.FromSQL(raw[0])
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(j.js.Type, value.TypeJSON) {
			if text, ok := v.AsText(); ok {
				if v, err = value.Parse([]byte(text)); err != nil {
					return nil, err
				}
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func (j *Join) ClearCache() {
	if j.cache != nil {
		j.cache.Clear()
	}
}

func (j *Join) Close() error {
	if j.stmt == nil {
		return nil
	}
	err := j.stmt.Close()
	j.stmt = nil
	return err
}
