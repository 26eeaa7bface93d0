// Package archive dumps a whole database to a line-oriented JSON stream and
// replays such a stream into another database.
//
// Every table is written as one meta line followed by one line per row:
//
//	{"tableName":"tag","createTable":"create table ...","keys":["tag_id","tag"],"count":2}
//	[1,"news"]
//	[2,"go"]
//
// Rows are positional arrays in keys order. Reals always carry a decimal
// point and blobs are written as {"$blob":"<base64>"}. The stream has no
// checksum and no end marker.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/tomberek/sqlnorm/sqlite"
	"github.com/tomberek/sqlnorm/value"
)

// ErrMalformedLine is returned for lines that are neither a meta object nor
// a row array where one is expected.
var ErrMalformedLine = errors.New("malformed archive line")

// DefaultSkipTables are left out of both export and import.
var DefaultSkipTables = []string{"migrations"}

// TableMeta opens the segment of one table.
type TableMeta struct {
	TableName   string   `json:"tableName"`
	CreateTable string   `json:"createTable"`
	Keys        []string `json:"keys"`
	Count       int64    `json:"count"`
}

type options struct {
	skip         map[string]bool
	onTable      func(TableMeta)
	createTables bool
	logger       *slog.Logger
}

type Option func(*options)

// WithSkipTables replaces the default skip set.
func WithSkipTables(tables ...string) Option {
	return func(o *options) {
		o.skip = make(map[string]bool, len(tables))
		for _, t := range tables {
			o.skip[t] = true
		}
	}
}

// WithOnTable registers an observer called with every meta line, skipped
// tables included.
func WithOnTable(fn func(TableMeta)) Option {
	return func(o *options) { o.onTable = fn }
}

// WithCreateTables makes Import run the createTable statement of tables the
// target does not have yet.
func WithCreateTables(on bool) Option {
	return func(o *options) { o.createTables = on }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	WithSkipTables(DefaultSkipTables...)(&o)
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Export writes every table of conn to w in catalog order.
func Export(ctx context.Context, conn sqlite.Conn, w io.Writer, opts ...Option) error {
	o := buildOptions(opts)
	tables, err := sqlite.Tables(ctx, conn)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for _, t := range tables {
		if sqlite.IsInternal(t.Name) || o.skip[t.Name] {
			continue
		}
		if err := exportTable(ctx, conn, bw, t, o); err != nil {
			return fmt.Errorf("export %s: %w", t.Name, err)
		}
	}
	return bw.Flush()
}

func exportTable(ctx context.Context, conn sqlite.Conn, w *bufio.Writer, t sqlite.MasterRow, o options) error {
	count, err := sqlite.CountRows(ctx, conn, t.Name)
	if err != nil {
		return err
	}
	query, keys, err := sqlite.SelectStored(ctx, conn, t.Name)
	if err != nil {
		return err
	}
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	meta := TableMeta{TableName: t.Name, CreateTable: t.SQL, Keys: keys, Count: count}
	if err := writeLine(w, meta); err != nil {
		return err
	}
	if o.onTable != nil {
		o.onTable(meta)
	}
	o.logger.Debug("export table", slog.String("table", t.Name), slog.Int64("count", count))

	cells := make([]any, len(keys))
	ptrs := make([]any, len(keys))
	for i := range cells {
		ptrs[i] = &cells[i]
	}
	var line bytes.Buffer
	var n int64
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		line.Reset()
		if err := encodeRow(&line, cells); err != nil {
			return err
		}
		line.WriteByte('\n')
		if _, err := w.Write(line.Bytes()); err != nil {
			return err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if n != count {
		return fmt.Errorf("table changed during export: counted %d rows, wrote %d", count, n)
	}
	return nil
}

func writeLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

type blobCell struct {
	Blob string `json:"$blob"`
}

func encodeRow(buf *bytes.Buffer, cells []any) error {
	buf.WriteByte('[')
	for i, raw := range cells {
		if i > 0 {
			buf.WriteByte(',')
		}
		v, err := value.FromSQL(raw)
		if err != nil {
			return err
		}
		var b []byte
		if blob, ok := v.AsBlob(); ok {
			b, err = json.Marshal(blobCell{Blob: base64.StdEncoding.EncodeToString(blob)})
		} else {
			b, err = v.MarshalJSON()
		}
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return nil
}

// decodeRow parses a row line into bind arguments.
func decodeRow(line []byte) ([]any, error) {
	v, err := value.Parse(line)
	if err != nil {
		return nil, err
	}
	if v.Kind() != value.KindArray {
		return nil, fmt.Errorf("row line is a %s, not an array", v.Kind())
	}
	cells := v.Elements()
	for i, c := range cells {
		if c.Kind() != value.KindObject {
			continue
		}
		enc, ok := c.Fields()["$blob"]
		if !ok {
			continue
		}
		s, _ := enc.AsText()
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}
		cells[i] = value.Blob(b)
	}
	return value.Args(cells)
}
