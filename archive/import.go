package archive

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"

	"github.com/tomberek/sqlnorm/sqlite"
)

type state int

const (
	awaitingMeta state = iota
	awaitingRow
)

// Importer replays an archive one line at a time. It is either waiting for
// the meta line of the next table, or for the remaining rows of the current
// one. Rows of skipped tables are read and dropped.
type Importer struct {
	conn  sqlite.Conn
	opts  options
	state state

	meta      TableMeta
	remaining int64
	// insert is nil while the current table is skipped
	insert *sql.Stmt

	tables int
	rows   int64
}

func NewImporter(conn sqlite.Conn, opts ...Option) *Importer {
	return &Importer{conn: conn, opts: buildOptions(opts)}
}

// Feed consumes one line. Blank lines are ignored.
func (im *Importer) Feed(ctx context.Context, line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	switch im.state {
	case awaitingMeta:
		return im.beginTable(ctx, line)
	default:
		return im.row(ctx, line)
	}
}

func (im *Importer) beginTable(ctx context.Context, line []byte) error {
	var meta TableMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return fmt.Errorf("%w: expected table meta: %v", ErrMalformedLine, err)
	}
	if meta.TableName == "" || meta.Count < 0 {
		return fmt.Errorf("%w: table meta without name or with negative count", ErrMalformedLine)
	}
	if im.opts.onTable != nil {
		im.opts.onTable(meta)
	}
	im.tables++
	if meta.Count == 0 {
		return im.createTable(ctx, meta)
	}

	im.meta = meta
	im.remaining = meta.Count
	im.state = awaitingRow
	if im.opts.skip[meta.TableName] || sqlite.IsInternal(meta.TableName) {
		im.opts.logger.Debug("skip table", slog.String("table", meta.TableName), slog.Int64("count", meta.Count))
		return nil
	}
	if err := im.createTable(ctx, meta); err != nil {
		return err
	}

	cols := make([]string, len(meta.Keys))
	marks := make([]string, len(meta.Keys))
	for i, k := range meta.Keys {
		cols[i] = sqlite.Quote(k)
		marks[i] = "?"
	}
	q := "insert into " + sqlite.Quote(meta.TableName) +
		" (" + strings.Join(cols, ", ") + ") values (" + strings.Join(marks, ", ") + ")"
	st, err := im.conn.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("import %s: %w", meta.TableName, err)
	}
	im.insert = st
	return nil
}

func (im *Importer) createTable(ctx context.Context, meta TableMeta) error {
	if !im.opts.createTables || meta.CreateTable == "" ||
		im.opts.skip[meta.TableName] || sqlite.IsInternal(meta.TableName) {
		return nil
	}
	ok, err := sqlite.HasTable(ctx, im.conn, meta.TableName)
	if err != nil || ok {
		return err
	}
	if _, err := im.conn.ExecContext(ctx, meta.CreateTable); err != nil {
		return fmt.Errorf("create %s: %w", meta.TableName, err)
	}
	return nil
}

func (im *Importer) row(ctx context.Context, line []byte) error {
	if im.insert != nil {
		args, err := decodeRow(line)
		if err != nil {
			return fmt.Errorf("%w: %s row: %v", ErrMalformedLine, im.meta.TableName, err)
		}
		if len(args) != len(im.meta.Keys) {
			return fmt.Errorf("%w: %s row has %d cells, want %d", ErrMalformedLine, im.meta.TableName, len(args), len(im.meta.Keys))
		}
		if _, err := im.insert.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("import %s: %w", im.meta.TableName, err)
		}
		im.rows++
	}
	im.remaining--
	if im.remaining == 0 {
		return im.endTable()
	}
	return nil
}

func (im *Importer) endTable() error {
	im.state = awaitingMeta
	im.meta = TableMeta{}
	if im.insert == nil {
		return nil
	}
	err := im.insert.Close()
	im.insert = nil
	return err
}

// Pending reports the table the importer is in the middle of, and how many
// of its rows are still expected.
func (im *Importer) Pending() (TableMeta, int64, bool) {
	if im.state != awaitingRow {
		return TableMeta{}, 0, false
	}
	return im.meta, im.remaining, true
}

// Tables and Rows count what has been imported so far.
func (im *Importer) Tables() int { return im.tables }
func (im *Importer) Rows() int64 { return im.rows }

func (im *Importer) Close() error {
	if im.insert == nil {
		return nil
	}
	err := im.insert.Close()
	im.insert = nil
	return err
}

// Import feeds every line of r to a new Importer. A stream that ends in the
// middle of a table is not an error; the shortfall is logged.
func Import(ctx context.Context, conn sqlite.Conn, r io.Reader, opts ...Option) (*Importer, error) {
	im := NewImporter(conn, opts...)
	defer im.Close()

	br := bufio.NewReader(r)
	for lineNo := 1; ; lineNo++ {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if ferr := im.Feed(ctx, line); ferr != nil {
				return im, fmt.Errorf("line %d: %w", lineNo, ferr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return im, err
		}
	}
	if meta, left, ok := im.Pending(); ok {
		im.opts.logger.Warn("archive ended inside a table",
			slog.String("table", meta.TableName),
			slog.Int64("missing", left))
	}
	return im, nil
}

// ReportTable returns an observer that prints one progress line per table.
func ReportTable(w io.Writer) func(TableMeta) {
	return func(meta TableMeta) {
		fmt.Fprintf(w, "import table: %s keys=%v count=%s\n",
			meta.TableName, meta.Keys, humanize.Comma(meta.Count))
	}
}
