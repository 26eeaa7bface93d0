package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/tomberek/sqlnorm/migrate"
	"github.com/tomberek/sqlnorm/pipeline"
	"github.com/tomberek/sqlnorm/sqlite"
	"github.com/tomberek/sqlnorm/value"
)

// CreateDatabase creates the database file of cfg, applies its migrations
// and creates every declared table. With sqlite.Overwrite an existing file
// is replaced.
func CreateDatabase(ctx context.Context, cfg Config, mode sqlite.Mode) (*sqlite.DB, error) {
	db, err := sqlite.Create(ctx, cfg.Database, mode)
	if err != nil {
		return nil, err
	}
	if err := initDatabase(ctx, db, cfg); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func initDatabase(ctx context.Context, db *sqlite.DB, cfg Config) error {
	if len(cfg.Migrations) > 0 {
		if _, err := migrate.New(db).Up(ctx, cfg.Migrations); err != nil {
			return err
		}
	}
	var errs []error
	for _, t := range cfg.ResolvedTables() {
		ins, err := pipeline.NewInserter(ctx, db, t)
		if err != nil {
			return err
		}
		errs = append(errs, ins.Close())
	}
	return errors.Join(errs...)
}

// DumpRecords writes every record of the record tree to w, one JSON object
// per line, in table order.
func DumpRecords(ctx context.Context, db sqlite.Conn, cfg Config, w io.Writer) (int, error) {
	spec, err := cfg.RecordSpec()
	if err != nil {
		return 0, err
	}
	r, err := pipeline.NewReader(ctx, db, cfg.ResolvedTables(), spec)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	bw := bufio.NewWriter(w)
	n := 0
	err = r.Each(ctx, func(_ int64, rec value.Record) error {
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		b = append(b, '\n')
		if _, err := bw.Write(b); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	slog.Debug("dumped records", slog.String("table", spec.Table), slog.Int("records", n))
	return n, bw.Flush()
}
