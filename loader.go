package main

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomberek/sqlnorm/pipeline"
	"github.com/tomberek/sqlnorm/sqlite"
	"github.com/tomberek/sqlnorm/value"
)

// ErrUnknownShape stops a keyed load at a key it has no table for.
var ErrUnknownShape = errors.New("unknown record shape")

type keyedLine struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type loadStats struct {
	Records int
	Skipped int
}

// LoadRecords inserts every record of r through the record tree of cfg, in
// one transaction. Input is line-delimited JSON, or keyed lines when
// cfg.Stream.Keyed is set. Blank lines are ignored; a malformed line aborts
// the load and nothing is committed.
func LoadRecords(ctx context.Context, db *sqlite.DB, cfg Config, r io.Reader) (loadStats, error) {
	var stats loadStats
	spec, err := cfg.RecordSpec()
	if err != nil {
		return stats, err
	}
	tables := cfg.ResolvedTables()

	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		w, err := pipeline.NewWriter(ctx, tx, tables, spec)
		if err != nil {
			return err
		}
		defer w.Close()
		if cfg.Stream.WarmCache {
			if err := warmCache(ctx, w, spec); err != nil {
				return err
			}
		}

		br := bufio.NewReader(r)
		for lineNum := 1; ; lineNum++ {
			line, readErr := br.ReadBytes('\n')
			if readErr != nil && !errors.Is(readErr, io.EOF) {
				return readErr
			}
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				rec, skip, err := decodeLine(line, cfg.Stream)
				if err != nil {
					return fmt.Errorf("line %d: %w", lineNum, err)
				}
				if skip {
					stats.Skipped++
				} else {
					if _, err := w.Insert(ctx, rec); err != nil {
						return fmt.Errorf("line %d: %w", lineNum, err)
					}
					stats.Records++
				}
			}
			if readErr != nil {
				return nil
			}
		}
	})
	if err != nil {
		return loadStats{}, err
	}
	slog.Info("loaded records",
		slog.String("db", db.Path()),
		slog.Int("records", stats.Records),
		slog.Int("skipped", stats.Skipped))
	return stats, nil
}

func warmCache(ctx context.Context, w *pipeline.Writer, spec pipeline.TreeSpec) error {
	for _, table := range spec.Tables() {
		ins, ok := w.Inserter(table)
		if !ok {
			continue
		}
		for _, f := range ins.Refs() {
			if err := f.Populate(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeLine(line []byte, stream StreamConfig) (value.Record, bool, error) {
	if !stream.Keyed {
		rec, err := value.ParseRecord(line)
		return rec, false, err
	}
	var kl keyedLine
	if err := json.Unmarshal(line, &kl); err != nil {
		return nil, false, err
	}
	if slices.Contains(stream.IgnoreKeys, kl.Key) {
		return nil, true, nil
	}
	if !strings.HasPrefix(kl.Key, stream.KeyPrefix) {
		return nil, false, fmt.Errorf("%w: key %q", ErrUnknownShape, kl.Key)
	}
	rec, err := value.ParseRecord(kl.Value)
	return rec, false, err
}
