package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tomberek/sqlnorm/archive"
	"github.com/tomberek/sqlnorm/migrate"
	"github.com/tomberek/sqlnorm/pipeline"
	"github.com/tomberek/sqlnorm/schema"
	"github.com/tomberek/sqlnorm/sqlite"
)

// Config is the YAML file every command reads.
//
//	database:
//	  path: data/forum.db
//	defaults:
//	  autoCreateTable: true
//	tables:
//	  - table: thread
//	    fields: {tid: integer, subject: text}
//	    refFields: [type]
//	record:
//	  table: thread
//	  key: tid
type Config struct {
	Database   sqlite.Config        `yaml:"database"`
	Defaults   schema.Defaults      `yaml:"defaults"`
	Tables     []schema.TableSchema `yaml:"tables"`
	Record     *pipeline.TreeSpec   `yaml:"record,omitempty"`
	Stream     StreamConfig         `yaml:"stream,omitempty"`
	Migrations []migrate.Item       `yaml:"migrations,omitempty"`
	Archive    ArchiveConfig        `yaml:"archive,omitempty"`
}

// StreamConfig describes keyed input, where every line is
// {"key": "thread-1", "value": {...}}. Only keys starting with KeyPrefix
// hold records; IgnoreKeys are skipped and any other key stops the load.
// WarmCache loads every reference table into memory before the first record.
type StreamConfig struct {
	Keyed      bool     `yaml:"keyed,omitempty"`
	KeyPrefix  string   `yaml:"keyPrefix,omitempty"`
	IgnoreKeys []string `yaml:"ignoreKeys,omitempty"`
	WarmCache  bool     `yaml:"warmCache,omitempty"`
}

type ArchiveConfig struct {
	SkipTables []string `yaml:"skipTables,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Database: sqlite.DefaultConfig(),
		Archive:  ArchiveConfig{SkipTables: archive.DefaultSkipTables},
	}
}

// LoadConfig reads path over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvedTables returns the declared tables with Defaults applied.
func (c Config) ResolvedTables() []schema.TableSchema {
	out := make([]schema.TableSchema, len(c.Tables))
	for i, t := range c.Tables {
		out[i] = t.WithDefaults(c.Defaults)
	}
	return out
}

// RecordSpec returns the record tree, or a tree of just the first table when
// none is declared.
func (c Config) RecordSpec() (pipeline.TreeSpec, error) {
	if c.Record != nil {
		return *c.Record, nil
	}
	if len(c.Tables) == 0 {
		return pipeline.TreeSpec{}, errors.New("config declares no tables")
	}
	return pipeline.TreeSpec{Table: c.Tables[0].Table}, nil
}

// Validate checks every table and the record tree.
func (c Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("config: database.path is required")
	}
	var errs []error
	seen := map[string]bool{}
	for _, t := range c.ResolvedTables() {
		if seen[t.Table] {
			errs = append(errs, fmt.Errorf("%w: table %s declared twice", schema.ErrInvalidSchema, t.Table))
		}
		seen[t.Table] = true
		errs = append(errs, t.Validate())
	}
	if len(c.Tables) > 0 {
		spec, err := c.RecordSpec()
		if err == nil {
			err = spec.Validate(pipeline.ByTable(c.Tables))
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
