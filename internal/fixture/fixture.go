// Package fixture loads a join scenario: tables (by CREATE TABLE text),
// their rows, each table's equi-join predicate against its predecessor, and
// the chosen access method, from a TOML file, the way internal/parser/toml
// loads a schema description for the rest of the toolchain.
package fixture

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"blockjoin/internal/coordinator"
	"blockjoin/internal/schema"
	"blockjoin/internal/schema/fromsql"
)

// UnsupportedFormatError is returned when a fixture file's extension isn't
// one Load recognizes.
type UnsupportedFormatError struct {
	Path string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("fixture: unsupported file format %q (expected .toml)", e.Path)
}

// TableFixture is one participating table: its schema (from CREATE TABLE
// text) plus the concrete rows to scan it with.
type TableFixture struct {
	Table *schema.Table
	Rows  []schema.Row

	// JoinOn is "leftCol=rightCol", an equi-join predicate against the
	// table immediately preceding this one in the scenario. Empty for the
	// first table, which drives the join.
	JoinOn string

	// SemiJoinInner marks this table as part of a flattened IN (subquery)
	// nest, for the "explain-strategy" CLI command.
	SemiJoinInner bool
}

// Scenario is a fully loaded join scenario, ready to drive a coordinator.
type Scenario struct {
	Name         string
	AccessMethod coordinator.AccessMethod
	BufferBudget int
	Tables       []*TableFixture
}

// TableByName looks up a loaded table fixture by name.
func (s *Scenario) TableByName(name string) *TableFixture {
	for _, t := range s.Tables {
		if t.Table.Name == name {
			return t
		}
	}
	return nil
}

type file struct {
	Scenario scenarioSection `toml:"scenario"`
	Tables   []tomlTable     `toml:"tables"`
}

type scenarioSection struct {
	Name         string `toml:"name"`
	AccessMethod string `toml:"access_method"`
	BufferBudget int    `toml:"buffer_budget"`
}

type tomlTable struct {
	Name          string           `toml:"name"`
	CreateSQL     string           `toml:"create_sql"`
	Outer         bool             `toml:"outer"`
	JoinOn        string           `toml:"join_on"`
	SemiJoinInner bool             `toml:"semijoin_inner"`
	Rows          []map[string]any `toml:"rows"`
}

// Load reads and parses the TOML fixture at path.
func Load(path string) (*Scenario, error) {
	if ext := fileExt(path); ext != ".toml" {
		return nil, &UnsupportedFormatError{Path: path}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fixture: open %q: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a TOML scenario from r.
func Parse(r io.Reader) (*Scenario, error) {
	var doc file
	if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("fixture: decode: %w", err)
	}
	return convert(&doc)
}

func convert(doc *file) (*Scenario, error) {
	sc := &Scenario{
		Name:         doc.Scenario.Name,
		AccessMethod: coordinator.AccessMethod(doc.Scenario.AccessMethod),
		BufferBudget: doc.Scenario.BufferBudget,
	}

	for _, tt := range doc.Tables {
		table, err := fromsql.ParseOne(tt.CreateSQL)
		if err != nil {
			return nil, fmt.Errorf("fixture: table %q: %w", tt.Name, err)
		}
		table.Outer = tt.Outer
		if table.Name == "" {
			table.Name = tt.Name
		}

		rows := make([]schema.Row, len(tt.Rows))
		for i, r := range tt.Rows {
			row := make(schema.Row, len(r))
			for k, v := range r {
				row[k] = v
			}
			rows[i] = row
		}

		sc.Tables = append(sc.Tables, &TableFixture{
			Table:         table,
			Rows:          rows,
			JoinOn:        tt.JoinOn,
			SemiJoinInner: tt.SemiJoinInner,
		})
	}

	return sc, nil
}

func fileExt(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}
