// Package table loads and persists the declarative workload table and groups
// its rows into workloads, the unit of scheduling.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Column names of the persisted table.
const (
	ColExperiment  = "Experiment"
	ColWorkload    = "Workload"
	ColStatus      = "Status"
	ColRun         = "Run"
	ColDevices     = "Devices"
	ColCollocation = "Collocation"
	ColListeners   = "Listeners"
	ColFile        = "File"
	ColParams      = "Params"
)

// Columns is the canonical column order used for newly created tables.
var Columns = []string{
	ColExperiment, ColWorkload, ColStatus, ColRun, ColDevices,
	ColCollocation, ColListeners, ColFile, ColParams,
}

// Row is one run definition. ID is the row's position in the table and stays
// stable for the lifetime of a scheduling session.
type Row struct {
	ID          int
	Experiment  int
	Workload    int
	Status      string
	Run         string
	Devices     string
	Collocation string
	Listeners   string
	File        string
	Params      string

	extra map[string]string // columns we do not interpret, written back verbatim
}

// WorkloadKey identifies the workload a row belongs to.
func (r *Row) WorkloadKey() string {
	return fmt.Sprintf("%d+%d", r.Experiment, r.Workload)
}

// NormalizeCollocation maps the "none" spellings ("-", "", "nan") to "".
func NormalizeCollocation(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "-", "", "nan":
		return ""
	}
	return s
}

// Table is the in-memory workload table. Path is empty for tables that were
// not loaded from disk; those are never persisted.
type Table struct {
	Path   string
	header []string
	Rows   []*Row
}

// New returns an in-memory table with the canonical columns.
func New(rows ...Row) *Table {
	t := &Table{header: append([]string(nil), Columns...)}
	for i := range rows {
		r := rows[i]
		r.ID = i
		t.Rows = append(t.Rows, &r)
	}
	return t
}

// Load reads a comma-delimited table with a header row from path.
func Load(path string) (*Table, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	t.Path = path
	return t, nil
}

// Read parses a table from r.
func Read(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("missing header row")
	}
	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(h)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[h] = i
	}
	for _, c := range Columns {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}
	t := &Table{header: header}
	for n, rec := range records[1:] {
		get := func(col string) string {
			i := idx[col]
			if i >= len(rec) {
				return ""
			}
			return cleanCell(rec[i])
		}
		row := &Row{
			ID:          n,
			Status:      get(ColStatus),
			Run:         get(ColRun),
			Devices:     get(ColDevices),
			Collocation: get(ColCollocation),
			Listeners:   get(ColListeners),
			File:        get(ColFile),
			Params:      get(ColParams),
		}
		if row.Experiment, err = strconv.Atoi(get(ColExperiment)); err != nil {
			return nil, fmt.Errorf("row %d: invalid %s %q", n+1, ColExperiment, get(ColExperiment))
		}
		if row.Workload, err = strconv.Atoi(get(ColWorkload)); err != nil {
			return nil, fmt.Errorf("row %d: invalid %s %q", n+1, ColWorkload, get(ColWorkload))
		}
		if row.Collocation == "" {
			row.Collocation = "-"
		}
		for i, h := range header {
			if isKnown(h) || i >= len(rec) {
				continue
			}
			if row.extra == nil {
				row.extra = make(map[string]string)
			}
			row.extra[h] = rec[i]
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "nan") {
		return ""
	}
	return s
}

func isKnown(col string) bool {
	for _, c := range Columns {
		if c == col {
			return true
		}
	}
	return false
}

// Write serialises the table, keeping the original column order.
func (t *Table) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.header); err != nil {
		return err
	}
	for _, r := range t.Rows {
		rec := make([]string, len(t.header))
		for i, h := range t.header {
			rec[i] = r.cell(h)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (r *Row) cell(col string) string {
	switch col {
	case ColExperiment:
		return strconv.Itoa(r.Experiment)
	case ColWorkload:
		return strconv.Itoa(r.Workload)
	case ColStatus:
		return r.Status
	case ColRun:
		return r.Run
	case ColDevices:
		return r.Devices
	case ColCollocation:
		return r.Collocation
	case ColListeners:
		return r.Listeners
	case ColFile:
		return r.File
	case ColParams:
		return r.Params
	}
	return r.extra[col]
}

// Persisted reports whether Save writes anywhere.
func (t *Table) Persisted() bool { return t.Path != "" }

// Save replaces the file at t.Path with the current table contents. The
// table is written to a temporary file in the same directory, synced, and
// renamed over the original so readers observe either the old or the new
// contents. Tables without a path are left alone.
func (t *Table) Save() error {
	if !t.Persisted() {
		return nil
	}
	dir := filepath.Dir(t.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(t.Path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if err := t.Write(tmp); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if fi, err := os.Stat(t.Path); err == nil {
		_ = os.Chmod(tmpName, fi.Mode().Perm())
	}
	if err := os.Rename(tmpName, t.Path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", t.Path, err)
	}
	return nil
}
