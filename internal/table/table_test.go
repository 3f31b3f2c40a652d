package table

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `Experiment,Workload,Status,Run,Devices,Collocation,Listeners,File,Params,Notes
1, 1,,,0,-,smi+top,train.py,"batch=32,lr=0.1",first
1, 1,FINISHED done (0_B),abc,0,,smi,train.py,,second
2,1,FAILED x (1),def,1,mps,smi+nsys,eval.py,,third
`

func writeTable(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "workloads.csv")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o640))
	return p
}

func TestLoadNormalizes(t *testing.T) {
	tbl, err := Load(writeTable(t, sample))
	require.NoError(t, err)
	require.Len(t, tbl.Rows, 3)

	r := tbl.Rows[0]
	assert.Equal(t, 0, r.ID)
	assert.Equal(t, 1, r.Experiment)
	assert.Equal(t, 1, r.Workload)
	assert.Equal(t, "batch=32,lr=0.1", r.Params)
	assert.Equal(t, "smi+top", r.Listeners)
	assert.Empty(t, NormalizeCollocation(r.Collocation))

	// empty collocation reads as "-"
	assert.Equal(t, "-", tbl.Rows[1].Collocation)
	assert.NotEmpty(t, NormalizeCollocation(tbl.Rows[2].Collocation))
	assert.True(t, tbl.Persisted())
}

func TestLoadErrors(t *testing.T) {
	_, err := Read(strings.NewReader(""))
	assert.Error(t, err)

	_, err = Read(strings.NewReader("Experiment,Workload\n1,1\n"))
	assert.ErrorContains(t, err, "missing column")

	_, err = Read(strings.NewReader(strings.Join(Columns, ",") + "\nx,1,,,0,-,smi,a.py,\n"))
	assert.ErrorContains(t, err, "invalid Experiment")
}

func TestWorkloadsGroupInOrder(t *testing.T) {
	tbl, err := Read(strings.NewReader(sample))
	require.NoError(t, err)
	ws := tbl.Workloads()
	require.Len(t, ws, 2)
	assert.Equal(t, "1+1", ws[0].Key)
	assert.Len(t, ws[0].Rows, 2)
	assert.Equal(t, "2+1", ws[1].Key)
	assert.Equal(t, 2, ws[1].Experiment)
}

func TestShouldSkip(t *testing.T) {
	mk := func(statuses ...string) *Workload {
		w := &Workload{}
		for _, s := range statuses {
			w.Rows = append(w.Rows, &Row{Status: s})
		}
		return w
	}
	tests := []struct {
		name     string
		statuses []string
		rerun    bool
		skip     bool
	}{
		{"all finished", []string{"FINISHED a (0)", "FINISHED b (1)"}, false, true},
		{"finished and failed", []string{"FINISHED a (0)", "FAILED b (1)"}, false, true},
		{"failed with rerun", []string{"FINISHED a (0)", "FAILED b (1)"}, true, false},
		{"one pending reruns all", []string{"FINISHED a (0)", ""}, false, false},
		{"running is not terminal", []string{"RUNNING a (0)"}, false, false},
		{"timeout is not terminal", []string{"TIMEOUT a (0)"}, false, false},
		{"lower case is not a marker", []string{"finished"}, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.skip, mk(tc.statuses...).ShouldSkip(tc.rerun))
		})
	}
}

func TestSaveRoundTripKeepsExtraColumns(t *testing.T) {
	p := writeTable(t, sample)
	tbl, err := Load(p)
	require.NoError(t, err)

	tbl.Rows[0].Run = "run-1"
	tbl.Rows[0].Status = "FINISHED name (0_A)"
	require.NoError(t, tbl.Save())

	again, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "run-1", again.Rows[0].Run)
	assert.Equal(t, "FINISHED name (0_A)", again.Rows[0].Status)
	assert.Equal(t, "first", again.Rows[0].extra["Notes"])
	assert.Equal(t, "batch=32,lr=0.1", again.Rows[0].Params)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSaveIsAtomicReplace(t *testing.T) {
	p := writeTable(t, sample)
	tbl, err := Load(p)
	require.NoError(t, err)

	before, err := os.Stat(p)
	require.NoError(t, err)

	tbl.Rows[2].Status = "FINISHED z (1_mps)"
	require.NoError(t, tbl.Save())

	after, err := os.Stat(p)
	require.NoError(t, err)
	// rename swaps the inode instead of truncating the original in place
	assert.False(t, os.SameFile(before, after))
	assert.Equal(t, before.Mode().Perm(), after.Mode().Perm())
}

func TestInMemoryTableIsNotSaved(t *testing.T) {
	tbl := New(Row{Experiment: 3, Workload: 4, Devices: "0", Collocation: "-", File: "x.py"})
	assert.False(t, tbl.Persisted())
	assert.NoError(t, tbl.Save())

	var buf bytes.Buffer
	require.NoError(t, tbl.Write(&buf))
	assert.Equal(t, strings.Join(Columns, ",")+"\n3,4,,,0,-,,x.py,\n", buf.String())
}

func TestNormalizeCollocation(t *testing.T) {
	for _, s := range []string{"-", "", " nan ", "NaN"} {
		assert.Equal(t, "", NormalizeCollocation(s), s)
	}
	assert.Equal(t, "mps", NormalizeCollocation(" mps "))
	assert.Equal(t, "1g.5gb", NormalizeCollocation("1g.5gb"))
}
