package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexshd/uqbench"
	"github.com/alexshd/uqbench/internal/fixture"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFS(filepath.Join(t.TempDir(), "reports"))
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemory(),
		"fs":     fsStore,
	}
}

func TestStore_PutGetList(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			info, err := st.Put(ctx, "runs/a.json", strings.NewReader(`{"a":1}`), PutOptions{ContentType: "application/json", Metadata: map[string]string{"k": "v"}})
			require.NoError(t, err)
			assert.Equal(t, "runs/a.json", info.Key)
			assert.Equal(t, int64(7), info.Size)
			assert.NotEmpty(t, info.ETag)

			_, err = st.Put(ctx, "runs/a.json", strings.NewReader("x"), PutOptions{})
			assert.ErrorIs(t, err, ErrExists)

			_, err = st.Put(ctx, "other/b.json", strings.NewReader("{}"), PutOptions{})
			require.NoError(t, err)

			got, body, err := st.Get(ctx, "runs/a.json")
			require.NoError(t, err)
			data, err := io.ReadAll(body)
			require.NoError(t, err)
			require.NoError(t, body.Close())
			assert.Equal(t, `{"a":1}`, string(data))
			assert.Equal(t, "application/json", got.ContentType)
			assert.Equal(t, "v", got.Metadata["k"])

			_, _, err = st.Get(ctx, "runs/missing.json")
			assert.ErrorIs(t, err, ErrNotFound)

			all, err := st.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "other/b.json", all[0].Key)

			runs, err := st.List(ctx, "runs/")
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, "runs/a.json", runs[0].Key)
		})
	}
}

func TestCleanKey(t *testing.T) {
	for _, bad := range []string{"", "  ", "/abs", "../up", "a/../../b"} {
		_, err := CleanKey(bad)
		assert.Error(t, err, "key %q", bad)
	}
	k, err := CleanKey("a//b/./c.json")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c.json", k)
}

func TestFS_ReservedAndForeignFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st, err := NewFS(root)
	require.NoError(t, err)

	_, err = st.Put(ctx, "x.json.meta", strings.NewReader("{}"), PutOptions{})
	assert.Error(t, err)

	// a file dropped in without a sidecar still lists
	require.NoError(t, os.WriteFile(filepath.Join(root, "manual.json"), []byte("[]"), 0o644))
	all, err := st.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "manual.json", all[0].Key)
	assert.Equal(t, int64(2), all[0].Size)
}

func TestExport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, res := fixture.Calibrated(t, uqbench.DefaultConfig())

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			info, err := Export(ctx, st, "reports/run.json", res, WithRunID("run-1"), WithCriterion(uqbench.CriterionDeterminant))
			require.NoError(t, err)
			assert.Equal(t, "application/json", info.ContentType)

			rep, err := ReadReport(ctx, st, "reports/run.json")
			require.NoError(t, err)
			assert.Equal(t, "run-1", rep.RunID)
			assert.Equal(t, uqbench.CriterionDeterminant, rep.Criterion)
			assert.Equal(t, uqbench.StatusConverged, rep.Run.Status)
			assert.Equal(t, []string{"m3"}, rep.Run.Outliers())
			require.Len(t, rep.Design, 3)
			for i := 1; i < len(rep.Design); i++ {
				assert.GreaterOrEqual(t, float64(rep.Design[i-1].Score), float64(rep.Design[i].Score))
			}
			assert.Len(t, rep.Flux, 3)

			_, err = Export(ctx, st, "reports/run.json", res)
			assert.ErrorIs(t, err, ErrExists)
		})
	}
}

func TestNewReport_UnderConstrained(t *testing.T) {
	res := &uqbench.Result{Status: uqbench.StatusUnderConstrained}
	rep, err := NewReport(res)
	require.NoError(t, err)
	assert.Nil(t, rep.Design)
	assert.Nil(t, rep.Run.Posterior)

	_, err = NewReport(nil)
	assert.Error(t, err)
}

func TestExport_ExpiredBeforeFirstPass(t *testing.T) {
	p := fixture.Project(t, uqbench.DefaultConfig(), [3]float64{10, 5, 20})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := p.Calibrate(ctx)
	require.ErrorIs(t, err, uqbench.ErrNotConverged)

	st := NewMemory()
	_, err = Export(context.Background(), st, "runs/expired.json", res)
	require.NoError(t, err)

	rep, err := ReadReport(context.Background(), st, "runs/expired.json")
	require.NoError(t, err)
	assert.True(t, rep.Run.Provisional)
	assert.Equal(t, uqbench.StatusIterationCapped, rep.Run.Status)
	assert.NotNil(t, rep.Run.Posterior)
	assert.Nil(t, rep.Design)
	assert.Empty(t, rep.Run.Reports)
}
