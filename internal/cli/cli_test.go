package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ignatij/leappflow/pkg/engine"
	"github.com/ignatij/leappflow/pkg/models"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJobs = `[
  {"id": 11, "name": "leapp_operational_check_1.15", "status": "successful",
   "created": "2024-03-01T10:00:00.123456Z", "started": "2024-03-01T10:00:01Z", "finished": "2024-03-01T10:05:00Z",
   "timeout": 0, "elapsed": 299, "limit": "hostA",
   "extra_vars": "{\"txId\": \"tx1\", \"major_workflow\": \"operational_check_7_to_8\"}"},
  {"id": 12, "name": "leapp_no_tx", "status": "successful", "created": "2024-03-01T10:00:00Z", "limit": "hostB", "extra_vars": "{}"}
]`

func TestValidateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJobs), 0o600))

	t.Run("ClassifiesJobs", func(t *testing.T) {
		res, err := validateFile(engine.DefaultConfig(), path, "amrs", models.NewIDSet())
		require.NoError(t, err)
		assert.Equal(t, 2, res.Counts.Fetched)
		assert.Equal(t, 1, res.Counts.Skipped)
		require.Len(t, res.ToInsert, 1)
		assert.Equal(t, "tx1-hostA", res.ToInsert[0].ID)
	})

	t.Run("KnownIDsBecomeUpdates", func(t *testing.T) {
		res, err := validateFile(engine.DefaultConfig(), path, "amrs", models.NewIDSet("tx1-hostA"))
		require.NoError(t, err)
		assert.Len(t, res.ToUpdate, 1)
		assert.Empty(t, res.ToInsert)
	})

	t.Run("BadInput", func(t *testing.T) {
		_, err := validateFile(engine.DefaultConfig(), filepath.Join(t.TempDir(), "missing.json"), "amrs", nil)
		assert.Error(t, err)

		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{"not": "a list"}`), 0o600))
		_, err = validateFile(engine.DefaultConfig(), bad, "amrs", nil)
		assert.Error(t, err)
	})
}

func TestSetupCLI(t *testing.T) {
	root := &cobra.Command{Use: "leappflow"}
	SetupCLI(root)

	names := []string{}
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "once", "validate"}, names)
}

func TestReportCycle(t *testing.T) {
	t.Run("AllRegionsSucceed", func(t *testing.T) {
		var out bytes.Buffer
		code := reportCycle(&out, []string{"amrs", "emea"}, map[string]error{})
		assert.Equal(t, 0, code)
		assert.Equal(t, "- amrs: ok\n- emea: ok\n", out.String())
	})

	t.Run("FailedRegionSetsExitCode", func(t *testing.T) {
		var out bytes.Buffer
		code := reportCycle(&out, []string{"amrs", "emea"}, map[string]error{"emea": errors.New("boom")})
		assert.Equal(t, 1, code)
		assert.Equal(t, "- amrs: ok\n- emea: failed: boom\n", out.String())
	})
}
