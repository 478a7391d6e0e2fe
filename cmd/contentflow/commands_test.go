package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeline-works/contentflow/internal/models"
)

const testConfig = `
logging:
  level: error
  format: console
telemetry:
  enabled: false
approval:
  policy: always
scheduler:
  schedules:
    - name: morning
      cron: "0 7 * * *"
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	out, err := execute(t, "validate", "--config", writeConfig(t))
	require.NoError(t, err)

	assert.Contains(t, out, "store: memory")
	assert.Contains(t, out, "approval policy: always")
	assert.Contains(t, out, "3. generate (agent generator, retries 3, timeout 5m0s, approval)")
	assert.Contains(t, out, "5. publish (agent publisher, retries 3, timeout 2m0s, compensation delete_draft)")
	assert.Contains(t, out, "schedule morning: 0 7 * * *")
}

func TestValidateFlagsOverrideFile(t *testing.T) {
	out, err := execute(t, "validate", "--config", writeConfig(t), "--policy", "auto_approve", "--store", "sqlite")
	require.NoError(t, err)
	assert.Contains(t, out, "approval policy: auto_approve")
	assert.Contains(t, out, "store: sqlite")

	_, err = execute(t, "validate", "--config", writeConfig(t), "--policy", "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approval.policy")
}

func TestRunPrintsFinalSnapshot(t *testing.T) {
	out, err := execute(t, "run", "--config", writeConfig(t), "--policy", "auto_approve", "--kind", "newsletter")
	require.NoError(t, err)

	var inst models.WorkflowInstance
	require.NoError(t, json.Unmarshal([]byte(out), &inst))
	assert.Equal(t, models.StatePublished, inst.State)
	assert.Equal(t, "newsletter", inst.Kind)
	assert.Equal(t, "cli", inst.Options.TriggeredBy)
	assert.Equal(t, []string{"monitor", "analyze", "generate", "fact_check", "publish"}, inst.StepsCompleted)
}

func TestRunTimesOutWaitingForApproval(t *testing.T) {
	out, err := execute(t, "run", "--config", writeConfig(t), "--timeout", "1s")
	require.Error(t, err)

	var inst models.WorkflowInstance
	require.NoError(t, json.Unmarshal([]byte(out), &inst))
	assert.Equal(t, models.StateAwaitingApproval, inst.State)
}
