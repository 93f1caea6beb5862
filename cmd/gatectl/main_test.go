package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/gatestream/internal/qubit"
	"github.com/danmuck/gatestream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.Execute()
	return out.String(), err
}

func TestRunDemoChain(t *testing.T) {
	testlog.Start(t)
	stdout, err := execute(t, "run")
	require.NoError(t, err)

	var out runOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out), stdout)
	assert.NotEmpty(t, out.Session)
	require.NotNil(t, out.Measurements)
	require.Equal(t, 3, out.Measurements.Len())
	for q, want := range map[qubit.Ref]bool{1: true, 2: false, 3: true} {
		m, err := out.Measurements.Get(q)
		require.NoError(t, err)
		assert.Equal(t, want, m.Value(), q.String())
	}
	assert.JSONEq(t, `{"qubits":3,"gates":4,"sequences":10}`, string(out.Data))
}

func TestRunCircuitFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "circuit.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"qubits":1,"gates":[{"name":"h","targets":[0]}]}`), 0o600))
	_, err := execute(t, "run", "--circuit", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a classical permutation")
}

func TestConfigInitAndCheck(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "gatectl.toml")
	stdout, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "wrote config template")

	stdout, err = execute(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "config ok: name=gatectl plugins=3")
	assert.Contains(t, stdout, "2 back (bits)")

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err)
}

func TestLoadEnvIgnoresMissingFile(t *testing.T) {
	testlog.Start(t)
	assert.NoError(t, loadEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("GATECTL_TEST_VALUE=from-file\n"), 0o600))
	t.Setenv("GATECTL_TEST_VALUE", "")
	require.NoError(t, os.Unsetenv("GATECTL_TEST_VALUE"))
	require.NoError(t, loadEnv(path))
	assert.Equal(t, "from-file", os.Getenv("GATECTL_TEST_VALUE"))
}
