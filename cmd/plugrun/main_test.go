package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/plugos/domain/entities"
)

const script = `
exports.add = function (a, b) {
  console.log("adding", a, b);
  return a + b;
};
exports.div = function (a, b) {
  if (b === 0) { throw new Error("division by zero"); }
  return a / b;
};
`

func writePlugin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "calc.js")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alt.yaml"), []byte("name: alt\nfunctions:\n  add: {}\n"), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("PLUGOS_LOG_LEVEL", "error")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	err := run(ctx, args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestRun_InvokesFunction(t *testing.T) {
	path := writePlugin(t)

	stdout, _, err := runCLI(t, "js://"+path, "--call", "add", "--args", "[2, 3]", "--logs")
	require.NoError(t, err)

	var out report
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, []string{"add", "div"}, out.Manifest.Field("functions").Keys())
	require.NotNil(t, out.Result)
	n, _ := out.Result.AsNumber()
	assert.Equal(t, 5.0, n)
	assert.NotEmpty(t, out.Sandbox)

	require.Len(t, out.Logs, 1)
	assert.Equal(t, entities.LogLevelLog, out.Logs[0].Level)
	assert.Equal(t, "adding 2 3", out.Logs[0].Message)
}

func TestRun_ManifestOnly(t *testing.T) {
	path := writePlugin(t)

	stdout, _, err := runCLI(t, "js://"+path, "-o", "manifest=alt.yaml")
	require.NoError(t, err)

	var out report
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	name, _ := out.Manifest.Field("name").AsString()
	assert.Equal(t, "alt", name)
	assert.Nil(t, out.Result)
	assert.Empty(t, out.Logs)
}

func TestRun_PluginError(t *testing.T) {
	path := writePlugin(t)

	_, _, err := runCLI(t, "js://"+path, "--call", "div", "--args", "[1, 0]")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")
}

func TestRun_Schemas(t *testing.T) {
	stdout, _, err := runCLI(t, "--schema")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(stdout)))
	assert.Contains(t, stdout, "plugos message")

	stdout, _, err = runCLI(t, "--manifest-schema")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(stdout)))
	assert.Contains(t, stdout, "functions")
}

func TestRun_InvalidInput(t *testing.T) {
	path := writePlugin(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "no url", args: nil, want: "usage: plugrun"},
		{name: "two urls", args: []string{"js://a.js", "js://b.js"}, want: "usage: plugrun"},
		{name: "args not an array", args: []string{"js://" + path, "--args", `{"a":1}`}, want: "invalid --args"},
		{name: "bad options", args: []string{"js://" + path, "--options", "nope"}, want: "invalid --options"},
		{name: "unknown scheme", args: []string{"ftp://plug"}, want: `no spawner for scheme "ftp"`},
		{name: "unknown flag", args: []string{"--nope"}, want: "unknown flag"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCLI(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRun_Help(t *testing.T) {
	_, stderr, err := runCLI(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Usage:")
	assert.Contains(t, stderr, "--call")
}

func TestRun_ZapLogSink(t *testing.T) {
	path := writePlugin(t)
	t.Setenv("PLUGOS_LOG_SINK", "zap")

	_, stderr, err := runCLI(t, "js://"+path, "--call", "add", "--args", "[1, 1]")
	require.NoError(t, err)
	assert.Contains(t, stderr, `"logger":"plugin"`)
	assert.Contains(t, stderr, "adding 1 1")
}
