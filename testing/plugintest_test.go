package plugintest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/plugos/domain/entities"
	"github.com/reglet-dev/plugos/guest"
	"github.com/reglet-dev/plugos/hostfuncs"
	"github.com/reglet-dev/plugos/protocol"
	plugintest "github.com/reglet-dev/plugos/testing"
)

func taskPlugin() *guest.Plugin {
	return &guest.Plugin{Functions: map[string]guest.Func{
		"summarize": func(c *guest.Call) (protocol.Value, error) {
			var tasks []struct {
				Name string `json:"name"`
				Done bool   `json:"done"`
			}
			if err := c.DecodeArg(0, &tasks); err != nil {
				return protocol.Null(), err
			}
			done := 0
			for _, task := range tasks {
				if task.Done {
					done++
				}
			}
			c.Logf(entities.LogLevelInfo, "summarized %d tasks", len(tasks))
			return protocol.MustFromAny(map[string]any{"total": len(tasks), "done": done}), nil
		},
		"stamp": func(c *guest.Call) (protocol.Value, error) {
			return c.Syscall("sys.now")
		},
		"reject": func(*guest.Call) (protocol.Value, error) {
			return protocol.Null(), errors.New("not today")
		},
	}}
}

func TestRunPluginTests(t *testing.T) {
	plugintest.RunPluginTests(t, taskPlugin(), []plugintest.TestCase{
		{
			Name:     "counts done tasks",
			Function: "summarize",
			Args: []any{[]any{
				map[string]any{"name": "a", "done": true},
				map[string]any{"name": "b", "done": false},
			}},
			Validate: func(t *testing.T, result protocol.Value, err error) {
				plugintest.AssertSuccess(t, err)
				plugintest.AssertField(t, result, "total", 2)
				plugintest.AssertField(t, result, "done", 1.0)
			},
		},
		{
			Name:     "bad argument",
			Function: "summarize",
			Args:     []any{"nope"},
			Validate: func(t *testing.T, _ protocol.Value, err error) {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "argument 0")
			},
		},
		{
			Name:     "plugin error",
			Function: "reject",
			Validate: func(t *testing.T, _ protocol.Value, err error) {
				plugintest.AssertRemoteError(t, err, "not today")
			},
		},
		{
			Name:     "unknown function",
			Function: "missing",
			Validate: func(t *testing.T, _ protocol.Value, err error) {
				plugintest.AssertRemoteError(t, err, "function not found: missing")
			},
		},
	})
}

func TestHarness_SyscallsAndLogs(t *testing.T) {
	h := plugintest.Start(t, taskPlugin())

	stamp, err := h.Invoke("stamp")
	require.NoError(t, err)
	assert.Equal(t, protocol.KindNumber, stamp.Kind())

	_, err = h.Invoke("summarize", []any{})
	require.NoError(t, err)

	logs := h.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "summarized 0 tasks", logs[0].Message)
}

func TestHarness_CustomSyscalls(t *testing.T) {
	registry, err := hostfuncs.NewRegistry(hostfuncs.WithHandler("sys.now",
		func(context.Context, []protocol.Value) (protocol.Value, error) {
			return protocol.Int(42), nil
		}))
	require.NoError(t, err)

	h := plugintest.Start(t, taskPlugin(), plugintest.WithSyscalls(registry))
	stamp, err := h.Invoke("stamp")
	require.NoError(t, err)
	assert.True(t, protocol.Int(42).Equal(stamp))
}
