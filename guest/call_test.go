package guest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/plugos/protocol"
)

func TestCall_Args(t *testing.T) {
	c := &Call{Args: []protocol.Value{
		protocol.String("name"),
		protocol.Number(2.5),
		protocol.Int(4),
		protocol.Bool(true),
		protocol.MustFromAny(map[string]any{"limit": 10, "tags": []any{"a"}}),
	}}

	s, err := c.StringArg(0)
	require.NoError(t, err)
	assert.Equal(t, "name", s)

	n, err := c.NumberArg(1)
	require.NoError(t, err)
	assert.Equal(t, 2.5, n)

	_, err = c.IntArg(1)
	assert.EqualError(t, err, "argument 1: expected integer, got 2.5")

	i, err := c.IntArg(2)
	require.NoError(t, err)
	assert.Equal(t, 4, i)

	b, err := c.BoolArg(3)
	require.NoError(t, err)
	assert.True(t, b)

	var opts struct {
		Tags  []string `json:"tags"`
		Limit int      `json:"limit"`
	}
	require.NoError(t, c.DecodeArg(4, &opts))
	assert.Equal(t, 10, opts.Limit)
	assert.Equal(t, []string{"a"}, opts.Tags)

	assert.True(t, c.Arg(9).IsNull())
	assert.Equal(t, "fallback", c.StringArgDefault(9, "fallback"))
	assert.Equal(t, "name", c.StringArgDefault(0, "fallback"))
}

func TestCall_ArgErrors(t *testing.T) {
	c := &Call{Args: []protocol.Value{protocol.Bool(false)}}

	_, err := c.StringArg(0)
	var argErr *ArgError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, 0, argErr.Index)
	assert.EqualError(t, err, "argument 0: expected string, got bool")

	_, err = c.NumberArg(3)
	assert.EqualError(t, err, "argument 3: missing number")

	err = c.DecodeArg(1, &struct{}{})
	assert.EqualError(t, err, "argument 1: missing")
}

func TestPlugin_GeneratedManifest(t *testing.T) {
	p := &Plugin{Functions: map[string]Func{"b": nil, "a": nil}}
	m := p.ManifestValue()
	assert.Equal(t, []string{"a", "b"}, m.Field("functions").Keys())
	assert.Equal(t, protocol.KindMap, m.Field("functions").Field("a").Kind())
}
