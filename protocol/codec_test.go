package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Messages(t *testing.T) {
	tests := []struct {
		msg  Message
		name string
	}{
		{name: "manifest", msg: &Manifest{Manifest: MustFromAny(map[string]any{"name": "demo"})}},
		{name: "invoke", msg: &Invoke{ID: 1, Name: "add", Args: []Value{Number(2), Number(3)}}},
		{name: "invoke result", msg: &InvokeResult{ID: 1, Result: Number(5)}},
		{name: "invoke error", msg: &InvokeResult{ID: 2, Error: &RemoteError{Message: "division by zero", Stack: "at div"}}},
		{name: "syscall", msg: &Syscall{ID: 9, Name: "space.read", Args: []Value{String("index.md")}}},
		{name: "syscall result", msg: &SyscallResult{ID: 9, Result: String("# hi")}},
		{name: "syscall error", msg: &SyscallResult{ID: 10, Error: &RemoteError{Message: "boom"}}},
		{name: "log", msg: &Log{Level: "warn", Message: "careful"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.msg)
			require.NoError(t, err)

			got, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Type(), got.Type())
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestMarshal_NullResultIsNotAnError(t *testing.T) {
	data, err := Marshal(&InvokeResult{ID: 3, Result: Null()})
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	res := got.(*InvokeResult)
	assert.Nil(t, res.Error)
	assert.True(t, res.Result.IsNull())
}

func TestMarshal_EmptyErrorMessageStillFails(t *testing.T) {
	data, err := Marshal(&SyscallResult{ID: 4, Error: &RemoteError{}})
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.NotNil(t, got.(*SyscallResult).Error)
}

func TestMarshal_WireFieldNames(t *testing.T) {
	data, err := Marshal(&Invoke{ID: 1, Name: "add", Args: []Value{Number(2), Number(3)}})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, cbor.Unmarshal(data, &raw))
	assert.Equal(t, "inv", raw["type"])
	assert.Equal(t, "add", raw["name"])
	assert.Len(t, raw["args"], 2)
}

func TestUnmarshal_UnknownType(t *testing.T) {
	data, err := cbor.Marshal(map[string]any{"type": "ping", "id": 1})
	require.NoError(t, err)

	_, err = Unmarshal(data)
	var unknown *UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, Type("ping"), unknown.Tag)
	assert.True(t, IsRecoverable(err))
}

func TestUnmarshal_BadResultPayloadKeepsID(t *testing.T) {
	tests := []struct {
		tag  string
		want Type
	}{
		{tag: "invr", want: TypeInvokeResult},
		{tag: "sysr", want: TypeSyscallResult},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			data, err := cbor.Marshal(map[string]any{"type": tt.tag, "id": 7, "result": []byte{1, 2}})
			require.NoError(t, err)

			got, err := Unmarshal(data)
			require.NoError(t, err)
			require.Equal(t, tt.want, got.Type())

			var rerr *RemoteError
			switch m := got.(type) {
			case *InvokeResult:
				assert.Equal(t, uint64(7), m.ID)
				rerr = m.Error
			case *SyscallResult:
				assert.Equal(t, uint64(7), m.ID)
				rerr = m.Error
			}
			require.NotNil(t, rerr)
			assert.Contains(t, rerr.Message, "malformed "+tt.tag+" payload")
		})
	}
}

func TestUnmarshal_BadPayloadWithoutIDIsMalformed(t *testing.T) {
	data, err := cbor.Marshal(map[string]any{"type": "invr", "result": []byte{1}})
	require.NoError(t, err)

	_, err = Unmarshal(data)
	var malformed *MalformedError
	require.ErrorAs(t, err, &malformed)
	assert.True(t, IsRecoverable(err))
}

func TestDecoder_SkipsBadItems(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(&Log{Level: "info", Message: "one"}))

	unknown, err := cbor.Marshal(map[string]any{"type": "ping"})
	require.NoError(t, err)
	buf.Write(unknown)

	malformed, err := cbor.Marshal([]any{"not", "an", "envelope"})
	require.NoError(t, err)
	buf.Write(malformed)

	require.NoError(t, enc.Encode(&Log{Level: "info", Message: "two"}))

	dec := NewDecoder(&buf)

	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "one", msg.(*Log).Message)

	_, err = dec.Decode()
	assert.True(t, IsRecoverable(err))

	_, err = dec.Decode()
	assert.True(t, IsRecoverable(err))

	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "two", msg.(*Log).Message)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, IsRecoverable(err))
}

func TestStream_Pipe(t *testing.T) {
	r, w := io.Pipe()
	s := NewStream(r, w)

	go func() {
		_ = s.Post(&Invoke{ID: 1, Name: "ping"})
		_ = w.Close()
	}()

	msg, err := s.Receive()
	require.NoError(t, err)
	assert.Equal(t, &Invoke{ID: 1, Name: "ping"}, msg)

	_, err = s.Receive()
	assert.Error(t, err)
}

func TestRemoteError_Format(t *testing.T) {
	assert.Equal(t, "boom", (&RemoteError{Message: "boom"}).Error())
	assert.Equal(t, "boom\nStack trace: at f", (&RemoteError{Message: "boom", Stack: "at f"}).Error())
}

func TestClone(t *testing.T) {
	orig := &Invoke{ID: 1, Name: "f", Args: []Value{List(Number(1))}}
	c := Clone(orig).(*Invoke)
	assert.Equal(t, orig, c)
	c.Args[0] = Null()
	assert.Equal(t, KindList, orig.Args[0].Kind())
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "type")
	assert.Contains(t, props, "args")
	assert.Contains(t, props, "manifest")
}
