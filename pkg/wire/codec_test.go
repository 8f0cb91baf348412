package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"testing"
	"testing/iotest"

	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeAll(t *testing.T, f Format, frames ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf, f)
	for _, fr := range frames {
		require.NoError(t, enc.Encode(fr))
	}
	return buf.Bytes()
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatCBOR} {
		t.Run(string(f), func(t *testing.T) {
			data := encodeAll(t, f,
				Handshake{AgentVersion: "1.2.3", AppName: "shop", Hostname: "web-1", Key: "k", PID: 42},
				NewCommand(CmdUpdate, map[string]any{"x": 1}),
				NewCommand(CmdClusterResize, 4),
			)

			// One byte per Read exercises arbitrary chunk boundaries.
			dec := NewDecoder(iotest.OneByteReader(bytes.NewReader(data)), f)

			first, err := dec.Decode()
			require.NoError(t, err)
			hs, err := ParseHandshake(first)
			require.NoError(t, err)
			assert.Equal(t, "shop", hs.AppName)
			assert.Equal(t, 42, hs.PID)
			assert.Empty(t, hs.SessionID)
			_, hasSession := first["sessionId"]
			assert.False(t, hasSession, "sessionId must be omitted when empty")

			second, err := dec.Decode()
			require.NoError(t, err)
			cmd, err := ParseCommand(second)
			require.NoError(t, err)
			assert.Equal(t, CmdUpdate, cmd.Name)
			require.Len(t, cmd.Args, 1)
			payload, ok := cmd.Args[0].(map[string]any)
			require.True(t, ok, "payload is %T", cmd.Args[0])
			x, ok := Args{payload["x"]}.Int(0)
			require.True(t, ok)
			assert.Equal(t, 1, x)

			third, err := dec.Decode()
			require.NoError(t, err)
			cmd, err = ParseCommand(third)
			require.NoError(t, err)
			n, ok := cmd.Args.Int(0)
			require.True(t, ok)
			assert.Equal(t, 4, n)

			_, err = dec.Decode()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestCodec_EmptyArgsEncodeAsList(t *testing.T) {
	data := encodeAll(t, FormatJSON, NewCommand(CmdClusterRestartAll))
	assert.JSONEq(t, `{"cmd":"cluster:restart-all","args":[]}`, string(bytes.TrimSpace(data)))
}

func TestJSONDecoder_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"syntax", "{\"cmd\": \n"},
		{"array", "[1,2,3]\n"},
		{"string", "\"hello\"\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDecoder(bytes.NewReader([]byte(tc.input)), FormatJSON).Decode()
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestJSONDecoder_SkipsBlankLines(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte("\n\r\n{\"cmd\":\"x\"}\n")), FormatJSON)
	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "x", m["cmd"])
}

func TestJSONDecoder_PartialFrameIsNotDelivered(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte("{\"cmd\":\"a\"}\n{\"cmd\":\"b\"")), FormatJSON)

	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "a", m["cmd"])

	m, err = dec.Decode()
	assert.Nil(t, m)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCBORDecoder_Truncated(t *testing.T) {
	data := encodeAll(t, FormatCBOR, NewCommand(CmdUpdate, "payload"))
	dec := NewDecoder(bytes.NewReader(data[:len(data)-2]), FormatCBOR)
	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCBORDecoder_Malformed(t *testing.T) {
	// Length prefix 3 followed by three bytes that are not a CBOR map.
	dec := NewDecoder(bytes.NewReader([]byte{0x03, 0x83, 0x01, 0x02}), FormatCBOR)
	_, err := dec.Decode()
	assert.ErrorIs(t, err, ErrMalformed)

	// Array instead of map.
	dec = NewDecoder(bytes.NewReader([]byte{0x03, 0x82, 0x01, 0x02}), FormatCBOR)
	_, err = dec.Decode()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCBORDecoder_OversizedLengthIsMalformed(t *testing.T) {
	for _, n := range []uint64{1 << 62, MaxCBORFrame + 1} {
		dec := NewDecoder(bytes.NewReader(varint.ToUvarint(n)), FormatCBOR)
		var (
			err error
			m   map[string]any
		)
		require.NotPanics(t, func() { m, err = dec.Decode() })
		assert.Nil(t, m)
		assert.ErrorIs(t, err, ErrMalformed, "length %d", n)
	}
}

func TestCBORDecoder_ShortStreamAfterLargePrefix(t *testing.T) {
	data := append(varint.ToUvarint(MaxCBORFrame), 0xa0)
	_, err := NewDecoder(bytes.NewReader(data), FormatCBOR).Decode()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEncoder_UnencodableValueWritesNothing(t *testing.T) {
	cases := []struct {
		format Format
		value  any
	}{
		{FormatJSON, NewCommand(CmdUpdate, math.NaN())},
		{FormatCBOR, NewCommand(CmdUpdate, make(chan int))},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		err := NewEncoder(&buf, tc.format).Encode(tc.value)
		assert.ErrorIs(t, err, ErrUnencodable, string(tc.format))
		assert.Zero(t, buf.Len(), string(tc.format))
	}
}

func TestCBORDecoder_NestedMapsUseStringKeys(t *testing.T) {
	data := encodeAll(t, FormatCBOR, NewCommand(CmdUpdate, map[string]any{"loop": map[string]any{"count": 3}}))
	m, err := NewDecoder(bytes.NewReader(data), FormatCBOR).Decode()
	require.NoError(t, err)
	cmd, err := ParseCommand(m)
	require.NoError(t, err)
	outer, ok := cmd.Args[0].(map[string]any)
	require.True(t, ok)
	_, ok = outer["loop"].(map[string]any)
	assert.True(t, ok, "nested map is %T", outer["loop"])
}

func TestParseAck(t *testing.T) {
	ack, err := ParseAck(map[string]any{"sessionId": "s-1", "region": "eu"})
	require.NoError(t, err)
	assert.Equal(t, "s-1", ack.SessionID)
	assert.Equal(t, "eu", ack.Fields["region"])

	_, err = ParseAck(map[string]any{"cmd": "update"})
	assert.ErrorIs(t, err, ErrMissingSession)

	_, err = ParseAck(map[string]any{"sessionId": 12})
	assert.ErrorIs(t, err, ErrMissingSession)
}

func TestParseCommand(t *testing.T) {
	_, err := ParseCommand(map[string]any{"args": []any{1}})
	assert.ErrorIs(t, err, ErrMissingCmd)

	_, err = ParseCommand(map[string]any{"cmd": 7})
	assert.ErrorIs(t, err, ErrMissingCmd)

	_, err = ParseCommand(map[string]any{"cmd": "x", "args": "nope"})
	assert.ErrorIs(t, err, ErrMalformed)

	cmd, err := ParseCommand(map[string]any{"cmd": "cluster:restart-all"})
	require.NoError(t, err)
	assert.Empty(t, cmd.Args)
}

func TestParseHandshake_PID(t *testing.T) {
	for _, pid := range []any{float64(4242), int64(4242), uint64(4242), json.Number("4242")} {
		hs, err := ParseHandshake(map[string]any{"key": "k", "appName": "a", "pid": pid})
		require.NoError(t, err)
		assert.Equal(t, 4242, hs.PID, "%T", pid)
	}
}

func TestParseHandshake_RequiresIdentity(t *testing.T) {
	_, err := ParseHandshake(map[string]any{"appName": "a"})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = ParseHandshake(map[string]any{"key": "k"})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestArgs(t *testing.T) {
	args := Args{float64(4), int64(-2), uint64(9), json.Number("11"), "7", 1.5, "w-3", nil}

	n, ok := args.Int(0)
	assert.True(t, ok)
	assert.Equal(t, 4, n)
	n, _ = args.Int(1)
	assert.Equal(t, -2, n)
	n, _ = args.Int(2)
	assert.Equal(t, 9, n)
	n, _ = args.Int(3)
	assert.Equal(t, 11, n)
	n, _ = args.Int(4)
	assert.Equal(t, 7, n)

	_, ok = args.Int(5)
	assert.False(t, ok, "fractional float is not an int")
	_, ok = args.Int(99)
	assert.False(t, ok)

	f, ok := args.Float(5)
	assert.True(t, ok)
	assert.Equal(t, 1.5, f)

	s, ok := args.String(0)
	assert.True(t, ok)
	assert.Equal(t, "4", s)
	s, _ = args.String(6)
	assert.Equal(t, "w-3", s)
	_, ok = args.String(7)
	assert.False(t, ok)
}

func TestFormats(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	f, err = ParseFormat("CBOR")
	require.NoError(t, err)
	assert.Equal(t, FormatCBOR, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)

	f, err = FormatFromContentType("application/json; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	f, err = FormatFromContentType(FormatCBOR.ContentType())
	require.NoError(t, err)
	assert.Equal(t, FormatCBOR, f)
	_, err = FormatFromContentType("text/plain")
	assert.True(t, err != nil && !errors.Is(err, ErrMalformed))
}
