package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestMissingParamsDefaultsToEmptyObject(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	var req Request
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	require.JSONEq(t, "{}", string(req.Params))
}

func TestRequestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		err  error
	}{
		{"ok", Request{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "ping"}, nil},
		{"bad version", Request{JSONRPC: "1.0", ID: json.RawMessage("1"), Method: "ping"}, ErrBadVersion},
		{"missing id", Request{JSONRPC: "2.0", ID: json.RawMessage("null"), Method: "ping"}, ErrMissingID},
		{"no id at all", Request{JSONRPC: "2.0", Method: "ping"}, ErrMissingID},
		{"missing method", Request{JSONRPC: "2.0", ID: json.RawMessage("1")}, ErrMissingMethod},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.err, c.req.Validate())
		})
	}
}

func TestRoundTripSuccessResponse(t *testing.T) {
	resp, err := Success(json.RawMessage("1"), map[string]bool{"pong": true})
	require.NoError(t, err)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.Contains(t, string(data), `"result"`)
	require.NotContains(t, string(data), `"error"`)
}

func TestRoundTripErrorResponse(t *testing.T) {
	resp := Fail(json.RawMessage("1"), CodeMethodNotFound, "Method not found")
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.Contains(t, string(data), `"error"`)
	require.NotContains(t, string(data), `"result"`)
}

func TestIDEchoedByteEqual(t *testing.T) {
	req, err := ParseRequest(`{"jsonrpc":"2.0","id":"abc-123","method":"ping","params":{}}`)
	require.NoError(t, err)
	resp, err := Success(req.ID, map[string]bool{"pong": true})
	require.NoError(t, err)
	require.Equal(t, string(req.ID), string(resp.ID))
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	input := "\n\n{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n"
	d := NewDecoder(strings.NewReader(input))
	line, err := d.ReadLine()
	require.NoError(t, err)
	require.Equal(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, line)
}

func TestDecoderLineTooLong(t *testing.T) {
	huge := strings.Repeat("a", MaxLineBytes+1) + "\n"
	d := NewDecoder(strings.NewReader(huge))
	_, err := d.ReadLine()
	require.ErrorIs(t, err, ErrLineTooLong)
}
