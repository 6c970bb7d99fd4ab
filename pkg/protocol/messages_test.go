package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Request
		wantErr bool
	}{
		{
			name:    "command with data",
			payload: `{"command":"send","data":"-u bob hi"}`,
			want:    Request{Command: "send", Data: "-u bob hi"},
		},
		{
			name:    "command without data",
			payload: `{"command":"users"}`,
			want:    Request{Command: "users"},
		},
		{
			name:    "unknown fields ignored",
			payload: `{"command":"help","data":"","extra":42}`,
			want:    Request{Command: "help"},
		},
		{
			name:    "missing command",
			payload: `{"data":"hi"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `send hi`,
			wantErr: true,
		},
		{
			name:    "json array",
			payload: `["send","hi"]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *req)
		})
	}
}

func TestUpdateConstructors(t *testing.T) {
	ok := OK("alice", "[SERVER] done")
	assert.Equal(t, StatusOK, ok.Status)
	assert.Equal(t, "alice", ok.Target)
	assert.Equal(t, "[SERVER] done", ok.Data)

	errUpd := Error("alice", "nope")
	assert.Equal(t, StatusError, errUpd.Status)
	assert.Equal(t, ErrorData{Message: "nope"}, errUpd.Data)

	chat := Chat(Broadcast, ChatPayload{Text: "hi", Sender: "bob", IsBroadcast: true})
	assert.Equal(t, StatusMsg, chat.Status)
	assert.Equal(t, Broadcast, chat.Target)
}

func TestErrorMessageBeforeEncoding(t *testing.T) {
	// Updates built in-process carry ErrorData, not the decoded map form.
	u := Error("alice", "user missing")
	assert.Equal(t, "user missing", u.ErrorMessage())
}

func TestErrorMessageRoundTrip(t *testing.T) {
	payload, err := Error("alice", "user missing").Encode()
	require.NoError(t, err)

	u, err := DecodeUpdate(payload)
	require.NoError(t, err)
	assert.Equal(t, StatusError, u.Status)
	assert.Equal(t, "user missing", u.ErrorMessage())
}

func TestErrorMessageToleratesBareString(t *testing.T) {
	u, err := DecodeUpdate([]byte(`{"status":"ERROR","data":"plain","target":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "plain", u.ErrorMessage())
}

func TestErrorMessageEmptyForChatPayload(t *testing.T) {
	payload, err := Chat("alice", ChatPayload{Text: "hi", Sender: "bob"}).Encode()
	require.NoError(t, err)

	u, err := DecodeUpdate(payload)
	require.NoError(t, err)
	assert.Empty(t, u.ErrorMessage())
}
