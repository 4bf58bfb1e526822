package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalFrame_SubscribeLayout(t *testing.T) {
	fr := newFrame(cmdSubscribe).
		set("id", "sub-1").
		set("destination", "/topic/chat.room.42")

	got := string(marshalFrame(fr))
	assert.Equal(t, "SUBSCRIBE\nid:sub-1\ndestination:/topic/chat.room.42\n\n\x00", got)
}

func TestMarshalFrame_BodyAndContentLength(t *testing.T) {
	fr := newFrame(cmdSend).
		set("destination", "/app/chat.send").
		set("content-length", "2")
	fr.body = []byte("{}")

	got := string(marshalFrame(fr))
	assert.Equal(t, "SEND\ndestination:/app/chat.send\ncontent-length:2\n\n{}\x00", got)
}

func TestMarshalFrame_EscapesHeaderValues(t *testing.T) {
	fr := newFrame(cmdSend).set("destination", "a:b\nc\\d")

	got := string(marshalFrame(fr))
	assert.Contains(t, got, `destination:a\cb\nc\\d`)
}

func TestMarshalFrame_ConnectHeadersUnescaped(t *testing.T) {
	// The STOMP 1.2 escaping rules exempt CONNECT and CONNECTED frames.
	fr := newFrame(cmdConnect).set("host", "a:b")

	got := string(marshalFrame(fr))
	assert.Contains(t, got, "host:a:b\n")
}

func TestParseFrame_RoundTrip(t *testing.T) {
	fr := newFrame(cmdMessage).
		set("subscription", "sub-1").
		set("destination", "/topic/chat.room.42")
	fr.body = []byte(`{"content":"hi"}`)

	parsed, err := parseFrame(marshalFrame(fr))
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, cmdMessage, parsed.command)
	assert.Equal(t, "sub-1", parsed.header("subscription"))
	assert.Equal(t, "/topic/chat.room.42", parsed.header("destination"))
	assert.Equal(t, `{"content":"hi"}`, string(parsed.body))
}

func TestParseFrame_EscapedHeaderRoundTrip(t *testing.T) {
	fr := newFrame(cmdMessage).set("destination", "a:b\nc\\d")

	parsed, err := parseFrame(marshalFrame(fr))
	require.NoError(t, err)
	assert.Equal(t, "a:b\nc\\d", parsed.header("destination"))
}

func TestParseFrame_CRLFLines(t *testing.T) {
	raw := []byte("CONNECTED\r\nversion:1.2\r\n\r\n\x00")

	parsed, err := parseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, cmdConnected, parsed.command)
	assert.Equal(t, "1.2", parsed.header("version"))
}

func TestParseFrame_CRLFLinesWithBody(t *testing.T) {
	raw := []byte("MESSAGE\r\nsubscription:sub-1\r\ndestination:/topic/chat.room.42\r\n\r\n{\"roomId\":\"42\"}\x00")

	parsed, err := parseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, cmdMessage, parsed.command)
	assert.Equal(t, "sub-1", parsed.header("subscription"))
	assert.Equal(t, `{"roomId":"42"}`, string(parsed.body))
}

func TestParseFrame_Heartbeats(t *testing.T) {
	for _, raw := range []string{"\n", "\r\n"} {
		parsed, err := parseFrame([]byte(raw))
		require.NoError(t, err)
		assert.Nil(t, parsed)
	}
}

func TestParseFrame_InvalidEscapeRejected(t *testing.T) {
	_, err := parseFrame([]byte("MESSAGE\nfoo:a\\tb\n\n\x00"))
	assert.Error(t, err)
}

func TestParseFrame_MissingHeaderReturnsEmpty(t *testing.T) {
	parsed, err := parseFrame([]byte("MESSAGE\n\n\x00"))
	require.NoError(t, err)
	assert.Equal(t, "", parsed.header("subscription"))
}
