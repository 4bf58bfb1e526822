package chat

import (
	"bytes"
	"fmt"
	"strings"
)

// STOMP 1.2 frame commands used by the chat protocol.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdSend        = "SEND"
	cmdMessage     = "MESSAGE"
	cmdError       = "ERROR"
	cmdReceipt     = "RECEIPT"
)

// frame is a single STOMP frame. Headers preserve wire order; repeated
// header names keep their first occurrence, as STOMP 1.2 requires.
type frame struct {
	command string
	headers [][2]string
	body    []byte
}

func newFrame(command string) *frame {
	return &frame{command: command}
}

func (f *frame) set(name, value string) *frame {
	f.headers = append(f.headers, [2]string{name, value})
	return f
}

// header returns the first value for a header name, or empty string.
func (f *frame) header(name string) string {
	for _, h := range f.headers {
		if h[0] == name {
			return h[1]
		}
	}

	return ""
}

// marshalFrame encodes a frame for the wire:
//
//	COMMAND\nheader:value\n...\n\nbody\x00
//
// Header names and values are escaped except on CONNECT/CONNECTED,
// which STOMP 1.2 exempts for backwards compatibility.
func marshalFrame(f *frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(f.command)
	buf.WriteByte('\n')

	escape := f.command != cmdConnect && f.command != cmdConnected
	for _, h := range f.headers {
		name, value := h[0], h[1]
		if escape {
			name, value = escapeHeader(name), escapeHeader(value)
		}
		buf.WriteString(name)
		buf.WriteByte(':')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	buf.Write(f.body)
	buf.WriteByte(0)

	return buf.Bytes()
}

// parseFrame decodes a single frame from one WebSocket text message.
// A bare EOL is a heartbeat and yields a nil frame with no error.
func parseFrame(data []byte) (*frame, error) {
	// Heartbeats are a lone EOL.
	if len(data) == 0 || bytes.Equal(data, []byte("\n")) || bytes.Equal(data, []byte("\r\n")) {
		return nil, nil
	}

	// Strip the frame-terminating NUL and any trailing heartbeat EOLs.
	data = bytes.TrimRight(data, "\r\n")
	data = bytes.TrimSuffix(data, []byte{0})

	head, body := splitFrame(data)
	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("frame has no command")
	}

	f := &frame{command: lines[0], body: body}
	unescape := f.command != cmdConnect && f.command != cmdConnected

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if unescape {
			var err error
			if name, err = unescapeHeader(name); err != nil {
				return nil, err
			}
			if value, err = unescapeHeader(value); err != nil {
				return nil, err
			}
		}

		f.headers = append(f.headers, [2]string{name, value})
	}

	return f, nil
}

// splitFrame separates the command-and-header block from the body at
// the first blank line. STOMP 1.2 allows either LF or CRLF line ends,
// so whichever blank line occurs first wins.
func splitFrame(data []byte) (head, body []byte) {
	headEnd, bodyStart := -1, -1
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		headEnd, bodyStart = i, i+2
	}
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 && (headEnd < 0 || i < headEnd) {
		headEnd, bodyStart = i, i+4
	}
	if headEnd < 0 {
		return data, nil
	}

	return data[:headEnd], data[bodyStart:]
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}

		i++
		if i >= len(s) {
			return "", fmt.Errorf("dangling escape in header %q", s)
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("invalid escape %q in header %q", s[i], s)
		}
	}

	return b.String(), nil
}
