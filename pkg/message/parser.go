package message

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/WhileEndless/go-rawproxy/pkg/constants"
	"github.com/WhileEndless/go-rawproxy/pkg/errors"
)

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

// Parser incrementally consumes a byte stream into Messages. It is
// restartable: repeated Feed calls with successive chunks of the stream
// eventually yield a complete message, regardless of how the stream was
// split across reads.
//
// One Parser serves one connection; HTTP/1.1 serializes messages on a
// persistent connection, so at most one message is in progress at a time.
type Parser struct {
	headerBuf    []byte
	headersDone  bool
	bodyReceived int
	msg          *Message
}

// Feed consumes as many bytes of data as possible, advancing the in-progress
// message. It returns the number of bytes consumed and whether the current
// message is now complete. Bytes beyond the end of a completed message are
// left for the caller to feed again after Take.
func (p *Parser) Feed(data []byte) (int, bool, error) {
	consumed := 0

	if !p.headersDone {
		start := len(p.headerBuf)
		p.headerBuf = append(p.headerBuf, data...)

		idx := bytes.Index(p.headerBuf, crlfcrlf)
		if idx < 0 {
			if len(p.headerBuf) > constants.MaxHeaderBytes {
				return 0, false, errors.NewHeaderSizeError(constants.MaxHeaderBytes)
			}
			return len(data), false, nil
		}

		end := idx + len(crlfcrlf)
		if end > constants.MaxHeaderBytes {
			return 0, false, errors.NewHeaderSizeError(constants.MaxHeaderBytes)
		}

		msg, err := parseHeaderBlock(p.headerBuf[:idx])
		if err != nil {
			return 0, false, err
		}

		// Only the bytes of this chunk that belong to the header block
		// count as consumed; the rest is body or the next message.
		consumed = end - start
		data = data[consumed:]

		p.msg = msg
		p.headersDone = true
		p.headerBuf = nil
	}

	if need := p.msg.ContentLength - p.bodyReceived; need > 0 && len(data) > 0 {
		take := need
		if take > len(data) {
			take = len(data)
		}
		p.msg.Body = append(p.msg.Body, data[:take]...)
		p.bodyReceived += take
		consumed += take
	}

	return consumed, p.bodyReceived >= p.msg.ContentLength, nil
}

// InProgress reports whether parsing of a message has begun but not finished.
func (p *Parser) InProgress() bool {
	return len(p.headerBuf) > 0 || p.msg != nil
}

// Take returns the completed message and resets the parser for the next
// message on the stream. It must only be called after Feed reported
// completion.
func (p *Parser) Take() *Message {
	m := p.msg
	p.Reset()
	return m
}

// Reset discards all parser state.
func (p *Parser) Reset() {
	p.headerBuf = nil
	p.headersDone = false
	p.bodyReceived = 0
	p.msg = nil
}

// parseHeaderBlock parses the header section (start line through the last
// header line, exclusive of the terminating blank line).
func parseHeaderBlock(block []byte) (*Message, error) {
	lines := bytes.Split(block, crlf)

	msg := &Message{}
	if err := parseStartLine(string(lines[0]), msg); err != nil {
		return nil, err
	}

	connection := ""
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}

		i := bytes.IndexByte(line, ':')
		if i < 0 {
			// Malformed header lines are skipped, not fatal.
			continue
		}

		name := strings.TrimSpace(string(line[:i]))
		value := strings.TrimSpace(string(line[i+1:]))
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, errors.NewProtocolError("invalid header field value", nil)
		}

		msg.Headers.Add(name, value)

		switch {
		case strings.EqualFold(name, "Content-Length"):
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, errors.NewProtocolError("invalid Content-Length", err)
			}
			if n > constants.MaxContentLength {
				return nil, errors.NewProtocolError("Content-Length exceeds limit", nil)
			}
			msg.ContentLength = n
		case strings.EqualFold(name, "Transfer-Encoding"):
			return nil, errors.NewProtocolError("Transfer-Encoding is not supported", nil)
		case strings.EqualFold(name, "Connection"):
			connection = value
		case strings.EqualFold(name, constants.RequestIDHeader):
			msg.RequestID = value
		}
	}

	if msg.Version == "HTTP/1.1" {
		msg.KeepAlive = !strings.EqualFold(connection, "close")
	} else {
		msg.KeepAlive = strings.EqualFold(connection, "keep-alive")
	}

	return msg, nil
}

func parseStartLine(line string, msg *Message) error {
	if strings.HasPrefix(line, "HTTP/") {
		msg.Kind = KindResponse
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return errors.NewProtocolError("malformed status line", nil)
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return errors.NewProtocolError("invalid status code", err)
		}
		msg.Version = parts[0]
		msg.StatusCode = code
		if len(parts) == 3 {
			msg.StatusText = parts[2]
		}
		return nil
	}

	msg.Kind = KindRequest
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return errors.NewProtocolError("malformed request line", nil)
	}
	msg.Method = fields[0]
	msg.Target = fields[1]
	msg.Version = fields[2]
	return nil
}
