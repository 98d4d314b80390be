package message

import (
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// Build serializes m back to its network representation: start line, headers
// in insertion order, blank line, body. The result is a fresh slice; the
// scratch buffer is pooled.
func Build(m *Message) []byte {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	if m.Kind == KindResponse {
		bb.WriteString(m.Version)
		bb.WriteByte(' ')
		bb.WriteString(strconv.Itoa(m.StatusCode))
		if m.StatusText != "" {
			bb.WriteByte(' ')
			bb.WriteString(m.StatusText)
		}
	} else {
		bb.WriteString(m.Method)
		bb.WriteByte(' ')
		bb.WriteString(m.Target)
		bb.WriteByte(' ')
		bb.WriteString(m.Version)
	}
	bb.WriteString("\r\n")

	for _, h := range m.Headers {
		bb.WriteString(h.Name)
		bb.WriteString(": ")
		bb.WriteString(h.Value)
		bb.WriteString("\r\n")
	}
	bb.WriteString("\r\n")

	if len(m.Body) > 0 {
		bb.Write(m.Body)
	}

	out := make([]byte, len(bb.B))
	copy(out, bb.B)
	return out
}
