package consumer

import (
	"encoding/binary"
	"strconv"
	"strings"
)

type Header struct {
	Key   string
	Value []byte
}

// Envelope is an inbound broker message.
type Envelope struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Headers   []Header
	Value     []byte
}

// Header returns the first header matching name, ignoring case.
func (e Envelope) Header(name string) ([]byte, bool) {
	for _, h := range e.Headers {
		if strings.EqualFold(h.Key, name) {
			return h.Value, true
		}
	}
	return nil, false
}

// Attempts reads a delivery counter from the named header. Decimal text and
// 4 or 8 byte big-endian integers are accepted; anything else counts as 0.
// Printable values are only ever read as text.
func (e Envelope) Attempts(name string) int {
	raw, ok := e.Header(name)
	if !ok || len(raw) == 0 {
		return 0
	}
	if printable(raw) {
		if n, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && n >= 0 {
			return n
		}
		return 0
	}
	var n int64
	switch len(raw) {
	case 4:
		n = int64(int32(binary.BigEndian.Uint32(raw)))
	case 8:
		n = int64(binary.BigEndian.Uint64(raw))
	}
	if n < 0 {
		return 0
	}
	return int(n)
}

func printable(b []byte) bool {
	for _, c := range b {
		if c > 0x7e || (c < 0x20 && c != '\t' && c != '\n' && c != '\r') {
			return false
		}
	}
	return true
}

// NextOffset is the offset to commit once this message is handled.
func (e Envelope) NextOffset() int64 {
	return e.Offset + 1
}
