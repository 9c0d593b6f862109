package protocol

import (
	"encoding/binary"
)

// Opcodes for the sub-messages a client packet may carry after its three
// header fields (serverId, messageAcknowledge, reliableAcknowledge).
const (
	OpEOF byte = iota
	OpClientCommand
	OpMove
	OpMoveNoDelta
	OpVoip
	OpVoipLegacy
)

// Opcodes for the sub-messages a server message may carry after its
// acknowledge header.
const (
	SvcEOF byte = iota
	SvcServerCommand
	SvcGameState
	SvcSnapshot
	SvcVoip
)

const (
	// MaxMessageLength is the largest datagram payload the engine will build
	// or accept.
	MaxMessageLength = 16384
	// MaxStringLength bounds any single string read from the wire.
	MaxStringLength = 1024
)

// Message is a cursor over a packet buffer. Reads never panic: running off
// the end sets the overflowed flag and returns zero values (-1 for longs,
// matching what callers test against for "nothing left").
//
// Writes past the allocated capacity also just set the flag; the caller is
// expected to check Overflowed before transmitting.
type Message struct {
	data       []byte
	readCount  int
	maxSize    int
	overflowed bool
}

// NewMessage returns an empty message that can hold up to size bytes.
func NewMessage(size int) *Message {
	if size <= 0 || size > MaxMessageLength {
		size = MaxMessageLength
	}
	return &Message{data: make([]byte, 0, size), maxSize: size}
}

// FromBytes wraps a received datagram payload for reading.
func FromBytes(b []byte) *Message {
	return &Message{data: b, maxSize: len(b)}
}

func (m *Message) Bytes() []byte    { return m.data }
func (m *Message) Len() int         { return len(m.data) }
func (m *Message) ReadCount() int   { return m.readCount }
func (m *Message) Overflowed() bool { return m.overflowed }

func (m *Message) WriteByte(b byte) {
	if len(m.data)+1 > m.maxSize {
		m.overflowed = true
		return
	}
	m.data = append(m.data, b)
}

func (m *Message) WriteShort(v int16) {
	if len(m.data)+2 > m.maxSize {
		m.overflowed = true
		return
	}
	m.data = binary.LittleEndian.AppendUint16(m.data, uint16(v))
}

func (m *Message) WriteLong(v int32) {
	if len(m.data)+4 > m.maxSize {
		m.overflowed = true
		return
	}
	m.data = binary.LittleEndian.AppendUint32(m.data, uint32(v))
}

// WriteString writes s followed by a NUL terminator. Strings longer than
// MaxStringLength are truncated rather than rejected.
func (m *Message) WriteString(s string) {
	if len(s) > MaxStringLength-1 {
		s = s[:MaxStringLength-1]
	}
	if len(m.data)+len(s)+1 > m.maxSize {
		m.overflowed = true
		return
	}
	m.data = append(m.data, s...)
	m.data = append(m.data, 0)
}

func (m *Message) WriteData(b []byte) {
	if len(m.data)+len(b) > m.maxSize {
		m.overflowed = true
		return
	}
	m.data = append(m.data, b...)
}

func (m *Message) ReadByte() byte {
	if m.readCount+1 > len(m.data) {
		m.overflowed = true
		return 0xff
	}
	b := m.data[m.readCount]
	m.readCount++
	return b
}

func (m *Message) ReadShort() int16 {
	if m.readCount+2 > len(m.data) {
		m.overflowed = true
		return -1
	}
	v := binary.LittleEndian.Uint16(m.data[m.readCount:])
	m.readCount += 2
	return int16(v)
}

func (m *Message) ReadLong() int32 {
	if m.readCount+4 > len(m.data) {
		m.overflowed = true
		return -1
	}
	v := binary.LittleEndian.Uint32(m.data[m.readCount:])
	m.readCount += 4
	return int32(v)
}

// ReadString reads up to the next NUL terminator. Characters that have
// historically been used to break string parsing downstream ('%' and
// anything below space) are replaced rather than passed through.
func (m *Message) ReadString() string {
	buf := make([]byte, 0, 64)
	for {
		if m.readCount >= len(m.data) {
			break
		}
		c := m.data[m.readCount]
		m.readCount++
		if c == 0 {
			break
		}
		if c == '%' {
			c = '.'
		}
		if c < ' ' && c != '\t' {
			continue
		}
		if len(buf) < MaxStringLength-1 {
			buf = append(buf, c)
		}
	}
	return string(buf)
}

// ReadData copies len(out) bytes from the message into out.
func (m *Message) ReadData(out []byte) {
	if m.readCount+len(out) > len(m.data) {
		m.overflowed = true
		return
	}
	copy(out, m.data[m.readCount:])
	m.readCount += len(out)
}

// Skip advances the read cursor without interpreting the bytes.
func (m *Message) Skip(n int) {
	if m.readCount+n > len(m.data) {
		m.overflowed = true
		m.readCount = len(m.data)
		return
	}
	m.readCount += n
}
