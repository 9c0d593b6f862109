package protocol

// UserCommand is one decoded movement/action command from a client. A packet
// carries a batch of these, each delta-encoded against the previous one.
type UserCommand struct {
	ServerTime int32
	Angles     [3]int32
	Buttons    int32
	Weapon     byte
	Forward    int8
	Right      int8
	Up         int8
}

// Field-change flags for the delta encoding. A set bit means the field was
// transmitted; a clear bit means "same as the previous command".
const (
	deltaAngle0 = 1 << iota
	deltaAngle1
	deltaAngle2
	deltaMove
	deltaButtons
	deltaWeapon
)

// WriteDeltaUserCommand encodes to against from. The key is folded into every
// transmitted field so that a receiver holding a different key decodes
// garbage: the encoding is tamper-evident, not confidential.
func (m *Message) WriteDeltaUserCommand(key int32, from, to *UserCommand) {
	m.WriteLong(to.ServerTime)

	var flags byte
	if to.Angles[0] != from.Angles[0] {
		flags |= deltaAngle0
	}
	if to.Angles[1] != from.Angles[1] {
		flags |= deltaAngle1
	}
	if to.Angles[2] != from.Angles[2] {
		flags |= deltaAngle2
	}
	if to.Forward != from.Forward || to.Right != from.Right || to.Up != from.Up {
		flags |= deltaMove
	}
	if to.Buttons != from.Buttons {
		flags |= deltaButtons
	}
	if to.Weapon != from.Weapon {
		flags |= deltaWeapon
	}
	m.WriteByte(flags)

	// The command's own timestamp participates in the key so replayed field
	// bytes cannot be grafted onto a different command.
	k := key ^ to.ServerTime

	if flags&deltaAngle0 != 0 {
		m.WriteLong(to.Angles[0] ^ k)
	}
	if flags&deltaAngle1 != 0 {
		m.WriteLong(to.Angles[1] ^ k)
	}
	if flags&deltaAngle2 != 0 {
		m.WriteLong(to.Angles[2] ^ k)
	}
	if flags&deltaMove != 0 {
		m.WriteByte(byte(to.Forward) ^ byte(k))
		m.WriteByte(byte(to.Right) ^ byte(k>>8))
		m.WriteByte(byte(to.Up) ^ byte(k>>16))
	}
	if flags&deltaButtons != 0 {
		m.WriteLong(to.Buttons ^ k)
	}
	if flags&deltaWeapon != 0 {
		m.WriteByte(to.Weapon ^ byte(k>>24))
	}
}

// ReadDeltaUserCommand decodes one command into to, using from for any fields
// the sender elided. Decoding is purely a function of (key, from, wire bytes).
func (m *Message) ReadDeltaUserCommand(key int32, from, to *UserCommand) {
	*to = *from
	to.ServerTime = m.ReadLong()

	flags := m.ReadByte()
	k := key ^ to.ServerTime

	if flags&deltaAngle0 != 0 {
		to.Angles[0] = m.ReadLong() ^ k
	}
	if flags&deltaAngle1 != 0 {
		to.Angles[1] = m.ReadLong() ^ k
	}
	if flags&deltaAngle2 != 0 {
		to.Angles[2] = m.ReadLong() ^ k
	}
	if flags&deltaMove != 0 {
		to.Forward = int8(m.ReadByte() ^ byte(k))
		to.Right = int8(m.ReadByte() ^ byte(k>>8))
		to.Up = int8(m.ReadByte() ^ byte(k>>16))
	}
	if flags&deltaButtons != 0 {
		to.Buttons = m.ReadLong() ^ k
	}
	if flags&deltaWeapon != 0 {
		to.Weapon = m.ReadByte() ^ byte(k>>24)
	}
}

// HashKey reduces a command string to the 32-bit value mixed into the
// usercmd decode key. High-bit and '%' characters hash as '.' so that the
// value is stable across the sanitization the string reader applies.
func HashKey(s string, maxLen int) int32 {
	var hash int32
	for i := 0; i < maxLen && i < len(s); i++ {
		c := int32(s[i])
		if c&0x80 != 0 || c == '%' {
			c = '.'
		}
		hash += c * int32(119+i)
	}
	return hash ^ (hash >> 10) ^ (hash >> 20)
}
