package domain

// FrameKind is the data-frame opcode a payload travels with.
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Frame is one relayed data message. The payload is opaque.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// TextFrame is a convenience constructor for text payloads.
func TextFrame(s string) Frame {
	return Frame{Kind: FrameText, Payload: []byte(s)}
}
