package wire

import "fmt"

// Kind enumerates why a decode failed, mirroring the teacher's
// device.ConnectionState-style typed-state-plus-message error shape.
type Kind string

const (
	Malformed Kind = "malformed"
)

// CodecError is returned by every Decode function in this package. Decoders
// are total: they never panic on malformed input, they return a
// CodecError instead (spec §4.1).
type CodecError struct {
	Kind   Kind
	Format string
	Msg    string
}

func (e *CodecError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Format, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Format, e.Kind, e.Msg)
}

// Is allows errors.Is(err, &CodecError{Format: "...", Kind: Malformed}) to
// match any CodecError for that format regardless of message.
func (e *CodecError) Is(target error) bool {
	t, ok := target.(*CodecError)
	if !ok || e == nil {
		return false
	}
	return e.Format == t.Format && e.Kind == t.Kind
}

func malformed(format, msg string) *CodecError {
	return &CodecError{Kind: Malformed, Format: format, Msg: msg}
}
