package frame

import (
	"fmt"
	"strconv"
)

// KindMethodDef is the metadata table number of MethodDef rows. It is the only
// token kind that can be symbolicated.
const KindMethodDef uint8 = 0x06

// Token is a metadata token split into its table kind and row number
type Token struct {
	Kind  uint8
	Value uint32 // row index, 24 bits
}

// ParseToken parses the 8 hex digit token field of a decorated frame
func ParseToken(s string) (Token, error) {
	if len(s) != 8 {
		return Token{}, fmt.Errorf("token %q: want 8 hex digits", s)
	}
	kind, err := strconv.ParseUint(s[:2], 16, 8)
	if err != nil {
		return Token{}, fmt.Errorf("token %q: %w", s, err)
	}
	value, err := strconv.ParseUint(s[2:], 16, 32)
	if err != nil {
		return Token{}, fmt.Errorf("token %q: %w", s, err)
	}
	return Token{Kind: uint8(kind), Value: uint32(value)}, nil
}

// TokenFromUint32 splits a raw 32-bit metadata token
func TokenFromUint32(v uint32) Token {
	return Token{Kind: uint8(v >> 24), Value: v & 0xFFFFFF}
}

// Uint32 returns the raw 32-bit metadata token
func (t Token) Uint32() uint32 {
	return uint32(t.Kind)<<24 | t.Value&0xFFFFFF
}

// IsMethod reports whether the token names a MethodDef row
func (t Token) IsMethod() bool {
	return t.Kind == KindMethodDef
}

func (t Token) String() string {
	return fmt.Sprintf("%08x", t.Uint32())
}

// Frame is a single decorated stack frame parsed from a trace line
type Frame struct {
	// The raw original line from the trace
	Raw string
	// Fully qualified declaring type and member, e.g. "Car.Start"
	Symbol string
	// Rendered parameter list without the surrounding parentheses
	Params string
	// IL offset within the method body
	Offset uint32
	// Method token
	Token Token

	call      string // "<Symbol>(<Params>)" as written
	offsetHex string
	tokenHex  string
}

// CallSite returns the "    at <Symbol>(<Params>)" portion of the frame
func (f *Frame) CallSite() string {
	return indent + "at " + f.call
}

// Text returns the decorated frame with normalised indentation. The offset and
// token keep their original spelling.
func (f *Frame) Text() string {
	return f.CallSite() + " IL_" + f.offsetHex + " T_" + f.tokenHex
}
