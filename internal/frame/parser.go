package frame

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const indent = "    "

// linePattern matches frames decorated with IL offsets and method tokens:
//
//	at Car.Start(Action`1 onStop) IL_0123 T_06001234
//
// The call text is greedy so the last IL_/T_ suffix on the line wins, and the
// suffix has to end the line.
var linePattern = regexp.MustCompile(`^\s*at (.+) IL_([0-9A-Fa-f]+) T_([0-9A-Fa-f]{8})\s*$`)

// Decode parses a single trace line. It reports false for lines that are not
// decorated frames; that is the common case for headers and plain frames and
// not an error.
func Decode(line string) (*Frame, bool) {
	matches := linePattern.FindStringSubmatch(line)
	if matches == nil {
		return nil, false
	}

	offset, err := strconv.ParseUint(matches[2], 16, 32)
	if err != nil {
		return nil, false
	}
	token, err := ParseToken(matches[3])
	if err != nil {
		return nil, false
	}

	call := matches[1]
	symbol, params := splitCall(call)
	if symbol == "" {
		return nil, false
	}

	return &Frame{
		Raw:       line,
		Symbol:    symbol,
		Params:    params,
		Offset:    uint32(offset),
		Token:     token,
		call:      call,
		offsetHex: matches[2],
		tokenHex:  matches[3],
	}, true
}

// DecodeAll parses every decorated frame of a multi-line trace, skipping the
// lines that are not decorated
func DecodeAll(trace string) []*Frame {
	lines := strings.Split(trace, "\n")
	frames := make([]*Frame, 0, len(lines))
	for _, line := range lines {
		if f, ok := Decode(line); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

// splitCall separates "Type.Member(params)" at the parenthesis matching the
// trailing one. Call text without a trailing parameter list is all symbol.
func splitCall(call string) (symbol, params string) {
	call = strings.TrimSpace(call)
	if !strings.HasSuffix(call, ")") {
		return call, ""
	}

	depth := 0
	for i := len(call) - 1; i >= 0; i-- {
		switch call[i] {
		case ')':
			depth++
		case '(':
			depth--
			if depth == 0 {
				return strings.TrimSpace(call[:i]), call[i+1 : len(call)-1]
			}
		}
	}
	return call, ""
}

// Format renders a frame the way the decorator writes it, indented by four
// spaces:
//
//	at <symbol>(<params>) IL_<offset, 4+ hex digits> T_<token, 8 hex digits>
func Format(symbol, params string, offset uint32, token Token) string {
	return fmt.Sprintf("%sat %s(%s) IL_%04x T_%08x", indent, symbol, params, offset, token.Uint32())
}
