// Package decorator renders runtime stack frames in the decorated form that
// carries IL offsets and method tokens instead of source locations. It runs
// inside the crashing process, so it never fails on a single bad frame.
//
// The host runtime adapts its own frame and exception objects to StackFrame
// and Exception.
package decorator

import (
	"errors"
	"iter"
	"strings"

	"github.com/yousuf/sharpen/internal/frame"
)

// ErrNoStackAvailable is returned when no frame could be rendered. Callers
// should fall back to the undecorated trace.
var ErrNoStackAvailable = errors.New("no stack frames available")

// Param is a method parameter as reported by the runtime
type Param struct {
	TypeName string
	Name     string // empty when the runtime does not know it
}

// Method is the symbol information of a frame's method
type Method struct {
	DeclaringType string // fully qualified
	Name          string
	Token         uint32

	// Params returns the parameter list. It may be nil or fail, in which case
	// the frame renders with an empty list.
	Params func() ([]Param, error)
}

// StackFrame is one runtime stack frame
type StackFrame interface {
	// Method returns nil when the runtime has no symbol information for the frame
	Method() (*Method, error)
	// ILOffset returns the IL offset of the frame, negative if unknown
	ILOffset() int
}

// Exception is a thrown exception together with its captured frames
type Exception interface {
	TypeName() string
	Message() string
	StackTrace() []StackFrame
}

// Lines lazily renders one decorated line per frame, outermost call first.
// Frames that cannot be rendered are skipped.
func Lines(frames []StackFrame) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, f := range frames {
			line, ok := render(f)
			if !ok {
				continue
			}
			if !yield(line) {
				return
			}
		}
	}
}

// DecorateStack renders the given frames, typically the current call stack
func DecorateStack(frames []StackFrame) (string, error) {
	var sb strings.Builder
	if writeFrames(&sb, frames) == 0 {
		return "", ErrNoStackAvailable
	}
	return sb.String(), nil
}

// Decorate renders an exception: a "<Type>: <Message>" header line followed by
// the decorated frames.
func Decorate(ex Exception) (out string, err error) {
	if ex == nil {
		return "", ErrNoStackAvailable
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = "", ErrNoStackAvailable
		}
	}()

	frames := ex.StackTrace()
	if len(frames) == 0 {
		return "", ErrNoStackAvailable
	}

	var sb strings.Builder
	if header, ok := exceptionHeader(ex); ok {
		sb.WriteString(header)
		sb.WriteByte('\n')
	}
	if writeFrames(&sb, frames) == 0 {
		return "", ErrNoStackAvailable
	}
	return sb.String(), nil
}

func writeFrames(sb *strings.Builder, frames []StackFrame) int {
	n := 0
	for line := range Lines(frames) {
		sb.WriteString(line)
		sb.WriteByte('\n')
		n++
	}
	return n
}

func exceptionHeader(ex Exception) (header string, ok bool) {
	defer func() {
		if recover() != nil {
			header, ok = "", false
		}
	}()
	return ex.TypeName() + ": " + ex.Message(), true
}

// render formats a single frame. A panic from the runtime adapter drops the
// frame instead of the whole trace.
func render(f StackFrame) (line string, ok bool) {
	defer func() {
		if recover() != nil {
			line, ok = "", false
		}
	}()

	if f == nil {
		return "", false
	}
	m, err := f.Method()
	if err != nil || m == nil || m.DeclaringType == "" {
		return "", false
	}
	offset := f.ILOffset()
	if offset < 0 {
		return "", false
	}

	symbol := m.DeclaringType + "." + m.Name
	return frame.Format(symbol, renderParams(m), uint32(offset), frame.TokenFromUint32(m.Token)), true
}

func renderParams(m *Method) (s string) {
	if m.Params == nil {
		return ""
	}
	defer func() {
		if recover() != nil {
			s = ""
		}
	}()

	params, err := m.Params()
	if err != nil {
		return ""
	}

	parts := make([]string, len(params))
	for i, p := range params {
		if p.Name != "" {
			parts[i] = p.TypeName + " " + p.Name
		} else {
			parts[i] = p.TypeName
		}
	}
	return strings.Join(parts, ", ")
}
