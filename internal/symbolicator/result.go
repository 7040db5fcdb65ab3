package symbolicator

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap/zapcore"

	"github.com/yousuf/sharpen/internal/frame"
	"github.com/yousuf/sharpen/internal/seqpoint"
)

// Kind tags the outcome of one line
type Kind int

const (
	// Passthrough lines were emitted unchanged for an expected reason
	Passthrough Kind = iota
	// Resolved lines carry a source location
	Resolved
	// Failed lines were emitted unchanged after an unexpected failure
	Failed
)

func (k Kind) String() string {
	switch k {
	case Passthrough:
		return "passthrough"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reason says why a line was not resolved
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNotDecorated
	ReasonModuleNotFound
	ReasonMetadataUnavailable
	ReasonNoMatch
	ReasonUnexpected
	ReasonTimeout
)

var reasonNames = map[Reason]string{
	ReasonNone:                "",
	ReasonNotDecorated:        "not decorated",
	ReasonModuleNotFound:      "module not found",
	ReasonMetadataUnavailable: "metadata unavailable",
	ReasonNoMatch:             "no match",
	ReasonUnexpected:          "unexpected failure",
	ReasonTimeout:             "timeout",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

func (r Reason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// Result is the outcome of symbolicating one line
type Result struct {
	Kind   Kind
	Reason Reason
	// Input is the line as read
	Input string
	// Output is the line to emit
	Output string
	// Frame is set once the line decoded
	Frame *frame.Frame
	// Module is the resolved binary path
	Module string
	// Location is set for resolved lines
	Location *seqpoint.Location
	Err      error
}

// Stats counts the results of a run
type Stats struct {
	Lines    int
	Resolved int
	Reasons  map[Reason]int
}

func (s *Stats) add(r Result) {
	s.Lines++
	if r.Kind == Resolved {
		s.Resolved++
		return
	}
	if s.Reasons == nil {
		s.Reasons = make(map[Reason]int)
	}
	s.Reasons[r.Reason]++
}

// MarshalLogObject implements zapcore.ObjectMarshaler
func (s Stats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("lines", s.Lines)
	enc.AddInt("resolved", s.Resolved)

	reasons := make([]Reason, 0, len(s.Reasons))
	for r := range s.Reasons {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	for _, r := range reasons {
		enc.AddInt(r.String(), s.Reasons[r])
	}
	return nil
}
