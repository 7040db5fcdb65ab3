package symbolicator

import (
	"fmt"
	"strings"

	"github.com/yousuf/sharpen/internal/frame"
	"github.com/yousuf/sharpen/internal/seqpoint"
)

// format renders a resolved frame:
// "    at Foo.Bar(Int32 x) IL_0020 T_06000001 in src/Foo.cs:10 [10:3-10:10]"
func (s *Symbolicator) format(f *frame.Frame, loc seqpoint.Location) string {
	text := f.CallSite()
	if s.keepTokens {
		text = f.Text()
	}
	return fmt.Sprintf("%s in %s:%s", text, loc.Document, loc)
}

// Annotate renders a result with its status (for debugging)
func Annotate(r Result) string {
	if r.Kind == Resolved {
		return r.Output + "  ✓ resolved"
	}
	return r.Output + "  ✗ " + r.Reason.String()
}

// FormatTrace joins the outputs of results, annotated when explain is set
func FormatTrace(results []Result, explain bool) string {
	lines := make([]string, len(results))
	for i, r := range results {
		if explain {
			lines[i] = Annotate(r)
		} else {
			lines[i] = r.Output
		}
	}
	return strings.Join(lines, "\n")
}
