package symbolicator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Lines symbolicates lines with up to the configured number of workers.
// Results are in input order.
func (s *Symbolicator) Lines(ctx context.Context, dir string, lines []string) ([]Result, error) {
	results := make([]Result, len(lines))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, line := range lines {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = s.Line(gctx, dir, line)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// Lines never fail individually; only cancellation stops the run.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Trace symbolicates a multi-line trace held in memory
func (s *Symbolicator) Trace(ctx context.Context, dir, trace string) ([]Result, error) {
	trace = strings.TrimSuffix(trace, "\n")
	return s.Lines(ctx, dir, strings.Split(trace, "\n"))
}

// Run reads a trace from r and writes one output line per input line to w,
// in input order. Only failures of the streams themselves abort the run.
func (s *Symbolicator) Run(ctx context.Context, dir string, r io.Reader, w io.Writer) (Stats, error) {
	var stats Stats

	lines, crlf, err := readLines(r)
	if err != nil {
		return stats, fmt.Errorf("failed to read trace: %w", err)
	}

	results, err := s.Lines(ctx, dir, lines)
	if err != nil {
		return stats, err
	}

	bw := bufio.NewWriter(w)
	for i, res := range results {
		stats.add(res)
		out := res.Output
		if crlf[i] {
			out += "\r\n"
		} else {
			out += "\n"
		}
		if _, err := bw.WriteString(out); err != nil {
			return stats, fmt.Errorf("failed to write output: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("failed to write output: %w", err)
	}

	s.logger.Info("Symbolicated trace", zap.String("dir", dir), zap.Object("stats", stats))
	return stats, nil
}

// readLines reads every line of r with no length limit. A trailing "\r" is
// cut from its line and reported in crlf so it can be written back.
func readLines(r io.Reader) ([]string, []bool, error) {
	var (
		lines []string
		crlf  []bool
	)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			text, cr := strings.CutSuffix(strings.TrimSuffix(line, "\n"), "\r")
			lines = append(lines, text)
			crlf = append(crlf, cr)
		}
		if err == io.EOF {
			return lines, crlf, nil
		}
		if err != nil {
			return nil, nil, err
		}
	}
}
