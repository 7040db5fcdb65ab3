// Package symbolicator resolves decorated stack trace lines to source
// locations. Each line is handled on its own and any failure leaves that line
// unchanged, so a trace is always fully reproduced.
package symbolicator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/yousuf/sharpen/internal/frame"
	"github.com/yousuf/sharpen/internal/metadata"
	"github.com/yousuf/sharpen/internal/portablepdb"
	"github.com/yousuf/sharpen/internal/resolver"
	"github.com/yousuf/sharpen/internal/seqpoint"
)

// Symbolicator resolves trace lines against a directory of binaries
type Symbolicator struct {
	fs          afero.Fs
	provider    metadata.Provider
	logger      *zap.Logger
	workers     int
	lineTimeout time.Duration
	cacheSize   int
	ext         string
	keepTokens  bool

	resolver *resolver.Resolver
	cache    *metadata.Cache
}

// Option configures a Symbolicator
type Option func(*Symbolicator)

// WithFs sets the filesystem binaries are resolved on
func WithFs(fs afero.Fs) Option {
	return func(s *Symbolicator) { s.fs = fs }
}

// WithProvider sets how debug metadata is opened. The default reads Portable
// PDBs from the symbolicator's filesystem.
func WithProvider(p metadata.Provider) Option {
	return func(s *Symbolicator) { s.provider = p }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Symbolicator) { s.logger = logger }
}

// WithWorkers sets how many lines Run processes at once; 1 is sequential
func WithWorkers(n int) Option {
	return func(s *Symbolicator) { s.workers = n }
}

// WithLineTimeout bounds the time spent on one line; 0 is unbounded
func WithLineTimeout(d time.Duration) Option {
	return func(s *Symbolicator) { s.lineTimeout = d }
}

func WithCacheSize(n int) Option {
	return func(s *Symbolicator) { s.cacheSize = n }
}

// WithExtension sets the extension of binary modules, ".dll" by default
func WithExtension(ext string) Option {
	return func(s *Symbolicator) { s.ext = ext }
}

// WithKeepTokens controls whether resolved lines keep the IL and token
// suffix of the decorated frame
func WithKeepTokens(keep bool) Option {
	return func(s *Symbolicator) { s.keepTokens = keep }
}

// New creates a Symbolicator
func New(opts ...Option) (*Symbolicator, error) {
	s := &Symbolicator{
		fs:         afero.NewOsFs(),
		logger:     zap.NewNop(),
		workers:    runtime.NumCPU(),
		cacheSize:  metadata.DefaultCacheSize,
		ext:        resolver.DefaultExtension,
		keepTokens: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers <= 0 {
		s.workers = runtime.NumCPU()
	}
	if s.provider == nil {
		s.provider = &portablepdb.Provider{Fs: s.fs, Logger: s.logger}
	}

	cache, err := metadata.NewCache(s.provider, s.cacheSize, s.logger)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	s.resolver = &resolver.Resolver{Fs: s.fs, Ext: s.ext}
	return s, nil
}

// Resolver returns the module resolver used for lookups
func (s *Symbolicator) Resolver() *resolver.Resolver {
	return s.resolver
}

// Invalidate drops the cached debug metadata of the binary at path
func (s *Symbolicator) Invalidate(path string) bool {
	return s.cache.Invalidate(path)
}

// Close releases every cached module
func (s *Symbolicator) Close() error {
	return s.cache.Close()
}

// Line symbolicates a single line. It never fails: the returned result says
// what to emit and why.
func (s *Symbolicator) Line(ctx context.Context, dir, line string) Result {
	if s.lineTimeout <= 0 {
		return s.line(ctx, dir, line)
	}

	ctx, cancel := context.WithTimeout(ctx, s.lineTimeout)
	defer cancel()

	// Metadata readers do not all honour the context, so the result is
	// abandoned rather than awaited once the deadline passes.
	done := make(chan Result, 1)
	go func() { done <- s.line(ctx, dir, line) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		res := Result{Kind: Failed, Reason: ReasonTimeout, Input: line, Output: line, Err: ctx.Err()}
		if f, ok := frame.Decode(line); ok {
			res.Frame = f
		}
		s.logger.Warn("Symbolication timed out", zap.String("line", line), zap.Duration("timeout", s.lineTimeout))
		return res
	}
}

func (s *Symbolicator) line(ctx context.Context, dir, line string) (res Result) {
	res = Result{Kind: Passthrough, Input: line, Output: line}

	defer func() {
		if r := recover(); r != nil {
			res = s.failed(res, fmt.Errorf("panic: %v", r))
		}
	}()

	f, ok := frame.Decode(line)
	if !ok {
		res.Reason = ReasonNotDecorated
		return res
	}
	res.Frame = f

	if !f.Token.IsMethod() {
		s.logger.Debug("Token is not a method", zap.Stringer("token", f.Token))
		res.Reason = ReasonNoMatch
		return res
	}

	path, err := s.resolver.Resolve(dir, f.Symbol)
	if err != nil {
		if errors.Is(err, resolver.ErrNotFound) {
			res.Reason = ReasonModuleNotFound
			return res
		}
		return s.failed(res, err)
	}
	res.Module = path

	mod, release, err := s.cache.Acquire(ctx, path)
	if err != nil {
		return s.classify(ctx, res, err)
	}
	defer release()

	table, found, err := mod.Method(ctx, f.Token.Value)
	if err != nil {
		return s.classify(ctx, res, err)
	}
	if !found {
		res.Reason = ReasonNoMatch
		return res
	}

	loc, ok := seqpoint.Lookup(table, f.Offset)
	if !ok {
		res.Reason = ReasonNoMatch
		return res
	}

	res.Kind = Resolved
	res.Location = &loc
	res.Output = s.format(f, loc)
	return res
}

// classify maps a metadata error to a pass-through reason
func (s *Symbolicator) classify(ctx context.Context, res Result, err error) Result {
	switch {
	case metadata.IsUnavailable(err):
		res.Reason = ReasonMetadataUnavailable
		res.Err = err
		return res
	case ctx.Err() != nil:
		res.Kind = Failed
		res.Reason = ReasonTimeout
		res.Err = err
		return res
	default:
		return s.failed(res, err)
	}
}

func (s *Symbolicator) failed(res Result, err error) Result {
	s.logger.Error("Failed to symbolicate line",
		zap.String("line", res.Input),
		zap.String("module", res.Module),
		zap.Error(err))
	res.Kind = Failed
	res.Reason = ReasonUnexpected
	res.Output = res.Input
	res.Location = nil
	res.Err = err
	return res
}
