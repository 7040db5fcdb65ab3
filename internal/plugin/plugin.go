// Package plugin reads debug metadata through a WebAssembly plugin, for debug
// formats that have no native reader.
//
// A plugin exports lookup_method and optionally open_module. The binary's
// directory is mounted read-only at /binaries and the plugin config key
// "module" names the binary inside it. The host also exports read_module,
// which returns the binary's bytes to plugins built without WASI.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	extism "github.com/extism/go-sdk"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/yousuf/sharpen/internal/metadata"
)

const (
	exportOpen   = "open_module"
	exportLookup = "lookup_method"

	guestRoot = "/binaries"

	// DefaultTimeout bounds a single plugin call
	DefaultTimeout = 5 * time.Second
)

// LookupRequest is the input of lookup_method
type LookupRequest struct {
	Rid uint32 `json:"rid"`
}

// LookupResponse is the output of lookup_method
type LookupResponse struct {
	Found    bool             `json:"found"`
	Document string           `json:"document,omitempty"`
	Points   []metadata.Point `json:"points"`
	Error    string           `json:"error,omitempty"`
}

// Provider opens modules through a plugin
type Provider struct {
	fs      afero.Fs
	logger  *zap.Logger
	timeout time.Duration

	wasmPath string
	once     sync.Once
	wasm     []byte
	wasmErr  error
}

// Option configures a Provider
type Option func(*Provider)

// WithFs sets the filesystem the plugin and binaries are read from
func WithFs(fs afero.Fs) Option {
	return func(p *Provider) { p.fs = fs }
}

// WithLogger forwards plugin log lines to logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithTimeout bounds each plugin call
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// NewProvider creates a provider for the plugin at wasmPath. The plugin is
// loaded on first use.
func NewProvider(wasmPath string, opts ...Option) *Provider {
	p := &Provider{
		fs:       afero.NewOsFs(),
		logger:   zap.NewNop(),
		timeout:  DefaultTimeout,
		wasmPath: wasmPath,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) load() ([]byte, error) {
	p.once.Do(func() {
		p.wasm, p.wasmErr = afero.ReadFile(p.fs, p.wasmPath)
		if p.wasmErr != nil {
			p.wasmErr = fmt.Errorf("failed to read plugin %s: %w", p.wasmPath, p.wasmErr)
		}
	})
	return p.wasm, p.wasmErr
}

// manifest describes the plugin instance for one binary
func (p *Provider) manifest(wasm []byte, binary string) extism.Manifest {
	return extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: wasm},
		},
		AllowedPaths: map[string]string{
			filepath.Dir(binary): guestRoot,
		},
		Config: map[string]string{
			"module": path.Join(guestRoot, filepath.Base(binary)),
		},
		Timeout: uint64(p.timeout.Milliseconds()),
	}
}

// Open instantiates the plugin for the binary at binary. A plugin whose
// open_module export fails reports metadata.ErrNoDebugData.
func (p *Provider) Open(ctx context.Context, binary string) (metadata.Module, error) {
	wasm, err := p.load()
	if err != nil {
		return nil, err
	}

	m := &Module{
		binary:  binary,
		fs:      p.fs,
		logger:  p.logger.With(zap.String("module", binary)),
		timeout: p.timeout,
	}

	config := extism.PluginConfig{
		EnableWasi: true,
	}
	hostFunctions := []extism.HostFunction{
		createReadModuleHostFunc(m),
	}

	plugin, err := extism.NewPlugin(ctx, p.manifest(wasm, binary), config, hostFunctions)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin: %w", err)
	}
	plugin.SetLogger(m.log)
	m.plugin = plugin

	if !plugin.FunctionExists(exportLookup) {
		m.Close()
		return nil, fmt.Errorf("plugin %s does not export %s", p.wasmPath, exportLookup)
	}

	if plugin.FunctionExists(exportOpen) {
		exit, output, err := m.call(ctx, exportOpen, nil)
		if err != nil {
			m.Close()
			return nil, err
		}
		if exit != 0 {
			m.Close()
			return nil, fmt.Errorf("%w: plugin rejected %s (exit %d): %s", metadata.ErrNoDebugData, binary, exit, output)
		}
	}
	return m, nil
}

// Module is a plugin instance bound to one binary. Calls are serialized
// because a plugin instance is single threaded.
type Module struct {
	binary  string
	fs      afero.Fs
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	plugin *extism.Plugin
}

var errClosed = errors.New("plugin module is closed")

func (m *Module) call(ctx context.Context, name string, input []byte) (uint32, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.plugin == nil {
		return 0, nil, errClosed
	}
	callCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	exit, output, err := m.plugin.CallWithContext(callCtx, name, input)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return exit, nil, fmt.Errorf("plugin %s: %w", name, ctxErr)
		}
		if callCtx.Err() != nil {
			return exit, nil, fmt.Errorf("plugin %s timed out after %s", name, m.timeout)
		}
		return exit, nil, fmt.Errorf("plugin %s failed: %w", name, err)
	}
	// Output aliases plugin memory that the next call reuses.
	return exit, append([]byte(nil), output...), nil
}

// Method asks the plugin for the sequence points of rid
func (m *Module) Method(ctx context.Context, rid uint32) (*metadata.MethodTable, bool, error) {
	input, err := json.Marshal(LookupRequest{Rid: rid})
	if err != nil {
		return nil, false, err
	}

	exit, output, err := m.call(ctx, exportLookup, input)
	if err != nil {
		return nil, false, err
	}
	if exit != 0 {
		return nil, false, fmt.Errorf("plugin %s exited with code %d", exportLookup, exit)
	}
	return decodeLookup(output)
}

func decodeLookup(output []byte) (*metadata.MethodTable, bool, error) {
	var resp LookupResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, false, fmt.Errorf("%w: failed to unmarshal plugin output: %v", metadata.ErrCorrupt, err)
	}
	if resp.Error != "" {
		return nil, false, fmt.Errorf("plugin %s: %s", exportLookup, resp.Error)
	}
	if !resp.Found || len(resp.Points) == 0 {
		return nil, false, nil
	}
	for i := range resp.Points {
		if resp.Points[i].Hidden {
			resp.Points[i].StartLine = metadata.HiddenLine
			resp.Points[i].EndLine = metadata.HiddenLine
		}
	}
	return &metadata.MethodTable{Document: resp.Document, Points: resp.Points}, true, nil
}

// Close releases the plugin instance
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.plugin == nil {
		return nil
	}
	err := m.plugin.Close(context.Background())
	m.plugin = nil
	return err
}

func (m *Module) log(level extism.LogLevel, message string) {
	switch level {
	case extism.LogLevelError:
		m.logger.Error(message)
	case extism.LogLevelWarn:
		m.logger.Warn(message)
	case extism.LogLevelInfo:
		m.logger.Info(message)
	default:
		m.logger.Debug(message)
	}
}
