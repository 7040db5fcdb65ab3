package symbolicator

import (
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/yousuf/sharpen/internal/config"
	"github.com/yousuf/sharpen/internal/metadata"
	"github.com/yousuf/sharpen/internal/plugin"
	"github.com/yousuf/sharpen/internal/portablepdb"
)

// NewProvider builds the metadata provider described by cfg: Portable PDBs,
// plus the plugin when one is configured
func NewProvider(cfg *config.Config, fs afero.Fs, logger *zap.Logger) metadata.Provider {
	pdb := &portablepdb.Provider{Fs: fs, Logger: logger}
	if cfg.Plugin.Path == "" {
		return pdb
	}

	wasm := plugin.NewProvider(cfg.Plugin.Path,
		plugin.WithFs(fs),
		plugin.WithLogger(logger.Named("plugin")),
		plugin.WithTimeout(cfg.Plugin.Timeout),
	)
	if cfg.Plugin.FallbackOnly {
		return metadata.Chain(pdb, wasm)
	}
	return metadata.Chain(wasm, pdb)
}

// FromConfig creates a Symbolicator from cfg. Later options override the
// configured ones.
func FromConfig(cfg *config.Config, fs afero.Fs, logger *zap.Logger, opts ...Option) (*Symbolicator, error) {
	base := []Option{
		WithFs(fs),
		WithLogger(logger),
		WithProvider(NewProvider(cfg, fs, logger)),
		WithWorkers(cfg.Workers),
		WithLineTimeout(cfg.LineTimeout),
		WithCacheSize(cfg.CacheSize),
		WithExtension(cfg.BinaryExtension),
		WithKeepTokens(cfg.KeepTokens),
	}
	return New(append(base, opts...)...)
}
