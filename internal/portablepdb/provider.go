package portablepdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/yousuf/sharpen/internal/metadata"
)

// Provider opens the Portable PDB associated with a managed binary
type Provider struct {
	Fs     afero.Fs
	Logger *zap.Logger
}

// NewProvider creates a Provider reading from the OS filesystem
func NewProvider(logger *zap.Logger) *Provider {
	return &Provider{Fs: afero.NewOsFs(), Logger: logger}
}

// Open finds the debug data of the binary at path. Standalone PDBs are tried
// before an embedded one, in this order: the CodeView path as written, the
// CodeView file name next to the binary, then the binary's base name with a
// .pdb extension. A PDB whose id does not match the binary is skipped.
func (p *Provider) Open(ctx context.Context, path string) (metadata.Module, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	f, err := p.Fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	img, err := ReadImage(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var lastErr error
	for _, candidate := range pdbCandidates(path, img.CodeView) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := afero.ReadFile(p.Fs, candidate)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Debug("Skipping unreadable pdb", zap.String("pdb", candidate), zap.Error(err))
			}
			continue
		}

		pdb, err := Parse(data)
		if err != nil {
			logger.Debug("Skipping corrupt pdb", zap.String("pdb", candidate), zap.Error(err))
			lastErr = err
			continue
		}
		if !img.matches(pdb.ID()) {
			logger.Debug("Skipping pdb with mismatched id", zap.String("pdb", candidate))
			continue
		}
		return &pdbModule{pdb: pdb}, nil
	}

	if img.HasEmbeddedPDB() {
		data, err := img.EmbeddedPDB()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		pdb, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: embedded pdb: %w", path, err)
		}
		return &pdbModule{pdb: pdb}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%s: %w", path, lastErr)
	}
	return nil, fmt.Errorf("%s: %w", path, metadata.ErrNoDebugData)
}

// pdbCandidates lists the standalone PDB paths to probe, without duplicates
func pdbCandidates(binary string, cv *CodeView) []string {
	dir := filepath.Dir(binary)
	var out []string
	add := func(p string) {
		for _, seen := range out {
			if seen == p {
				return
			}
		}
		out = append(out, p)
	}

	if cv != nil && cv.Path != "" {
		add(cv.Path)
		// CodeView paths are recorded on the build machine and commonly use
		// Windows separators.
		name := cv.Path[strings.LastIndexAny(cv.Path, `/\`)+1:]
		if name != "" {
			add(filepath.Join(dir, name))
		}
	}

	base := filepath.Base(binary)
	add(filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".pdb"))
	return out
}
