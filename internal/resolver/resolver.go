// Package resolver maps a fully qualified symbol to the binary module that most
// likely declares it.
//
// There is no symbol index. Binaries are usually named after their primary
// namespace, so the longest dotted prefix of the symbol that names an existing
// file wins, without checking that the symbol is really declared inside it.
package resolver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// DefaultExtension is the file extension of managed binaries
const DefaultExtension = ".dll"

// ErrNotFound is returned when no candidate module exists
var ErrNotFound = errors.New("module not found")

// Candidates returns the module file names tried for symbol, most specific
// first. For Foo.Bar.Baz.MyMethod that is Foo.Bar.Baz.MyMethod.dll,
// Foo.Bar.Baz.dll, Foo.Bar.dll and Foo.dll. Empty segments are dropped, so
// A..B tries A.B.dll and never names a path containing "..".
func Candidates(symbol, ext string) []string {
	segments := strings.FieldsFunc(symbol, func(r rune) bool { return r == '.' })

	names := make([]string, 0, len(segments))
	for i := len(segments); i > 0; i-- {
		names = append(names, strings.Join(segments[:i], ".")+ext)
	}
	return names
}

// Resolver looks up candidate modules in a binaries directory
type Resolver struct {
	Fs  afero.Fs
	Ext string
}

// New creates a Resolver on the OS filesystem
func New(ext string) *Resolver {
	return &Resolver{Fs: afero.NewOsFs(), Ext: ext}
}

// Resolve returns the path of the first candidate module for symbol that
// exists in dir
func (r *Resolver) Resolve(dir, symbol string) (string, error) {
	ext := r.Ext
	if ext == "" {
		ext = DefaultExtension
	}

	for _, name := range Candidates(symbol, ext) {
		path := filepath.Join(dir, name)
		info, err := r.Fs.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		return path, nil
	}

	return "", fmt.Errorf("%w: %s", ErrNotFound, symbol)
}

// Modules lists the binaries with the resolver's extension in dir
func (r *Resolver) Modules(dir string) ([]string, error) {
	ext := r.Ext
	if ext == "" {
		ext = DefaultExtension
	}

	entries, err := afero.ReadDir(r.Fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ext) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
