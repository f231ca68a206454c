package index

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dts-community/dts-dev-tools/internal/diag"
	"github.com/dts-community/dts-dev-tools/internal/parser"
)

// Source provides file contents. The orchestrator substitutes an in-memory
// implementation for unsaved editor buffers.
type Source interface {
	ReadFile(path string) ([]byte, error)
	Exists(path string) bool
}

// OSSource reads from the local filesystem.
type OSSource struct{}

func (OSSource) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (OSSource) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

type Include struct {
	*parser.Include
	// Target is the resolved absolute path, empty if the file was not found.
	Target string
}

// IsHeader reports whether the include names a C header. Headers only carry
// macros, which are not evaluated, so they contribute no declarations.
func (i Include) IsHeader() bool {
	return strings.HasSuffix(i.Path, ".h")
}

// File is one parsed source unit. It is never modified after NewFile
// returns; a re-parse produces a new File.
type File struct {
	Path        string
	Text        string
	Doc         *parser.Document
	Includes    []Include
	Diagnostics []diag.Diagnostic
}

// NewFile parses text and resolves its includes. Quoted includes are looked
// up next to the file first, then in includeDirs; angle includes only in
// includeDirs.
func NewFile(path, text string, includeDirs []string, src Source) *File {
	if src == nil {
		src = OSSource{}
	}
	f := &File{
		Path: path,
		Text: text,
		Doc:  parser.Parse(text),
	}
	f.Diagnostics = diag.FromParser(path, f.Doc.Errors)

	for _, item := range f.Doc.Items {
		inc, ok := item.(*parser.Include)
		if !ok {
			continue
		}
		target := resolveInclude(path, inc, includeDirs, src)
		if target == "" {
			f.Diagnostics = append(f.Diagnostics, diag.Diagnostic{
				Level:   diag.LevelError,
				Code:    diag.CodeIncludeNotFound,
				Message: fmt.Sprintf("include %q not found", inc.Path),
				File:    path,
				Range:   inc.PathRange,
			})
		}
		f.Includes = append(f.Includes, Include{Include: inc, Target: target})
	}
	return f
}

// ReadFile loads and parses path from src.
func ReadFile(path string, includeDirs []string, src Source) (*File, error) {
	if src == nil {
		src = OSSource{}
	}
	data, err := src.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return NewFile(path, string(data), includeDirs, src), nil
}

func resolveInclude(from string, inc *parser.Include, includeDirs []string, src Source) string {
	if filepath.IsAbs(inc.Path) {
		if src.Exists(inc.Path) {
			return filepath.Clean(inc.Path)
		}
		return ""
	}
	dirs := includeDirs
	if !inc.System {
		dirs = append([]string{filepath.Dir(from)}, includeDirs...)
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, inc.Path)
		if !filepath.IsAbs(candidate) {
			if abs, err := filepath.Abs(candidate); err == nil {
				candidate = abs
			}
		}
		if src.Exists(candidate) {
			return candidate
		}
	}
	return ""
}

// Target returns the resolved target of inc, or "".
func (f *File) Target(inc *parser.Include) string {
	for _, i := range f.Includes {
		if i.Include == inc {
			return i.Target
		}
	}
	return ""
}

// IncludeAt returns the include directive whose path is under pos.
func (f *File) IncludeAt(pos parser.Position) (Include, bool) {
	for _, i := range f.Includes {
		if i.Range.Contains(pos) {
			return i, true
		}
	}
	return Include{}, false
}

// MapSource serves files from memory, keyed by absolute path.
type MapSource map[string]string

func (m MapSource) ReadFile(path string) ([]byte, error) {
	s, ok := m[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
	}
	return []byte(s), nil
}

func (m MapSource) Exists(path string) bool {
	_, ok := m[path]
	return ok
}
