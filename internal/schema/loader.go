package schema

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/encoding/yaml"
	"golang.org/x/sync/errgroup"

	"github.com/dts-community/dts-dev-tools/internal/diag"
	"github.com/dts-community/dts-dev-tools/internal/logger"
	"github.com/dts-community/dts-dev-tools/internal/parser"
)

//go:embed binding.cue
var bindingCUE []byte

// maxReaders bounds concurrent schema reads.
const maxReaders = 8

// Loader collects binding documents. Loading is safe for concurrent use;
// the resulting Index is rebuilt from scratch by Index.
type Loader struct {
	ctx     *cue.Context
	binding cue.Value
	log     *slog.Logger

	// ReadFile defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)

	mu    sync.Mutex
	order []string
	docs  map[string]*Binding
	diags map[string][]diag.Diagnostic
}

func NewLoader(log *slog.Logger) *Loader {
	if log == nil {
		log = logger.Default()
	}
	ctx := cuecontext.New()
	v := ctx.CompileBytes(bindingCUE, cue.Filename("binding.cue"))
	if v.Err() != nil {
		panic(fmt.Sprintf("failed to compile embedded binding schema: %v", v.Err()))
	}
	def := v.LookupPath(cue.ParsePath("#Binding"))
	if def.Err() != nil {
		panic(fmt.Sprintf("embedded binding schema lacks #Binding: %v", def.Err()))
	}
	return &Loader{
		ctx:      ctx,
		binding:  def,
		log:      log,
		ReadFile: os.ReadFile,
		docs:     make(map[string]*Binding),
		diags:    make(map[string][]diag.Diagnostic),
	}
}

// AddSchema parses and registers one binding document. A malformed document
// is recorded as a diagnostic and the returned error describes it; the
// loader stays usable.
func (l *Loader) AddSchema(path string) error {
	f, err := l.extract(path)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.register(path, f, err)
}

// Load reads and parses paths concurrently, then registers them in the given
// order. Only context cancellation is returned as an error; per-document
// failures are diagnostics.
func (l *Loader) Load(ctx context.Context, paths []string) error {
	files := make([]*ast.File, len(paths))
	errs := make([]error, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxReaders)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			files[i], errs[i] = l.extract(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// cue.Context is not safe for concurrent use; build on this goroutine.
	l.mu.Lock()
	defer l.mu.Unlock()
	failed := 0
	for i, p := range paths {
		if l.register(p, files[i], errs[i]) != nil {
			failed++
		}
	}
	l.log.Debug("bindings loaded", "files", len(paths), "failed", failed)
	return nil
}

func (l *Loader) extract(path string) (*ast.File, error) {
	data, err := l.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading binding: %w", err)
	}
	f, err := yaml.Extract(path, data)
	if err != nil {
		return nil, fmt.Errorf("parsing binding: %w", err)
	}
	return f, nil
}

func (l *Loader) register(path string, f *ast.File, err error) error {
	if _, ok := l.docs[path]; !ok {
		if _, failed := l.diags[path]; !failed {
			l.order = append(l.order, path)
		}
	}
	delete(l.docs, path)
	delete(l.diags, path)

	if err == nil {
		var b *Binding
		b, err = l.decode(path, f)
		if err == nil {
			l.docs[path] = b
			return nil
		}
	}

	l.diags[path] = schemaDiagnostics(path, err)
	l.log.Warn("skipping binding", "file", path, "error", err)
	return err
}

func (l *Loader) decode(path string, f *ast.File) (*Binding, error) {
	v := l.ctx.BuildFile(f)
	if v.Err() != nil {
		return nil, v.Err()
	}
	u := l.binding.Unify(v)
	if err := u.Validate(cue.Concrete(true)); err != nil {
		return nil, err
	}
	return fromValue(path, u)
}

type rawBinding struct {
	Description string               `json:"description"`
	Compatible  string               `json:"compatible"`
	Include     any                  `json:"include"`
	Bus         any                  `json:"bus"`
	OnBus       string               `json:"on-bus"`
	Properties  map[string]*Property `json:"properties"`
}

func fromValue(path string, v cue.Value) (*Binding, error) {
	var raw rawBinding
	if err := v.Decode(&raw); err != nil {
		return nil, err
	}

	b := &Binding{
		Filename:    path,
		Compatible:  raw.Compatible,
		Description: raw.Description,
		OnBus:       raw.OnBus,
		Buses:       stringList(raw.Bus),
		Properties:  make(map[string]*Property, len(raw.Properties)),
		Cells:       make(map[string][]string),
	}
	for name, p := range raw.Properties {
		if p == nil {
			p = &Property{}
		}
		p.Name = name
		p.Type = p.Type.Canonical()
		b.Properties[name] = p
	}

	switch inc := raw.Include.(type) {
	case string:
		b.includes = []string{inc}
	case []any:
		for _, x := range inc {
			switch x := x.(type) {
			case string:
				b.includes = append(b.includes, x)
			case map[string]any:
				if name, ok := x["name"].(string); ok {
					b.includes = append(b.includes, name)
				}
			}
		}
	}

	it, err := v.Fields()
	if err != nil {
		return nil, err
	}
	for it.Next() {
		key := it.Selector().Unquoted()
		space, ok := cellSpace(key)
		if !ok {
			continue
		}
		var names []string
		if err := it.Value().Decode(&names); err != nil {
			return nil, err
		}
		b.Cells[space] = names
	}

	if child := v.LookupPath(cue.MakePath(cue.Str("child-binding"))); child.Exists() {
		cb, err := fromValue(path, child)
		if err != nil {
			return nil, err
		}
		b.child = cb
	}
	return b, nil
}

func cellSpace(key string) (string, bool) {
	const suffix = "-cells"
	if len(key) <= len(suffix) || key[len(key)-len(suffix):] != suffix {
		return "", false
	}
	return key[:len(key)-len(suffix)], true
}

func stringList(x any) []string {
	switch x := x.(type) {
	case string:
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, s := range x {
			if s, ok := s.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func schemaDiagnostics(path string, err error) []diag.Diagnostic {
	var out []diag.Diagnostic
	for _, e := range cueerrors.Errors(err) {
		d := diag.Diagnostic{Level: diag.LevelError, Code: diag.CodeSchema, File: path, Message: e.Error()}
		if pos := e.Position(); pos.IsValid() {
			start := parser.Position{Line: pos.Line(), Column: pos.Column()}
			d.Range = parser.Range{Start: start, End: start}
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		out = append(out, diag.Diagnostic{Level: diag.LevelError, Code: diag.CodeSchema, File: path, Message: err.Error()})
	}
	return out
}

// Diagnostics returns the problems found in documents that were skipped.
func (l *Loader) Diagnostics() []diag.Diagnostic {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []diag.Diagnostic
	for _, p := range l.order {
		out = append(out, l.diags[p]...)
	}
	return out
}

// Index builds a new immutable index over the documents loaded so far.
func (l *Loader) Index() *Index {
	l.mu.Lock()
	defer l.mu.Unlock()
	docs := make([]*Binding, 0, len(l.docs))
	for _, p := range l.order {
		if b, ok := l.docs[p]; ok {
			docs = append(docs, b)
		}
	}
	return newIndex(docs)
}
