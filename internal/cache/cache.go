// Package cache owns the live configurations and keeps them consistent with
// edits: files are re-parsed after a debounce window, every context that
// depends on a changed file is re-merged, and readers always see a complete
// snapshot.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dts-community/dts-dev-tools/internal/diag"
	"github.com/dts-community/dts-dev-tools/internal/index"
	"github.com/dts-community/dts-dev-tools/internal/logger"
	"github.com/dts-community/dts-dev-tools/internal/schema"
	"github.com/dts-community/dts-dev-tools/internal/validator"
)

const DefaultDebounce = 200 * time.Millisecond

type Options struct {
	// Debounce is how long a file must stay unchanged before it is
	// re-parsed. Zero means DefaultDebounce.
	Debounce    time.Duration
	IncludeDirs []string
	// Source reads files that are not open in the editor. Defaults to the
	// local filesystem.
	Source index.Source
	Logger *slog.Logger
}

type FileState int

const (
	StateUnparsed FileState = iota
	StateParsing
	StateParsed
)

func (s FileState) String() string {
	switch s {
	case StateParsing:
		return "parsing"
	case StateParsed:
		return "parsed"
	}
	return "unparsed"
}

type fileEntry struct {
	path    string
	text    string
	open    bool // text comes from the editor
	gen     uint64
	parsed  *index.File
	state   FileState
	timer   *time.Timer
	timerID uint64
}

type Session struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	files    map[string]*fileEntry
	contexts []*Context
	current  *Context
	bindings *schema.Index
	onChange []func(*Context)
	onDelete []func(*Context)
	timerSeq uint64

	pending int
	idle    chan struct{}
}

func NewSession(opts Options) *Session {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Source == nil {
		opts.Source = index.OSSource{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Session{
		opts:  opts,
		log:   opts.Logger,
		files: make(map[string]*fileEntry),
		idle:  idle,
	}
}

// Snapshot is one merged state of a context. It is never modified.
type Snapshot struct {
	Tree        *index.Tree
	Diagnostics []diag.Diagnostic
	// Generation counts completed merges of the context, starting at 1.
	Generation uint64
}

// Context is one configuration: a base file plus ordered overlays.
type Context struct {
	Name     string
	Base     string
	Overlays []string

	snapshot atomic.Pointer[Snapshot]
	ready    chan struct{}

	// guarded by Session.mu
	deps    map[string]bool
	dirty   bool
	merging bool
	removed bool
	gen     uint64
}

// Snapshot returns the latest merged state, or nil before the first merge.
func (c *Context) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

func (c *Context) Tree() *index.Tree {
	if s := c.Snapshot(); s != nil {
		return s.Tree
	}
	return nil
}

// Diagnostics returns parse, merge and validation diagnostics of the latest
// snapshot.
func (c *Context) Diagnostics() []diag.Diagnostic {
	if s := c.Snapshot(); s != nil {
		return s.Diagnostics
	}
	return nil
}

// Roots returns the base file followed by the overlays.
func (c *Context) Roots() []string {
	return append([]string{c.Base}, c.Overlays...)
}

// OnChange registers fn to be called after every completed merge. Calls for
// one context arrive in merge order.
func (s *Session) OnChange(fn func(*Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// OnDelete registers fn to be called once for every removed context.
func (s *Session) OnDelete(fn func(*Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDelete = append(s.onDelete, fn)
}

func (s *Session) addPending() {
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
}

func (s *Session) donePending() {
	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
}

// Stable blocks until no parse or merge work is outstanding, or ctx is done.
func (s *Session) Stable(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenContext loads and parses base, overlays and everything they include,
// then merges them. It returns once the first merge is done. Only an
// unreadable base or overlay fails the call.
func (s *Session) OpenContext(ctx context.Context, name, base string, overlays []string) (*Context, error) {
	c := &Context{
		Name:     name,
		Base:     base,
		Overlays: overlays,
		ready:    make(chan struct{}),
		deps:     make(map[string]bool),
	}
	for _, r := range c.Roots() {
		c.deps[r] = true
	}

	s.mu.Lock()
	s.addPending()
	s.mu.Unlock()

	start := time.Now()
	if err := s.loadFiles(ctx, c.Roots(), true); err != nil {
		s.mu.Lock()
		s.donePending()
		s.mu.Unlock()
		return nil, err
	}
	s.log.Debug("context loaded", "context", name, "elapsed", time.Since(start))

	s.mu.Lock()
	s.contexts = append(s.contexts, c)
	s.mu.Unlock()
	s.requestMerge(c)

	s.mu.Lock()
	s.donePending()
	s.mu.Unlock()

	select {
	case <-c.ready:
		return c, nil
	case <-ctx.Done():
		s.RemoveContext(c)
		return nil, ctx.Err()
	}
}

// loadFiles parses paths that are not loaded yet, plus their include
// closure, in parallel. With required set, a read failure of one of paths
// is returned; other read failures are logged.
func (s *Session) loadFiles(ctx context.Context, paths []string, required bool) error {
	defer s.retryDeferred()
	wave := paths
	first := true
	for len(wave) > 0 {
		type job struct {
			entry *fileEntry
			gen   uint64
			text  string
			open  bool
		}
		var jobs []job
		s.mu.Lock()
		for _, p := range wave {
			f, ok := s.files[p]
			if !ok {
				f = &fileEntry{path: p}
				s.files[p] = f
			}
			if f.parsed != nil || f.state == StateParsing {
				continue
			}
			f.state = StateParsing
			jobs = append(jobs, job{entry: f, gen: f.gen, text: f.text, open: f.open})
		}
		s.mu.Unlock()

		results := make([]*index.File, len(jobs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i, j := range jobs {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				if j.open {
					results[i] = index.NewFile(j.entry.path, j.text, s.opts.IncludeDirs, s.opts.Source)
					return nil
				}
				f, err := index.ReadFile(j.entry.path, s.opts.IncludeDirs, s.opts.Source)
				if err != nil {
					if first && required {
						return err
					}
					s.log.Warn("cannot read file", "file", j.entry.path, "error", err)
					return nil
				}
				results[i] = f
				return nil
			})
		}
		err := g.Wait()

		var next []string
		s.mu.Lock()
		for i, j := range jobs {
			f := j.entry
			if results[i] == nil || f.gen != j.gen {
				// unreadable, or edited meanwhile; the edit schedules its own parse
				if f.parsed == nil {
					f.state = StateUnparsed
				} else {
					f.state = StateParsed
				}
				continue
			}
			f.parsed = results[i]
			f.state = StateParsed
			for _, inc := range f.parsed.Includes {
				if inc.Target != "" && !inc.IsHeader() {
					next = append(next, inc.Target)
				}
			}
		}
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("loading %v: %w", wave, err)
		}
		wave = next
		first = false
	}
	return nil
}

// OnFileChanged records new text for path and schedules a re-parse once the
// file has been quiet for the debounce window. Every context that includes
// the file is re-merged after the parse.
func (s *Session) OnFileChanged(path, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[path]
	if !ok {
		f = &fileEntry{path: path}
		s.files[path] = f
	}
	f.text = text
	f.open = true
	f.gen++

	if f.timer != nil && f.timer.Stop() {
		f.timer.Reset(s.opts.Debounce)
		return
	}
	s.timerSeq++
	id := s.timerSeq
	f.timerID = id
	s.addPending()
	f.timer = time.AfterFunc(s.opts.Debounce, func() { s.reparse(path, id) })
}

// CloseFile marks path as no longer open in the editor. Its state is
// dropped unless a context still includes it, in which case it is re-read
// from disk.
func (s *Session) CloseFile(path string) {
	s.mu.Lock()
	f, ok := s.files[path]
	if !ok {
		s.mu.Unlock()
		return
	}
	f.open = false
	f.text = ""
	s.cancelTimerLocked(f)
	used := s.usedLocked(path)
	if !used {
		s.dropLocked(f)
	}
	s.mu.Unlock()
	if used {
		s.reload(path)
	}
}

func (s *Session) reload(path string) {
	s.mu.Lock()
	if f, ok := s.files[path]; ok {
		f.gen++
		f.parsed = nil
		f.state = StateUnparsed
	}
	s.addPending()
	s.mu.Unlock()

	if err := s.loadFiles(context.Background(), []string{path}, false); err != nil {
		s.log.Warn("reload failed", "file", path, "error", err)
	}
	for _, c := range s.dependents(path) {
		s.requestMerge(c)
	}
	s.mu.Lock()
	s.donePending()
	s.mu.Unlock()
}

func (s *Session) usedLocked(path string) bool {
	for _, c := range s.contexts {
		if c.deps[path] {
			return true
		}
	}
	return false
}

func (s *Session) dropLocked(f *fileEntry) {
	s.cancelTimerLocked(f)
	delete(s.files, f.path)
}

// cancelTimerLocked stops the debounce timer of f. A timer that already
// fired finds its id superseded and gives up without parsing.
func (s *Session) cancelTimerLocked(f *fileEntry) {
	if f.timer != nil && f.timer.Stop() {
		s.donePending()
	}
	f.timer = nil
	s.timerSeq++
	f.timerID = s.timerSeq
}

func (s *Session) dependents(path string) []*Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Context
	for _, c := range s.contexts {
		if c.deps[path] {
			out = append(out, c)
		}
	}
	return out
}

func (s *Session) reparse(path string, id uint64) {
	s.mu.Lock()
	f, ok := s.files[path]
	if !ok || f.timerID != id {
		// superseded timer
		s.donePending()
		s.mu.Unlock()
		return
	}
	f.timer = nil
	f.state = StateParsing
	gen, text := f.gen, f.text
	s.mu.Unlock()

	start := time.Now()
	parsed := index.NewFile(path, text, s.opts.IncludeDirs, s.opts.Source)

	s.mu.Lock()
	if f.gen != gen || s.files[path] != f {
		// A newer edit arrived while parsing; its own timer takes over.
		s.log.Debug("discarding stale parse", "file", path, "generation", gen)
		s.donePending()
		s.mu.Unlock()
		return
	}
	f.parsed = parsed
	f.state = StateParsed
	var includes []string
	for _, inc := range parsed.Includes {
		if inc.Target != "" && !inc.IsHeader() {
			includes = append(includes, inc.Target)
		}
	}
	s.mu.Unlock()
	s.log.Debug("parsed", "file", path, "generation", gen, "elapsed", time.Since(start))

	if err := s.loadFiles(context.Background(), includes, false); err != nil {
		s.log.Warn("loading includes failed", "file", path, "error", err)
	}
	for _, c := range s.dependents(path) {
		s.requestMerge(c)
	}

	s.mu.Lock()
	s.donePending()
	s.mu.Unlock()
}

// requestMerge marks c dirty and starts its merge loop unless one is
// running; a running loop picks the request up in its next cycle.
func (s *Session) requestMerge(c *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.removed {
		return
	}
	c.dirty = true
	if c.merging {
		return
	}
	c.merging = true
	s.addPending()
	go s.mergeLoop(c)
}

func (s *Session) mergeLoop(c *Context) {
	for {
		s.mu.Lock()
		if !c.dirty || c.removed || s.depsBusyLocked(c) {
			// A busy dependency requests another merge when its parse is done.
			c.merging = false
			s.donePending()
			s.mu.Unlock()
			return
		}
		c.dirty = false
		files := make(map[string]*index.File, len(s.files))
		for p, f := range s.files {
			if f.parsed != nil {
				files[p] = f.parsed
			}
		}
		bindings := s.bindings
		s.mu.Unlock()

		start := time.Now()
		tree := index.Merge(c.Name, c.Roots(), files, bindings)
		diags := append(append([]diag.Diagnostic{}, tree.Diagnostics()...), validator.Validate(tree)...)

		s.mu.Lock()
		if c.removed {
			c.merging = false
			s.donePending()
			s.mu.Unlock()
			return
		}
		c.gen++
		c.deps = make(map[string]bool, len(tree.Files))
		for _, r := range c.Roots() {
			c.deps[r] = true
		}
		for _, p := range tree.Files {
			c.deps[p] = true
		}
		c.snapshot.Store(&Snapshot{Tree: tree, Diagnostics: diags, Generation: c.gen})
		handlers := append([]func(*Context){}, s.onChange...)
		s.mu.Unlock()

		s.log.Debug("merged", "context", c.Name, "generation", c.gen, "files", len(tree.Files), "elapsed", time.Since(start))
		if c.gen == 1 {
			close(c.ready)
		}
		for _, h := range handlers {
			h(c)
		}
	}
}

// depsBusyLocked reports whether a file c uses, or an include target of one,
// still has a parse outstanding.
func (s *Session) depsBusyLocked(c *Context) bool {
	busy := func(p string) bool {
		f, ok := s.files[p]
		return ok && (f.timer != nil || f.state == StateParsing)
	}
	for p := range c.deps {
		if busy(p) {
			return true
		}
		f, ok := s.files[p]
		if !ok || f.parsed == nil {
			continue
		}
		for _, inc := range f.parsed.Includes {
			if inc.Target != "" && busy(inc.Target) {
				return true
			}
		}
	}
	return false
}

// retryDeferred restarts merges that were skipped while a file was loading.
func (s *Session) retryDeferred() {
	s.mu.Lock()
	var deferred []*Context
	for _, c := range s.contexts {
		if c.dirty && !c.merging {
			deferred = append(deferred, c)
		}
	}
	s.mu.Unlock()
	for _, c := range deferred {
		s.requestMerge(c)
	}
}

// RemoveContext discards c. Files no other context uses and that are not
// open in the editor are dropped.
func (s *Session) RemoveContext(c *Context) {
	s.mu.Lock()
	found := false
	for i, x := range s.contexts {
		if x == c {
			s.contexts = append(s.contexts[:i:i], s.contexts[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return
	}
	c.removed = true
	if s.current == c {
		s.current = nil
	}
	for p := range c.deps {
		if f, ok := s.files[p]; ok && !f.open && !s.usedLocked(p) {
			s.dropLocked(f)
		}
	}
	handlers := append([]func(*Context){}, s.onDelete...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(c)
	}
}

// Contexts returns the open contexts in creation order.
func (s *Session) Contexts() []*Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Context(nil), s.contexts...)
}

// ContextFor returns the first context that uses path, or nil.
func (s *Session) ContextFor(path string) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextForLocked(path)
}

func (s *Session) contextForLocked(path string) *Context {
	for _, c := range s.contexts {
		if c.deps[path] {
			return c
		}
	}
	return nil
}

// SetCurrent makes the first context using path the current one, keeping
// the current context if it already uses path. It returns the new current
// context, which is nil if no context uses path.
func (s *Session) SetCurrent(path string) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.deps[path] {
		return s.current
	}
	if c := s.contextForLocked(path); c != nil {
		s.current = c
	}
	return s.current
}

func (s *Session) Current() *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// FileState reports the parse state of path.
func (s *Session) FileState(path string) FileState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[path]; ok {
		return f.state
	}
	return StateUnparsed
}

// File returns the latest parsed version of path, or nil.
func (s *Session) File(path string) *index.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[path]; ok {
		return f.parsed
	}
	return nil
}

// LoadBindings replaces the binding index with one built from paths and
// re-merges every context. Malformed bindings are returned as diagnostics.
func (s *Session) LoadBindings(ctx context.Context, paths []string) ([]diag.Diagnostic, error) {
	s.mu.Lock()
	s.addPending()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.donePending()
		s.mu.Unlock()
	}()

	l := schema.NewLoader(s.log)
	l.ReadFile = s.opts.Source.ReadFile
	if err := l.Load(ctx, paths); err != nil {
		return nil, err
	}
	ix := l.Index()

	s.mu.Lock()
	s.bindings = ix
	contexts := append([]*Context(nil), s.contexts...)
	s.mu.Unlock()

	s.log.Info("bindings loaded", "count", ix.Len())
	for _, c := range contexts {
		s.requestMerge(c)
	}
	return l.Diagnostics(), nil
}

// Bindings returns the current binding index.
func (s *Session) Bindings() *schema.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings
}
