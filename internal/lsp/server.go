package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dts-community/dts-dev-tools/internal/board"
	"github.com/dts-community/dts-dev-tools/internal/cache"
	"github.com/dts-community/dts-dev-tools/internal/config"
	"github.com/dts-community/dts-dev-tools/internal/diag"
	"github.com/dts-community/dts-dev-tools/internal/index"
	"github.com/dts-community/dts-dev-tools/internal/logger"
	"github.com/dts-community/dts-dev-tools/internal/parser"
)

type JsonRpcMessage struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *JsonRpcError   `json:"error,omitempty"`
}

type JsonRpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type InitializeParams struct {
	RootPath string `json:"rootPath"`
	RootURI  string `json:"rootUri"`
}

type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type VersionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

type TextDocumentContentChangeEvent struct {
	Text string `json:"text"`
}

type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

type HoverParams = TextDocumentPositionParams

type DefinitionParams = TextDocumentPositionParams

type ReferenceParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
	Context      ReferenceContext       `json:"context"`
}

type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

type DocumentLinkParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

type DocumentLink struct {
	Range  Range  `json:"range"`
	Target string `json:"target"`
}

type Hover struct {
	Contents any `json:"contents"`
}

type MarkupContent struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

type PublishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

type Diagnostic struct {
	Range    Range  `json:"range"`
	Severity int    `json:"severity"`
	Code     string `json:"code,omitempty"`
	Source   string `json:"source"`
	Message  string `json:"message"`
}

type Options struct {
	// Config is used as is when set; otherwise it is loaded from the
	// workspace root on initialize.
	Config     *config.Config
	Source     index.Source
	Logger     *slog.Logger
	Visualizer *Visualizer
}

// Server speaks the language server protocol over a byte stream, one
// session per connection.
type Server struct {
	in         *bufio.Reader
	out        io.Writer
	log        *slog.Logger
	source     index.Source
	visualizer *Visualizer

	writeMu sync.Mutex

	mu        sync.Mutex
	cfg       *config.Config
	session   *cache.Session
	boards    map[*cache.Context]*board.Info
	published map[string]bool
}

func NewServer(in io.Reader, out io.Writer, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Source == nil {
		opts.Source = index.OSSource{}
	}
	return &Server{
		in:         bufio.NewReader(in),
		out:        out,
		log:        opts.Logger,
		source:     opts.Source,
		visualizer: opts.Visualizer,
		cfg:        opts.Config,
		boards:     make(map[*cache.Context]*board.Info),
		published:  make(map[string]bool),
	}
}

// Run serves messages until the client sends exit or closes the stream.
func (s *Server) Run(ctx context.Context) error {
	for {
		body, err := readMessage(s.in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading message: %w", err)
		}
		var msg JsonRpcMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			s.log.Warn("malformed message", "error", err)
			continue
		}
		if s.handleMessage(ctx, &msg) {
			return nil
		}
	}
}

func readMessage(reader *bufio.Reader) ([]byte, error) {
	contentLength := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d", &contentLength); err != nil {
				return nil, fmt.Errorf("bad Content-Length %q: %w", value, err)
			}
		}
	}
	if contentLength < 0 {
		return nil, errors.New("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

// handleMessage dispatches one message and reports whether the server
// should stop.
func (s *Server) handleMessage(ctx context.Context, msg *JsonRpcMessage) bool {
	switch msg.Method {
	case "initialize":
		var params InitializeParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.respondError(msg.ID, codeInvalidParams, err.Error())
				return false
			}
		}
		root := params.RootPath
		if root == "" && params.RootURI != "" {
			root = uriToPath(params.RootURI)
		}
		if err := s.initialize(ctx, root); err != nil {
			s.respondError(msg.ID, codeInvalidParams, err.Error())
			return false
		}
		s.respond(msg.ID, map[string]any{
			"capabilities": map[string]any{
				"textDocumentSync":     1, // full sync
				"hoverProvider":        true,
				"definitionProvider":   true,
				"referencesProvider":   true,
				"documentLinkProvider": map[string]any{"resolveProvider": false},
			},
			"serverInfo": map[string]any{"name": "dtt"},
		})
	case "initialized":
	case "shutdown":
		s.respond(msg.ID, nil)
	case "exit":
		return true
	case "textDocument/didOpen":
		var params DidOpenTextDocumentParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			s.handleDidOpen(ctx, params)
		}
	case "textDocument/didChange":
		var params DidChangeTextDocumentParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			s.handleDidChange(params)
		}
	case "textDocument/didClose":
		var params DidCloseTextDocumentParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			s.handleDidClose(params)
		}
	case "textDocument/hover":
		var params HoverParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.respondError(msg.ID, codeInvalidParams, err.Error())
			return false
		}
		s.respond(msg.ID, s.handleHover(params))
	case "textDocument/definition":
		var params DefinitionParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.respondError(msg.ID, codeInvalidParams, err.Error())
			return false
		}
		s.respond(msg.ID, s.handleDefinition(params))
	case "textDocument/references":
		var params ReferenceParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.respondError(msg.ID, codeInvalidParams, err.Error())
			return false
		}
		s.respond(msg.ID, s.handleReferences(params))
	case "textDocument/documentLink":
		var params DocumentLinkParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.respondError(msg.ID, codeInvalidParams, err.Error())
			return false
		}
		s.respond(msg.ID, s.handleDocumentLink(params))
	default:
		if msg.ID != nil {
			s.respondError(msg.ID, codeMethodNotFound, "method not found: "+msg.Method)
		}
	}
	return false
}

// initialize creates the session, loads bindings and opens the configured
// contexts. Failures of single bindings or contexts are logged.
func (s *Server) initialize(ctx context.Context, root string) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg == nil {
		var err error
		if cfg, err = config.LoadFull(root); err != nil {
			return err
		}
	}

	session := cache.NewSession(cache.Options{
		Debounce:    cfg.Parser.Debounce(),
		IncludeDirs: cfg.Parser.IncludeDirs,
		Source:      s.source,
		Logger:      s.log,
	})
	session.OnChange(s.contextChanged)
	session.OnDelete(func(c *cache.Context) {
		s.mu.Lock()
		delete(s.boards, c)
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.cfg = cfg
	s.session = session
	s.mu.Unlock()

	files, err := cfg.BindingFiles()
	if err != nil {
		s.log.Warn("binding directories", "error", err)
	}
	if len(files) > 0 {
		diags, err := session.LoadBindings(ctx, files)
		if err != nil {
			return err
		}
		for _, d := range diags {
			s.log.Warn("binding skipped", "diagnostic", d.String())
		}
	}

	for _, cc := range cfg.Contexts {
		c, err := session.OpenContext(ctx, cc.Name, cc.Board, cc.Overlays)
		if err != nil {
			s.log.Warn("cannot open context", "context", cc.Name, "error", err)
			continue
		}
		if cc.BoardInfo != "" {
			info, err := board.Load(cc.BoardInfo)
			if err != nil {
				s.log.Warn("cannot read board file", "context", cc.Name, "error", err)
				continue
			}
			s.mu.Lock()
			s.boards[c] = info
			s.mu.Unlock()
		}
	}
	s.log.Info("initialized", "root", root, "contexts", len(session.Contexts()))
	return nil
}

func (s *Server) getSession() *cache.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Server) contextChanged(c *cache.Context) {
	session := s.getSession()
	if session == nil || session.Current() != c {
		return
	}
	s.publishDiagnostics(c)
	if s.visualizer != nil {
		s.visualizer.SetTree(c.Tree())
	}
}

func (s *Server) handleDidOpen(ctx context.Context, params DidOpenTextDocumentParams) {
	session := s.getSession()
	if session == nil {
		return
	}
	path := uriToPath(params.TextDocument.URI)
	session.OnFileChanged(path, params.TextDocument.Text)
	c := session.SetCurrent(path)
	if c == nil {
		// A file outside every configured context becomes its own context.
		var err error
		c, err = session.OpenContext(ctx, filepath.Base(path), path, nil)
		if err != nil {
			s.log.Warn("cannot open context", "file", path, "error", err)
			return
		}
		c = session.SetCurrent(path)
	}
	if c == nil {
		return
	}
	s.publishDiagnostics(c)
	if s.visualizer != nil {
		s.visualizer.SetTree(c.Tree())
	}
}

func (s *Server) handleDidChange(params DidChangeTextDocumentParams) {
	session := s.getSession()
	if session == nil || len(params.ContentChanges) == 0 {
		return
	}
	text := params.ContentChanges[len(params.ContentChanges)-1].Text
	session.OnFileChanged(uriToPath(params.TextDocument.URI), text)
}

func (s *Server) handleDidClose(params DidCloseTextDocumentParams) {
	if session := s.getSession(); session != nil {
		session.CloseFile(uriToPath(params.TextDocument.URI))
	}
}

// treeFor returns the merged tree of the context the editor is working in
// for path.
func (s *Server) treeFor(path string) (*index.Tree, *cache.Context) {
	session := s.getSession()
	if session == nil {
		return nil, nil
	}
	c := session.SetCurrent(path)
	if c == nil {
		return nil, nil
	}
	return c.Tree(), c
}

func (s *Server) handleHover(params HoverParams) *Hover {
	path := uriToPath(params.TextDocument.URI)
	tree, c := s.treeFor(path)
	if tree == nil {
		return nil
	}
	res := tree.Query(path, toPosition(params.Position))
	s.mu.Lock()
	info := s.boards[c]
	s.mu.Unlock()

	content := hoverContent(tree, res, info)
	if s.visualizer != nil && res.Fragment != nil && res.Fragment.Node != nil && !res.Fragment.Deleted {
		s.visualizer.SetTree(tree)
		s.visualizer.SetFocus(res.Fragment.Node)
	}
	if content == "" {
		return nil
	}
	return &Hover{
		Contents: MarkupContent{
			Kind:  "markdown",
			Value: content,
		},
	}
}

// target returns the node the position names: the target of a reference
// under the cursor, or the node of the enclosing entry.
func target(tree *index.Tree, res index.QueryResult, pos parser.Position) *index.Node {
	if ref := refAt(res, pos); ref != nil {
		return tree.Resolve(ref)
	}
	if res.Fragment != nil && !res.Fragment.Deleted {
		return res.Fragment.Node
	}
	return nil
}

func refAt(res index.QueryResult, pos parser.Position) *parser.RefValue {
	if r, ok := res.Cell.(*parser.RefValue); ok {
		return r
	}
	if r, ok := res.Value.(*parser.RefValue); ok {
		return r
	}
	if res.Kind == index.QueryEntry && res.Fragment.Decl.Ref != nil && res.Fragment.Decl.Ref.Range.Contains(pos) {
		return res.Fragment.Decl.Ref
	}
	return nil
}

func (s *Server) handleDefinition(params DefinitionParams) any {
	path := uriToPath(params.TextDocument.URI)
	tree, _ := s.treeFor(path)
	if tree == nil {
		return nil
	}
	pos := toPosition(params.Position)
	res := tree.Query(path, pos)
	ref := refAt(res, pos)
	if ref == nil {
		return nil
	}
	node := tree.Resolve(ref)
	if node == nil {
		return nil
	}
	locs := declarations(node)
	if len(locs) == 0 {
		return nil
	}
	return locs
}

// declarations returns the named entries of node, skipping &label entries.
func declarations(node *index.Node) []Location {
	var out []Location
	for _, f := range node.Fragments {
		if f.Decl.Ref != nil {
			continue
		}
		out = append(out, Location{URI: pathToURI(f.File), Range: toRange(f.Decl.NameRange)})
	}
	return out
}

func (s *Server) handleReferences(params ReferenceParams) []Location {
	path := uriToPath(params.TextDocument.URI)
	tree, _ := s.treeFor(path)
	if tree == nil {
		return nil
	}
	pos := toPosition(params.Position)
	node := target(tree, tree.Query(path, pos), pos)
	if node == nil {
		return nil
	}

	var locs []Location
	if params.Context.IncludeDeclaration {
		locs = append(locs, declarations(node)...)
	}
	for _, f := range node.Fragments {
		if f.Decl.Ref != nil {
			locs = append(locs, Location{URI: pathToURI(f.File), Range: toRange(f.Decl.Ref.Range)})
		}
	}
	for _, r := range tree.References() {
		if tree.Resolve(r.Ref) == node {
			locs = append(locs, Location{URI: pathToURI(r.File()), Range: toRange(r.Ref.Range)})
		}
	}
	return locs
}

func (s *Server) handleDocumentLink(params DocumentLinkParams) []DocumentLink {
	session := s.getSession()
	if session == nil {
		return nil
	}
	f := session.File(uriToPath(params.TextDocument.URI))
	if f == nil {
		return nil
	}
	links := []DocumentLink{}
	for _, inc := range f.Includes {
		if inc.Target == "" {
			continue
		}
		links = append(links, DocumentLink{Range: toRange(inc.PathRange), Target: pathToURI(inc.Target)})
	}
	return links
}

// publishDiagnostics sends the diagnostics of c per file. Files that had
// diagnostics before and have none now are cleared.
func (s *Server) publishDiagnostics(c *cache.Context) {
	snap := c.Snapshot()
	if snap == nil {
		return
	}
	byFile := make(map[string][]Diagnostic)
	for _, f := range snap.Tree.Files {
		byFile[f] = []Diagnostic{}
	}
	for _, d := range snap.Diagnostics {
		if d.File == "" {
			continue
		}
		byFile[d.File] = append(byFile[d.File], toDiagnostic(d))
	}

	s.mu.Lock()
	for f := range s.published {
		if _, ok := byFile[f]; !ok {
			byFile[f] = []Diagnostic{}
		}
	}
	s.published = make(map[string]bool)
	for f, ds := range byFile {
		if len(ds) > 0 {
			s.published[f] = true
		}
	}
	s.mu.Unlock()

	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		s.notify("textDocument/publishDiagnostics", PublishDiagnosticsParams{
			URI:         pathToURI(f),
			Diagnostics: byFile[f],
		})
	}
}

func toDiagnostic(d diag.Diagnostic) Diagnostic {
	severity := 1
	switch d.Level {
	case diag.LevelWarning:
		severity = 2
	case diag.LevelInfo:
		severity = 3
	}
	return Diagnostic{
		Range:    toRange(d.Range),
		Severity: severity,
		Code:     d.Code,
		Source:   "dtt",
		Message:  d.Message,
	}
}

// Protocol positions are 0-based, parser positions 1-based.
func toPosition(p Position) parser.Position {
	return parser.Position{Line: p.Line + 1, Column: p.Character + 1}
}

func fromPosition(p parser.Position) Position {
	if p.Line == 0 {
		return Position{}
	}
	return Position{Line: p.Line - 1, Character: p.Column - 1}
}

func toRange(r parser.Range) Range {
	return Range{Start: fromPosition(r.Start), End: fromPosition(r.End)}
}

func uriToPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return strings.TrimPrefix(uri, "file://")
	}
	return filepath.FromSlash(u.Path)
}

func pathToURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

func (s *Server) respond(id any, result any) {
	s.send(JsonRpcMessage{
		Jsonrpc: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) respondError(id any, code int, message string) {
	s.send(JsonRpcMessage{
		Jsonrpc: "2.0",
		ID:      id,
		Error:   &JsonRpcError{Code: code, Message: message},
	})
}

func (s *Server) notify(method string, params any) {
	body, err := json.Marshal(params)
	if err != nil {
		s.log.Error("encoding notification", "method", method, "error", err)
		return
	}
	s.send(JsonRpcMessage{Jsonrpc: "2.0", Method: method, Params: body})
}

func (s *Server) send(msg JsonRpcMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encoding message", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := fmt.Fprintf(s.out, "Content-Length: %d\r\n\r\n%s", len(body), body); err != nil {
		s.log.Error("writing message", "error", err)
	}
}
