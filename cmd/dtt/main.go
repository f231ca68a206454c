package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dts-community/dts-dev-tools/internal/board"
	"github.com/dts-community/dts-dev-tools/internal/builder"
	"github.com/dts-community/dts-dev-tools/internal/cache"
	"github.com/dts-community/dts-dev-tools/internal/config"
	"github.com/dts-community/dts-dev-tools/internal/diag"
	"github.com/dts-community/dts-dev-tools/internal/index"
	"github.com/dts-community/dts-dev-tools/internal/logger"
	"github.com/dts-community/dts-dev-tools/internal/lsp"
)

const usage = `Usage: dtt <command> [arguments]

Commands:
  lsp   [-c dtt.toml] [-visualize addr]        run the language server on stdio
  check [options] <base> [overlays...]         print diagnostics of a configuration
  build [options] [-o out] <base> [overlays...] write the merged tree
  query [options] -n <node> <base> [overlays...] describe one node

Options:
  -c file       configuration file (default: dtt.toml layers)
  -context name take base and overlays from a configured context
  -I dir        include directory, repeatable
  -b file       binding file, repeatable
  -v            debug logging`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	command := os.Args[1]
	switch command {
	case "lsp":
		err = runLSP(ctx, os.Args[2:])
	case "check":
		err = runCheck(ctx, os.Args[2:])
	case "build":
		err = runBuild(ctx, os.Args[2:])
	case "query":
		err = runQuery(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprintln(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s\n", command, usage)
		os.Exit(1)
	}
	if err != nil {
		if errors.Is(err, errIssues) {
			os.Exit(1)
		}
		logger.Fatalf("%s: %v", command, err)
	}
}

// errIssues makes the process exit non-zero without another message.
var errIssues = errors.New("configuration has errors")

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type options struct {
	configFile  string
	contextName string
	includeDirs listFlag
	bindings    listFlag
	verbose     bool
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.configFile, "c", "", "configuration file")
	fs.StringVar(&o.contextName, "context", "", "configured context to use")
	fs.Var(&o.includeDirs, "I", "include directory")
	fs.Var(&o.bindings, "b", "binding file")
	fs.BoolVar(&o.verbose, "v", false, "debug logging")
}

func (o *options) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if o.configFile != "" {
		cfg, err = config.Load(o.configFile)
	} else {
		var wd string
		if wd, err = os.Getwd(); err != nil {
			return nil, err
		}
		cfg, err = config.LoadFull(wd)
	}
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if o.verbose {
		level = "debug"
	}
	logger.SetDefault(logger.New(level, cfg.Log.Format, os.Stderr))
	return cfg, nil
}

type opened struct {
	session *cache.Session
	ctx     *cache.Context
	board   *board.Info
	// bindingDiags are problems in binding files; they do not belong to
	// any source file of the context.
	bindingDiags []diag.Diagnostic
}

// open loads the configuration, the bindings and the context named by the
// flags or the positional arguments, and waits for the first merge.
func (o *options) open(ctx context.Context, args []string) (*opened, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.Default()

	var name, base, boardInfo string
	var overlays []string
	switch {
	case o.contextName != "":
		cc, ok := cfg.Context(o.contextName)
		if !ok {
			return nil, fmt.Errorf("no context %q in %v", o.contextName, cfg.Sources)
		}
		name, base, overlays, boardInfo = cc.Name, cc.Board, cc.Overlays, cc.BoardInfo
	case len(args) > 0:
		if base, err = filepath.Abs(args[0]); err != nil {
			return nil, err
		}
		for _, a := range args[1:] {
			p, err := filepath.Abs(a)
			if err != nil {
				return nil, err
			}
			overlays = append(overlays, p)
		}
		name = filepath.Base(base)
	default:
		return nil, errors.New("no input files")
	}

	includeDirs := append([]string(nil), cfg.Parser.IncludeDirs...)
	for _, d := range o.includeDirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, err
		}
		includeDirs = append(includeDirs, abs)
	}
	session := cache.NewSession(cache.Options{
		Debounce:    cfg.Parser.Debounce(),
		IncludeDirs: includeDirs,
		Logger:      log,
	})

	out := &opened{session: session}
	files, err := cfg.BindingFiles()
	if err != nil {
		return nil, err
	}
	files = append(files, o.bindings...)
	if len(files) > 0 {
		if out.bindingDiags, err = session.LoadBindings(ctx, files); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	if out.ctx, err = session.OpenContext(ctx, name, base, overlays); err != nil {
		return nil, err
	}
	if err := session.Stable(ctx); err != nil {
		return nil, err
	}
	log.Debug("context ready", "context", name, "files", len(out.ctx.Tree().Files), "elapsed", time.Since(start))

	if boardInfo != "" {
		if out.board, err = board.Load(boardInfo); err != nil {
			log.Warn("cannot read board file", "error", err)
		}
	}
	return out, nil
}

func runLSP(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lsp", flag.ExitOnError)
	configFile := fs.String("c", "", "configuration file")
	visualize := fs.String("visualize", "", "serve the node inspector on this address")
	fs.Parse(args)

	var cfg *config.Config
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return err
		}
		logger.SetDefault(logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr))
	}

	opts := lsp.Options{Config: cfg, Logger: logger.Default()}
	if *visualize != "" {
		v := lsp.NewVisualizer(logger.Default())
		if _, err := v.Start(*visualize); err != nil {
			return err
		}
		opts.Visualizer = v
	}
	return lsp.NewServer(os.Stdin, os.Stdout, opts).Run(ctx)
}

func runCheck(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	var o options
	o.register(fs)
	fs.Parse(args)

	res, err := o.open(ctx, fs.Args())
	if err != nil {
		return err
	}
	diags := append(res.bindingDiags, res.ctx.Diagnostics()...)
	errs := printDiagnostics(os.Stdout, diags)
	if len(diags) == 0 {
		logger.Println("No issues found.")
		return nil
	}
	logger.Printf("Found %d issues (%d errors).", len(diags), errs)
	if errs > 0 {
		return errIssues
	}
	return nil
}

func printDiagnostics(w io.Writer, diags []diag.Diagnostic) (errs int) {
	for _, d := range diags {
		if d.Level == diag.LevelError {
			errs++
		}
		fmt.Fprintf(w, "%s [%s]\n", d, d.Code)
	}
	return errs
}

func runBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	var o options
	o.register(fs)
	outputFile := fs.String("o", "", "output file (default stdout)")
	raw := fs.Bool("raw", false, "keep integer cells as written instead of evaluating them")
	fs.Parse(args)

	res, err := o.open(ctx, fs.Args())
	if err != nil {
		return err
	}
	if errs := printDiagnostics(os.Stderr, res.ctx.Diagnostics()); errs > 0 {
		logger.Printf("Building despite %d errors.", errs)
	}

	var out io.Writer = os.Stdout
	if *outputFile != "" {
		f, err := os.Create(*outputFile)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	b := builder.NewBuilder(res.ctx.Tree())
	b.Evaluate = !*raw
	return b.Build(out)
}

func runQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	var o options
	o.register(fs)
	spec := fs.String("n", "/", "node path, &label, label, alias or chosen name")
	fs.Parse(args)

	res, err := o.open(ctx, fs.Args())
	if err != nil {
		return err
	}
	tree := res.ctx.Tree()
	node := tree.Node(*spec)
	if node == nil {
		node = tree.Alias(*spec)
	}
	if node == nil {
		node = tree.Chosen(*spec)
	}
	if node == nil {
		return fmt.Errorf("no node %q", *spec)
	}
	return describe(os.Stdout, tree, node, res.board)
}

func describe(w io.Writer, tree *index.Tree, node *index.Node, info *board.Info) error {
	if info != nil {
		fmt.Fprintf(w, "board:    %s\n", info)
	}
	fmt.Fprintf(w, "path:     %s\n", node.Path)
	if len(node.Labels) > 0 {
		fmt.Fprintf(w, "labels:   %s\n", strings.Join(node.Labels, " "))
	}
	if b := tree.Type(node); b != nil {
		fmt.Fprintf(w, "binding:  %s (%s)\n", b.Compatible, b.Filename)
	}
	if node.Property("reg") != nil {
		regs := tree.Regs(node)
		if !regs.Known {
			fmt.Fprintln(w, "reg:      unknown width")
		}
		for _, r := range regs.Blocks {
			fmt.Fprintf(w, "reg:      0x%x-0x%x\n", r.Address, r.End())
		}
	}
	if ctrl, groups, ok := tree.Interrupts(node); ok {
		fmt.Fprintf(w, "irq:      %s, %d specifiers\n", ctrl.Path, len(groups))
	}
	if layout, ok := tree.Partitions(node); ok {
		for _, p := range layout.Entries {
			fmt.Fprintf(w, "part:     %s 0x%x-0x%x", p.Name, p.Address, p.End())
			if p.Overlap > 0 {
				fmt.Fprintf(w, " (overlaps previous by 0x%x)", p.Overlap)
			}
			fmt.Fprintln(w)
		}
		for _, g := range layout.Gaps {
			fmt.Fprintf(w, "free:     0x%x-0x%x\n", g.Address, g.Address+g.Size)
		}
	}
	for _, p := range tree.Pins() {
		by := p.Property
		if p.Node != node && p.Controller != node && (by == nil || by.Node() != node) {
			continue
		}
		fmt.Fprintf(w, "pin:      %s %d", p.Port, p.Pin)
		if p.HasFunc {
			fmt.Fprintf(w, " func %d", p.Func)
		}
		if by != nil {
			fmt.Fprintf(w, " (%s%s)", by.Node().Path, by.Name)
		}
		fmt.Fprintln(w)
	}
	for _, f := range node.Fragments {
		fmt.Fprintf(w, "entry:    %s:%d\n", f.File, f.Decl.Range.Start.Line)
	}
	fmt.Fprintln(w)
	return builder.NewBuilder(tree).BuildNode(w, node)
}
