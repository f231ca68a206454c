package lsp

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/dts-community/dts-dev-tools/internal/builder"
	"github.com/dts-community/dts-dev-tools/internal/index"
)

// Visualizer serves a live graph of the node last hovered in the editor:
// its parent, children and the references in and out of it.
type Visualizer struct {
	tree        *index.Tree
	focusedNode *index.Node
	mu          sync.Mutex
	log         *slog.Logger
}

func NewVisualizer(log *slog.Logger) *Visualizer {
	return &Visualizer{log: log}
}

// Start serves on addr in the background and returns the bound address.
func (v *Visualizer) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("visualizer: %w", err)
	}
	go func() {
		if err := http.Serve(ln, v.Handler()); err != nil {
			v.log.Error("visualizer stopped", "error", err)
		}
	}()
	v.log.Info("visualizer serving", "url", "http://"+ln.Addr().String())
	return ln.Addr().String(), nil
}

func (v *Visualizer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", v.handleIndex)
	mux.HandleFunc("/graph", v.handleGraph)
	mux.HandleFunc("/tree", v.handleTree)
	return mux
}

func (v *Visualizer) SetTree(tree *index.Tree) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tree = tree
	if v.focusedNode != nil && tree != nil {
		// keep the focus on the same path in the new tree
		v.focusedNode = tree.Node(v.focusedNode.Path)
	}
}

func (v *Visualizer) SetFocus(node *index.Node) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.focusedNode = node
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Devicetree Inspector</title>
    <script src="https://cdn.jsdelivr.net/npm/mermaid/dist/mermaid.min.js"></script>
    <script>
        mermaid.initialize({ startOnLoad: true, theme: 'base' });
        function refresh() {
            fetch('/graph')
                .then(response => response.text())
                .then(text => {
                    const container = document.getElementById('graph-container');
                    if (container.getAttribute('data-last') === text) return;
                    container.setAttribute('data-last', text);
                    container.removeAttribute('data-processed');
                    container.innerHTML = text;
                    mermaid.run({ nodes: [container] });
                })
                .catch(err => console.error(err));
        }
        setInterval(refresh, 1000);
    </script>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #f4f7f6; margin: 0; color: #2c3e50; }
        header { background: #1f4e79; color: white; padding: 1rem 2.5rem; }
        h1 { margin: 0; font-size: 1.25rem; font-weight: 600; }
        main { padding: 2rem; max-width: 1200px; margin: 0 auto; }
        #graph-container { background: white; padding: 2.5rem; border-radius: 12px; min-height: 500px; border: 1px solid #e2e8f0; }
        a { color: #1f4e79; }
    </style>
</head>
<body>
    <header><h1>Devicetree Inspector</h1></header>
    <main>
        <p>Hover a node in the editor to focus it. <a href="/tree">Merged tree</a></p>
        <div id="graph-container" class="mermaid">
            graph TD
            A[Initializing...]
        </div>
    </main>
</body>
</html>
`

func (v *Visualizer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(indexHTML))
}

func (v *Visualizer) handleGraph(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	node := v.focusedNode
	tree := v.tree
	v.mu.Unlock()

	if node == nil || tree == nil {
		w.Write([]byte("graph TD\n  Start[Hover a node to inspect it]"))
		return
	}
	w.Write([]byte(generateMermaid(tree, node)))
}

// handleTree serves the merged tree as devicetree source.
func (v *Visualizer) handleTree(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	tree := v.tree
	v.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if tree == nil {
		http.Error(w, "no context open", http.StatusNotFound)
		return
	}
	if err := builder.NewBuilder(tree).Build(w); err != nil {
		v.log.Warn("writing tree", "error", err)
	}
}

// mermaid node ids may only hold word characters
func mermaidID(n *index.Node) string {
	var sb strings.Builder
	sb.WriteString("n")
	for _, r := range n.Path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func mermaidLabel(n *index.Node) string {
	label := n.Name
	if len(n.Labels) > 0 {
		label = n.Labels[0] + ": " + label
	}
	return strings.ReplaceAll(label, `"`, "'")
}

func generateMermaid(tree *index.Tree, focus *index.Node) string {
	var sb strings.Builder
	sb.WriteString("graph LR\n")

	box := func(n *index.Node) string {
		return fmt.Sprintf(`%s["%s"]`, mermaidID(n), mermaidLabel(n))
	}

	fmt.Fprintf(&sb, "  %s\n", box(focus))
	fmt.Fprintf(&sb, "  class %s focus\n", mermaidID(focus))
	if focus.Parent != nil {
		fmt.Fprintf(&sb, "  %s --> %s\n", box(focus.Parent), mermaidID(focus))
	}
	for _, child := range focus.Children() {
		fmt.Fprintf(&sb, "  %s --> %s\n", mermaidID(focus), box(child))
	}

	for _, r := range tree.References() {
		from := r.Property.Node()
		to := tree.Resolve(r.Ref)
		if from == nil || to == nil {
			continue
		}
		switch {
		case from == focus:
			fmt.Fprintf(&sb, "  %s -. %s .-> %s\n", mermaidID(focus), r.Property.Name, box(to))
			fmt.Fprintf(&sb, "  class %s ref\n", mermaidID(to))
		case to == focus:
			fmt.Fprintf(&sb, "  %s -. %s .-> %s\n", box(from), r.Property.Name, mermaidID(focus))
			fmt.Fprintf(&sb, "  class %s ref\n", mermaidID(from))
		}
	}

	sb.WriteString("  classDef focus fill:#ffe9a8,stroke:#333,stroke-width:2px;\n")
	sb.WriteString("  classDef ref fill:#dde8f5,stroke:#333,stroke-width:1px;\n")
	return sb.String()
}
