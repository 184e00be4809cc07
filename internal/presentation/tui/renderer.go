package tui

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/graph"
	"github.com/aretw0/tessera/pkg/stream"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// DefaultWidth is used when the output is not a terminal.
const DefaultWidth = 80

// NewMarkdown returns a function that renders markdown using glamour.
// Terminals get the auto-detected dark/light style; anything else gets the
// notty style so logs and pipes stay free of escape codes.
func NewMarkdown(tty bool, width int) func(string) (string, error) {
	style := glamour.WithStandardStyle("notty")
	if tty {
		style = glamour.WithAutoStyle()
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return nil
	}
	return func(markdown string) (string, error) {
		return r.Render(markdown)
	}
}

// Renderer mirrors a session's component graph from the envelopes it
// receives and prints the cards each envelope touched. It is a
// stream.Transport, so it can sit directly behind a session emitter.
type Renderer struct {
	mu       sync.Mutex
	mirror   *graph.Graph
	out      io.Writer
	markdown func(string) (string, error)
	width    int
	lg       *lipgloss.Renderer
	styles   styles
	logger   *slog.Logger
}

type styles struct {
	card    lipgloss.Style
	title   lipgloss.Style
	faint   lipgloss.Style
	danger  lipgloss.Style
	warning lipgloss.Style
	ok      lipgloss.Style
	state   lipgloss.Style
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithMarkdown replaces the markdown renderer. nil prints text as is.
func WithMarkdown(fn func(string) (string, error)) RendererOption {
	return func(r *Renderer) { r.markdown = fn }
}

// WithWidth sets the wrap width of cards.
func WithWidth(n int) RendererOption {
	return func(r *Renderer) {
		if n > 0 {
			r.width = n
		}
	}
}

// WithProfile forces a color profile. termenv.Ascii disables styling.
func WithProfile(p termenv.Profile) RendererOption {
	return func(r *Renderer) { r.lg.SetColorProfile(p) }
}

func WithRendererLogger(l *slog.Logger) RendererOption {
	return func(r *Renderer) { r.logger = l }
}

// NewRenderer creates a Renderer writing to w. When w is a terminal the
// width follows the terminal and markdown is rendered with glamour.
func NewRenderer(w io.Writer, opts ...RendererOption) *Renderer {
	r := &Renderer{
		mirror: graph.New(),
		out:    w,
		width:  DefaultWidth,
		lg:     lipgloss.NewRenderer(w),
		logger: logging.NewNop(),
	}
	tty := false
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		tty = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 20 {
			r.width = min(width, 120)
		}
	}
	r.markdown = NewMarkdown(tty, r.width)
	for _, opt := range opts {
		opt(r)
	}
	r.styles = newStyles(r.lg, r.width)
	return r
}

func newStyles(lg *lipgloss.Renderer, width int) styles {
	return styles{
		card: lg.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#818cf8")).
			Padding(0, 1).
			Width(width - 2),
		title:   lg.NewStyle().Bold(true).Foreground(lipgloss.Color("#c084fc")),
		faint:   lg.NewStyle().Faint(true),
		danger:  lg.NewStyle().Foreground(lipgloss.Color("#f38ba8")),
		warning: lg.NewStyle().Foreground(lipgloss.Color("#fab387")),
		ok:      lg.NewStyle().Foreground(lipgloss.Color("#a6e3a1")),
		state:   lg.NewStyle().Italic(true).Foreground(lipgloss.Color("#7f849c")),
	}
}

// Send applies env to the mirror and prints the affected cards.
func (r *Renderer) Send(_ context.Context, env stream.WireEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	text := r.apply(env)
	if _, err := io.WriteString(r.out, text); err != nil {
		return fmt.Errorf("render envelope %d: %w", env.Sequence, err)
	}
	return nil
}

func (r *Renderer) Close(context.Context, string) error { return nil }

// Render prints the whole mirrored graph.
func (r *Renderer) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, n := range r.mirror.Snapshot() {
		if n.Parent == "" {
			sb.WriteString(r.node(n))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Seed replaces the mirror with nodes, e.g. when a session is resumed and
// only envelopes after version will arrive.
func (r *Renderer) Seed(nodes []domain.Node, version uint64) error {
	g, err := graph.Restore(nodes, version)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirror = g
	return nil
}

// Nodes returns the mirrored graph in pre-order.
func (r *Renderer) Nodes() []domain.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mirror.Snapshot()
}

func (r *Renderer) apply(env stream.WireEnvelope) string {
	var touched []string
	for _, c := range env.Chunks {
		op := toOperation(c)
		if err := r.mirror.Replay([]domain.GraphOperation{op}, 0); err != nil {
			r.logger.Warn("Failed to mirror chunk", "chunk_id", c.ChunkID, "op", c.Op, "err", err)
			continue
		}
		if c.Op == domain.OpRemove {
			continue
		}
		if root := r.root(c.ChunkID); root != "" && !slices.Contains(touched, root) {
			touched = append(touched, root)
		}
	}
	if len(env.Chunks) > 0 && env.Version > 0 {
		_ = r.mirror.Replay(nil, env.Version)
	}

	var sb strings.Builder
	for _, id := range touched {
		n, ok := r.mirror.Node(id)
		if !ok {
			continue
		}
		sb.WriteString(r.node(n))
		sb.WriteString("\n")
	}
	if env.Explanation != "" {
		sb.WriteString(r.styles.faint.Render(env.Explanation))
		sb.WriteString("\n")
	}
	if env.Final {
		sb.WriteString(r.styles.state.Render("[" + env.State + "]"))
		sb.WriteString("\n")
	}
	return sb.String()
}

func toOperation(c stream.Chunk) domain.GraphOperation {
	switch c.Op {
	case domain.OpInsert:
		return domain.Insert(c.Parent, c.Index, domain.Node{ID: c.ChunkID, Type: c.Type, Props: c.Props})
	case domain.OpUpdate:
		return domain.Update(c.ChunkID, c.Props)
	default:
		return domain.Remove(c.ChunkID)
	}
}

func (r *Renderer) root(id string) string {
	for {
		n, ok := r.mirror.Node(id)
		if !ok {
			return ""
		}
		if n.Parent == "" {
			return n.ID
		}
		id = n.Parent
	}
}

func (r *Renderer) node(n domain.Node) string {
	switch n.Type {
	case domain.NodeAggregatedCard:
		return r.aggregated(n)
	case domain.NodeTextBlock:
		return r.md(str(n.Props, domain.PropText))
	case domain.NodeSkeletonCard:
		return r.styles.faint.Render("… " + str(n.Props, domain.PropTitle))
	case domain.NodeConfirmationCard:
		return r.confirmation(n)
	case domain.NodeClarificationCard:
		return r.clarification(n)
	case domain.NodeErrorCard:
		return r.errorCard(n)
	case domain.NodeContextCard:
		return r.styles.faint.Render(formatPairs(n.Props[domain.PropData]))
	default:
		return r.dataCard(n)
	}
}

func (r *Renderer) aggregated(n domain.Node) string {
	parts := []string{r.styles.title.Render(str(n.Props, domain.PropTitle))}
	for _, child := range n.Children {
		if c, ok := r.mirror.Node(child); ok {
			parts = append(parts, strings.TrimRight(r.node(c), "\n"))
		}
	}
	return r.styles.card.Render(strings.Join(parts, "\n"))
}

func (r *Renderer) dataCard(n domain.Node) string {
	var sb strings.Builder
	if src := str(n.Props, domain.PropSource); src != "" {
		sb.WriteString(r.styles.ok.Render("✓ " + src))
		sb.WriteString("\n")
	}
	if title := str(n.Props, domain.PropTitle); title != "" {
		sb.WriteString(r.styles.title.Render(title))
		sb.WriteString("\n")
	}
	if rows, ok := n.Props[domain.PropData].([]any); ok {
		if table := markdownTable(rows); table != "" {
			sb.WriteString(r.md(table))
			return sb.String()
		}
	}
	sb.WriteString(formatValue(n.Props[domain.PropData]))
	return sb.String()
}

func (r *Renderer) confirmation(n domain.Node) string {
	var sb strings.Builder
	risk := str(n.Props, domain.PropRisk)
	sb.WriteString(r.styles.warning.Render(fmt.Sprintf("⚠ %s [%s risk]", str(n.Props, domain.PropPrompt), risk)))
	sb.WriteString("\n")
	steps, _ := n.Props[domain.PropSteps].([]any)
	for _, s := range steps {
		step, _ := s.(map[string]any)
		fmt.Fprintf(&sb, "  - %s (%s)", str(step, "capability"), str(step, "risk"))
		if inputs, ok := step["inputs"].(map[string]any); ok && len(inputs) > 0 {
			sb.WriteString(" " + formatInline(inputs))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(r.styles.faint.Render(fmt.Sprintf("/confirm %s or /reject", str(n.Props, domain.PropPlanID))))
	return sb.String()
}

func (r *Renderer) clarification(n domain.Node) string {
	var sb strings.Builder
	sb.WriteString(r.styles.title.Render("? " + str(n.Props, domain.PropPrompt)))
	sb.WriteString("\n")
	options, _ := n.Props[domain.PropOptions].([]any)
	for i, o := range options {
		opt, _ := o.(map[string]any)
		fmt.Fprintf(&sb, "  %d. %s (%s)\n", i+1, str(opt, "label"), str(opt, "id"))
	}
	sb.WriteString(r.styles.faint.Render("/select <id> or /cancel"))
	return sb.String()
}

func (r *Renderer) errorCard(n domain.Node) string {
	var sb strings.Builder
	head := "✗ " + str(n.Props, domain.PropMessage)
	if src := str(n.Props, domain.PropSource); src != "" {
		head = "✗ " + src + ": " + str(n.Props, domain.PropMessage)
	}
	sb.WriteString(r.styles.danger.Render(head))
	if fb, ok := n.Props[domain.PropFallback]; ok {
		sb.WriteString("\n" + r.styles.faint.Render("fallback: ") + formatInline(fb))
	}
	if cached, ok := n.Props[domain.PropCached]; ok {
		sb.WriteString("\n" + r.styles.faint.Render("last known: ") + formatInline(cached))
	}
	if retry, _ := n.Props[domain.PropRetry].(bool); retry {
		sb.WriteString("\n" + r.styles.faint.Render("/retry "+str(n.Props, domain.PropStepID)))
	}
	return sb.String()
}

func (r *Renderer) md(text string) string {
	if r.markdown == nil || text == "" {
		return text
	}
	out, err := r.markdown(text)
	if err != nil {
		r.logger.Debug("Markdown render failed", "err", err)
		return text
	}
	return strings.Trim(out, "\n")
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// markdownTable lays out a list of flat objects as a markdown table.
// It returns "" when rows are not all objects.
func markdownTable(rows []any) string {
	if len(rows) == 0 {
		return ""
	}
	var cols []string
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			return ""
		}
		for k := range m {
			if !slices.Contains(cols, k) {
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)

	var sb strings.Builder
	sb.WriteString("| " + strings.Join(cols, " | ") + " |\n")
	sb.WriteString("|" + strings.Repeat(" --- |", len(cols)) + "\n")
	for _, row := range rows {
		m := row.(map[string]any)
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = strings.ReplaceAll(formatInline(m[c]), "|", `\|`)
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return sb.String()
}

func formatPairs(v any) string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return formatValue(v)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+formatInline(m[k]))
	}
	return strings.Join(pairs, " ")
}

func formatInline(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		out, err := yaml.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		// Flow style keeps nested values on one line.
		var node yaml.Node
		if err := yaml.Unmarshal(out, &node); err == nil && len(node.Content) > 0 {
			node.Content[0].Style = yaml.FlowStyle
			if flow, err := yaml.Marshal(node.Content[0]); err == nil {
				return strings.TrimSpace(string(flow))
			}
		}
		return strings.TrimSpace(string(out))
	default:
		return fmt.Sprint(t)
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		out, err := yaml.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return strings.TrimSpace(string(out))
	default:
		return fmt.Sprint(t)
	}
}
