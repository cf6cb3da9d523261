// Package markdown converts captured page HTML into Markdown text.
package markdown

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/sync/semaphore"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// ErrTooLarge means the input exceeds the converter's size limit.
var ErrTooLarge = errors.New("html input too large")

// Config holds conversion limits.
type Config struct {
	MaxInputBytes int   // Larger inputs are rejected
	Concurrency   int64 // Conversions running at once
}

// DefaultConfig returns default conversion limits.
func DefaultConfig() Config {
	return Config{
		MaxInputBytes: 4 << 20,
		Concurrency:   2,
	}
}

// Worker converts HTML with bounded concurrency. It implements
// domain.MarkdownConverter.
type Worker struct {
	config Config
	sem    *semaphore.Weighted
}

// NewWorker creates a conversion worker.
func NewWorker(config Config) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Worker{config: config, sem: semaphore.NewWeighted(config.Concurrency)}
}

// Convert waits for a free slot, then converts raw.
func (w *Worker) Convert(ctx context.Context, raw string) (string, error) {
	if w.config.MaxInputBytes > 0 && len(raw) > w.config.MaxInputBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer w.sem.Release(1)
	return Convert(ctx, raw)
}

// Convert renders raw HTML as Markdown. Scripts, styles and the document head
// are dropped.
func Convert(ctx context.Context, raw string) (string, error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	w := &writer{ctx: ctx}
	w.node(doc)
	if w.err != nil {
		return "", w.err
	}
	return normalize(w.buf.String()), nil
}

type writer struct {
	ctx       context.Context
	buf       bytes.Buffer
	err       error
	listDepth int
	pre       int
}

func (w *writer) node(n *html.Node) {
	if w.err != nil {
		return
	}
	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
	case html.ElementNode:
		if err := w.ctx.Err(); err != nil {
			w.err = err
			return
		}
		w.element(n)
	case html.CommentNode:
	default:
		w.children(n)
	}
}

func (w *writer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.node(c)
	}
}

var (
	spaceRun = regexp.MustCompile(`\s+`)
	escaper  = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `_`, `\_`, "`", "\\`")
)

func (w *writer) text(s string) {
	if w.pre > 0 {
		w.buf.WriteString(s)
		return
	}
	s = spaceRun.ReplaceAllString(s, " ")
	if w.atLineStart() {
		s = strings.TrimLeft(s, " ")
	}
	w.buf.WriteString(escaper.Replace(s))
}

func (w *writer) atLineStart() bool {
	b := w.buf.Bytes()
	return len(b) == 0 || b[len(b)-1] == '\n'
}

// block ensures the next output starts a new paragraph.
func (w *writer) block() {
	b := w.buf.Bytes()
	switch {
	case len(b) == 0:
	case bytes.HasSuffix(b, []byte("\n\n")):
	case b[len(b)-1] == '\n':
		w.buf.WriteByte('\n')
	default:
		w.buf.WriteString("\n\n")
	}
}

// capture renders n's children into a separate buffer.
func (w *writer) capture(n *html.Node) string {
	saved := w.buf
	w.buf = bytes.Buffer{}
	w.children(n)
	out := w.buf.String()
	w.buf = saved
	return out
}

func (w *writer) element(n *html.Node) {
	switch n.Data {
	case "script", "style", "head", "noscript", "template", "iframe":
	case "h1", "h2", "h3", "h4", "h5", "h6":
		w.block()
		w.buf.WriteString(strings.Repeat("#", int(n.Data[1]-'0')) + " ")
		w.buf.WriteString(strings.TrimSpace(w.capture(n)))
		w.block()
	case "p", "div", "section", "article", "main", "header", "footer", "figure", "table", "tr":
		w.block()
		w.children(n)
		w.block()
	case "br":
		w.buf.WriteByte('\n')
	case "hr":
		w.block()
		w.buf.WriteString("---")
		w.block()
	case "strong", "b":
		w.wrap(n, "**")
	case "em", "i":
		w.wrap(n, "_")
	case "code":
		if w.pre > 0 {
			w.children(n)
			return
		}
		w.buf.WriteString("`" + textContent(n) + "`")
	case "pre":
		w.block()
		w.buf.WriteString("```\n")
		w.pre++
		w.children(n)
		w.pre--
		if !w.atLineStart() {
			w.buf.WriteByte('\n')
		}
		w.buf.WriteString("```")
		w.block()
	case "a":
		text := strings.TrimSpace(w.capture(n))
		href := attr(n, "href")
		if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			w.buf.WriteString(text)
			return
		}
		if text == "" {
			text = href
		}
		fmt.Fprintf(&w.buf, "[%s](%s)", text, href)
	case "img":
		if src := attr(n, "src"); src != "" {
			fmt.Fprintf(&w.buf, "![%s](%s)", escaper.Replace(attr(n, "alt")), src)
		}
	case "ul", "ol":
		w.list(n, n.Data == "ol")
	case "blockquote":
		inner := normalize(w.capture(n))
		w.block()
		for i, line := range strings.Split(inner, "\n") {
			if i > 0 {
				w.buf.WriteByte('\n')
			}
			w.buf.WriteString(strings.TrimRight("> "+line, " "))
		}
		w.block()
	case "td", "th":
		w.children(n)
		w.buf.WriteByte(' ')
	default:
		w.children(n)
	}
}

func (w *writer) wrap(n *html.Node, marker string) {
	inner := strings.TrimSpace(w.capture(n))
	if inner == "" {
		return
	}
	w.buf.WriteString(marker + inner + marker)
}

func (w *writer) list(n *html.Node, ordered bool) {
	if w.listDepth == 0 {
		w.block()
	} else if !w.atLineStart() {
		w.buf.WriteByte('\n')
	}
	w.listDepth++
	indent := strings.Repeat("  ", w.listDepth-1)
	index := 1
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != "li" {
			continue
		}
		marker := "- "
		if ordered {
			marker = fmt.Sprintf("%d. ", index)
		}
		index++
		item := strings.TrimSpace(blankLines.ReplaceAllString(w.capture(c), "\n"))
		if !w.atLineStart() {
			w.buf.WriteByte('\n')
		}
		w.buf.WriteString(indent + marker + item)
	}
	w.listDepth--
	if w.listDepth == 0 {
		w.block()
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

var (
	blankLines = regexp.MustCompile(`\n{2,}`)
	extraLines = regexp.MustCompile(`\n{3,}`)
)

// normalize trims trailing spaces and collapses runs of blank lines.
func normalize(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	out := strings.Join(lines, "\n")
	out = extraLines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

var _ domain.MarkdownConverter = (*Worker)(nil)
