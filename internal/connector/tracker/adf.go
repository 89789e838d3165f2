package tracker

import "strings"

// Node is an Atlassian Document Format node. Only the parts used for reading and
// writing plain text are modelled.
type Node struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
}

// PlainText flattens an ADF document to text: one line per block, list items
// prefixed with "- ", mentions rendered as their display text.
func PlainText(n *Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	writeNode(&b, *n)
	return strings.TrimSpace(collapseBlankLines(b.String()))
}

func writeNode(b *strings.Builder, n Node) {
	switch n.Type {
	case "text":
		b.WriteString(n.Text)
	case "hardBreak":
		b.WriteByte('\n')
	case "mention", "emoji":
		b.WriteString(attr(n, "text"))
	case "inlineCard", "blockCard":
		b.WriteString(attr(n, "url"))
	case "listItem":
		b.WriteString("- ")
		writeChildren(b, n)
	case "heading":
		b.WriteString(strings.Repeat("#", headingLevel(n)) + " ")
		writeChildren(b, n)
		b.WriteByte('\n')
	case "paragraph", "codeBlock", "blockquote", "panel":
		writeChildren(b, n)
		b.WriteByte('\n')
	case "rule":
		b.WriteString("---\n")
	default:
		writeChildren(b, n)
	}
}

func writeChildren(b *strings.Builder, n Node) {
	for _, c := range n.Content {
		writeNode(b, c)
	}
}

// Mentions returns the account ids of every mention node in the document.
func Mentions(n *Node) []string {
	if n == nil {
		return nil
	}
	var ids []string
	var walk func(Node)
	walk = func(n Node) {
		if n.Type == "mention" {
			if id := attr(n, "id"); id != "" {
				ids = append(ids, id)
			}
		}
		for _, c := range n.Content {
			walk(c)
		}
	}
	walk(*n)
	return ids
}

// Document converts markdown-ish plain text into ADF: "#" headings, "- " or "* "
// bullet lists and paragraphs separated by blank lines. Lines inside a paragraph
// are joined with hard breaks.
func Document(text string) Node {
	doc := Node{Type: "doc"}
	var (
		para   []string
		bullet []Node
	)
	flushPara := func() {
		if len(para) == 0 {
			return
		}
		p := Node{Type: "paragraph"}
		for i, line := range para {
			if i > 0 {
				p.Content = append(p.Content, Node{Type: "hardBreak"})
			}
			p.Content = append(p.Content, Node{Type: "text", Text: line})
		}
		doc.Content = append(doc.Content, p)
		para = nil
	}
	flushList := func() {
		if len(bullet) == 0 {
			return
		}
		doc.Content = append(doc.Content, Node{Type: "bulletList", Content: bullet})
		bullet = nil
	}

	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flushPara()
			flushList()
		case strings.HasPrefix(trimmed, "#"):
			level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			title := strings.TrimSpace(trimmed[level:])
			if level > 6 || title == "" || trimmed[level] != ' ' {
				flushList()
				para = append(para, line)
				continue
			}
			flushPara()
			flushList()
			doc.Content = append(doc.Content, Node{
				Type:    "heading",
				Attrs:   map[string]any{"level": level},
				Content: []Node{{Type: "text", Text: title}},
			})
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			flushPara()
			item := strings.TrimSpace(trimmed[2:])
			bullet = append(bullet, Node{
				Type:    "listItem",
				Content: []Node{{Type: "paragraph", Content: []Node{{Type: "text", Text: item}}}},
			})
		default:
			flushList()
			para = append(para, line)
		}
	}
	flushPara()
	flushList()
	if len(doc.Content) == 0 {
		doc.Content = []Node{{Type: "paragraph"}}
	}
	return doc
}

// adfDoc wraps a document with the version field Jira requires on writes.
type adfDoc struct {
	Version int    `json:"version"`
	Type    string `json:"type"`
	Content []Node `json:"content"`
}

func newADFDoc(text string) adfDoc {
	return adfDoc{Version: 1, Type: "doc", Content: Document(text).Content}
}

func attr(n Node, key string) string {
	if v, ok := n.Attrs[key].(string); ok {
		return v
	}
	return ""
}

func headingLevel(n Node) int {
	switch v := n.Attrs["level"].(type) {
	case float64:
		return max(1, min(6, int(v)))
	case int:
		return max(1, min(6, v))
	}
	return 1
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := 0
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
