package mail

import (
	"strings"

	"github.com/mitchellh/go-wordwrap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// TextWrapWidth 纯文本正文的换行宽度
const TextWrapWidth = 130

// TextFallbackRenderer 从 HTML 正文生成纯文本正文
type TextFallbackRenderer struct {
	Width uint
}

// NewTextFallbackRenderer 创建默认宽度的渲染器
func NewTextFallbackRenderer() *TextFallbackRenderer {
	return &TextFallbackRenderer{Width: TextWrapWidth}
}

// Render 将 HTML 转为按宽度换行的纯文本
func (r *TextFallbackRenderer) Render(body string) string {
	width := r.Width
	if width == 0 {
		width = TextWrapWidth
	}
	return wordwrap.WrapString(HTMLToText(body), width)
}

// HTMLToText 提取 HTML 中的可见文本
//
// 块级元素换行，链接输出为 "text [href]"，列表项前加 "* "，
// 连续空白折叠为一个空格。无法解析时原样返回。
func HTMLToText(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return body
	}

	w := &textWriter{}
	w.walk(doc)
	return w.String()
}

type textWriter struct {
	lines []string
	line  strings.Builder
}

func (w *textWriter) text(s string) {
	for _, field := range strings.Fields(s) {
		// 标点紧跟前一个词
		if w.line.Len() > 0 && !strings.ContainsRune(".,;:!?)", rune(field[0])) {
			w.line.WriteByte(' ')
		}
		w.line.WriteString(field)
	}
}

func (w *textWriter) newline() {
	w.lines = append(w.lines, strings.TrimSpace(w.line.String()))
	w.line.Reset()
}

// paragraph 结束当前行，保证块之间最多一个空行
func (w *textWriter) paragraph() {
	if w.line.Len() > 0 {
		w.newline()
	}
	if n := len(w.lines); n > 0 && w.lines[n-1] != "" {
		w.lines = append(w.lines, "")
	}
}

func (w *textWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Head, atom.Script, atom.Style, atom.Title:
			return
		case atom.Br:
			w.newline()
			return
		case atom.A:
			w.children(n)
			if href := attr(n, "href"); href != "" && !strings.HasPrefix(href, "#") {
				w.text("[" + href + "]")
			}
			return
		case atom.Li:
			if w.line.Len() > 0 {
				w.newline()
			}
			w.line.WriteString("*")
			w.children(n)
			w.newline()
			return
		case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
			atom.Table, atom.Tr, atom.Ul, atom.Ol, atom.Blockquote, atom.Pre, atom.Hr:
			w.paragraph()
			w.children(n)
			w.paragraph()
			return
		}
	}
	w.children(n)
}

func (w *textWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *textWriter) String() string {
	if w.line.Len() > 0 {
		w.newline()
	}
	return strings.TrimSpace(strings.Join(w.lines, "\n"))
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
