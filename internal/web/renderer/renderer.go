// Package renderer turns page bodies into sanitised HTML.
package renderer

import (
	"bytes"
	"html"
	"html/template"
	"path"
	"strings"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/microcosm-cc/bluemonday"
	"github.com/niklasfasching/go-org/org"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"
)

const codeStyle = "friendly"

// Renderer renders org-mode and markdown pages.
type Renderer struct {
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
}

// New creates a renderer.
func New() *Renderer {
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Globally()
	policy.AllowAttrs("id").Globally()

	return &Renderer{
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(goldmarkhtml.WithUnsafe()),
		),
		policy: policy,
	}
}

// Render renders body according to the extension of p. Output is always
// sanitised, so raw HTML in a page cannot inject script.
func (r *Renderer) Render(p, body string) (template.HTML, error) {
	var out string
	switch strings.ToLower(path.Ext(p)) {
	case ".org":
		s, err := org.New().Parse(strings.NewReader(body), p).Write(NewHTMLWriterWithChroma())
		if err != nil {
			return "", err
		}
		out = s
	default:
		var buf bytes.Buffer
		if err := r.markdown.Convert([]byte(body), &buf); err != nil {
			return "", err
		}
		out = buf.String()
	}
	return template.HTML(r.policy.Sanitize(out)), nil
}

// NewHTMLWriterWithChroma returns an org writer that highlights source
// blocks with chroma.
func NewHTMLWriterWithChroma() *org.HTMLWriter {
	w := org.NewHTMLWriter()
	w.HighlightCodeBlock = func(source, lang string, inline bool, params map[string]string) string {
		var w bytes.Buffer
		lexer := lexers.Get(lang)
		if lexer == nil {
			lexer = lexers.Fallback
		}
		iterator, err := lexer.Tokenise(nil, source)
		if err != nil {
			return html.EscapeString(source)
		}
		formatter := chromahtml.New(chromahtml.WithClasses(true))
		if err := formatter.Format(&w, styles.Get(codeStyle), iterator); err != nil {
			return html.EscapeString(source)
		}
		return w.String()
	}
	return w
}

// ChromaCSS returns the stylesheet for highlighted code blocks.
func ChromaCSS() (string, error) {
	var buf bytes.Buffer
	formatter := chromahtml.New(chromahtml.WithClasses(true))
	if err := formatter.WriteCSS(&buf, styles.Get(codeStyle)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DiffHTML marks up the changes from one text to another with ins and del
// elements.
func DiffHTML(from, to string) template.HTML {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(from, to, true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var buff bytes.Buffer
	for _, diff := range diffs {
		text := html.EscapeString(diff.Text)
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			buff.WriteString("<ins>")
			buff.WriteString(text)
			buff.WriteString("</ins>")
		case diffmatchpatch.DiffDelete:
			buff.WriteString("<del>")
			buff.WriteString(text)
			buff.WriteString("</del>")
		case diffmatchpatch.DiffEqual:
			buff.WriteString("<span>")
			buff.WriteString(text)
			buff.WriteString("</span>")
		}
	}
	return template.HTML(buff.String())
}
