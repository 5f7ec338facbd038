// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// codeStyle is the chroma style used for fenced code blocks.
const codeStyle = "github"

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			renderer.WithNodeRenderers(util.Prioritized(newCodeBlockRenderer(), 200)),
		),
	)
}

// Render returns the ticket's plan as an HTML fragment. Raw HTML in
// the plan is not passed through.
func (e *Engine) Render(ctx context.Context, ticketID string) ([]byte, error) {
	record, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return e.RenderMarkdown(record.PlanContent)
}

// RenderMarkdown converts plan markdown to HTML.
func (e *Engine) RenderMarkdown(source string) ([]byte, error) {
	var out bytes.Buffer
	if err := e.markdown.Convert([]byte(source), &out); err != nil {
		return nil, fmt.Errorf("rendering plan: %w", err)
	}
	return out.Bytes(), nil
}

// codeBlockRenderer highlights fenced code blocks with chroma, using
// inline styles so the fragment needs no stylesheet.
type codeBlockRenderer struct {
	formatter *chromahtml.Formatter
	style     *chroma.Style
}

func newCodeBlockRenderer() *codeBlockRenderer {
	return &codeBlockRenderer{
		formatter: chromahtml.New(chromahtml.WithClasses(false)),
		style:     styles.Get(codeStyle),
	}
}

func (r *codeBlockRenderer) RegisterFuncs(registerer renderer.NodeRendererFuncRegisterer) {
	registerer.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
}

func (r *codeBlockRenderer) renderFencedCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	block := node.(*ast.FencedCodeBlock)

	var code strings.Builder
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		code.Write(segment.Value(source))
	}

	var lexer chroma.Lexer
	if language := string(block.Language(source)); language != "" {
		lexer = lexers.Get(language)
	}
	if lexer == nil {
		lexer = lexers.Analyse(code.String())
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code.String())
	if err == nil {
		err = r.formatter.Format(w, r.style, iterator)
	}
	if err != nil {
		// Unhighlighted but still escaped.
		_, _ = w.WriteString("<pre><code>" + html.EscapeString(code.String()) + "</code></pre>\n")
	}
	return ast.WalkSkipChildren, nil
}
