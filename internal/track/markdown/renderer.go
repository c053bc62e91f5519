// Package markdown provides incremental markdown rendering for streaming
// chat content.
package markdown

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// noMarginStyle removes document margins so streamed fragments line up.
const noMarginStyle = `{
	"document": {
		"margin": 0,
		"block_prefix": "",
		"block_suffix": ""
	}
}`

// Renderer accumulates markdown source as it streams in and re-renders the
// full document on each append. Rendering the whole source every time keeps
// output stable when a delta completes a construct opened earlier (a fence,
// an emphasis span).
type Renderer struct {
	renderer *glamour.TermRenderer
	width    int
	source   strings.Builder
	rendered string
}

// New creates a renderer with the given word wrap width. The style is fixed
// rather than terminal-detected so output is identical across environments.
func New(width int) (*Renderer, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithStylesFromJSONBytes([]byte(noMarginStyle)),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	return &Renderer{renderer: r, width: width}, nil
}

// Width returns the configured word wrap width.
func (r *Renderer) Width() int {
	return r.width
}

// Append adds a source delta and returns the re-rendered document.
func (r *Renderer) Append(delta string) (string, error) {
	r.source.WriteString(delta)
	out, err := r.renderer.Render(r.source.String())
	if err != nil {
		return "", err
	}
	r.rendered = out
	return out, nil
}

// Source returns the accumulated markdown source.
func (r *Renderer) Source() string {
	return r.source.String()
}

// Rendered returns the most recent render result.
func (r *Renderer) Rendered() string {
	return r.rendered
}
