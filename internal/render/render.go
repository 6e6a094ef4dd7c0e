// Package render draws Petri nets as process maps.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kiranshivaraju/procmine/pkg/petri"
)

// Format is an image output format.
type Format string

const (
	FormatSVG Format = "svg"
	FormatPNG Format = "png"
)

// ParseFormat validates an image format name.
func ParseFormat(s string) (Format, bool) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatSVG, FormatPNG:
		return f, true
	}
	return "", false
}

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/svg+xml"
}

var ErrRenderFailed = errors.New("render failed")

// Renderer turns a net into image bytes.
type Renderer interface {
	Render(ctx context.Context, net *petri.Net, format Format) ([]byte, error)
}

// GraphvizRenderer pipes DOT source through the Graphviz dot binary.
type GraphvizRenderer struct {
	Binary string
}

// NewGraphvizRenderer returns a renderer using binary, or "dot" from PATH
// when binary is empty.
func NewGraphvizRenderer(binary string) *GraphvizRenderer {
	if binary == "" {
		binary = "dot"
	}
	return &GraphvizRenderer{Binary: binary}
}

func (g *GraphvizRenderer) Render(ctx context.Context, net *petri.Net, format Format) ([]byte, error) {
	if _, ok := ParseFormat(string(format)); !ok {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrRenderFailed, format)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.Binary, "-T"+string(format))
	cmd.Stdin = bytes.NewReader(DOT(net))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%w: %s: %v", ErrRenderFailed, g.Binary, err)
		}
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrRenderFailed, g.Binary, err, msg)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: %s produced no output", ErrRenderFailed, g.Binary)
	}
	return stdout.Bytes(), nil
}
