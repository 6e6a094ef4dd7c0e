package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/procmine/pkg/petri"
)

// DOT writes the net in Graphviz syntax. Places are circles (filled when
// they carry initial tokens, double-circled when final), visible
// transitions are labelled boxes and silent transitions are black bars.
// The output is deterministic for a given net.
func DOT(n *petri.Net) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "digraph %s {\n", quote(n.Name))
	b.WriteString("\trankdir=LR;\n")
	b.WriteString("\tnode [fontname=\"Helvetica\" fontsize=10];\n")

	for _, p := range n.Places {
		attrs := []string{`shape=circle`, `label=""`, `width=0.3`, `fixedsize=true`}
		if n.InitialMark[p.ID] > 0 {
			attrs = append(attrs, `style=filled`, `fillcolor="#8fbc8f"`)
		}
		if n.FinalMark[p.ID] > 0 {
			attrs[0] = `shape=doublecircle`
		}
		fmt.Fprintf(&b, "\t%s [%s tooltip=%s];\n", quote(p.ID), strings.Join(attrs, " "), quote(p.Name))
	}
	for _, t := range n.Transitions {
		if t.Label == "" {
			fmt.Fprintf(&b, "\t%s [shape=box style=filled fillcolor=black label=\"\" width=0.1 height=0.4];\n", quote(t.ID))
			continue
		}
		fmt.Fprintf(&b, "\t%s [shape=box label=%s];\n", quote(t.ID), quote(t.Label))
	}
	for _, a := range n.Arcs {
		fmt.Fprintf(&b, "\t%s -> %s;\n", quote(a.Source), quote(a.Target))
	}
	b.WriteString("}\n")
	return b.Bytes()
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return `"` + s + `"`
}
