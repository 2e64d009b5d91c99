package dag

import (
	"fmt"
	"strings"
)

// Render emits dag as a dot-style directed graph. Output is
// deterministic for a given insertion-order-preserving iteration of
// dag.Edges: for every edge, both endpoints are declared (if they
// produce any attributes) followed by the edge line, each edge
// contributing one newline-joined block (spec §4.8, §9 Open Question).
func Render(d *DAG) string {
	var b strings.Builder
	b.WriteString("digraph graphname {\n")

	for _, edge := range d.Edges {
		if decl := vertexDecl(edge.From); decl != "" {
			b.WriteString(decl)
			b.WriteString("\n")
		}
		if decl := vertexDecl(edge.To); decl != "" {
			b.WriteString(decl)
			b.WriteString("\n")
		}
		b.WriteString(edgeLine(edge))
		b.WriteString("\n")
	}

	b.WriteString("}")
	return b.String()
}

func vertexDecl(v *Vertex) string {
	attrs := vertexAttrs(v)
	if len(attrs) == 0 {
		return ""
	}
	return fmt.Sprintf("%s [%s];", v.Name, strings.Join(attrs, ","))
}

func vertexAttrs(v *Vertex) []string {
	switch v.Type {
	case Node:
		attrs := []string{"shape=point"}
		if v.labelled() {
			attrs = append(attrs, `label=""`, fmt.Sprintf(`xlabel="%s"`, v.Label))
		}
		return attrs

	case Origin:
		attrs := []string{"shape=point", `label=""`, "fixedsize=true", "width=0.1"}
		if v.labelled() {
			attrs = append(attrs, fmt.Sprintf(`xlabel="%s"`, v.Label))
		}
		return attrs

	case Operator:
		attrs := []string{"shape=circle", `label=""`, "fixedsize=true", "width=0.1"}
		if v.labelled() {
			attrs = append(attrs, fmt.Sprintf(`xlabel="%s"`, v.Label))
		}
		return attrs

	case Process:
		if v.labelled() {
			return []string{fmt.Sprintf(`label="%s"`, v.Label)}
		}
		return nil

	default:
		attrs := []string{"shape=none"}
		if v.labelled() {
			attrs = append(attrs, fmt.Sprintf(`label="%s"`, v.Label))
		}
		return attrs
	}
}

func edgeLine(e *Edge) string {
	if e.Label == "" {
		return fmt.Sprintf("%s -> %s;", e.From.Name, e.To.Name)
	}
	return fmt.Sprintf(`%s -> %s [label="%s"];`, e.From.Name, e.To.Name, e.Label)
}
