package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short indicator for an overlay.
func statusTag(o *StatusOverlay) string {
	var tag string
	switch o.Status {
	case StatusVisited, StatusEnded:
		tag = "[OK]"
	case StatusFailed:
		tag = "[FAIL]"
	case StatusWaiting:
		tag = "[WAIT]"
	}
	if o.Visits > 1 {
		tag += fmt.Sprintf(" x%d", o.Visits)
	}
	return tag
}

// RenderASCII renders a DiagramModel as text: one row of boxes per level,
// followed by the edge list.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			node := findNode(model.Nodes, nodeID)
			if node == nil {
				continue
			}
			boxes = append(boxes, makeBox(node))
		}

		renderBoxRow(&b, boxes)
		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}

	if len(model.Edges) > 0 {
		b.WriteString("\nedges:\n")
		for _, e := range model.Edges {
			arrow := "──→"
			switch {
			case e.Jump:
				arrow = "┈┈→"
			case e.Label != "":
				arrow = "─" + e.Label + "→"
			}
			mark := ""
			if e.Taken {
				mark = " *"
			}
			fmt.Fprintf(&b, "  %s %s %s%s\n", e.From, arrow, e.To, mark)
		}
	}

	for _, node := range model.Nodes {
		if node.Status != nil && node.Status.Error != "" {
			fmt.Fprintf(&b, "\n%s failed: %s\n", node.ID, node.Status.Error)
		}
	}

	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	contentLines := strings.Split(node.Label, "\n")
	if node.Status != nil {
		if tag := statusTag(node.Status); tag != "" {
			contentLines = append(contentLines, tag)
		}
		if node.Status.DurationMs > 0 {
			contentLines = append(contentLines, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range contentLines {
		maxLen = max(maxLen, utf8.RuneCountInString(line))
	}
	width := maxLen + 4

	lines := []string{"┌" + strings.Repeat("─", width-2) + "┐"}
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-utf8.RuneCountInString(content))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	maxHeight := 0
	for _, box := range boxes {
		maxHeight = max(maxHeight, len(box.lines))
	}

	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

func renderConnector(b *strings.Builder, boxCount int) {
	if boxCount == 0 {
		return
	}
	b.WriteString("       │\n")
	b.WriteString("       ▼\n")
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
