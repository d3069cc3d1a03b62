package diagram

import "github.com/rendis/chatflow/pkg/schema"

// Overlay statuses derived from an execution trace.
const (
	StatusVisited = "visited"
	StatusWaiting = "waiting"
	StatusFailed  = "failed"
	StatusEnded   = "ended"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one definition node.
type Node struct {
	ID     string
	Label  string
	Kind   schema.NodeType
	Status *StatusOverlay
}

// StatusOverlay carries what an execution did at a node.
type StatusOverlay struct {
	Status     string
	Visits     int
	DurationMs int64
	Error      string
}

// Edge is a definition edge or, with Jump set, a jump target.
type Edge struct {
	From  string
	To    string
	Label string
	Jump  bool
	// Taken marks edges the overlaid execution followed.
	Taken bool
}
