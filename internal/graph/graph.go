package graph

import (
	"fmt"

	"strategy-systemv1/internal/expr"
)

// Status is the node execution state.
type Status int

const (
	Inactive Status = iota // do not execute logic
	Active                 // execute logic this tick
	Pending                // awaiting broker fill
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Pending:
		return "pending"
	}
	return "inactive"
}

// orderTrack is the order lifecycle state an entry/exit node keeps per
// position leg.
type orderTrack struct {
	orderStatus    string // "" until an order is constructed
	pendingOrderID string
	resolvedSymbol string
}

// Node is one runtime node of the strategy graph.
type Node struct {
	ID   string
	Type string

	children []*Node
	parents  []*Node

	// exactly one of these is set, per Type
	start     *StartData
	signal    *SignalData
	entry     *EntryData
	exit      *ExitData
	squareOff *SquareOffData

	status Status
	// visitedEpoch implements the per-tick visited flag without a reset
	// sweep: visited ⇔ visitedEpoch == engine.epoch.
	visitedEpoch uint64

	execID       string // retained while Pending
	parentExecID string
	reEntryNum   int

	// entry/exit order tracking, index-aligned with the node's positions
	tracks []orderTrack

	// signal latch: the target's position_num when the signal last fired
	lastFiredNum int
	fired        bool

	// target resolution, filled by Graph.link
	targetEntry *Node  // nearest downstream entry node (signal nodes)
	targetVPI   string // position id this node acts on
}

// Children returns the node's direct successors.
func (n *Node) Children() []*Node { return n.children }

// Status returns the node's current execution state.
func (n *Node) State() Status { return n.status }

func (n *Node) resetOrderTracking() {
	for i := range n.tracks {
		n.tracks[i] = orderTrack{}
	}
}

// Graph is a parsed, linked strategy graph.
type Graph struct {
	nodes []*Node
	byID  map[string]*Node
	start *Node
}

// Start returns the start node.
func (g *Graph) Start() *Node { return g.start }

// Node looks up a node by id.
func (g *Graph) Node(id string) *Node { return g.byID[id] }

// Nodes returns every executable node.
func (g *Graph) Nodes() []*Node { return g.nodes }

// StartData returns the start node's payload.
func (g *Graph) StartData() *StartData { return g.start.start }

// link resolves signal → entry targets and exit targets, and sizes order
// tracking. Runs once after parse.
func (g *Graph) link() error {
	for _, n := range g.nodes {
		switch n.Type {
		case TypeEntry:
			if len(n.entry.Positions) == 0 {
				return fmt.Errorf("graph: entry node %s has no positions", n.ID)
			}
			n.tracks = make([]orderTrack, len(n.entry.Positions))
			n.targetVPI = n.entry.Positions[0].VPI
		case TypeExit:
			n.tracks = make([]orderTrack, 1)
			n.targetVPI = n.exit.orderConfig().TargetPositionVpi
		}
	}

	for _, n := range g.nodes {
		switch n.Type {
		case TypeEntrySignal, TypeReEntry:
			target := g.findDownstreamEntry(n)
			if target == nil {
				return fmt.Errorf("graph: signal node %s has no downstream entry node", n.ID)
			}
			n.targetEntry = target
			n.targetVPI = target.targetVPI
		case TypeExitSignal:
			// exit signals act on whatever their exit node targets
			for _, c := range n.children {
				if c.Type == TypeExit {
					n.targetVPI = c.targetVPI
					break
				}
			}
		}
	}
	return nil
}

// findDownstreamEntry locates the nearest entry node reachable from n.
func (g *Graph) findDownstreamEntry(n *Node) *Node {
	seen := make(map[*Node]bool)
	queue := append([]*Node(nil), n.children...)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if seen[c] {
			continue
		}
		seen[c] = true
		if c.Type == TypeEntry {
			return c
		}
		queue = append(queue, c.children...)
	}
	return nil
}

// maxEntries returns the cap for an entry node's primary position.
// Zero disables re-entry entirely.
func (n *Node) maxEntries() int {
	if n.entry == nil || len(n.entry.Positions) == 0 {
		return 0
	}
	return n.entry.Positions[0].MaxEntries
}

// topoVarOrder orders a node's variables so every variable is computed
// after the locals it references. Self-reference and cycles are hard
// errors: the strategy document is broken.
func topoVarOrder(vars []VarDef, nodeID string) ([]int, error) {
	if len(vars) == 0 {
		return nil, nil
	}

	index := make(map[string]int, len(vars))
	for i, v := range vars {
		index[v.Name] = i
	}

	deps := make([][]int, len(vars))
	for i, v := range vars {
		for _, ref := range localVarRefs(v.parsed, nodeID) {
			j, ok := index[ref]
			if !ok {
				continue // reads another node's variable, resolved at eval time
			}
			if j == i {
				return nil, fmt.Errorf("graph: variable %s references itself", v.Name)
			}
			deps[i] = append(deps[i], j)
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make([]int, len(vars))
	order := make([]int, 0, len(vars))

	var visit func(i int) error
	visit = func(i int) error {
		switch color[i] {
		case black:
			return nil
		case grey:
			return fmt.Errorf("graph: variable cycle through %s", vars[i].Name)
		}
		color[i] = grey
		for _, j := range deps[i] {
			if err := visit(j); err != nil {
				return err
			}
		}
		color[i] = black
		order = append(order, i)
		return nil
	}
	for i := range vars {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// localVarRefs collects variable names the expression reads from nodeID
// (or with no node qualifier, meaning "this node").
func localVarRefs(e *expr.Expr, nodeID string) []string {
	if e == nil {
		return nil
	}
	var out []string
	switch e.Type {
	case "variable":
		if e.NodeID == "" || e.NodeID == nodeID {
			out = append(out, e.Name)
		}
	case "binary":
		out = append(out, localVarRefs(e.Left, nodeID)...)
		out = append(out, localVarRefs(e.Right, nodeID)...)
	}
	return out
}
