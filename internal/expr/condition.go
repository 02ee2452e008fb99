package expr

import (
	"encoding/json"
	"fmt"
)

// Condition is either a leaf comparison or a logical group.
type Condition struct {
	// leaf
	LHS *Expr
	Op  string
	RHS *Expr

	// group
	Logical  string // "AND" or "OR"
	Children []*Condition

	// optional user-supplied preview carried through to diagnostics
	PreviewText string
}

// IsLeaf reports whether this condition is a comparison leaf.
func (c *Condition) IsLeaf() bool { return c.Logical == "" }

// ParseCondition decodes a condition tree from JSON. A node with a
// "logical" key is a group; anything else must be a lhs/op/rhs leaf.
func ParseCondition(raw json.RawMessage) (*Condition, error) {
	raw = trimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("expr: empty condition")
	}

	var obj struct {
		Logical  string            `json:"logical"`
		Children []json.RawMessage `json:"children"`
		LHS      json.RawMessage   `json:"lhs"`
		Op       string            `json:"op"`
		RHS      json.RawMessage   `json:"rhs"`
		Preview  string            `json:"preview"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("expr: condition decode: %w", err)
	}

	if obj.Logical != "" {
		if obj.Logical != "AND" && obj.Logical != "OR" {
			return nil, fmt.Errorf("expr: logical %q", obj.Logical)
		}
		if len(obj.Children) == 0 {
			return nil, fmt.Errorf("expr: %s group with no children", obj.Logical)
		}
		g := &Condition{Logical: obj.Logical, PreviewText: obj.Preview}
		for _, child := range obj.Children {
			cc, err := ParseCondition(child)
			if err != nil {
				return nil, err
			}
			g.Children = append(g.Children, cc)
		}
		return g, nil
	}

	switch obj.Op {
	case ">", "<", ">=", "<=", "==", "!=", "crosses_above", "crosses_below":
	default:
		return nil, fmt.Errorf("expr: comparison op %q", obj.Op)
	}
	lhs, err := ParseExpr(obj.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ParseExpr(obj.RHS)
	if err != nil {
		return nil, err
	}
	leaf := &Condition{LHS: lhs, Op: obj.Op, RHS: rhs, PreviewText: obj.Preview}
	if (obj.Op == "crosses_above" || obj.Op == "crosses_below") &&
		!lhs.UsesHistory() && !rhs.UsesHistory() {
		return nil, fmt.Errorf("expr: %s needs a candle or indicator operand", obj.Op)
	}
	return leaf, nil
}

// LeafDiag records one evaluated leaf for the event stream. LHS/RHS are
// nil when the operand evaluated to null.
type LeafDiag struct {
	Preview   string   `json:"preview"`
	Op        string   `json:"op"`
	LHS       *float64 `json:"lhs"`
	RHS       *float64 `json:"rhs"`
	Satisfied bool     `json:"satisfied"`
}

// Result is the outcome of evaluating a condition tree.
type Result struct {
	Satisfied bool       `json:"satisfied"`
	Leaves    []LeafDiag `json:"leaves"`
}

// Evaluate walks the tree against env. Every leaf is evaluated even when a
// group short-circuits logically, so diagnostics always show the full
// picture. Errors are strategy spec errors and fatal for the session.
func (c *Condition) Evaluate(env Env) (Result, error) {
	var res Result
	sat, err := c.eval(env, &res.Leaves)
	if err != nil {
		return Result{}, err
	}
	res.Satisfied = sat
	return res, nil
}

func (c *Condition) eval(env Env, leaves *[]LeafDiag) (bool, error) {
	if !c.IsLeaf() {
		sat := c.Logical == "AND"
		for _, child := range c.Children {
			s, err := child.eval(env, leaves)
			if err != nil {
				return false, err
			}
			if c.Logical == "AND" {
				sat = sat && s
			} else {
				sat = sat || s
			}
		}
		return sat, nil
	}

	lhs, err := c.LHS.Eval(env, 0)
	if err != nil {
		return false, err
	}
	rhs, err := c.RHS.Eval(env, 0)
	if err != nil {
		return false, err
	}

	diag := LeafDiag{Preview: c.preview(), Op: c.Op}
	if !lhs.Null && !lhs.IsStr {
		v := lhs.Num
		diag.LHS = &v
	}
	if !rhs.Null && !rhs.IsStr {
		v := rhs.Num
		diag.RHS = &v
	}

	sat, err := c.compare(env, lhs, rhs)
	if err != nil {
		return false, err
	}
	diag.Satisfied = sat
	*leaves = append(*leaves, diag)
	return sat, nil
}

func (c *Condition) compare(env Env, lhs, rhs Value) (bool, error) {
	if lhs.Null || rhs.Null {
		return false, nil
	}

	if lhs.IsStr || rhs.IsStr {
		if !lhs.IsStr || !rhs.IsStr {
			return false, nil
		}
		switch c.Op {
		case "==":
			return lhs.Str == rhs.Str, nil
		case "!=":
			return lhs.Str != rhs.Str, nil
		}
		return false, fmt.Errorf("expr: op %q on string operands", c.Op)
	}

	switch c.Op {
	case ">":
		return lhs.Num > rhs.Num, nil
	case "<":
		return lhs.Num < rhs.Num, nil
	case ">=":
		return lhs.Num >= rhs.Num, nil
	case "<=":
		return lhs.Num <= rhs.Num, nil
	case "==":
		return lhs.Num == rhs.Num, nil
	case "!=":
		return lhs.Num != rhs.Num, nil
	case "crosses_above", "crosses_below":
		// Previous-bar read: both sides shifted one bar back. Null on the
		// previous bar (warm-up, first bar) means no signal.
		prevL, err := c.LHS.Eval(env, -1)
		if err != nil {
			return false, err
		}
		prevR, err := c.RHS.Eval(env, -1)
		if err != nil {
			return false, err
		}
		if prevL.Null || prevR.Null || prevL.IsStr || prevR.IsStr {
			return false, nil
		}
		if c.Op == "crosses_above" {
			return prevL.Num <= prevR.Num && lhs.Num > rhs.Num, nil
		}
		return prevL.Num >= prevR.Num && lhs.Num < rhs.Num, nil
	}
	return false, fmt.Errorf("expr: compare op %q", c.Op)
}

func (c *Condition) preview() string {
	if c.PreviewText != "" {
		return c.PreviewText
	}
	if c.IsLeaf() {
		return c.LHS.Preview() + " " + c.Op + " " + c.RHS.Preview()
	}
	return c.Logical
}
