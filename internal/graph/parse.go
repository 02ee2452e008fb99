// Package graph loads strategy JSON documents and executes them as a node
// graph over market state: per tick the engine walks the graph from the
// start node, fires signals, places orders and records positions.
package graph

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"strategy-systemv1/internal/expr"
)

// Node types recognized in strategy documents.
const (
	TypeStart       = "startNode"
	TypeEntrySignal = "entrySignalNode"
	TypeReEntry     = "reEntrySignalNode"
	TypeEntry       = "entryNode"
	TypeExitSignal  = "exitSignalNode"
	TypeExit        = "exitNode"
	TypeSquareOff   = "squareOffNode"
	typeUIOverview  = "strategyOverview" // editor-only, skipped
)

// Timeframe accepts both bare minutes (5) and suffixed strings ("5m").
type Timeframe int

func (t *Timeframe) UnmarshalJSON(raw []byte) error {
	s := strings.Trim(string(raw), `"`)
	s = strings.TrimSuffix(s, "m")
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fmt.Errorf("graph: timeframe %q", raw)
	}
	*t = Timeframe(n)
	return nil
}

// IndicatorSpec configures one indicator on a timeframe. Length and Period
// are aliases; documents use either.
type IndicatorSpec struct {
	IndicatorName string `json:"indicator_name"`
	Length        int    `json:"length"`
	Period        int    `json:"period"`
	PriceField    string `json:"price_field"`
}

func (s IndicatorSpec) period() int {
	if s.Period > 0 {
		return s.Period
	}
	return s.Length
}

// TimeframeConfig is one (timeframe, indicators) pair on an instrument.
type TimeframeConfig struct {
	Timeframe  Timeframe                `json:"timeframe"`
	Indicators map[string]IndicatorSpec `json:"indicators"`
}

// InstrumentConfig names a symbol and the candle series built on it.
type InstrumentConfig struct {
	Symbol     string            `json:"symbol"`
	Timeframes []TimeframeConfig `json:"timeframes"`
}

// EndConditions are the strategy-level terminators evaluated every tick.
type EndConditions struct {
	ImmediateExit *struct {
		Enabled bool `json:"enabled"`
	} `json:"immediateExit"`
	TimeBasedExit *struct {
		Enabled  bool   `json:"enabled"`
		ExitTime string `json:"exitTime"` // "HH:MM" IST
	} `json:"timeBasedExit"`
	PerformanceBasedExit *struct {
		Enabled      bool    `json:"enabled"`
		ProfitTarget float64 `json:"profitTarget"` // rupees
		StopLoss     float64 `json:"stopLoss"`     // rupees, positive
	} `json:"performanceBasedExit"`
}

// StartData is the startNode payload.
type StartData struct {
	Label                   string           `json:"label"`
	TradingInstrumentConfig InstrumentConfig `json:"tradingInstrumentConfig"`
	TradingInstrument       struct {
		Type           string `json:"type"` // spot, futures, options
		UnderlyingType string `json:"underlyingType"`
	} `json:"tradingInstrument"`
	SupportingInstrumentEnabled bool              `json:"supportingInstrumentEnabled"`
	SupportingInstrumentConfig  *InstrumentConfig `json:"supportingInstrumentConfig"`
	EndConditions               *EndConditions    `json:"endConditions"`
	StrategyName                string            `json:"strategy_name"`
}

// VarDef is one named variable computed when a signal fires.
type VarDef struct {
	Name    string          `json:"name"`
	RawExpr json.RawMessage `json:"expression"`
	Preview string          `json:"expressionPreview"`

	parsed *expr.Expr
}

// SignalData is shared by entrySignalNode, reEntrySignalNode and
// exitSignalNode payloads.
type SignalData struct {
	Label             string          `json:"label"`
	Conditions        json.RawMessage `json:"conditions"`
	ReEntryConditions json.RawMessage `json:"reEntryConditions"`
	Variables         []VarDef        `json:"variables"`
	AlertNotification string          `json:"alertNotification"`
	ConditionsPreview string          `json:"conditionsPreview"`

	conditions        *expr.Condition
	reEntryConditions *expr.Condition
	varOrder          []int // topological evaluation order into Variables
}

// OptionDetails selects a contract leg for an entry position.
type OptionDetails struct {
	Expiry     string `json:"expiry"`     // W0..W4, M0..M2, Q0..Q1, Y0..Y1
	StrikeType string `json:"strikeType"` // ATM, OTM<N>, ITM<N>
	OptionType string `json:"optionType"` // CE, PE
}

// PositionSpec is one position an entry node opens.
type PositionSpec struct {
	ID            string         `json:"id"`
	VPI           string         `json:"vpi"`
	Quantity      int64          `json:"quantity"`
	Lots          int64          `json:"lots"`
	Multiplier    int64          `json:"multiplier"`
	LotSize       int64          `json:"lotSize"`
	PositionType  string         `json:"positionType"` // buy, sell
	OrderType     string         `json:"orderType"`
	ProductType   string         `json:"productType"`
	OptionDetails *OptionDetails `json:"optionDetails"`
	MaxEntries    int            `json:"maxEntries"`
}

func (p PositionSpec) qty() int64 {
	if p.Quantity > 0 {
		return p.Quantity
	}
	return p.Lots
}

func (p PositionSpec) mult() int64 {
	if p.Multiplier > 0 {
		return p.Multiplier
	}
	if p.LotSize > 0 {
		return p.LotSize
	}
	return 1
}

// Side maps positionType to an order side.
func (p PositionSpec) Side() string {
	if strings.EqualFold(p.PositionType, "sell") {
		return "SELL"
	}
	return "BUY"
}

// EntryData is the entryNode payload.
type EntryData struct {
	Label      string         `json:"label"`
	Positions  []PositionSpec `json:"positions"`
	Instrument string         `json:"instrument"`
	ActionType string         `json:"actionType"`
}

// ExitOrderConfig is the exitNode order payload.
type ExitOrderConfig struct {
	TargetPositionVpi string `json:"targetPositionVpi"`
	OrderType         string `json:"orderType"`
	Quantity          string `json:"quantity"` // "full" or "specific"
	SpecificQuantity  int64  `json:"specificQuantity"`
}

// ExitData is the exitNode payload. Older documents nest the order config
// under exitNodeData.orderConfig.
type ExitData struct {
	Label      string           `json:"label"`
	ExitConfig *ExitOrderConfig `json:"exitConfig"`
	NodeData   *struct {
		OrderConfig *ExitOrderConfig `json:"orderConfig"`
	} `json:"exitNodeData"`
}

func (d *ExitData) orderConfig() *ExitOrderConfig {
	if d.ExitConfig != nil {
		return d.ExitConfig
	}
	if d.NodeData != nil {
		return d.NodeData.OrderConfig
	}
	return nil
}

// SquareOffData is the squareOffNode payload.
type SquareOffData struct {
	Label string `json:"label"`
}

type rawStrategy struct {
	Nodes []struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	} `json:"nodes"`
	Edges []struct {
		Source string `json:"source"`
		Target string `json:"target"`
	} `json:"edges"`
}

// Parse loads a strategy document into an executable Graph. Unknown node
// types and malformed payloads are fatal: a strategy that cannot be parsed
// must not start.
func Parse(doc []byte) (*Graph, error) {
	var raw rawStrategy
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("graph: strategy decode: %w", err)
	}

	g := &Graph{byID: make(map[string]*Node, len(raw.Nodes))}
	for _, rn := range raw.Nodes {
		if rn.Type == typeUIOverview {
			continue
		}
		n := &Node{ID: rn.ID, Type: rn.Type}
		var err error
		switch rn.Type {
		case TypeStart:
			if g.start != nil {
				return nil, fmt.Errorf("graph: multiple start nodes")
			}
			d := &StartData{}
			err = json.Unmarshal(rn.Data, d)
			n.start = d
			g.start = n
		case TypeEntrySignal, TypeReEntry, TypeExitSignal:
			d := &SignalData{}
			if err = json.Unmarshal(rn.Data, d); err == nil {
				err = prepareSignal(d, rn.ID)
			}
			n.signal = d
		case TypeEntry:
			d := &EntryData{}
			err = json.Unmarshal(rn.Data, d)
			n.entry = d
		case TypeExit:
			d := &ExitData{}
			if err = json.Unmarshal(rn.Data, d); err == nil && d.orderConfig() == nil {
				err = fmt.Errorf("missing exit order config")
			}
			n.exit = d
		case TypeSquareOff:
			d := &SquareOffData{}
			err = json.Unmarshal(rn.Data, d)
			n.squareOff = d
		default:
			return nil, fmt.Errorf("graph: unknown node type %q (node %s)", rn.Type, rn.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("graph: node %s (%s): %w", rn.ID, rn.Type, err)
		}
		if _, dup := g.byID[n.ID]; dup {
			return nil, fmt.Errorf("graph: duplicate node id %s", n.ID)
		}
		g.byID[n.ID] = n
		g.nodes = append(g.nodes, n)
	}

	if g.start == nil {
		return nil, fmt.Errorf("graph: no start node")
	}

	for _, e := range raw.Edges {
		src, ok := g.byID[e.Source]
		if !ok {
			continue // edge from a UI-only node
		}
		dst, ok := g.byID[e.Target]
		if !ok {
			continue
		}
		src.children = append(src.children, dst)
		dst.parents = append(dst.parents, src)
	}

	if err := g.link(); err != nil {
		return nil, err
	}
	return g, nil
}

// prepareSignal parses condition trees and variable expressions, and fixes
// the variable evaluation order. Cycles between variables are hard errors.
func prepareSignal(d *SignalData, nodeID string) error {
	var err error
	if len(d.Conditions) > 0 && string(d.Conditions) != "null" {
		if d.conditions, err = expr.ParseCondition(d.Conditions); err != nil {
			return err
		}
	}
	if len(d.ReEntryConditions) > 0 && string(d.ReEntryConditions) != "null" {
		if d.reEntryConditions, err = expr.ParseCondition(d.ReEntryConditions); err != nil {
			return err
		}
	}
	for i := range d.Variables {
		v := &d.Variables[i]
		if v.parsed, err = expr.ParseExpr(v.RawExpr); err != nil {
			return fmt.Errorf("variable %s: %w", v.Name, err)
		}
	}
	d.varOrder, err = topoVarOrder(d.Variables, nodeID)
	return err
}
