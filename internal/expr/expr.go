// Package expr parses and evaluates the condition trees and arithmetic
// expressions used by signal and exit nodes. Expressions read market state
// through the Env interface; all prices surface in rupees for comparison
// with indicator values and user literals.
package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Env is the read-only market view an expression evaluates against.
// Prices returned by LTP are in paise; CandleField and IndicatorValue
// return rupees.
type Env interface {
	LTP(symbol string) (int64, bool)
	CandleField(symbol string, tf int, field string, offset int) (float64, bool)
	IndicatorValue(symbol string, tf int, key string, offset int) (float64, bool)
	NodeVar(nodeID, name string) (float64, bool)

	// Underlying is the strategy's primary (spot) symbol.
	Underlying() string
	// DefaultSymbol and DefaultTF fill in expressions that omit them,
	// normally the resolved trading instrument and its base timeframe.
	DefaultSymbol() string
	DefaultTF() int
}

// Expr is a parsed expression node.
type Expr struct {
	Type string `json:"type"`

	// number / string literals
	Value    float64 `json:"value,omitempty"`
	StrValue string  `json:"str_value,omitempty"`

	// ltp / candle / indicator
	Symbol    string `json:"symbol,omitempty"`
	Timeframe int    `json:"timeframe,omitempty"`
	Field     string `json:"field,omitempty"`
	Key       string `json:"key,omitempty"`
	Offset    int    `json:"offset,omitempty"`

	// variable
	NodeID string `json:"node_id,omitempty"`
	Name   string `json:"name,omitempty"`

	// binary
	Op    string `json:"op,omitempty"`
	Left  *Expr  `json:"left,omitempty"`
	Right *Expr  `json:"right,omitempty"`
}

// ParseExpr decodes one expression from its JSON form. Literals may appear
// as bare JSON numbers or strings instead of tagged objects.
func ParseExpr(raw json.RawMessage) (*Expr, error) {
	raw = trimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("expr: empty expression")
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("expr: bad string literal: %w", err)
		}
		return &Expr{Type: "string", StrValue: s}, nil
	case '{':
		// fallthrough to object decode below
	default:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("expr: bad literal %q: %w", raw, err)
		}
		return &Expr{Type: "number", Value: n}, nil
	}

	var obj struct {
		Type      string          `json:"type"`
		Value     json.RawMessage `json:"value"`
		Symbol    string          `json:"symbol"`
		Timeframe int             `json:"timeframe"`
		Field     string          `json:"field"`
		Key       string          `json:"key"`
		Offset    int             `json:"offset"`
		NodeID    string          `json:"node_id"`
		Name      string          `json:"name"`
		Op        string          `json:"op"`
		Left      json.RawMessage `json:"left"`
		Right     json.RawMessage `json:"right"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("expr: decode: %w", err)
	}

	e := &Expr{
		Type:      obj.Type,
		Symbol:    obj.Symbol,
		Timeframe: obj.Timeframe,
		Field:     obj.Field,
		Key:       obj.Key,
		Offset:    obj.Offset,
		NodeID:    obj.NodeID,
		Name:      obj.Name,
		Op:        obj.Op,
	}

	switch obj.Type {
	case "number":
		if err := json.Unmarshal(obj.Value, &e.Value); err != nil {
			return nil, fmt.Errorf("expr: number value: %w", err)
		}
	case "string":
		if err := json.Unmarshal(obj.Value, &e.StrValue); err != nil {
			return nil, fmt.Errorf("expr: string value: %w", err)
		}
	case "ltp", "underlying_ltp":
	case "candle":
		if !validField(e.Field) {
			return nil, fmt.Errorf("expr: candle field %q", e.Field)
		}
		if e.Offset > 0 {
			return nil, fmt.Errorf("expr: candle offset %d must be <= 0", e.Offset)
		}
	case "indicator":
		if e.Key == "" {
			return nil, fmt.Errorf("expr: indicator key missing")
		}
		if e.Offset > 0 {
			return nil, fmt.Errorf("expr: indicator offset %d must be <= 0", e.Offset)
		}
	case "variable":
		if e.Name == "" {
			return nil, fmt.Errorf("expr: variable name missing")
		}
	case "binary":
		switch e.Op {
		case "+", "-", "*", "/", "%":
		default:
			return nil, fmt.Errorf("expr: binary op %q", e.Op)
		}
		var err error
		if e.Left, err = ParseExpr(obj.Left); err != nil {
			return nil, err
		}
		if e.Right, err = ParseExpr(obj.Right); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("expr: unknown type %q", obj.Type)
	}
	return e, nil
}

func validField(f string) bool {
	switch f {
	case "open", "high", "low", "close", "volume":
		return true
	}
	return false
}

// Value is the result of evaluating an expression. Null carries through
// warm-up gaps and missing quotes; conditions treat it as non-satisfying.
type Value struct {
	Null  bool
	Num   float64
	Str   string
	IsStr bool
}

func numVal(v float64) Value { return Value{Num: v} }
func nullVal() Value         { return Value{Null: true} }

// Eval evaluates the expression. shift is added to every candle/indicator
// offset; crossing operators use shift=-1 to read the previous bar.
// Expressions with no bar history (ltp, literals, variables) are
// shift-invariant.
func (e *Expr) Eval(env Env, shift int) (Value, error) {
	switch e.Type {
	case "number":
		return numVal(e.Value), nil
	case "string":
		return Value{Str: e.StrValue, IsStr: true}, nil

	case "ltp":
		sym := e.Symbol
		if sym == "" {
			sym = env.DefaultSymbol()
		}
		p, ok := env.LTP(sym)
		if !ok {
			return nullVal(), nil
		}
		return numVal(float64(p) / 100.0), nil

	case "underlying_ltp":
		p, ok := env.LTP(env.Underlying())
		if !ok {
			return nullVal(), nil
		}
		return numVal(float64(p) / 100.0), nil

	case "candle":
		sym, tf := e.series(env)
		v, ok := env.CandleField(sym, tf, e.Field, e.Offset+shift)
		if !ok {
			return nullVal(), nil
		}
		return numVal(v), nil

	case "indicator":
		sym, tf := e.series(env)
		v, ok := env.IndicatorValue(sym, tf, e.Key, e.Offset+shift)
		if !ok {
			return nullVal(), nil
		}
		return numVal(v), nil

	case "variable":
		v, ok := env.NodeVar(e.NodeID, e.Name)
		if !ok {
			return nullVal(), nil
		}
		return numVal(v), nil

	case "binary":
		l, err := e.Left.Eval(env, shift)
		if err != nil {
			return nullVal(), err
		}
		r, err := e.Right.Eval(env, shift)
		if err != nil {
			return nullVal(), err
		}
		if l.Null || r.Null || l.IsStr || r.IsStr {
			return nullVal(), nil
		}
		switch e.Op {
		case "+":
			return numVal(l.Num + r.Num), nil
		case "-":
			return numVal(l.Num - r.Num), nil
		case "*":
			return numVal(l.Num * r.Num), nil
		case "/":
			if r.Num == 0 {
				return nullVal(), nil
			}
			return numVal(l.Num / r.Num), nil
		case "%":
			if r.Num == 0 {
				return nullVal(), nil
			}
			li, ri := int64(l.Num), int64(r.Num)
			return numVal(float64(li % ri)), nil
		}
	}
	return nullVal(), fmt.Errorf("expr: eval unknown type %q", e.Type)
}

func (e *Expr) series(env Env) (string, int) {
	sym, tf := e.Symbol, e.Timeframe
	if sym == "" {
		sym = env.DefaultSymbol()
	}
	if tf == 0 {
		tf = env.DefaultTF()
	}
	return sym, tf
}

// UsesHistory reports whether the expression reads bar history anywhere,
// which crossing operators require on at least one side.
func (e *Expr) UsesHistory() bool {
	switch e.Type {
	case "candle", "indicator":
		return true
	case "binary":
		return e.Left.UsesHistory() || e.Right.UsesHistory()
	}
	return false
}

// Preview renders a compact textual form for diagnostics.
func (e *Expr) Preview() string {
	var b strings.Builder
	e.preview(&b)
	return b.String()
}

func (e *Expr) preview(b *strings.Builder) {
	switch e.Type {
	case "number":
		b.WriteString(strconv.FormatFloat(e.Value, 'f', -1, 64))
	case "string":
		b.WriteByte('"')
		b.WriteString(e.StrValue)
		b.WriteByte('"')
	case "ltp":
		b.WriteString("ltp(")
		b.WriteString(e.Symbol)
		b.WriteByte(')')
	case "underlying_ltp":
		b.WriteString("underlying_ltp")
	case "candle":
		fmt.Fprintf(b, "candle(%s,%dm,%s,%d)", e.Symbol, e.Timeframe, e.Field, e.Offset)
	case "indicator":
		fmt.Fprintf(b, "%s(%s,%dm,%d)", e.Key, e.Symbol, e.Timeframe, e.Offset)
	case "variable":
		fmt.Fprintf(b, "var(%s.%s)", e.NodeID, e.Name)
	case "binary":
		b.WriteByte('(')
		e.Left.preview(b)
		b.WriteByte(' ')
		b.WriteString(e.Op)
		b.WriteByte(' ')
		e.Right.preview(b)
		b.WriteByte(')')
	}
}

func trimSpace(raw json.RawMessage) json.RawMessage {
	i := 0
	for i < len(raw) && (raw[i] == ' ' || raw[i] == '\t' || raw[i] == '\n' || raw[i] == '\r') {
		i++
	}
	return raw[i:]
}
