// Package filter compiles match/unmatch predicate expressions into
// Predicate values carrying an Evaluate function, the set of row fields
// they read, and the original expression text. Expressions are compiled
// once with github.com/expr-lang/expr into an AST program and are never
// executed as arbitrary code.
package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/tycoworks/tycostream/internal/wire"
)

// Predicate evaluates a compiled boolean expression against a row.
type Predicate struct {
	Expression string
	Fields     map[string]struct{}
	program    *vm.Program
}

// Evaluate runs the predicate against row. A predicate that errors (panics,
// type mismatch) is treated as non-matching, never propagated — the caller
// is expected to log it.
func (p *Predicate) Evaluate(row wire.Row) (matched bool, evalErr error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			evalErr = fmt.Errorf("filter: predicate %q panicked: %v", p.Expression, r)
		}
	}()

	out, err := expr.Run(p.program, map[string]any(row))
	if err != nil {
		return false, fmt.Errorf("filter: predicate %q: %w", p.Expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter: predicate %q did not evaluate to a bool (got %T)", p.Expression, out)
	}
	return b, nil
}

// Compile parses and type-checks a predicate expression against a dynamic
// row environment, and records which fields it references.
func Compile(expression string) (*Predicate, error) {
	fields, err := referencedFields(expression)
	if err != nil {
		return nil, fmt.Errorf("filter: parse %q: %w", expression, err)
	}

	program, err := expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("filter: compile %q: %w", expression, err)
	}

	return &Predicate{
		Expression: expression,
		Fields:     fields,
		program:    program,
	}, nil
}

// referencedFields walks the parsed expression's AST and collects every
// bare identifier, which — in a row-keyed environment — corresponds
// exactly to the set of row fields the predicate reads.
func referencedFields(expression string) (map[string]struct{}, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]struct{})
	ast.Walk(&tree.Node, identifierCollector{fields: fields})
	return fields, nil
}

type identifierCollector struct {
	fields map[string]struct{}
}

func (c identifierCollector) Visit(node *ast.Node) {
	if id, ok := (*node).(*ast.IdentifierNode); ok {
		c.fields[id.Value] = struct{}{}
	}
}

// Filter is a {match, unmatch, fields} triple. If no unmatch expression is
// supplied, New synthesizes it as logical negation of Match.
type Filter struct {
	Match   *Predicate
	Unmatch *Predicate
	Fields  map[string]struct{}
}

// New builds a Filter from a match expression and an optional unmatch
// expression. An empty matchExpr means "no filter" (pass-through), and
// New returns (nil, nil) in that case.
func New(matchExpr, unmatchExpr string) (*Filter, error) {
	if matchExpr == "" {
		return nil, nil
	}

	match, err := Compile(matchExpr)
	if err != nil {
		return nil, err
	}

	var unmatch *Predicate
	if unmatchExpr != "" {
		unmatch, err = Compile(unmatchExpr)
		if err != nil {
			return nil, err
		}
	} else {
		unmatch, err = Compile("not (" + matchExpr + ")")
		if err != nil {
			return nil, err
		}
	}

	fields := make(map[string]struct{}, len(match.Fields)+len(unmatch.Fields))
	for f := range match.Fields {
		fields[f] = struct{}{}
	}
	for f := range unmatch.Fields {
		fields[f] = struct{}{}
	}

	return &Filter{Match: match, Unmatch: unmatch, Fields: fields}, nil
}

// IntersectsChangedFields reports whether any field in Filter.Fields is
// present in changed — used by the view's short-circuit rule.
func (f *Filter) IntersectsChangedFields(changed map[string]struct{}) bool {
	for field := range changed {
		if _, ok := f.Fields[field]; ok {
			return true
		}
	}
	return false
}
