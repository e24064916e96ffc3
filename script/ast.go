// Package script provides the small, safe expression language evaluated by
// transform nodes. A script is a single expression over the node's input
// (bound as the `input` variable); it produces a value, so the language
// carries arithmetic, object literals, and a fixed set of builtin functions
// on top of comparisons and member access. Scripts are stateless and
// side-effect-free.
package script

import (
	"fmt"
	"strings"
)

// Expr is the interface implemented by all AST nodes.
type Expr interface {
	expr() // marker method
	String() string
}

// BinaryExpr represents a binary operation (e.g. a + b, a == b).
type BinaryExpr struct {
	Left  Expr
	Op    TokenKind
	Right Expr
}

func (e *BinaryExpr) expr() {}
func (e *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Left, e.Op, e.Right)
}

// UnaryExpr represents a unary operation (e.g. !a, -a).
type UnaryExpr struct {
	Op      TokenKind
	Operand Expr
}

func (e *UnaryExpr) expr() {}
func (e *UnaryExpr) String() string {
	return fmt.Sprintf("(%s%s)", e.Op, e.Operand)
}

// LiteralExpr represents a literal value (number, string, bool, null).
type LiteralExpr struct {
	Value any // float64, string, bool, or nil
}

func (e *LiteralExpr) expr() {}
func (e *LiteralExpr) String() string {
	if e.Value == nil {
		return "null"
	}
	return fmt.Sprintf("%v", e.Value)
}

// IdentExpr represents a variable reference (e.g. input).
type IdentExpr struct {
	Name string
}

func (e *IdentExpr) expr() {}
func (e *IdentExpr) String() string {
	return e.Name
}

// MemberExpr represents property access (e.g. input.city).
type MemberExpr struct {
	Object   Expr
	Property string
}

func (e *MemberExpr) expr() {}
func (e *MemberExpr) String() string {
	return fmt.Sprintf("%s.%s", e.Object, e.Property)
}

// IndexExpr represents array or map index access (e.g. input.tags[0]).
type IndexExpr struct {
	Object Expr
	Index  Expr
}

func (e *IndexExpr) expr() {}
func (e *IndexExpr) String() string {
	return fmt.Sprintf("%s[%s]", e.Object, e.Index)
}

// ArrayLiteral represents an inline array (e.g. ["a", "b"]).
type ArrayLiteral struct {
	Elements []Expr
}

func (e *ArrayLiteral) expr() {}
func (e *ArrayLiteral) String() string {
	return fmt.Sprintf("[%d elements]", len(e.Elements))
}

// ObjectLiteral represents an inline object (e.g. {city: input.city}).
// Keys are literal identifiers or strings; values are expressions.
type ObjectLiteral struct {
	Keys   []string
	Values []Expr
}

func (e *ObjectLiteral) expr() {}
func (e *ObjectLiteral) String() string {
	return fmt.Sprintf("{%d fields}", len(e.Keys))
}

// CallExpr represents a builtin function call (e.g. upper(input.name)).
type CallExpr struct {
	Func string
	Args []Expr
}

func (e *CallExpr) expr() {}
func (e *CallExpr) String() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", e.Func, strings.Join(args, ", "))
}
