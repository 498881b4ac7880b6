package rule

import "time"

// Expr is a node in the restricted expression IR. The IR is a
// pure, side-effect-free tree over literals and a root "action" binding,
// plus a handful of stateful predicates (StateTimeSince/StateCounter/
// SemanticMatch) that read — but never write — state during evaluation;
// the only side effect ("seen" bookkeeping) happens after a rule match,
// driven by the gateway, not the expression tree itself.
type Expr interface {
	isExpr()
}

// Literal is a constant value.
type Literal struct{ Value Value }

// Ident references a root binding, e.g. "action".
type Ident struct{ Name string }

// Field accesses a nested path off Base, e.g. Base=Ident{"action"},
// Path="payload.priority". Payload paths use gjson dot syntax so list
// indices ("items.0") and wildcards work the same way any other gjson
// field projection does; "labels.<key>" reads the labels map directly.
type Field struct {
	Base Expr
	Path string
}

// All is a short-circuiting logical AND over its operands.
type All struct{ Operands []Expr }

// Any is a short-circuiting logical OR over its operands.
type Any struct{ Operands []Expr }

// Not negates its operand's truthiness.
type Not struct{ Operand Expr }

// CompareOp tags a binary comparison.
type CompareOp string

const (
	OpEq CompareOp = "eq"
	OpNe CompareOp = "ne"
	OpLt CompareOp = "lt"
	OpLe CompareOp = "le"
	OpGt CompareOp = "gt"
	OpGe CompareOp = "ge"
)

// Compare is a binary comparison expression.
type Compare struct {
	Op          CompareOp
	Left, Right Expr
}

// StringOp tags a string predicate; all require string operands.
type StringOp string

const (
	OpContains   StringOp = "contains"
	OpStartsWith StringOp = "starts_with"
	OpEndsWith   StringOp = "ends_with"
	OpMatches    StringOp = "matches" // regex
)

// StringPredicate applies Op to Subject against Arg.
type StringPredicate struct {
	Op      StringOp
	Subject Expr
	Arg     Expr
}

// In tests membership of Subject within the List expression's evaluated
// list value.
type In struct {
	Subject Expr
	List    Expr
}

// StateTimeSince returns seconds since the store's "last seen" record for
// Key, or the Infinity sentinel if never seen.
type StateTimeSince struct{ Key string }

// StateCounter returns an integer counter value from the store for Key.
type StateCounter struct{ Key string }

// SemanticMatch queries the embedding bridge for cosine similarity between
// TextField's value and Topic, evaluating true when similarity >= Threshold.
type SemanticMatch struct {
	Topic     string
	Threshold float64
	TextField string
	FailOpen  bool
}

func (Literal) isExpr()         {}
func (Ident) isExpr()           {}
func (Field) isExpr()           {}
func (All) isExpr()             {}
func (Any) isExpr()             {}
func (Not) isExpr()             {}
func (Compare) isExpr()         {}
func (StringPredicate) isExpr() {}
func (In) isExpr()              {}
func (StateTimeSince) isExpr()  {}
func (StateCounter) isExpr()    {}
func (SemanticMatch) isExpr()   {}

// Action returns the root "action" identifier, the conventional base for
// Field access in rule conditions.
func Action() Expr { return Ident{Name: "action"} }

// ActionField is sugar for Field{Base: Action(), Path: path}.
func ActionField(path string) Expr { return Field{Base: Action(), Path: path} }

// Lit wraps a Go value as a Literal expression.
func Lit(v interface{}) Expr { return Literal{Value: FromGo(v)} }

// Eq/Ne/Lt/Le/Gt/Ge build Compare expressions.
func Eq(l, r Expr) Expr { return Compare{Op: OpEq, Left: l, Right: r} }
func Ne(l, r Expr) Expr { return Compare{Op: OpNe, Left: l, Right: r} }
func Lt(l, r Expr) Expr { return Compare{Op: OpLt, Left: l, Right: r} }
func Le(l, r Expr) Expr { return Compare{Op: OpLe, Left: l, Right: r} }
func Gt(l, r Expr) Expr { return Compare{Op: OpGt, Left: l, Right: r} }
func Ge(l, r Expr) Expr { return Compare{Op: OpGe, Left: l, Right: r} }

// Build helpers for the remaining node kinds.
func AllOf(ops ...Expr) Expr { return All{Operands: ops} }
func AnyOf(ops ...Expr) Expr { return Any{Operands: ops} }
func Negate(op Expr) Expr    { return Not{Operand: op} }

func Contains(subject, arg Expr) Expr   { return StringPredicate{Op: OpContains, Subject: subject, Arg: arg} }
func StartsWith(subject, arg Expr) Expr { return StringPredicate{Op: OpStartsWith, Subject: subject, Arg: arg} }
func EndsWith(subject, arg Expr) Expr   { return StringPredicate{Op: OpEndsWith, Subject: subject, Arg: arg} }
func Matches(subject, pattern Expr) Expr { return StringPredicate{Op: OpMatches, Subject: subject, Arg: pattern} }

func InList(subject, list Expr) Expr { return In{Subject: subject, List: list} }

func TimeSince(key string) Expr { return StateTimeSince{Key: key} }
func Counter(key string) Expr   { return StateCounter{Key: key} }

// DurationSeconds is a convenience for building a Literal from a duration.
func DurationSeconds(d time.Duration) Expr { return Lit(d.Seconds()) }
