package rule

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/acteon/internal/action"
	"github.com/r3e-network/acteon/internal/embedding"
	"github.com/r3e-network/acteon/internal/state"
)

// EvalContext binds an expression tree evaluation to a concrete action,
// state snapshot, and environment.
type EvalContext struct {
	Ctx       context.Context
	Action    *action.Action
	Store     state.Store
	Namespace string
	Tenant    string
	Embedding embedding.Bridge

	mu            sync.Mutex
	touchedKeys   []string
	predicateErrs int
	payloadJSON   []byte
	payloadOnce   sync.Once
}

// TouchedKeys returns the StateTimeSince keys referenced during evaluation,
// used by the gateway to perform the post-match "seen" update.
func (e *EvalContext) TouchedKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.touchedKeys...)
}

// PredicateErrors returns the count of evaluation errors that degraded a
// predicate to false during this evaluation.
func (e *EvalContext) PredicateErrors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.predicateErrs
}

func (e *EvalContext) touch(key string) {
	e.mu.Lock()
	e.touchedKeys = append(e.touchedKeys, key)
	e.mu.Unlock()
}

func (e *EvalContext) countError() {
	e.mu.Lock()
	e.predicateErrs++
	e.mu.Unlock()
}

func (e *EvalContext) payload() []byte {
	e.payloadOnce.Do(func() {
		b, err := json.Marshal(e.Action.Payload)
		if err != nil {
			b = []byte("{}")
		}
		e.payloadJSON = b
	})
	return e.payloadJSON
}

// regexCache is a process-wide cache of compiled regular expressions,
// keyed by pattern.
var regexCache = struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}{m: make(map[string]*regexp.Regexp)}

func compileCached(pattern string) (*regexp.Regexp, error) {
	regexCache.mu.RLock()
	re, ok := regexCache.m[pattern]
	regexCache.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.mu.Lock()
	regexCache.m[pattern] = re
	regexCache.mu.Unlock()
	return re, nil
}

// Eval evaluates expr against ec, returning its runtime Value. Evaluation
// never returns a raw error for predicate-level failures — those degrade
// the failing sub-expression to Bool(false) and are counted via
// ec.PredicateErrors(). An unknown node kind degrades to Bool(false) and
// is counted the same way.
func Eval(ec *EvalContext, expr Expr) Value {
	switch e := expr.(type) {
	case Literal:
		return e.Value
	case Ident:
		return evalIdent(ec, e)
	case Field:
		return evalField(ec, e)
	case All:
		for _, op := range e.Operands {
			if !Eval(ec, op).Truthy() {
				return Bool(false)
			}
		}
		return Bool(true)
	case Any:
		for _, op := range e.Operands {
			if Eval(ec, op).Truthy() {
				return Bool(true)
			}
		}
		return Bool(false)
	case Not:
		return Bool(!Eval(ec, e.Operand).Truthy())
	case Compare:
		return evalCompare(ec, e)
	case StringPredicate:
		return evalStringPredicate(ec, e)
	case In:
		return evalIn(ec, e)
	case StateTimeSince:
		return evalStateTimeSince(ec, e)
	case StateCounter:
		return evalStateCounter(ec, e)
	case SemanticMatch:
		return evalSemanticMatch(ec, e)
	default:
		ec.countError()
		return Bool(false)
	}
}

func evalIdent(ec *EvalContext, id Ident) Value {
	if id.Name != "action" {
		ec.countError()
		return Null()
	}
	return Map(map[string]Value{
		"action_type": Str(ec.Action.Origin.ActionType),
		"namespace":   Str(ec.Action.Origin.Namespace),
		"tenant":      Str(ec.Action.Origin.Tenant),
		"provider":    Str(ec.Action.Origin.Provider),
		"dedup_key":   Str(ec.Action.DedupKey),
		"status":      Str(ec.Action.Status),
		"id":          Str(ec.Action.ID),
	})
}

// directFields are Action attributes resolvable without touching the JSON
// payload; everything else under "action.<path>" is looked up in the
// labels map or, via gjson, in the payload.
var directFields = map[string]func(ec *EvalContext) Value{
	"action_type": func(ec *EvalContext) Value { return Str(ec.Action.Origin.ActionType) },
	"namespace":   func(ec *EvalContext) Value { return Str(ec.Action.Origin.Namespace) },
	"tenant":      func(ec *EvalContext) Value { return Str(ec.Action.Origin.Tenant) },
	"provider":    func(ec *EvalContext) Value { return Str(ec.Action.Origin.Provider) },
	"dedup_key":   func(ec *EvalContext) Value { return Str(ec.Action.DedupKey) },
	"status":      func(ec *EvalContext) Value { return Str(ec.Action.Status) },
	"id":          func(ec *EvalContext) Value { return Str(ec.Action.ID) },
}

func evalField(ec *EvalContext, f Field) Value {
	base, ok := f.Base.(Ident)
	if !ok || base.Name != "action" {
		// Only "action.*" field access is supported by the restricted IR.
		ec.countError()
		return Null()
	}

	if fn, ok := directFields[f.Path]; ok {
		return fn(ec)
	}

	switch {
	case f.Path == "labels" || hasPrefix(f.Path, "labels."):
		return evalLabelsPath(ec, f.Path)
	case f.Path == "payload" || hasPrefix(f.Path, "payload."):
		return evalPayloadPath(ec, f.Path)
	default:
		// Fall back to treating the whole path as a payload projection,
		// addressing fields without an explicit "payload." prefix.
		return evalPayloadPath(ec, "payload."+f.Path)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func evalLabelsPath(ec *EvalContext, path string) Value {
	if path == "labels" {
		m := make(map[string]Value, len(ec.Action.Labels))
		for k, v := range ec.Action.Labels {
			m[k] = Str(v)
		}
		return Map(m)
	}
	key := path[len("labels."):]
	v, ok := ec.Action.Labels[key]
	if !ok {
		return Null()
	}
	return Str(v)
}

func evalPayloadPath(ec *EvalContext, path string) Value {
	gpath := path
	if path == "payload" {
		gpath = "@this"
	} else {
		gpath = path[len("payload."):]
	}
	result := gjson.GetBytes(ec.payload(), gpath)
	if !result.Exists() {
		return Null()
	}
	return FromGo(result.Value())
}

func evalCompare(ec *EvalContext, c Compare) Value {
	l := Eval(ec, c.Left)
	r := Eval(ec, c.Right)

	switch c.Op {
	case OpEq:
		return Bool(equal(l, r))
	case OpNe:
		return Bool(!equal(l, r))
	}

	cmp, ok := compare(l, r)
	if !ok {
		ec.countError()
		return Bool(false)
	}
	switch c.Op {
	case OpLt:
		return Bool(cmp < 0)
	case OpLe:
		return Bool(cmp <= 0)
	case OpGt:
		return Bool(cmp > 0)
	case OpGe:
		return Bool(cmp >= 0)
	default:
		ec.countError()
		return Bool(false)
	}
}

func evalStringPredicate(ec *EvalContext, p StringPredicate) Value {
	subject := Eval(ec, p.Subject)
	arg := Eval(ec, p.Arg)
	if subject.Kind != KindString || arg.Kind != KindString {
		ec.countError()
		return Bool(false)
	}

	switch p.Op {
	case OpContains:
		return Bool(containsStr(subject.Str, arg.Str))
	case OpStartsWith:
		return Bool(hasPrefix(subject.Str, arg.Str))
	case OpEndsWith:
		return Bool(hasSuffix(subject.Str, arg.Str))
	case OpMatches:
		re, err := compileCached(arg.Str)
		if err != nil {
			ec.countError()
			return Bool(false)
		}
		return Bool(re.MatchString(subject.Str))
	default:
		ec.countError()
		return Bool(false)
	}
}

func containsStr(s, substr string) bool {
	return indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func evalIn(ec *EvalContext, in In) Value {
	subject := Eval(ec, in.Subject)
	list := Eval(ec, in.List)
	if list.Kind != KindList {
		ec.countError()
		return Bool(false)
	}
	for _, item := range list.List {
		if equal(subject, item) {
			return Bool(true)
		}
	}
	return Bool(false)
}

func evalStateTimeSince(ec *EvalContext, s StateTimeSince) Value {
	key := state.Key(ec.Namespace, ec.Tenant, state.KindRuleState, "seen:"+s.Key)
	ec.touch(s.Key)

	raw, err := ec.Store.Get(ec.Ctx, key)
	if err != nil {
		return Infinity
	}
	var seenAt time.Time
	if err := seenAt.UnmarshalText(raw); err != nil {
		return Infinity
	}
	return Float(math.Max(0, time.Since(seenAt).Seconds()))
}

func evalStateCounter(ec *EvalContext, s StateCounter) Value {
	key := state.Key(ec.Namespace, ec.Tenant, state.KindRuleState, "counter:"+s.Key)
	raw, err := ec.Store.Get(ec.Ctx, key)
	if err != nil {
		return Int(0)
	}
	var n int64
	for _, b := range raw {
		n = n*10 + int64(b-'0')
	}
	return Int(n)
}

func evalSemanticMatch(ec *EvalContext, s SemanticMatch) Value {
	if ec.Embedding == nil {
		ec.countError()
		return Bool(false)
	}
	text := Eval(ec, ActionField(s.TextField))
	if text.Kind != KindString {
		ec.countError()
		return Bool(false)
	}
	sim, err := ec.Embedding.Similarity(ec.Ctx, s.Topic, text.Str)
	if err != nil {
		if s.FailOpen {
			return Bool(false)
		}
		ec.countError()
		return Bool(false)
	}
	return Bool(sim >= s.Threshold)
}

// MarkSeen records "now" as the last-seen time for key, the post-match side
// effect performed after a match; evaluation itself is otherwise
// side-effect free.
func MarkSeen(ctx context.Context, store state.Store, namespace, tenant, key string) error {
	now, err := time.Now().UTC().MarshalText()
	if err != nil {
		return err
	}
	k := state.Key(namespace, tenant, state.KindRuleState, "seen:"+key)
	return store.Set(ctx, k, now, 0)
}

// IncrCounter increments the named counter and returns its new value.
func IncrCounter(ctx context.Context, store state.Store, namespace, tenant, key string) (int64, error) {
	k := state.Key(namespace, tenant, state.KindRuleState, "counter:"+key)
	for {
		raw, err := store.Get(ctx, k)
		var cur int64
		if err == nil {
			for _, b := range raw {
				cur = cur*10 + int64(b-'0')
			}
		}
		next := cur + 1
		newRaw := []byte(itoa(next))
		var old []byte
		if err == nil {
			old = raw
		}
		ok, casErr := store.CompareAndSwap(ctx, k, old, newRaw, 0)
		if casErr != nil {
			return 0, casErr
		}
		if ok {
			return next, nil
		}
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
