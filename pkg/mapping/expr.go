package mapping

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidExpression is wrapped by every expression parse error
var ErrInvalidExpression = errors.New("invalid expression")

// Predicate is a boolean expression evaluated against a whole record.
type Predicate interface {
	// Test evaluates the predicate. ok is false when the expression cannot
	// produce a value, in which case result must be ignored.
	Test(root map[string]any) (result bool, ok bool)
	String() string
}

// Calc is an expression producing a value for a computed attr.
type Calc interface {
	// Eval evaluates the expression. ok is false when no value could be
	// computed and the attr must be omitted.
	Eval(root map[string]any) (value any, ok bool)
	String() string
}

// Eq is $eq(A, B)
type Eq struct {
	A, B string
}

func (e Eq) Test(root map[string]any) (bool, bool) {
	return Resolve(e.A, root) == Resolve(e.B, root), true
}

func (e Eq) String() string {
	return fmt.Sprintf("$eq(%s, %s)", e.A, e.B)
}

// Exists is $exists(A)
type Exists struct {
	Path string
}

func (e Exists) Test(root map[string]any) (bool, bool) {
	value, found := resolveValue(e.Path, root)
	return found && value != nil, true
}

func (e Exists) String() string {
	return fmt.Sprintf("$exists(%s)", e.Path)
}

// Gt is $gt(A, B). Operands that are not numbers make the predicate false;
// an empty operand counts as zero.
type Gt struct {
	A, B string
}

func (g Gt) Test(root map[string]any) (bool, bool) {
	a, errA := number(Resolve(g.A, root))
	b, errB := number(Resolve(g.B, root))
	if errA != nil || errB != nil {
		return false, true
	}
	return a > b, true
}

func (g Gt) String() string {
	return fmt.Sprintf("$gt(%s, %s)", g.A, g.B)
}

func number(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// SecondsDiff is $secondsDiff(A, B): whole seconds from B to A, truncated
// toward zero
type SecondsDiff struct {
	A, B string
}

func (s SecondsDiff) Eval(root map[string]any) (any, bool) {
	a, err := ParseTime(Resolve(s.A, root))
	if err != nil {
		return nil, false
	}
	b, err := ParseTime(Resolve(s.B, root))
	if err != nil {
		return nil, false
	}
	return wholeSeconds(a, b), true
}

// wholeSeconds is a-b in seconds truncated toward zero. It avoids
// time.Duration, which saturates past ~292 years.
func wholeSeconds(a, b time.Time) int64 {
	secs := a.Unix() - b.Unix()
	nanos := a.Nanosecond() - b.Nanosecond()
	switch {
	case secs > 0 && nanos < 0:
		secs--
	case secs < 0 && nanos > 0:
		secs++
	}
	return secs
}

func (s SecondsDiff) String() string {
	return fmt.Sprintf("$secondsDiff(%s, %s)", s.A, s.B)
}

// Invalid stands in for an expression that failed to parse. It never yields
// a value.
type Invalid struct {
	Source string
	Err    error
}

func (i Invalid) Test(map[string]any) (bool, bool) { return false, false }

func (i Invalid) Eval(map[string]any) (any, bool) { return nil, false }

func (i Invalid) String() string { return i.Source }

// ParsePredicate parses a condition. On error the returned Predicate is an
// Invalid, so callers may keep it and stay lenient.
func ParsePredicate(src string) (Predicate, error) {
	name, args, err := parseCall(src)
	if err != nil {
		return Invalid{Source: src, Err: err}, err
	}

	var p Predicate
	switch name {
	case "eq":
		if err = arity(src, args, 2); err == nil {
			p = Eq{A: args[0], B: args[1]}
		}
	case "exists":
		if err = arity(src, args, 1); err == nil {
			p = Exists{Path: args[0]}
		}
	case "gt":
		if err = arity(src, args, 2); err == nil {
			p = Gt{A: args[0], B: args[1]}
		}
	default:
		err = fmt.Errorf("%w: unknown predicate $%s in %q", ErrInvalidExpression, name, src)
	}

	if err != nil {
		return Invalid{Source: src, Err: err}, err
	}
	return p, nil
}

// ParseCalc parses a computed attr expression. On error the returned Calc is
// an Invalid.
func ParseCalc(src string) (Calc, error) {
	name, args, err := parseCall(src)
	if err != nil {
		return Invalid{Source: src, Err: err}, err
	}

	switch name {
	case "secondsDiff":
		if err := arity(src, args, 2); err != nil {
			return Invalid{Source: src, Err: err}, err
		}
		return SecondsDiff{A: args[0], B: args[1]}, nil
	default:
		err := fmt.Errorf("%w: unknown function $%s in %q", ErrInvalidExpression, name, src)
		return Invalid{Source: src, Err: err}, err
	}
}

func arity(src string, args []string, want int) error {
	if len(args) != want {
		return fmt.Errorf("%w: %q takes %d argument(s), got %d", ErrInvalidExpression, src, want, len(args))
	}
	return nil
}

// parseCall splits "$name(a, b)" into name and trimmed args
func parseCall(src string) (string, []string, error) {
	s := strings.TrimSpace(src)
	open := strings.IndexByte(s, '(')
	if !strings.HasPrefix(s, "$") || open < 0 || !strings.HasSuffix(s, ")") {
		return "", nil, fmt.Errorf("%w: %q is not of the form $name(args)", ErrInvalidExpression, src)
	}

	name := strings.TrimSpace(s[1:open])
	if name == "" {
		return "", nil, fmt.Errorf("%w: %q has no function name", ErrInvalidExpression, src)
	}

	args, err := splitArgs(s[open+1 : len(s)-1])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, src, err)
	}
	return name, args, nil
}

// splitArgs splits on top-level commas, ignoring commas inside quotes or
// nested parentheses
func splitArgs(body string) ([]string, error) {
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}

	var args []string
	depth, start, quoted := 0, 0, false
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\'':
			quoted = !quoted
		case '(':
			if !quoted {
				depth++
			}
		case ')':
			if !quoted {
				depth--
				if depth < 0 {
					return nil, errors.New("unbalanced parentheses")
				}
			}
		case ',':
			if !quoted && depth == 0 {
				args = append(args, strings.TrimSpace(body[start:i]))
				start = i + 1
			}
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	if depth != 0 {
		return nil, errors.New("unbalanced parentheses")
	}
	return append(args, strings.TrimSpace(body[start:])), nil
}
