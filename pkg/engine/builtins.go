package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	zygo "github.com/glycerine/zygomys/zygo"

	"github.com/chazu/cadscript/pkg/gui"
	"github.com/chazu/cadscript/pkg/kernel"
)

// errAbandoned is returned by builtins once the evaluation timed out.
var errAbandoned = errors.New("evaluation abandoned")

// ---------------------------------------------------------------------------
// Source preprocessing
// ---------------------------------------------------------------------------

// preprocessSource transforms script source before passing it to zygomys.
// It performs three transformations:
//
//  1. Keyword conversion: :keyword -> "__kw_keyword" (string literal)
//     This avoids the need to register keyword symbols as globals, which
//     would conflict with user-defined variables of the same name.
//
//  2. Kebab-case to underscore: text-input -> text_input
//     zygomys does not allow hyphens in identifiers (it interprets them
//     as the subtraction operator). This converts kebab-case identifiers
//     to underscore form outside of strings and comments.
//
//  3. Line comments: ; and ;; become //.
//
// Newlines are preserved, so line numbers still match the original source.
func preprocessSource(source string) string {
	result := make([]byte, 0, len(source)+len(source)/4)
	b := []byte(source)
	i := 0
	for i < len(b) {
		// Skip double-quoted string literals.
		if b[i] == '"' {
			result = append(result, b[i])
			i++
			for i < len(b) && b[i] != '"' {
				if b[i] == '\\' && i+1 < len(b) {
					result = append(result, b[i], b[i+1])
					i += 2
					continue
				}
				result = append(result, b[i])
				i++
			}
			if i < len(b) {
				result = append(result, b[i])
				i++
			}
			continue
		}
		// Skip backtick-quoted string literals.
		if b[i] == '`' {
			result = append(result, b[i])
			i++
			for i < len(b) && b[i] != '`' {
				result = append(result, b[i])
				i++
			}
			if i < len(b) {
				result = append(result, b[i])
				i++
			}
			continue
		}
		// zygomys uses // for line comments, not the traditional Lisp ;.
		if b[i] == ';' {
			result = append(result, '/', '/')
			i++
			for i < len(b) && b[i] == ';' {
				i++
			}
			for i < len(b) && b[i] != '\n' {
				result = append(result, b[i])
				i++
			}
			continue
		}
		if b[i] == ':' && i+1 < len(b) {
			// Preserve := (assignment operator).
			if b[i+1] == '=' {
				result = append(result, b[i], b[i+1])
				i += 2
				continue
			}
			if isLetter(b[i+1]) {
				j := i + 1
				for j < len(b) && isKWChar(b[j]) {
					j++
				}
				result = append(result, '"')
				result = append(result, kwPrefix...)
				result = append(result, b[i+1:j]...)
				result = append(result, '"')
				i = j
				continue
			}
		}
		// Only when the hyphen sits between identifier characters (not a minus operator).
		if b[i] == '-' && i > 0 && i+1 < len(b) &&
			isIdentChar(b[i-1]) && isIdentStartChar(b[i+1]) {
			result = append(result, '_')
			i++
			continue
		}
		result = append(result, b[i])
		i++
	}
	return string(result)
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isKWChar(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '-' || c == '_'
}

func isIdentChar(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '_'
}

func isIdentStartChar(c byte) bool {
	return isLetter(c)
}

// ---------------------------------------------------------------------------
// Shape values
// ---------------------------------------------------------------------------

// sexpShape wraps a kernel shape so it can be passed between builtins.
type sexpShape struct {
	shape kernel.Shape
}

func (s *sexpShape) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(shape %s %s)", s.shape.Kind(), s.shape.Hash())
}
func (s *sexpShape) Type() *zygo.RegisteredType { return nil }

// ---------------------------------------------------------------------------
// Keyword argument parsing
// ---------------------------------------------------------------------------

// kwPrefix is the marker prepended to keyword names by preprocessSource.
const kwPrefix = "__kw_"

// isKW checks if a Sexp is a preprocessed keyword string.
// Returns the keyword name (without prefix) and true if it is.
func isKW(s zygo.Sexp) (string, bool) {
	str, ok := s.(*zygo.SexpStr)
	if !ok {
		return "", false
	}
	if strings.HasPrefix(str.S, kwPrefix) {
		return str.S[len(kwPrefix):], true
	}
	return "", false
}

// kwArgs holds the result of parsing a mixed positional+keyword argument list.
type kwArgs struct {
	kw         map[string]zygo.Sexp
	positional []zygo.Sexp
}

// parseArgs separates args into keyword and positional arguments.
func parseArgs(args []zygo.Sexp) kwArgs {
	result := kwArgs{kw: make(map[string]zygo.Sexp)}
	i := 0
	for i < len(args) {
		name, ok := isKW(args[i])
		if ok {
			if i+1 < len(args) {
				result.kw[name] = args[i+1]
				i += 2
			} else {
				// Keyword at end with no value: treat as flag with nil.
				result.kw[name] = zygo.SexpNull
				i++
			}
		} else {
			result.positional = append(result.positional, args[i])
			i++
		}
	}
	return result
}

// ---------------------------------------------------------------------------
// Value extraction helpers
// ---------------------------------------------------------------------------

// toFloat64 extracts a float64 from a Sexp (SexpInt or SexpFloat).
func toFloat64(s zygo.Sexp) (float64, error) {
	switch v := s.(type) {
	case *zygo.SexpInt:
		return float64(v.Val), nil
	case *zygo.SexpFloat:
		return v.Val, nil
	}
	return 0, fmt.Errorf("expected number, got %s", describe(s))
}

// toString extracts a string from a Sexp.
func toString(s zygo.Sexp) (string, error) {
	if str, ok := s.(*zygo.SexpStr); ok {
		return str.S, nil
	}
	return "", fmt.Errorf("expected string, got %s", describe(s))
}

func toBool(s zygo.Sexp) (bool, error) {
	if b, ok := s.(*zygo.SexpBool); ok {
		return b.Val, nil
	}
	return false, fmt.Errorf("expected boolean, got %s", describe(s))
}

func toShape(s zygo.Sexp) (kernel.Shape, error) {
	if v, ok := s.(*sexpShape); ok {
		return v.shape, nil
	}
	return nil, fmt.Errorf("expected shape, got %s", describe(s))
}

// sexpListToSlice converts a SexpPair (Lisp list) or SexpArray to a Go slice.
func sexpListToSlice(s zygo.Sexp) ([]zygo.Sexp, error) {
	switch v := s.(type) {
	case *zygo.SexpPair:
		return zygo.ListToArray(v)
	case *zygo.SexpArray:
		return v.Val, nil
	case *zygo.SexpSentinel:
		if v == zygo.SexpNull {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("expected list or array, got %s", describe(s))
}

func isSequence(s zygo.Sexp) bool {
	switch s.(type) {
	case *zygo.SexpPair, *zygo.SexpArray:
		return true
	}
	return false
}

func toFloats(s zygo.Sexp, n int) ([]float64, error) {
	items, err := sexpListToSlice(s)
	if err != nil {
		return nil, err
	}
	if len(items) != n {
		return nil, fmt.Errorf("expected %d numbers, got %d", n, len(items))
	}
	out := make([]float64, n)
	for i, it := range items {
		if out[i], err = toFloat64(it); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// toVec3 accepts either one [x y z] sequence or three numbers.
func toVec3(args []zygo.Sexp) (kernel.Vec3, error) {
	var f []float64
	var err error
	switch len(args) {
	case 1:
		f, err = toFloats(args[0], 3)
	case 3:
		f = make([]float64, 3)
		for i, a := range args {
			if f[i], err = toFloat64(a); err != nil {
				break
			}
		}
	default:
		err = fmt.Errorf("expected a vector [x y z] or three numbers, got %d arguments", len(args))
	}
	if err != nil {
		return kernel.Vec3{}, err
	}
	return kernel.Vec3{X: f[0], Y: f[1], Z: f[2]}, nil
}

// toPoints accepts either one sequence of [x y] points or the points
// themselves.
func toPoints(args []zygo.Sexp) ([]kernel.Vec2, error) {
	if len(args) == 1 && isSequence(args[0]) {
		items, err := sexpListToSlice(args[0])
		if err != nil {
			return nil, err
		}
		if len(items) > 0 && isSequence(items[0]) {
			args = items
		}
	}
	pts := make([]kernel.Vec2, len(args))
	for i, a := range args {
		f, err := toFloats(a, 2)
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		pts[i] = kernel.Vec2{X: f[0], Y: f[1]}
	}
	return pts, nil
}

// toShapes flattens shape arguments; lists and arrays of shapes are spread.
func toShapes(args []zygo.Sexp) ([]kernel.Shape, error) {
	var out []kernel.Shape
	for i, a := range args {
		if isSequence(a) {
			items, err := sexpListToSlice(a)
			if err != nil {
				return nil, err
			}
			inner, err := toShapes(items)
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)
			continue
		}
		s, err := toShape(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func describe(s zygo.Sexp) string {
	if s == nil {
		return "nothing"
	}
	return fmt.Sprintf("%T (%s)", s, s.SexpString(nil))
}

// display renders a value the way print shows it: strings without quotes.
func display(s zygo.Sexp) string {
	if str, ok := s.(*zygo.SexpStr); ok {
		return str.S
	}
	return s.SexpString(nil)
}

// goValue converts a Sexp into a value for fmt verbs.
func goValue(s zygo.Sexp) any {
	switch v := s.(type) {
	case *zygo.SexpInt:
		return v.Val
	case *zygo.SexpFloat:
		return v.Val
	case *zygo.SexpStr:
		return v.S
	case *zygo.SexpBool:
		return v.Val
	}
	return s.SexpString(nil)
}

func fromValue(v gui.Value) zygo.Sexp {
	switch v.Kind {
	case gui.KindNumber:
		return &zygo.SexpFloat{Val: v.Number}
	case gui.KindBool:
		return &zygo.SexpBool{Val: v.Bool}
	default:
		return &zygo.SexpStr{S: v.Str}
	}
}

// ---------------------------------------------------------------------------
// Evaluation state
// ---------------------------------------------------------------------------

// evaluation is the state of one Evaluate call. The interpreter goroutine
// owns it until the result is delivered; mu guards the fields the waiting
// goroutine reads on timeout.
type evaluation struct {
	ctx    *Context
	gui    *gui.Registry
	shapes []kernel.Shape
	ops    int
	kfault *KernelFault

	mu        sync.Mutex
	lastOp    string
	abandoned bool
	line      atomic.Int64
}

func newEvaluation(ctx *Context, prior gui.State) *evaluation {
	return &evaluation{ctx: ctx, gui: gui.NewRegistry(prior)}
}

func (ev *evaluation) abandon() {
	ev.mu.Lock()
	ev.abandoned = true
	ev.mu.Unlock()
}

func (ev *evaluation) operation() string {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.lastOp
}

// enter records name as the current operation. It fails once the
// evaluation was abandoned.
func (ev *evaluation) enter(name string) error {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.abandoned {
		return errAbandoned
	}
	ev.lastOp = name
	return nil
}

func (ev *evaluation) fault(msg string, err error) *ScriptFault {
	return &ScriptFault{Message: msg, Line: int(ev.line.Load()), Operation: ev.operation(), Err: err}
}

func (ev *evaluation) logf(format string, args ...any) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.abandoned || ev.ctx.OnLog == nil {
		return
	}
	ev.ctx.OnLog(fmt.Sprintf(format, args...))
}

// run evaluates source one top-level form at a time so every fault carries
// the line of the form that raised it.
func (ev *evaluation) run(source string) (*Result, error) {
	env := zygo.NewZlispSandbox()
	defer env.Stop()
	ev.register(env)

	for _, f := range splitForms(preprocessSource(source)) {
		ev.line.Store(int64(f.line))
		if err := env.LoadString(f.text); err != nil {
			return nil, ev.interpreterFault(f, err)
		}
		if _, err := env.Run(); err != nil {
			return nil, ev.interpreterFault(f, err)
		}
	}
	return &Result{
		Shapes:     ev.shapes,
		State:      ev.gui.State(),
		Controls:   ev.gui.Controls(),
		Operations: ev.ops,
	}, nil
}

func (ev *evaluation) interpreterFault(f form, err error) *ScriptFault {
	if kf := ev.kfault; kf != nil {
		return &ScriptFault{Message: kf.Err.Error(), Line: f.line + callOffset(f, kf.Operation), Operation: kf.Operation, Err: kf}
	}
	line, msg := parseZygomysError(err)
	switch {
	case symbolPattern.MatchString(msg):
		off, _ := tokenLine(f.text, symbolPattern.FindStringSubmatch(msg)[1], false)
		line = f.line + off
	case ev.operation() != "" && strings.Contains(msg, ev.operation()+": "):
		line = f.line + callOffset(f, ev.operation())
	case line > 0:
		line = f.line + line - 1
	default:
		line = f.line
	}
	ev.line.Store(int64(line))
	return ev.fault(msg, err)
}

// callOffset is the line offset of the first call to op inside f, or 0.
func callOffset(f form, op string) int {
	off, _ := tokenLine(f.text, op, true)
	return off
}

// builtin is the common shape of every registered function.
type builtin func(args []zygo.Sexp) (zygo.Sexp, error)

// wrap registers name as the current operation, recovers panics and
// prefixes argument errors with the builtin name.
func (ev *evaluation) wrap(name string, fn builtin) zygo.ZlispUserFunction {
	return func(env *zygo.Zlisp, _ string, args []zygo.Sexp) (result zygo.Sexp, err error) {
		if err := ev.enter(name); err != nil {
			return zygo.SexpNull, err
		}
		defer func() {
			if r := recover(); r != nil {
				result, err = zygo.SexpNull, fmt.Errorf("%s: panic: %v", name, r)
			}
		}()
		out, err := fn(args)
		if err != nil {
			var kf *KernelFault
			if errors.As(err, &kf) {
				return zygo.SexpNull, err
			}
			return zygo.SexpNull, fmt.Errorf("%s: %w", name, err)
		}
		return out, nil
	}
}

// kernelOp runs one kernel operation through the cache.
func (ev *evaluation) kernelOp(kind string, args []any, compute func() (kernel.Shape, error)) (zygo.Sexp, error) {
	ev.mu.Lock()
	if ev.abandoned {
		ev.mu.Unlock()
		return zygo.SexpNull, errAbandoned
	}
	ev.ops++
	if ev.ctx.OnOperation != nil {
		ev.ctx.OnOperation(ev.ops, kind)
	}
	ev.mu.Unlock()

	s, err := ev.ctx.Cache.GetOrCompute(kind, args, func() (s kernel.Shape, err error) {
		defer func() {
			if r := recover(); r != nil {
				s, err = nil, fmt.Errorf("kernel panic: %v", r)
			}
		}()
		return compute()
	})
	if err != nil {
		ev.kfault = &KernelFault{Operation: kind, Err: err}
		return zygo.SexpNull, ev.kfault
	}
	return &sexpShape{shape: s}, nil
}

// ---------------------------------------------------------------------------
// Builtin registration
// ---------------------------------------------------------------------------

func argc(args []zygo.Sexp, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		if min == max {
			return fmt.Errorf("expected %d arguments, got %d", min, len(args))
		}
		return fmt.Errorf("expected %d to %d arguments, got %d", min, max, len(args))
	}
	return nil
}

// numbers converts exactly n positional arguments.
func numbers(args []zygo.Sexp, n int) ([]float64, error) {
	if err := argc(args, n, n); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, a := range args {
		f, err := toFloat64(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = f
	}
	return out, nil
}

// shapeAnd parses (shape rest...) where rest is handled by the caller.
func shapeAnd(args []zygo.Sexp) (kernel.Shape, []zygo.Sexp, error) {
	if len(args) == 0 {
		return nil, nil, errors.New("expected a shape argument")
	}
	s, err := toShape(args[0])
	if err != nil {
		return nil, nil, err
	}
	return s, args[1:], nil
}

func shapeList(shapes []kernel.Shape) []any {
	out := make([]any, len(shapes))
	for i, s := range shapes {
		out[i] = s
	}
	return out
}

func centeredFlag(pa kwArgs) (bool, error) {
	v, ok := pa.kw["centered"]
	if !ok || v == zygo.SexpNull {
		return ok, nil
	}
	return toBool(v)
}

// register installs the builtins into a zygomys environment. Nothing else
// from the host is reachable from the script.
func (ev *evaluation) register(env *zygo.Zlisp) {
	k := ev.ctx.Kernel
	add := func(name string, fn builtin) { env.AddFunction(name, ev.wrap(name, fn)) }

	// -----------------------------------------------------------------------
	// Primitives: (box x y z :centered true) (box size) (sphere r)
	// (cylinder r h :centered true) (cone r1 r2 h)
	// -----------------------------------------------------------------------
	add("box", func(args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		centered, err := centeredFlag(pa)
		if err != nil {
			return nil, fmt.Errorf("centered: %w", err)
		}
		var d []float64
		if len(pa.positional) == 1 {
			f, err := numbers(pa.positional, 1)
			if err != nil {
				return nil, err
			}
			d = []float64{f[0], f[0], f[0]}
		} else if d, err = numbers(pa.positional, 3); err != nil {
			return nil, err
		}
		return ev.kernelOp("box", []any{d[0], d[1], d[2], centered}, func() (kernel.Shape, error) {
			return k.Box(d[0], d[1], d[2], centered)
		})
	})
	add("sphere", func(args []zygo.Sexp) (zygo.Sexp, error) {
		f, err := numbers(args, 1)
		if err != nil {
			return nil, err
		}
		return ev.kernelOp("sphere", []any{f[0]}, func() (kernel.Shape, error) { return k.Sphere(f[0]) })
	})
	add("cylinder", func(args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		centered, err := centeredFlag(pa)
		if err != nil {
			return nil, fmt.Errorf("centered: %w", err)
		}
		f, err := numbers(pa.positional, 2)
		if err != nil {
			return nil, err
		}
		return ev.kernelOp("cylinder", []any{f[0], f[1], centered}, func() (kernel.Shape, error) {
			return k.Cylinder(f[0], f[1], centered)
		})
	})
	add("cone", func(args []zygo.Sexp) (zygo.Sexp, error) {
		f, err := numbers(args, 3)
		if err != nil {
			return nil, err
		}
		return ev.kernelOp("cone", []any{f[0], f[1], f[2]}, func() (kernel.Shape, error) {
			return k.Cone(f[0], f[1], f[2])
		})
	})

	// -----------------------------------------------------------------------
	// Profiles: (polygon [[0 0] [1 0] [1 1]]) (circle r)
	// -----------------------------------------------------------------------
	add("polygon", func(args []zygo.Sexp) (zygo.Sexp, error) {
		pts, err := toPoints(args)
		if err != nil {
			return nil, err
		}
		return ev.kernelOp("polygon", []any{pts}, func() (kernel.Shape, error) { return k.Polygon(pts) })
	})
	add("circle", func(args []zygo.Sexp) (zygo.Sexp, error) {
		f, err := numbers(args, 1)
		if err != nil {
			return nil, err
		}
		return ev.kernelOp("circle", []any{f[0]}, func() (kernel.Shape, error) { return k.Circle(f[0]) })
	})

	// -----------------------------------------------------------------------
	// Booleans: (union a b ...) (difference base tool ...) (intersection a b ...)
	// (compound a b ...)
	// -----------------------------------------------------------------------
	variadic := func(name string, op func(...kernel.Shape) (kernel.Shape, error)) {
		add(name, func(args []zygo.Sexp) (zygo.Sexp, error) {
			shapes, err := toShapes(args)
			if err != nil {
				return nil, err
			}
			return ev.kernelOp(name, shapeList(shapes), func() (kernel.Shape, error) { return op(shapes...) })
		})
	}
	variadic("union", k.Union)
	variadic("intersection", k.Intersection)
	variadic("compound", k.Compound)
	add("difference", func(args []zygo.Sexp) (zygo.Sexp, error) {
		shapes, err := toShapes(args)
		if err != nil {
			return nil, err
		}
		if len(shapes) == 0 {
			return nil, errors.New("expected a base shape")
		}
		return ev.kernelOp("difference", shapeList(shapes), func() (kernel.Shape, error) {
			return k.Difference(shapes[0], shapes[1:]...)
		})
	})

	// -----------------------------------------------------------------------
	// Transforms: (translate s [x y z]) (rotate s [rx ry rz]) (mirror s [nx ny nz])
	// (scale s f)
	// -----------------------------------------------------------------------
	vecOp := func(name string, op func(kernel.Shape, kernel.Vec3) (kernel.Shape, error)) {
		add(name, func(args []zygo.Sexp) (zygo.Sexp, error) {
			s, rest, err := shapeAnd(args)
			if err != nil {
				return nil, err
			}
			v, err := toVec3(rest)
			if err != nil {
				return nil, err
			}
			return ev.kernelOp(name, []any{s, v}, func() (kernel.Shape, error) { return op(s, v) })
		})
	}
	vecOp("translate", k.Translate)
	vecOp("rotate", k.Rotate)
	vecOp("mirror", k.Mirror)

	// scalarOp covers operations taking a shape and one number.
	scalarOp := func(name string, op func(kernel.Shape, float64) (kernel.Shape, error)) {
		add(name, func(args []zygo.Sexp) (zygo.Sexp, error) {
			s, rest, err := shapeAnd(args)
			if err != nil {
				return nil, err
			}
			f, err := numbers(rest, 1)
			if err != nil {
				return nil, err
			}
			return ev.kernelOp(name, []any{s, f[0]}, func() (kernel.Shape, error) { return op(s, f[0]) })
		})
	}
	scalarOp("scale", k.Scale)

	// -----------------------------------------------------------------------
	// Features: (extrude profile h) (revolve profile [degrees]) (loft p1 p2 ...)
	// (fillet s r) (chamfer s d)
	// -----------------------------------------------------------------------
	scalarOp("extrude", k.Extrude)
	scalarOp("fillet", k.Fillet)
	scalarOp("chamfer", k.Chamfer)
	add("revolve", func(args []zygo.Sexp) (zygo.Sexp, error) {
		p, rest, err := shapeAnd(args)
		if err != nil {
			return nil, err
		}
		deg := 360.0
		if len(rest) > 0 {
			f, err := numbers(rest, 1)
			if err != nil {
				return nil, err
			}
			deg = f[0]
		}
		return ev.kernelOp("revolve", []any{p, deg}, func() (kernel.Shape, error) { return k.Revolve(p, deg) })
	})
	variadic("loft", k.Loft)

	// -----------------------------------------------------------------------
	// (external "name") returns a shape imported by the host.
	// -----------------------------------------------------------------------
	add("external", func(args []zygo.Sexp) (zygo.Sexp, error) {
		if err := argc(args, 1, 1); err != nil {
			return nil, err
		}
		name, err := toString(args[0])
		if err != nil {
			return nil, err
		}
		s, ok := ev.ctx.External.Get(name)
		if !ok {
			return nil, fmt.Errorf("no imported shape named %q", name)
		}
		return &sexpShape{shape: s}, nil
	})

	// -----------------------------------------------------------------------
	// (show s ...) adds shapes to the scene and returns the last one.
	// -----------------------------------------------------------------------
	add("show", func(args []zygo.Sexp) (zygo.Sexp, error) {
		shapes, err := toShapes(args)
		if err != nil {
			return nil, err
		}
		ev.shapes = append(ev.shapes, shapes...)
		if len(shapes) == 0 {
			return zygo.SexpNull, nil
		}
		return &sexpShape{shape: shapes[len(shapes)-1]}, nil
	})

	ev.registerControls(add)
	ev.registerOutput(add)
}

// registerControls installs the GUI declaration builtins.
func (ev *evaluation) registerControls(add func(string, builtin)) {
	declare := func(c gui.Control) (zygo.Sexp, error) {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return fromValue(ev.gui.Declare(c)), nil
	}
	key := func(args []zygo.Sexp) (string, error) {
		if len(args) == 0 {
			return "", errors.New("expected a key")
		}
		return toString(args[0])
	}

	// (slider "key" default min max :step s)
	add("slider", func(args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		k, err := key(pa.positional)
		if err != nil {
			return nil, err
		}
		f, err := numbers(pa.positional[1:], 3)
		if err != nil {
			return nil, err
		}
		c := gui.Control{Key: k, Kind: gui.Slider, Default: gui.Number(f[0]), Min: f[1], Max: f[2]}
		if v, ok := pa.kw["step"]; ok {
			if c.Step, err = toFloat64(v); err != nil {
				return nil, fmt.Errorf("step: %w", err)
			}
		}
		return declare(c)
	})
	// (checkbox "key" default)
	add("checkbox", func(args []zygo.Sexp) (zygo.Sexp, error) {
		if err := argc(args, 2, 2); err != nil {
			return nil, err
		}
		k, err := key(args)
		if err != nil {
			return nil, err
		}
		b, err := toBool(args[1])
		if err != nil {
			return nil, err
		}
		return declare(gui.Control{Key: k, Kind: gui.Checkbox, Default: gui.Bool(b)})
	})
	// (button "key") is true for the evaluation triggered by a press.
	add("button", func(args []zygo.Sexp) (zygo.Sexp, error) {
		if err := argc(args, 1, 1); err != nil {
			return nil, err
		}
		k, err := key(args)
		if err != nil {
			return nil, err
		}
		return declare(gui.Control{Key: k, Kind: gui.Button, Default: gui.Bool(false)})
	})
	// (text-input "key" "default")
	add("text_input", func(args []zygo.Sexp) (zygo.Sexp, error) {
		if err := argc(args, 2, 2); err != nil {
			return nil, err
		}
		k, err := key(args)
		if err != nil {
			return nil, err
		}
		s, err := toString(args[1])
		if err != nil {
			return nil, err
		}
		return declare(gui.Control{Key: k, Kind: gui.TextInput, Default: gui.String(s)})
	})
	// (dropdown "key" "default" ["a" "b"])
	add("dropdown", func(args []zygo.Sexp) (zygo.Sexp, error) {
		if err := argc(args, 3, 3); err != nil {
			return nil, err
		}
		k, err := key(args)
		if err != nil {
			return nil, err
		}
		def, err := toString(args[1])
		if err != nil {
			return nil, err
		}
		items, err := sexpListToSlice(args[2])
		if err != nil {
			return nil, fmt.Errorf("options: %w", err)
		}
		opts := make([]string, len(items))
		for i, it := range items {
			if opts[i], err = toString(it); err != nil {
				return nil, fmt.Errorf("option %d: %w", i, err)
			}
		}
		return declare(gui.Control{Key: k, Kind: gui.Dropdown, Default: gui.Enum(def), Options: opts})
	})
}

// registerOutput replaces the interpreter's printing functions so output
// becomes log events instead of reaching stdout.
func (ev *evaluation) registerOutput(add func(string, builtin)) {
	join := func(args []zygo.Sexp) string {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = display(a)
		}
		return strings.Join(parts, " ")
	}
	line := func(args []zygo.Sexp) (zygo.Sexp, error) {
		ev.logf("%s", join(args))
		return zygo.SexpNull, nil
	}
	add("print", line)
	add("println", line)
	add("log", line)
	add("printf", func(args []zygo.Sexp) (zygo.Sexp, error) {
		if len(args) == 0 {
			return nil, errors.New("expected a format string")
		}
		format, err := toString(args[0])
		if err != nil {
			return nil, err
		}
		vals := make([]any, len(args)-1)
		for i, a := range args[1:] {
			vals[i] = goValue(a)
		}
		ev.logf("%s", strings.TrimRight(fmt.Sprintf(format, vals...), "\n"))
		return zygo.SexpNull, nil
	})
}
