package engine

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/cadscript/pkg/cache"
	"github.com/chazu/cadscript/pkg/gui"
	"github.com/chazu/cadscript/pkg/kernel"
	"github.com/chazu/cadscript/pkg/kernel/poly"
	"github.com/chazu/cadscript/pkg/scene"
)

func newContext() *Context {
	return &Context{
		Kernel:   poly.New(0),
		Cache:    cache.New(nil),
		Scene:    &scene.List{},
		External: scene.NewRegistry(),
	}
}

func evaluate(t *testing.T, ctx *Context, source string, prior gui.State) *Result {
	t.Helper()
	res, err := NewEngine(nil).Evaluate(ctx, source, prior)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return res
}

func TestEvaluateEmptyString(t *testing.T) {
	for _, src := range []string{"", "   \n\t  \n  ", "; only a comment\n"} {
		res := evaluate(t, newContext(), src, nil)
		if len(res.Shapes) != 0 || len(res.State) != 0 || res.Operations != 0 {
			t.Errorf("Evaluate(%q) = %+v, want empty result", src, res)
		}
	}
}

func TestEvaluateArithmetic(t *testing.T) {
	source := `
(def x 10)
(def y 20)
(+ x y)
`
	res := evaluate(t, newContext(), source, nil)
	if len(res.Shapes) != 0 {
		t.Errorf("shapes = %d, want 0", len(res.Shapes))
	}
}

func TestEvaluateRejectsIncompleteContext(t *testing.T) {
	ctx := newContext()
	ctx.Cache = nil
	if _, err := NewEngine(nil).Evaluate(ctx, "(+ 1 2)", nil); err == nil {
		t.Error("expected error for a context without a cache")
	}
	if _, err := NewEngine(nil).Evaluate(nil, "", nil); err == nil {
		t.Error("expected error for a nil context")
	}
}

func TestEvaluateCommitsSceneOnSuccess(t *testing.T) {
	ctx := newContext()
	res := evaluate(t, ctx, `(show (box 1 2 3))`, nil)
	if len(res.Shapes) != 1 {
		t.Fatalf("shapes = %d, want 1", len(res.Shapes))
	}
	if got := ctx.Scene.Len(); got != 1 {
		t.Errorf("scene = %d shapes, want 1", got)
	}

	// A failing evaluation leaves the committed scene alone.
	if _, err := NewEngine(nil).Evaluate(ctx, "(show (sphere 1))\n(nope)", nil); err == nil {
		t.Fatal("expected fault")
	}
	if got := ctx.Scene.Shapes()[0].Hash(); got != res.Shapes[0].Hash() {
		t.Errorf("scene changed after a fault: %v", got)
	}
}

func TestUndefinedSymbolReportsLine(t *testing.T) {
	source := "(def a 1)\n(undefined-thing 3)\n"
	_, err := NewEngine(nil).Evaluate(newContext(), source, nil)
	var sf *ScriptFault
	if !errors.As(err, &sf) {
		t.Fatalf("err = %T %v, want *ScriptFault", err, err)
	}
	if sf.Line != 2 {
		t.Errorf("line = %d, want 2 (%v)", sf.Line, sf)
	}
}

func TestFaultLineInsideMultilineForm(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		wantLine int
		wantOp   string
	}{
		{
			name:     "undefined symbol",
			source:   "(def b\n  (translate\n    (box 1 1 1)\n    [nope 0 0]))\n(show b)",
			wantLine: 4,
		},
		{
			name:     "undefined symbol after a string",
			source:   "(println \"nope\")\n(def b\n  (box 1\n    nope 1))",
			wantLine: 4,
		},
		{
			name:     "kernel rejection",
			source:   "(def ok (box 1 1 1))\n(def bad\n  (union ok\n    (sphere -1)))",
			wantLine: 4,
			wantOp:   "sphere",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(nil).Evaluate(newContext(), tt.source, nil)
			var sf *ScriptFault
			if !errors.As(err, &sf) {
				t.Fatalf("err = %T %v, want *ScriptFault", err, err)
			}
			if sf.Line != tt.wantLine {
				t.Errorf("line = %d, want %d (%v)", sf.Line, tt.wantLine, sf)
			}
			if tt.wantOp != "" && sf.Operation != tt.wantOp {
				t.Errorf("operation = %q, want %q", sf.Operation, tt.wantOp)
			}
		})
	}
}

func TestTokenLine(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		tok      string
		call     bool
		wantLine int
		wantOK   bool
	}{
		{"first line", "(nope 1)", "nope", false, 0, true},
		{"nested", "(a\n  (b\n    [nope]))", "nope", false, 2, true},
		{"prefix is not a match", "(nopey\n nope)", "nope", false, 1, true},
		{"inside a string", "(a \"nope\"\n nope)", "nope", false, 1, true},
		{"string spans lines", "(a \"x\ny\" nope)", "nope", false, 1, true},
		{"inside a comment", "(a // nope\n nope)", "nope", false, 1, true},
		{"call only", "(def box 1)\n(show (box 1 1 1))", "box", true, 1, true},
		{"argument is not a call", "(a box)", "box", true, 0, false},
		{"missing", "(a b c)", "nope", false, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, ok := tokenLine(tt.text, tt.tok, tt.call)
			if line != tt.wantLine || ok != tt.wantOK {
				t.Errorf("tokenLine = %d, %v; want %d, %v", line, ok, tt.wantLine, tt.wantOK)
			}
		})
	}
}

func TestKernelFault(t *testing.T) {
	ctx := newContext()
	_, err := NewEngine(nil).Evaluate(ctx, "(def ok (box 1 1 1))\n\n(show (box -1 1 1))", nil)
	var kf *KernelFault
	if !errors.As(err, &kf) {
		t.Fatalf("err = %T %v, want a *KernelFault", err, err)
	}
	if kf.Operation != "box" {
		t.Errorf("operation = %q, want box", kf.Operation)
	}
	var sf *ScriptFault
	if !errors.As(err, &sf) {
		t.Fatalf("err = %T, want *ScriptFault", err)
	}
	if sf.Line != 3 {
		t.Errorf("line = %d, want 3", sf.Line)
	}
	// The fault aborts the pass; the first box stays cached.
	if ctx.Cache.Len() != 1 {
		t.Errorf("cache entries = %d, want 1", ctx.Cache.Len())
	}
}

func TestSecondEvaluationHitsCache(t *testing.T) {
	ctx := newContext()
	eng := NewEngine(nil)
	src := `(show (translate (box 1 2 3) [1 0 0]))`
	if _, err := eng.Evaluate(ctx, src, nil); err != nil {
		t.Fatalf("first Evaluate: %v", err)
	}
	if _, err := eng.Evaluate(ctx, src, nil); err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	st := ctx.Cache.Stats()
	if st.Computes["box"] != 0 || st.Computes["translate"] != 0 {
		t.Errorf("second pass recomputed: %v", st.Computes)
	}
	if st.Hits != 2 {
		t.Errorf("hits = %d, want 2", st.Hits)
	}
}

func TestUnusedEntriesAreEvicted(t *testing.T) {
	ctx := newContext()
	eng := NewEngine(nil)
	if _, err := eng.Evaluate(ctx, `(show (box 1 1 1)) (show (sphere 2))`, nil); err != nil {
		t.Fatal(err)
	}
	res, err := eng.Evaluate(ctx, `(show (box 1 1 1))`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Evicted != 1 {
		t.Errorf("evicted = %d, want 1", res.Evicted)
	}
	if ctx.Cache.Len() != 1 {
		t.Errorf("cache entries = %d, want 1", ctx.Cache.Len())
	}
}

func TestSliderUsesPriorState(t *testing.T) {
	src := "(def r (slider \"R\" 5 1 10))\n(show (box r r r))"
	res := evaluate(t, newContext(), src, gui.State{{Key: "R", Value: gui.Number(7)}})

	want := gui.State{{Key: "R", Value: gui.Number(7)}}
	if diff := cmp.Diff(want, res.State); diff != "" {
		t.Errorf("state (-want +got):\n%s", diff)
	}
	if len(res.Shapes) != 1 {
		t.Fatalf("shapes = %d, want 1", len(res.Shapes))
	}
	_, max := res.Shapes[0].BoundingBox()
	if max != (kernel.Vec3{X: 7, Y: 7, Z: 7}) {
		t.Errorf("bbox max = %v, want (7,7,7)", max)
	}
	if len(res.Controls) != 1 || res.Controls[0].Kind != gui.Slider {
		t.Errorf("controls = %+v, want one slider", res.Controls)
	}
}

func TestOperationProgressAndLogs(t *testing.T) {
	ctx := newContext()
	var ops []string
	var logs []string
	ctx.OnOperation = func(n int, op string) { ops = append(ops, op) }
	ctx.OnLog = func(text string) { logs = append(logs, text) }

	src := `(println "hello" 42)
(printf "r=%v\n" 2.5)
(show (union (box 1 1 1) (sphere 1)))`
	res := evaluate(t, ctx, src, nil)
	if diff := cmp.Diff([]string{"box", "sphere", "union"}, ops); diff != "" {
		t.Errorf("operations (-want +got):\n%s", diff)
	}
	if res.Operations != 3 {
		t.Errorf("Operations = %d, want 3", res.Operations)
	}
	if diff := cmp.Diff([]string{"hello 42", "r=2.5"}, logs); diff != "" {
		t.Errorf("logs (-want +got):\n%s", diff)
	}
}

func TestExternalShapes(t *testing.T) {
	ctx := newContext()
	b, err := ctx.Kernel.Box(2, 2, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	ctx.External.Put("part", b)

	res := evaluate(t, ctx, `(show (external "part"))`, nil)
	if len(res.Shapes) != 1 || res.Shapes[0].Hash() != b.Hash() {
		t.Errorf("shapes = %v, want the imported box", res.Shapes)
	}
	if _, err := NewEngine(nil).Evaluate(ctx, `(external "missing")`, nil); err == nil {
		t.Error("expected fault for an unknown import")
	}
}

// ---------------------------------------------------------------------------
// Timeout and generations
// ---------------------------------------------------------------------------

func TestEvaluateTimeout(t *testing.T) {
	var mu sync.Mutex
	var gen uint64 = 1
	ch := make(chan evalResult) // never sends

	start := time.Now()
	_, err := waitWithTimeout(ch, 1, &mu, &gen, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout took %s", time.Since(start))
	}
}

func TestInfiniteLoopTimesOut(t *testing.T) {
	eng := NewEngine(nil)
	eng.Timeout = 200 * time.Millisecond
	_, err := eng.Evaluate(newContext(), "(for [(def i 0) true (set i (+ i 1))] (box 1 1 1))", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	var sf *ScriptFault
	if !errors.As(err, &sf) {
		t.Errorf("err = %T, want *ScriptFault", err)
	}
}

func TestEvaluateGenerationDiscardsStale(t *testing.T) {
	var mu sync.Mutex
	gen := uint64(2)

	ch := make(chan evalResult, 1)
	ch <- evalResult{}

	_, err := waitWithTimeout(ch, 1, &mu, &gen, time.Second)
	if !errors.Is(err, ErrSuperseded) {
		t.Errorf("err = %v, want ErrSuperseded", err)
	}
}

// ---------------------------------------------------------------------------
// Forms and interpreter errors
// ---------------------------------------------------------------------------

func TestSplitForms(t *testing.T) {
	src := "// header\n(def a 1)\n\n(def s \"x)\ny\")\n(show\n  (box 1 2 3)) (+ 1 2)\nfoo\n"
	want := []form{
		{text: "(def a 1)", line: 2},
		{text: "(def s \"x)\ny\")", line: 4},
		{text: "(show\n  (box 1 2 3))", line: 6},
		{text: "(+ 1 2)", line: 7},
		{text: "foo", line: 8},
	}
	got := splitForms(src)
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(form{})); diff != "" {
		t.Errorf("splitForms (-want +got):\n%s", diff)
	}
}

func TestSplitFormsUnterminated(t *testing.T) {
	got := splitForms("(def a 1)\n(box 1 2")
	if len(got) != 2 || got[1].text != "(box 1 2" || got[1].line != 2 {
		t.Errorf("splitForms = %+v", got)
	}
}

func TestParseZygomysError(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		wantLine int
		wantMsg  string
	}{
		{
			name:     "error on line format",
			msg:      "Error on line 5: unexpected token\n",
			wantLine: 5,
			wantMsg:  "unexpected token",
		},
		{
			name:     "no line info",
			msg:      "some generic error",
			wantLine: 0,
			wantMsg:  "some generic error",
		},
		{
			name:     "line format lowercase",
			msg:      "error on line 12: missing paren",
			wantLine: 12,
			wantMsg:  "missing paren",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, msg := parseZygomysError(errors.New(tt.msg))
			if line != tt.wantLine {
				t.Errorf("line = %d, want %d", line, tt.wantLine)
			}
			if !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("message = %q, want containing %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestScriptFaultError(t *testing.T) {
	f := &ScriptFault{Message: "boom", Line: 4, Operation: "box"}
	if got := f.Error(); got != "line 4: box: boom" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&ScriptFault{Message: "boom"}).Error(); got != "boom" {
		t.Errorf("Error() = %q", got)
	}
}
