package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/cadscript/pkg/gui"
	"github.com/chazu/cadscript/pkg/kernel"
	"github.com/chazu/cadscript/pkg/kernel/poly"
	"github.com/chazu/cadscript/pkg/tessellate"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan Event
}

func (r *recorder) Send(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if r.notify != nil {
		r.notify <- e
	}
}

func (r *recorder) take() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func kinds(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventKind()
	}
	return out
}

func only[T Event](events []Event) []T {
	var out []T
	for _, e := range events {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type memSessions map[string]string

func (m memSessions) Save(name, token string) error { m[name] = token; return nil }
func (m memSessions) Load(name string) (string, error) {
	t, ok := m[name]
	if !ok {
		return "", fmt.Errorf("no session %q", name)
	}
	return t, nil
}

func newHost(t *testing.T, autoRender bool) (*Host, *recorder) {
	t.Helper()
	rec := &recorder{}
	h, err := New(Options{
		Kernel:     poly.New(0),
		Sink:       rec,
		Sessions:   memSessions{},
		AutoRender: autoRender,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, rec
}

// submit runs cmd through the intake and the dispatcher.
func submit(t *testing.T, h *Host, cmd Command) error {
	t.Helper()
	if err := h.Submit(cmd); err != nil {
		t.Fatalf("Submit(%s): %v", cmd.CommandKind(), err)
	}
	return h.Dispatch(<-h.inbox)
}

const boxScript = "(def b (box 10 10 10))\n(show b)"

func TestBoxScenario(t *testing.T) {
	h, rec := newHost(t, false)
	if err := submit(t, h, Evaluate{Script: boxScript}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	done := only[EvaluationComplete](rec.take())
	if len(done) != 1 || done[0].ShapeCount != 1 {
		t.Fatalf("evaluationComplete = %+v", done)
	}

	if err := submit(t, h, CombineAndRender{MaxDeviation: 0.1}); err != nil {
		t.Fatalf("CombineAndRender: %v", err)
	}
	events := rec.take()
	if diff := cmp.Diff([]string{"progress", "progress", "meshReady"}, kinds(events)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	mesh := only[MeshReady](events)[0]
	if len(mesh.Faces) != 6 {
		t.Errorf("faces = %d, want 6", len(mesh.Faces))
	}
	if len(mesh.Edges) != 12 {
		t.Errorf("edges = %d, want 12", len(mesh.Edges))
	}
	for _, e := range mesh.Edges {
		if e.EdgeIndex == tessellate.FreeEdgeIndex {
			t.Error("box produced a free edge")
		}
	}
	if len(mesh.Atlas.Islands) != 6 {
		t.Errorf("islands = %d, want 6", len(mesh.Atlas.Islands))
	}

	// The scene was consumed.
	if err := submit(t, h, CombineAndRender{MaxDeviation: 0.1}); err != nil {
		t.Fatal(err)
	}
	if again := only[MeshReady](rec.take()); len(again) != 1 || len(again[0].Faces) != 0 {
		t.Errorf("second render = %+v, want an empty mesh", again)
	}
}

func TestRepeatedEvaluationIsCachedAndIdentical(t *testing.T) {
	h, rec := newHost(t, true)
	if err := submit(t, h, Evaluate{Script: boxScript}); err != nil {
		t.Fatal(err)
	}
	first := rec.take()
	if err := submit(t, h, Evaluate{Script: boxScript}); err != nil {
		t.Fatal(err)
	}
	second := rec.take()

	done := only[EvaluationComplete](second)
	if len(done) != 1 {
		t.Fatalf("evaluationComplete events = %d", len(done))
	}
	if n := done[0].Cache.Computes["box"]; n != 0 {
		t.Errorf("box computed %d times on the second pass, want 0", n)
	}
	m1, m2 := only[MeshReady](first), only[MeshReady](second)
	if len(m1) != 1 || len(m2) != 1 {
		t.Fatalf("meshReady events = %d and %d, want 1 each", len(m1), len(m2))
	}
	if diff := cmp.Diff(m1[0], m2[0]); diff != "" {
		t.Errorf("mesh changed between passes (-first +second):\n%s", diff)
	}
}

func TestAutoRenderFollowsEvaluation(t *testing.T) {
	h, rec := newHost(t, true)
	if err := submit(t, h, Evaluate{Script: boxScript}); err != nil {
		t.Fatal(err)
	}
	want := []string{"progress", "evaluationComplete", "progress", "progress", "meshReady"}
	if diff := cmp.Diff(want, kinds(rec.take())); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if h.Busy() {
		t.Error("host still busy after the render")
	}
}

func TestSliderPriorState(t *testing.T) {
	h, rec := newHost(t, false)
	src := `(def r (slider "R" 5 1 10)) (show (box r r r))`
	prior := gui.State{{Key: "R", Value: gui.Number(7)}}
	if err := submit(t, h, Evaluate{Script: src, GUIState: prior}); err != nil {
		t.Fatal(err)
	}
	_, max := h.ctx.Scene.Shapes()[0].BoundingBox()
	if max.X != 7 {
		t.Errorf("box size = %g, want the script to observe 7", max.X)
	}
	done := only[EvaluationComplete](rec.take())[0]
	if diff := cmp.Diff(prior, done.GUIState); diff != "" {
		t.Errorf("state (-want +got):\n%s", diff)
	}
}

func TestUndefinedVariableEmitsOneError(t *testing.T) {
	h, rec := newHost(t, false)
	err := submit(t, h, Evaluate{Script: "(def a 1)\n(show (box nope 1 1))"})
	if err == nil {
		t.Fatal("expected an error")
	}
	errs := only[Error](rec.take())
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	if errs[0].Line != 2 {
		t.Errorf("line = %d, want 2", errs[0].Line)
	}
	if h.Busy() {
		t.Error("host still busy after a fault")
	}
	if err := h.Submit(Evaluate{Script: boxScript}); err != nil {
		t.Errorf("Submit after a fault: %v", err)
	}
}

func TestErrorLineInsideMultilineForm(t *testing.T) {
	h, rec := newHost(t, false)
	script := "(def b\n  (translate\n    (box 1 1 1)\n    [nope 0 0]))\n(show b)"
	if err := submit(t, h, Evaluate{Script: script}); err == nil {
		t.Fatal("expected an error")
	}
	errs := only[Error](rec.take())
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	if errs[0].Line != 4 {
		t.Errorf("line = %d, want 4 (%s)", errs[0].Line, errs[0].Message)
	}
}

func TestKernelFaultCarriesOperation(t *testing.T) {
	h, rec := newHost(t, false)
	if err := submit(t, h, Evaluate{Script: "(show (sphere 0))"}); err == nil {
		t.Fatal("expected an error")
	}
	errs := only[Error](rec.take())
	if len(errs) != 1 || errs[0].Operation != "sphere" || errs[0].Line != 1 {
		t.Errorf("error events = %+v", errs)
	}
}

func TestSubmitGuards(t *testing.T) {
	h, rec := newHost(t, false)
	if err := h.Submit(Evaluate{Script: boxScript}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	for _, cmd := range []Command{
		Evaluate{Script: "(show (sphere 1))"},
		UpdateControl{Key: "R", Value: gui.Number(2)},
		CombineAndRender{MaxDeviation: 0.1},
		RestoreState{Token: "v1.x"},
	} {
		err := h.Submit(cmd)
		var pe *ProtocolError
		if !errors.As(err, &pe) {
			t.Errorf("Submit(%s) = %v, want *ProtocolError", cmd.CommandKind(), err)
		}
	}
	if got := len(only[Log](rec.take())); got != 4 {
		t.Errorf("log events = %d, want 4", got)
	}
	// Commands that do not touch the scene are still accepted.
	if err := h.Submit(ClearExternal{}); err != nil {
		t.Errorf("Submit(ClearExternal) = %v", err)
	}

	// Only the first evaluation reached the queue.
	if err := h.Dispatch(<-h.inbox); err != nil {
		t.Fatal(err)
	}
	if err := h.Dispatch(<-h.inbox); err != nil {
		t.Fatal(err)
	}
	if len(h.inbox) != 0 {
		t.Errorf("queue holds %d commands, want 0", len(h.inbox))
	}
	if h.ctx.Scene.Len() != 1 {
		t.Errorf("scene = %d shapes, want the box", h.ctx.Scene.Len())
	}

	if err := h.Submit(CombineAndRender{MaxDeviation: 0.1}); err != nil {
		t.Fatal(err)
	}
	if err := h.Submit(CombineAndRender{MaxDeviation: 0.1}); err == nil {
		t.Error("second render accepted while the first is queued")
	}
}

func TestUpdateControlReevaluates(t *testing.T) {
	h, rec := newHost(t, false)
	src := `(def r (slider "R" 5 1 10)) (show (box r 1 1))`
	if err := submit(t, h, Evaluate{Script: src}); err != nil {
		t.Fatal(err)
	}
	rec.take()
	if err := submit(t, h, UpdateControl{Key: "R", Value: gui.Number(3)}); err != nil {
		t.Fatal(err)
	}
	done := only[EvaluationComplete](rec.take())
	if len(done) != 1 {
		t.Fatalf("evaluationComplete events = %d, want 1", len(done))
	}
	if v, _ := done[0].GUIState.Get("R"); v != gui.Number(3) {
		t.Errorf("R = %v, want 3", v)
	}
	_, max := h.ctx.Scene.Shapes()[0].BoundingBox()
	if max.X != 3 {
		t.Errorf("box width = %g, want 3", max.X)
	}
}

func TestButtonResetsAfterEvaluation(t *testing.T) {
	h, rec := newHost(t, false)
	src := `(def pressed (button "go")) (println pressed)`
	if err := submit(t, h, Evaluate{Script: src}); err != nil {
		t.Fatal(err)
	}
	rec.take()
	if err := submit(t, h, UpdateControl{Key: "go", Value: gui.Bool(true)}); err != nil {
		t.Fatal(err)
	}
	events := rec.take()
	if logs := only[Log](events); len(logs) != 1 || logs[0].Text != "true" {
		t.Errorf("logs = %+v, want the press to be observed", logs)
	}
	done := only[EvaluationComplete](events)[0]
	if v, _ := done.GUIState.Get("go"); v != gui.Bool(false) {
		t.Errorf("go = %v after the evaluation, want false", v)
	}
}

func TestSaveAndRestoreState(t *testing.T) {
	h, rec := newHost(t, false)
	src := `(def r (slider "R" 5 1 10)) (show (box r r r))`
	if err := submit(t, h, Evaluate{Script: src, GUIState: gui.State{{Key: "R", Value: gui.Number(6)}}}); err != nil {
		t.Fatal(err)
	}
	if err := h.Dispatch(SaveState{Name: "mine"}); err != nil {
		t.Fatal(err)
	}
	tokens := only[StateToken](rec.take())
	if len(tokens) != 1 || tokens[0].Name != "mine" {
		t.Fatalf("stateToken events = %+v", tokens)
	}

	other, rec2 := newHost(t, false)
	other.sessions = h.sessions
	if err := submit(t, other, RestoreState{Name: "mine"}); err != nil {
		t.Fatal(err)
	}
	events := rec2.take()
	restored := only[StateRestored](events)
	if len(restored) != 1 || restored[0].Script != src {
		t.Fatalf("stateRestored events = %+v", restored)
	}
	done := only[EvaluationComplete](events)
	if len(done) != 1 {
		t.Fatalf("evaluationComplete events = %d, want 1", len(done))
	}
	if v, _ := done[0].GUIState.Get("R"); v != gui.Number(6) {
		t.Errorf("R = %v, want 6", v)
	}

	if err := submit(t, other, RestoreState{Token: "v1.garbage"}); !gui.IsDecodeError(err) {
		t.Errorf("bad token: err = %v, want a decode error", err)
	}
	if errs := only[Error](rec2.take()); len(errs) != 1 {
		t.Errorf("error events = %d, want 1", len(errs))
	}
}

func TestExportAndImport(t *testing.T) {
	h, rec := newHost(t, true)
	if err := submit(t, h, Evaluate{Script: "(show (box 1 2 3))"}); err != nil {
		t.Fatal(err)
	}
	if err := h.Dispatch(Export{Format: "stl"}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	exported := only[Exported](rec.take())
	if len(exported) != 1 || len(exported[0].Data) == 0 {
		t.Fatalf("exported events = %+v", exported)
	}

	if err := h.Dispatch(ImportFile{Name: "part.stl", Data: exported[0].Data}); err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if got := only[Imported](rec.take()); len(got) != 1 || got[0].Name != "part.stl" {
		t.Errorf("imported events = %+v", got)
	}
	if err := submit(t, h, Evaluate{Script: `(show (external "part.stl"))`}); err != nil {
		t.Fatalf("Evaluate with import: %v", err)
	}
	mesh := only[MeshReady](rec.take())
	if len(mesh) != 1 {
		t.Fatalf("meshReady events = %d, want 1", len(mesh))
	}
	if len(mesh[0].Faces) != 6 {
		t.Errorf("imported box mesh = %d faces, want 6", len(mesh[0].Faces))
	}

	if err := h.Dispatch(ImportFile{Name: "part.step", Data: []byte("ISO-10303-21;")}); err == nil {
		t.Error("STEP import succeeded, want an import fault")
	}
	h.Dispatch(ClearExternal{})
	if h.ctx.External.Len() != 0 {
		t.Error("ClearExternal left shapes behind")
	}
}

func TestRunSendsReadyAndProcesses(t *testing.T) {
	rec := &recorder{notify: make(chan Event, 32)}
	h, err := New(Options{Kernel: poly.New(0), Sink: rec, AutoRender: true})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	wait := func(kind string) Event {
		t.Helper()
		timeout := time.After(10 * time.Second)
		for {
			select {
			case e := <-rec.notify:
				if e.EventKind() == kind {
					return e
				}
			case <-timeout:
				t.Fatalf("no %s event", kind)
			}
		}
	}
	if r := wait("ready").(Ready); r.Kernel == "" {
		t.Error("ready event has no kernel name")
	}
	if err := h.Submit(Evaluate{Script: boxScript}); err != nil {
		t.Fatal(err)
	}
	wait("meshReady")

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestTimeoutDiscardsContext(t *testing.T) {
	rec := &recorder{}
	h, err := New(Options{Kernel: poly.New(0), Sink: rec, EvalTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := h.kern.Box(1, 1, 1, false)
	h.ctx.External.Put("kept", b)
	old := h.ctx

	loop := "(for [(def i 0) true (set i (+ i 1))] (box 1 1 1))"
	if err := submit(t, h, Evaluate{Script: loop}); err == nil {
		t.Fatal("expected a timeout")
	}
	if h.ctx == old {
		t.Error("execution context kept after a timeout")
	}
	if _, ok := h.ctx.External.Get("kept"); !ok {
		t.Error("imports lost after a timeout")
	}
	if h.Busy() {
		t.Error("host busy after a timeout")
	}
}

// panicKernel panics from its serializers.
type panicKernel struct {
	kernel.Kernel
}

func (panicKernel) Export(kernel.Shape, kernel.Format, float64) ([]byte, error) {
	panic("writer exploded")
}

func (panicKernel) Import(kernel.Format, []byte) (kernel.Shape, error) {
	panic("reader exploded")
}

func TestKernelPanicBecomesError(t *testing.T) {
	rec := &recorder{}
	h, err := New(Options{Kernel: panicKernel{poly.New(0)}, Sink: rec})
	if err != nil {
		t.Fatal(err)
	}
	if err := submit(t, h, Evaluate{Script: boxScript}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	rec.take()

	tests := []struct {
		cmd    Command
		wantOp string
	}{
		{Export{Format: "stl"}, "Export"},
		{ImportFile{Name: "part.stl", Data: []byte("solid x")}, "ImportFile"},
	}
	for _, tt := range tests {
		t.Run(tt.wantOp, func(t *testing.T) {
			if err := submit(t, h, tt.cmd); err == nil {
				t.Fatal("expected an error")
			}
			errs := only[Error](rec.take())
			if len(errs) != 1 {
				t.Fatalf("error events = %d, want 1", len(errs))
			}
			if errs[0].Operation != tt.wantOp {
				t.Errorf("operation = %q, want %q", errs[0].Operation, tt.wantOp)
			}
		})
	}

	if err := submit(t, h, Evaluate{Script: boxScript}); err != nil {
		t.Errorf("Evaluate after a panic: %v", err)
	}
}
