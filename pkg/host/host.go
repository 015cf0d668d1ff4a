// Package host runs the execution loop that owns a kernel, its operation
// cache and the scene, and exchanges commands and events with one caller.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/chazu/cadscript/pkg/cache"
	"github.com/chazu/cadscript/pkg/engine"
	"github.com/chazu/cadscript/pkg/gui"
	"github.com/chazu/cadscript/pkg/kernel"
	"github.com/chazu/cadscript/pkg/scene"
	"github.com/chazu/cadscript/pkg/tessellate"
)

// DefaultMaxDeviation is used for automatic renders before any
// CombineAndRender named a deviation.
const DefaultMaxDeviation = 0.1

// inboxSize bounds the accepted but unprocessed commands.
const inboxSize = 64

// ProtocolError is a command received in a state that cannot accept it.
// Such commands are dropped.
type ProtocolError struct {
	Kind   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol: "
	if e.Kind != "" {
		msg += e.Kind + ": "
	}
	msg += e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Sink receives events in the order the host sends them.
type Sink interface {
	Send(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Send(e Event) { f(e) }

// Sessions stores state tokens by name.
type Sessions interface {
	Save(name, token string) error
	Load(name string) (string, error)
}

// Options configures a Host. Kernel and Sink are required.
type Options struct {
	Kernel   kernel.Kernel
	Sink     Sink
	Log      *logrus.Entry
	Sessions Sessions

	// AutoRender runs CombineAndRender after every successful evaluation.
	AutoRender bool
	// MaxDeviation is the deviation for automatic renders until a
	// CombineAndRender names one. Zero selects DefaultMaxDeviation.
	MaxDeviation float64
	// EvalTimeout bounds one evaluation. Zero selects engine.EvalTimeout.
	EvalTimeout time.Duration
	// Preload is imported before the ready event.
	Preload []ImportFile
}

// Host is one execution context plus its dispatch loop.
type Host struct {
	kern     kernel.Kernel
	eng      *engine.Engine
	ctx      *engine.Context
	sink     Sink
	sessions Sessions
	log      *logrus.Entry
	preload  []ImportFile

	autoRender bool
	deviation  float64

	inbox chan Command

	mu         sync.Mutex
	evaluating bool
	rendering  bool

	sendMu sync.Mutex

	// Loop-owned state.
	script    string
	hasScript bool
	state     gui.State
	rendered  []kernel.Shape
}

// New creates a Host. Commands may be submitted before Run starts.
func New(opts Options) (*Host, error) {
	if opts.Kernel == nil {
		return nil, errors.New("host: no kernel")
	}
	if opts.Sink == nil {
		return nil, errors.New("host: no sink")
	}
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	h := &Host{
		kern:       opts.Kernel,
		sink:       opts.Sink,
		sessions:   opts.Sessions,
		log:        log.WithField("component", "host"),
		preload:    opts.Preload,
		autoRender: opts.AutoRender,
		deviation:  opts.MaxDeviation,
		inbox:      make(chan Command, inboxSize),
	}
	if h.deviation <= 0 {
		h.deviation = DefaultMaxDeviation
	}
	h.eng = engine.NewEngine(log)
	h.eng.Timeout = opts.EvalTimeout
	h.ctx = h.newContext(scene.NewRegistry())
	return h, nil
}

func (h *Host) newContext(external *scene.Registry) *engine.Context {
	c := cache.New(h.log)
	c.OnCompute = func(kind string) {
		h.log.WithField("op", kind).Debug("cache miss")
	}
	return &engine.Context{
		Kernel:   h.kern,
		Cache:    c,
		Scene:    &scene.List{},
		External: external,
		OnOperation: func(n int, op string) {
			h.emit(Progress{OpNumber: n, OpType: op})
		},
		OnLog: func(text string) {
			h.emit(Log{Text: text})
		},
	}
}

func (h *Host) emit(e Event) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	h.sink.Send(e)
}

// ---------------------------------------------------------------------------
// Intake
// ---------------------------------------------------------------------------

// Submit queues cmd without blocking. A command the host cannot accept in
// its current state is dropped: Submit logs a warning, sends a log event
// and returns the *ProtocolError.
func (h *Host) Submit(cmd Command) error {
	if cmd == nil {
		return h.reject(&ProtocolError{Reason: "nil command"})
	}
	cmd = deref(cmd)
	h.mu.Lock()
	var set *bool
	switch cmd.(type) {
	case Evaluate, UpdateControl, RestoreState:
		if h.evaluating {
			h.mu.Unlock()
			return h.reject(&ProtocolError{Kind: cmd.CommandKind(), Reason: "an evaluation is in flight"})
		}
		set = &h.evaluating
	case CombineAndRender:
		if h.evaluating {
			h.mu.Unlock()
			return h.reject(&ProtocolError{Kind: cmd.CommandKind(), Reason: "an evaluation is in flight"})
		}
		if h.rendering {
			h.mu.Unlock()
			return h.reject(&ProtocolError{Kind: cmd.CommandKind(), Reason: "a render is in flight"})
		}
		set = &h.rendering
	}
	if set != nil {
		*set = true
	}
	select {
	case h.inbox <- cmd:
		h.mu.Unlock()
		return nil
	default:
		if set != nil {
			*set = false
		}
		h.mu.Unlock()
		return h.reject(&ProtocolError{Kind: cmd.CommandKind(), Reason: "command queue is full"})
	}
}

func (h *Host) reject(err *ProtocolError) error {
	h.log.WithError(err).Warn("command dropped")
	h.emit(Log{Text: "dropped: " + err.Error()})
	return err
}

// Busy reports whether an evaluation or render is accepted and not finished.
func (h *Host) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evaluating || h.rendering
}

func (h *Host) clear(flag *bool) {
	h.mu.Lock()
	*flag = false
	h.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// Run imports the preload files, sends the ready event and processes
// commands until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	for _, f := range h.preload {
		if err := h.importFile(f); err != nil {
			h.log.WithError(err).WithField("name", f.Name).Warn("preload failed")
		}
	}
	h.emit(Ready{Kernel: h.kern.Name()})
	h.log.WithField("kernel", h.kern.Name()).Info("ready")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-h.inbox:
			if err := h.Dispatch(cmd); err != nil {
				h.log.WithError(err).WithField("command", cmd.CommandKind()).Debug("command failed")
			}
		}
	}
}

// Dispatch handles one command on the calling goroutine. It is the body
// of Run and must only be called from the goroutine that owns the host.
// Every failure has already been sent as an error event when Dispatch
// returns it. A kernel panic is reported as a kernel fault of the command.
func (h *Host) Dispatch(cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithField("command", cmd.CommandKind()).Errorf("recovered panic: %v", r)
			err = h.fail(&engine.KernelFault{Operation: cmd.CommandKind(), Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	switch c := deref(cmd).(type) {
	case Evaluate:
		defer h.clear(&h.evaluating)
		return h.evaluate(c.Script, c.GUIState)
	case UpdateControl:
		defer h.clear(&h.evaluating)
		return h.updateControl(c)
	case RestoreState:
		defer h.clear(&h.evaluating)
		return h.restoreState(c)
	case CombineAndRender:
		defer h.clear(&h.rendering)
		return h.combineAndRender(c.MaxDeviation)
	case ImportFile:
		return h.importFile(c)
	case ClearExternal:
		h.ctx.External.Clear()
		return nil
	case Export:
		return h.export(c)
	case SaveState:
		return h.saveState(c)
	}
	return h.fail(&ProtocolError{Kind: fmt.Sprintf("%T", cmd), Reason: "unhandled command"})
}

// fail sends err as an error event and returns it.
func (h *Host) fail(err error) error {
	ev := Error{Message: err.Error()}
	var sf *engine.ScriptFault
	var kf *engine.KernelFault
	switch {
	case errors.As(err, &sf):
		ev = Error{Message: sf.Message, Line: sf.Line, Operation: sf.Operation}
	case errors.As(err, &kf):
		ev = Error{Message: kf.Err.Error(), Operation: kf.Operation}
	}
	h.emit(ev)
	return err
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (h *Host) evaluate(script string, prior gui.State) error {
	res, err := h.eng.Evaluate(h.ctx, script, prior)
	if errors.Is(err, engine.ErrTimeout) {
		// The abandoned interpreter may still hold the old context.
		external := scene.NewRegistry()
		for _, name := range h.ctx.External.Names() {
			s, _ := h.ctx.External.Get(name)
			external.Put(name, s)
		}
		h.ctx = h.newContext(external)
		h.log.Warn("execution context discarded after timeout")
	}
	if err != nil {
		return h.fail(err)
	}

	h.script, h.hasScript = script, true
	h.state = res.State
	buttons := lo.Filter(res.Controls, func(c gui.Control, _ int) bool { return c.Kind == gui.Button })
	for _, b := range buttons {
		h.state = h.state.With(b.Key, gui.Bool(false))
	}
	h.emit(EvaluationComplete{
		GUIState:   h.state,
		Controls:   res.Controls,
		ShapeCount: len(res.Shapes),
		Cache:      h.ctx.Cache.Stats(),
	})

	if !h.autoRender {
		return nil
	}
	h.mu.Lock()
	h.rendering = true
	h.mu.Unlock()
	defer h.clear(&h.rendering)
	return h.combineAndRender(0)
}

func (h *Host) updateControl(c UpdateControl) error {
	if c.Key == "" {
		return h.fail(&ProtocolError{Kind: c.CommandKind(), Reason: "empty key"})
	}
	h.state = h.state.With(c.Key, c.Value)
	if !h.hasScript {
		return nil
	}
	return h.evaluate(h.script, h.state)
}

// combine joins the shapes into one root shape.
func (h *Host) combine(shapes []kernel.Shape) (kernel.Shape, error) {
	if len(shapes) == 1 {
		return shapes[0], nil
	}
	s, err := h.kern.Compound(shapes...)
	if err != nil {
		return nil, &engine.KernelFault{Operation: "compound", Err: err}
	}
	return s, nil
}

func (h *Host) combineAndRender(deviation float64) (err error) {
	if deviation > 0 {
		h.deviation = deviation
	}
	defer func() {
		if r := recover(); r != nil {
			err = h.fail(&engine.KernelFault{Operation: "render", Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	shapes := h.ctx.Scene.Take()
	if len(shapes) == 0 {
		h.emit(MeshReady{Faces: []tessellate.Face{}, Edges: []tessellate.Edge{}})
		return nil
	}
	h.rendered = shapes
	h.emit(Progress{OpNumber: 1, OpType: "combining shapes"})
	root, err := h.combine(shapes)
	if err != nil {
		return h.fail(err)
	}
	h.emit(Progress{OpNumber: 2, OpType: "triangulating"})
	res, err := tessellate.Extract(h.kern, root, h.deviation)
	if err != nil {
		return h.fail(&engine.KernelFault{Operation: "triangulate", Err: err})
	}
	h.emit(MeshReady{Faces: res.Faces, Edges: res.Edges, Atlas: res.Atlas})
	return nil
}

func (h *Host) importFile(c ImportFile) error {
	name := c.Format
	if name == "" {
		name = c.Name
	}
	f, err := kernel.ParseFormat(name)
	if err != nil {
		return h.fail(&kernel.ImportError{Name: c.Name, Format: kernel.Format(name), Err: err})
	}
	s, err := h.kern.Import(f, c.Data)
	if err != nil {
		var ie *kernel.ImportError
		if !errors.As(err, &ie) {
			err = &kernel.ImportError{Name: c.Name, Format: f, Err: err}
		} else if ie.Name == "" {
			ie.Name = c.Name
		}
		return h.fail(err)
	}
	h.ctx.External.Put(c.Name, s)
	h.emit(Imported{Name: c.Name})
	return nil
}

func (h *Host) export(c Export) error {
	f, err := kernel.ParseFormat(c.Format)
	if err != nil {
		return h.fail(fmt.Errorf("export: %w", err))
	}
	shapes := h.ctx.Scene.Shapes()
	if len(shapes) == 0 {
		shapes = h.rendered
	}
	if len(shapes) == 0 {
		return h.fail(errors.New("export: the scene is empty"))
	}
	root, err := h.combine(shapes)
	if err != nil {
		return h.fail(err)
	}
	dev := c.MaxDeviation
	if dev <= 0 {
		dev = h.deviation
	}
	data, err := h.kern.Export(root, f, dev)
	if err != nil {
		return h.fail(&engine.KernelFault{Operation: "export", Err: err})
	}
	h.emit(Exported{Format: string(f), Data: data})
	return nil
}

func (h *Host) saveState(c SaveState) error {
	token, err := gui.Encode(h.script, h.state)
	if err != nil {
		return h.fail(err)
	}
	if c.Name != "" {
		if h.sessions == nil {
			return h.fail(errors.New("save state: no session store configured"))
		}
		if err := h.sessions.Save(c.Name, token); err != nil {
			return h.fail(fmt.Errorf("save state %q: %w", c.Name, err))
		}
	}
	h.emit(StateToken{Token: token, Name: c.Name})
	return nil
}

func (h *Host) restoreState(c RestoreState) error {
	token := c.Token
	if c.Name != "" {
		if h.sessions == nil {
			return h.fail(errors.New("restore state: no session store configured"))
		}
		t, err := h.sessions.Load(c.Name)
		if err != nil {
			return h.fail(fmt.Errorf("restore state %q: %w", c.Name, err))
		}
		token = t
	}
	script, state, err := gui.Decode(token)
	if err != nil {
		return h.fail(err)
	}
	h.emit(StateRestored{Script: script, GUIState: state})
	return h.evaluate(script, state)
}

