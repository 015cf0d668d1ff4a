package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/chazu/cadscript/pkg/config"
	"github.com/chazu/cadscript/pkg/gui"
	"github.com/chazu/cadscript/pkg/host"
	"github.com/chazu/cadscript/pkg/kernel"
	"github.com/chazu/cadscript/pkg/kernel/poly"
	"github.com/chazu/cadscript/pkg/kernel/sdfx"
	"github.com/chazu/cadscript/pkg/store"
)

// App holds what every command shares: configuration, logging and the
// kernel choice. Hosts are created per session.
type App struct {
	cfg *config.Config
	log *logrus.Logger
	// sessions backs named SaveState and RestoreState; nil disables them.
	sessions host.Sessions
}

// NewApp creates an App logging to w.
func NewApp(cfg *config.Config, w io.Writer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &App{cfg: cfg, log: newLogger(cfg, w)}, nil
}

// newLogger builds the process logger. Text output is coloured only when
// w is a terminal.
func newLogger(cfg *config.Config, w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	if cfg.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
		return l
	}
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	l.SetFormatter(&logrus.TextFormatter{
		ForceColors:   tty,
		DisableColors: !tty,
		FullTimestamp: true,
	})
	return l
}

// newKernel returns the configured backend.
func (a *App) newKernel() kernel.Kernel {
	if a.cfg.Kernel == "sdf" {
		return sdfx.New(a.cfg.MeshCells)
	}
	return poly.New(a.cfg.Segments)
}

// preload reads the configured files as import commands.
func (a *App) preload() []host.ImportFile {
	var out []host.ImportFile
	for _, path := range a.cfg.Preload {
		data, err := os.ReadFile(path)
		if err != nil {
			a.log.WithError(err).WithField("path", path).Warn("preload skipped")
			continue
		}
		out = append(out, host.ImportFile{Name: filepath.Base(path), Data: data})
	}
	return out
}

// NewHost creates a host with its own kernel and execution context. It
// satisfies transport.HostFactory.
func (a *App) NewHost(sink host.Sink) (*host.Host, error) {
	return a.newHost(sink, a.cfg.AutoRender, a.sessions, a.preload())
}

func (a *App) newHost(sink host.Sink, autoRender bool, sessions host.Sessions, preload []host.ImportFile) (*host.Host, error) {
	return host.New(host.Options{
		Kernel:       a.newKernel(),
		Sink:         sink,
		Log:          logrus.NewEntry(a.log),
		Sessions:     sessions,
		AutoRender:   autoRender,
		MaxDeviation: a.cfg.MaxDeviation,
		EvalTimeout:  a.cfg.EvalTimeout,
		Preload:      preload,
	})
}

// OpenStore opens the configured session database, creating its
// directory when needed.
func (a *App) OpenStore() (*store.Store, error) {
	path := a.cfg.StorePath
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		path = filepath.Join(dir, "cadscript", "sessions.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	return store.Open(path)
}

// ---------------------------------------------------------------------------
// One-shot rendering
// ---------------------------------------------------------------------------

// RenderRequest describes one evaluate-and-extract run.
type RenderRequest struct {
	Script       string
	State        gui.State
	MaxDeviation float64
	// ExportFormat, when set, also serializes the scene.
	ExportFormat string
}

// RenderResult collects the events of a render.
type RenderResult struct {
	Evaluation *host.EvaluationComplete
	Mesh       *host.MeshReady
	Export     []byte
	Logs       []string
}

// Render runs the script through a private host on the calling goroutine.
// Script and kernel faults are returned as errors. The result is never nil.
func (a *App) Render(req RenderRequest) (*RenderResult, error) {
	res := &RenderResult{}
	sink := host.SinkFunc(func(e host.Event) {
		switch e := e.(type) {
		case host.EvaluationComplete:
			res.Evaluation = &e
		case host.MeshReady:
			res.Mesh = &e
		case host.Exported:
			res.Export = e.Data
		case host.Log:
			res.Logs = append(res.Logs, e.Text)
		}
	})
	h, err := a.newHost(sink, false, nil, nil)
	if err != nil {
		return res, err
	}
	for _, f := range a.preload() {
		if err := h.Dispatch(f); err != nil {
			a.log.WithError(err).WithField("name", f.Name).Warn("preload failed")
		}
	}
	dev := req.MaxDeviation
	if dev <= 0 {
		dev = a.cfg.MaxDeviation
	}

	commands := []host.Command{
		host.Evaluate{Script: req.Script, GUIState: req.State},
	}
	if req.ExportFormat != "" {
		commands = append(commands, host.Export{Format: req.ExportFormat, MaxDeviation: dev})
	}
	commands = append(commands, host.CombineAndRender{MaxDeviation: dev})
	for _, c := range commands {
		if err := h.Dispatch(c); err != nil {
			return res, err
		}
	}
	return res, nil
}
