// Command cadscript evaluates CAD scripts and serves the script host to
// viewers over JSON-RPC on stdio or websockets.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bep/debounce"
	"github.com/pkg/browser"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/chazu/cadscript/pkg/config"
	"github.com/chazu/cadscript/pkg/gui"
	"github.com/chazu/cadscript/pkg/tessellate"
	"github.com/chazu/cadscript/pkg/transport"
)

const usage = `usage: cadscript [-config FILE] [-store FILE] COMMAND [ARGS]

commands:
  serve   [-stdio] [-listen ADDR] [-static DIR] [-open]
  render  [-state TOKEN|JSON] [-deviation D] [-json] [-atlas FILE.svg]
          [-export FORMAT -out FILE] [-watch] [SCRIPT]
  token   encode [-state JSON] SCRIPT | decode TOKEN
  session save NAME TOKEN | load NAME | list | rm NAME
`

// errUsage marks a command line error; run exits with status 2.
var errUsage = errors.New("invalid usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cadscript", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "YAML configuration file")
	storePath := fs.String("store", "", "session database (overrides store_path)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	app, err := NewApp(cfg, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "serve":
		err = app.serve(rest, stderr)
	case "render":
		err = app.render(rest, stdout, stderr)
	case "token":
		err = tokenCommand(rest, stdin, stdout, stderr)
	case "session":
		err = app.session(rest, stdout)
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		fmt.Fprintln(stderr, err)
		fmt.Fprint(stderr, usage)
		return 2
	default:
		fmt.Fprintln(stderr, err)
		return 1
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {}
	return fs
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func (a *App) serve(args []string, stderr io.Writer) error {
	fs := newFlagSet("serve", stderr)
	stdio := fs.Bool("stdio", false, "serve one session as JSON-RPC on stdin/stdout")
	listen := fs.String("listen", a.cfg.Listen, "websocket listen address")
	static := fs.String("static", "", "directory served at /")
	open := fs.Bool("open", false, "open the viewer in a browser")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	st, err := a.OpenStore()
	if err != nil {
		a.log.WithError(err).Warn("named sessions disabled")
	} else {
		defer st.Close()
		a.sessions = st
	}

	ctx, stop := signalContext()
	defer stop()

	if *stdio {
		return transport.ServeStdio(ctx, transport.Stdio{In: os.Stdin, Out: os.Stdout}, a.NewHost)
	}

	srv := transport.NewWebsocketServer(a.NewHost, *static, logrus.NewEntry(a.log))
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(*listen) }()
	if *open {
		if err := browser.OpenURL("http://" + *listen + "/"); err != nil {
			a.log.WithError(err).Warn("could not open browser")
		}
	}
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}

// ---------------------------------------------------------------------------
// render
// ---------------------------------------------------------------------------

// parseState accepts a state token or a JSON object. A token also supplies
// its script.
func parseState(s string) (string, gui.State, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil, nil
	}
	if strings.HasPrefix(s, "{") {
		var st gui.State
		if err := json.Unmarshal([]byte(s), &st); err != nil {
			return "", nil, fmt.Errorf("gui state: %w", err)
		}
		return "", st, nil
	}
	return gui.Decode(s)
}

type renderSummary struct {
	Shapes    int       `json:"shapes"`
	Faces     int       `json:"faces"`
	Edges     int       `json:"edges"`
	Triangles int       `json:"triangles"`
	GUIState  gui.State `json:"guiState"`
}

func (a *App) render(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("render", stderr)
	stateArg := fs.String("state", "", "state token or JSON object of control values")
	deviation := fs.Float64("deviation", 0, "maximum chordal deviation (0 uses the configured value)")
	asJSON := fs.Bool("json", false, "write the full mesh as JSON")
	atlasPath := fs.String("atlas", "", "write the UV atlas layout as SVG")
	exportFormat := fs.String("export", "", "interchange format to export: stl, obj or 3mf")
	outPath := fs.String("out", "", "export destination")
	watch := fs.Bool("watch", false, "render again whenever SCRIPT changes")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if (*exportFormat == "") != (*outPath == "") {
		return fmt.Errorf("%w: -export and -out go together", errUsage)
	}

	tokenScript, state, err := parseState(*stateArg)
	if err != nil {
		return err
	}
	path := fs.Arg(0)
	if path == "" && tokenScript == "" {
		return fmt.Errorf("%w: render needs a script file or a state token", errUsage)
	}
	if *watch && path == "" {
		return fmt.Errorf("%w: -watch needs a script file", errUsage)
	}

	once := func() error {
		script := tokenScript
		if path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			script = string(data)
		}
		res, err := a.Render(RenderRequest{
			Script:       script,
			State:        state,
			MaxDeviation: *deviation,
			ExportFormat: *exportFormat,
		})
		for _, line := range res.Logs {
			fmt.Fprintln(stderr, line)
		}
		if err != nil {
			return err
		}
		return a.writeRender(res, *asJSON, *atlasPath, *outPath, stdout)
	}

	err = once()
	if !*watch {
		return err
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
	}
	ctx, stop := signalContext()
	defer stop()
	return watchFile(ctx, path, 200*time.Millisecond, func() {
		if err := once(); err != nil {
			fmt.Fprintln(stderr, err)
		}
	})
}

func (a *App) writeRender(res *RenderResult, asJSON bool, atlasPath, outPath string, stdout io.Writer) error {
	if outPath != "" {
		if err := os.WriteFile(outPath, res.Export, 0644); err != nil {
			return err
		}
	}
	if atlasPath != "" {
		f, err := os.Create(atlasPath)
		if err != nil {
			return err
		}
		if err := tessellate.WriteAtlasSVG(f, res.Mesh.Atlas, 512); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(stdout)
	if asJSON {
		return enc.Encode(res.Mesh)
	}
	return enc.Encode(renderSummary{
		Shapes:    res.Evaluation.ShapeCount,
		Faces:     len(res.Mesh.Faces),
		Edges:     len(res.Mesh.Edges),
		Triangles: lo.SumBy(res.Mesh.Faces, func(f tessellate.Face) int { return f.TriangleCount() }),
		GUIState:  res.Evaluation.GUIState,
	})
}

// watchFile polls path and calls fn, debounced, after each modification.
func watchFile(ctx context.Context, path string, interval time.Duration, fn func()) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	last := info.ModTime()
	debounced := debounce.New(interval)
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(last) {
			last = info.ModTime()
			debounced(fn)
		}
	}
}

// ---------------------------------------------------------------------------
// token
// ---------------------------------------------------------------------------

type decodedToken struct {
	Script   string    `json:"scriptText"`
	GUIState gui.State `json:"guiState"`
}

func tokenCommand(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: token needs encode or decode", errUsage)
	}
	switch args[0] {
	case "encode":
		fs := newFlagSet("token encode", stderr)
		stateArg := fs.String("state", "", "JSON object of control values")
		if err := fs.Parse(args[1:]); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		script, err := readScript(fs.Arg(0), stdin)
		if err != nil {
			return err
		}
		var state gui.State
		if *stateArg != "" {
			if err := json.Unmarshal([]byte(*stateArg), &state); err != nil {
				return fmt.Errorf("gui state: %w", err)
			}
		}
		token, err := gui.Encode(script, state)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, token)
		return nil
	case "decode":
		if len(args) != 2 {
			return fmt.Errorf("%w: token decode needs one token", errUsage)
		}
		script, state, err := gui.Decode(args[1])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decodedToken{Script: script, GUIState: state})
	}
	return fmt.Errorf("%w: unknown token command %q", errUsage, args[0])
}

// readScript reads path, or stdin when path is "" or "-".
func readScript(path string, stdin io.Reader) (string, error) {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	return string(data), err
}

// ---------------------------------------------------------------------------
// session
// ---------------------------------------------------------------------------

func (a *App) session(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: session needs save, load, list or rm", errUsage)
	}
	want := map[string]int{"save": 3, "load": 2, "list": 1, "rm": 2}
	n, ok := want[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown session command %q", errUsage, args[0])
	}
	if len(args) != n {
		return fmt.Errorf("%w: session %s takes %d arguments", errUsage, args[0], n-1)
	}

	st, err := a.OpenStore()
	if err != nil {
		return err
	}
	defer st.Close()

	switch args[0] {
	case "save":
		if _, _, err := gui.Decode(args[2]); err != nil {
			return err
		}
		return st.Save(args[1], args[2])
	case "load":
		token, err := st.Load(args[1])
		if err != nil {
			return fmt.Errorf("session %q: %w", args[1], err)
		}
		fmt.Fprintln(stdout, token)
	case "list":
		names, err := st.Names()
		if err != nil {
			return err
		}
		lo.ForEach(names, func(name string, _ int) { fmt.Fprintln(stdout, name) })
	case "rm":
		if err := st.Delete(args[1]); err != nil {
			return fmt.Errorf("session %q: %w", args[1], err)
		}
	}
	return nil
}
