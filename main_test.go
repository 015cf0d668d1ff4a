package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/cadscript/pkg/gui"
)

// cli runs the command line with a private session store.
type cli struct {
	t     *testing.T
	store string
}

func newCLI(t *testing.T) *cli {
	return &cli{t: t, store: filepath.Join(t.TempDir(), "sessions.db")}
}

func (c *cli) run(stdin string, args ...string) (int, string, string) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"-store", c.store}, args...)
	code := run(full, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunUsage(t *testing.T) {
	c := newCLI(t)
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"explode"}},
		{"unknown flag", []string{"-loud", "render"}},
		{"render without script", []string{"render"}},
		{"export without out", []string{"render", "-export", "stl", "x.lisp"}},
		{"token without mode", []string{"token"}},
		{"session arity", []string{"session", "load"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := c.run("", tt.args...); code != 2 {
				t.Errorf("exit = %d, want 2", code)
			}
		})
	}
}

func TestRunBadConfig(t *testing.T) {
	path := writeFile(t, "cadscript.yaml", "kernel: occt\n")
	code, _, stderr := newCLI(t).run("", "-config", path, "token", "decode", "v1.x")
	if code != 1 || !strings.Contains(stderr, "kernel") {
		t.Errorf("exit = %d, stderr = %q; want 1 and a kernel error", code, stderr)
	}
}

func TestRunTokenRoundTrip(t *testing.T) {
	c := newCLI(t)
	code, out, stderr := c.run("(show (box 1 1 1))", "token", "encode", "-state", `{"R":2,"on":true}`)
	if code != 0 {
		t.Fatalf("encode exit = %d: %s", code, stderr)
	}
	token := strings.TrimSpace(out)
	if !strings.HasPrefix(token, gui.TokenVersion+".") {
		t.Fatalf("token = %q, want a versioned token", token)
	}

	code, out, stderr = c.run("", "token", "decode", token)
	if code != 0 {
		t.Fatalf("decode exit = %d: %s", code, stderr)
	}
	var got decodedToken
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	want := decodedToken{
		Script:   "(show (box 1 1 1))",
		GUIState: gui.State{{Key: "R", Value: gui.Number(2)}, {Key: "on", Value: gui.Bool(true)}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded (-want +got):\n%s", diff)
	}

	if code, _, _ := c.run("", "token", "decode", "v2.abc"); code != 1 {
		t.Errorf("decode of a bad token exit = %d, want 1", code)
	}
}

func TestRunRenderSummaryAndAtlas(t *testing.T) {
	script := writeFile(t, "box.lisp", "(show (box 2 2 2))")
	atlas := filepath.Join(t.TempDir(), "atlas.svg")

	code, out, stderr := newCLI(t).run("", "render", "-atlas", atlas, script)
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, stderr)
	}
	var sum renderSummary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("summary %q: %v", out, err)
	}
	if sum.Shapes != 1 || sum.Faces != 6 || sum.Edges != 12 || sum.Triangles != 12 {
		t.Errorf("summary = %+v, want 1 shape, 6 faces, 12 edges, 12 triangles", sum)
	}
	svg, err := os.ReadFile(atlas)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(svg, []byte("<svg")) {
		t.Errorf("atlas file is not SVG: %.60q", svg)
	}
}

func TestRunRenderFromToken(t *testing.T) {
	src, err := os.ReadFile(filepath.Join("examples", "plate.lisp"))
	if err != nil {
		t.Fatal(err)
	}
	token, err := gui.Encode(string(src), gui.State{{Key: "hole", Value: gui.Bool(false)}})
	if err != nil {
		t.Fatal(err)
	}
	code, out, stderr := newCLI(t).run("", "render", "-state", token)
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, stderr)
	}
	var sum renderSummary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("summary %q: %v", out, err)
	}
	if sum.Faces != 6 {
		t.Errorf("faces = %d, want the solid plate's 6", sum.Faces)
	}
	if v, _ := sum.GUIState.Get("hole"); v != gui.Bool(false) {
		t.Errorf("hole = %v, want false from the token", v)
	}
}

func TestRunRenderFault(t *testing.T) {
	script := writeFile(t, "bad.lisp", "(println \"first\")\n(show (box nope 1 1))")
	code, out, stderr := newCLI(t).run("", "render", script)
	if code != 1 {
		t.Errorf("exit = %d, want 1", code)
	}
	if out != "" {
		t.Errorf("stdout = %q, want nothing", out)
	}
	if !strings.Contains(stderr, "first") || !strings.Contains(stderr, "line 2") {
		t.Errorf("stderr = %q, want the log line and the fault line", stderr)
	}
}

func TestRunRenderExport(t *testing.T) {
	script := writeFile(t, "box.lisp", "(show (box 1 2 3))")
	dest := filepath.Join(t.TempDir(), "box.stl")
	code, _, stderr := newCLI(t).run("", "render", "-export", "stl", "-out", dest, script)
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, stderr)
	}
	if info, err := os.Stat(dest); err != nil || info.Size() == 0 {
		t.Errorf("export file: %v", err)
	}
}

func TestRunSessions(t *testing.T) {
	c := newCLI(t)
	token, err := gui.Encode("(show (box 1 1 1))", nil)
	if err != nil {
		t.Fatal(err)
	}

	if code, _, stderr := c.run("", "session", "save", "bench", token); code != 0 {
		t.Fatalf("save exit = %d: %s", code, stderr)
	}
	if code, _, _ := c.run("", "session", "save", "junk", "not-a-token"); code != 1 {
		t.Errorf("save of a bad token exit = %d, want 1", code)
	}
	if _, out, _ := c.run("", "session", "list"); out != "bench\n" {
		t.Errorf("list = %q, want bench", out)
	}
	if _, out, _ := c.run("", "session", "load", "bench"); strings.TrimSpace(out) != token {
		t.Errorf("load = %q, want %q", out, token)
	}
	if code, _, _ := c.run("", "session", "rm", "bench"); code != 0 {
		t.Errorf("rm exit = %d", code)
	}
	if code, _, stderr := c.run("", "session", "load", "bench"); code != 1 || !strings.Contains(stderr, "no such session") {
		t.Errorf("load after rm: exit %d, stderr %q", code, stderr)
	}
}

func TestParseState(t *testing.T) {
	token, err := gui.Encode("(box 1 1 1)", gui.State{{Key: "w", Value: gui.String("oak")}})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name       string
		in         string
		wantScript string
		wantState  gui.State
		wantErr    bool
	}{
		{name: "empty"},
		{name: "json", in: `{"a":1}`, wantState: gui.State{{Key: "a", Value: gui.Number(1)}}},
		{name: "token", in: token, wantScript: "(box 1 1 1)", wantState: gui.State{{Key: "w", Value: gui.String("oak")}}},
		{name: "bad json", in: `{"a":`, wantErr: true},
		{name: "bad token", in: "v1.!!", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script, state, err := parseState(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseState error = %v, wantErr %v", err, tt.wantErr)
			}
			if script != tt.wantScript {
				t.Errorf("script = %q, want %q", script, tt.wantScript)
			}
			if diff := cmp.Diff(tt.wantState, state); diff != "" {
				t.Errorf("state (-want +got):\n%s", diff)
			}
		})
	}
}
