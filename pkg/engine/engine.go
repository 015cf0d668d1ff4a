// Package engine evaluates modeling scripts. Scripts are zygomys Lisp run in
// a sandboxed interpreter whose only capabilities are the builtins bound to
// an explicit Context: kernel operations routed through the cache, the
// scene accumulator, GUI control declarations and log forwarding.
package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chazu/cadscript/pkg/cache"
	"github.com/chazu/cadscript/pkg/gui"
	"github.com/chazu/cadscript/pkg/kernel"
	"github.com/chazu/cadscript/pkg/scene"
)

// ScriptFault is an uncaught fault raised while evaluating a script. Line is
// 1-based and 0 when unknown; Operation names the last builtin the script
// called.
type ScriptFault struct {
	Message   string
	Line      int
	Operation string
	Err       error
}

func (f *ScriptFault) Error() string {
	var b strings.Builder
	if f.Line > 0 {
		fmt.Fprintf(&b, "line %d: ", f.Line)
	}
	if f.Operation != "" {
		fmt.Fprintf(&b, "%s: ", f.Operation)
	}
	b.WriteString(f.Message)
	return b.String()
}

func (f *ScriptFault) Unwrap() error { return f.Err }

// KernelFault is a kernel rejection of an operation's inputs.
type KernelFault struct {
	Operation string
	Err       error
}

func (f *KernelFault) Error() string {
	return fmt.Sprintf("kernel rejected %s: %v", f.Operation, f.Err)
}

func (f *KernelFault) Unwrap() error { return f.Err }

var (
	// ErrTimeout marks an evaluation abandoned after the time limit.
	ErrTimeout = errors.New("evaluation timed out")
	// ErrSuperseded marks a result that arrived after a newer evaluation started.
	ErrSuperseded = errors.New("evaluation superseded by newer request")
)

// Context is everything a script can reach. Kernel, Cache, Scene and
// External are required; the callbacks are optional.
type Context struct {
	Kernel   kernel.Kernel
	Cache    *cache.Cache
	Scene    *scene.List
	External *scene.Registry

	// OnOperation is called before every kernel operation with a running
	// operation number and the operation kind.
	OnOperation func(n int, op string)
	// OnLog receives every line the script prints.
	OnLog func(text string)
}

func (c *Context) validate() error {
	switch {
	case c == nil:
		return errors.New("engine: nil context")
	case c.Kernel == nil:
		return errors.New("engine: context has no kernel")
	case c.Cache == nil:
		return errors.New("engine: context has no cache")
	case c.Scene == nil:
		return errors.New("engine: context has no scene list")
	case c.External == nil:
		return errors.New("engine: context has no external registry")
	}
	return nil
}

// Result is the outcome of a successful evaluation.
type Result struct {
	Shapes     []kernel.Shape
	State      gui.State
	Controls   []gui.Control
	Operations int
	Evicted    int
}

// Engine runs evaluations with a hard time limit. Each call uses a fresh
// sandbox, so results depend only on the source, the prior GUI state and
// the context.
type Engine struct {
	mu         sync.Mutex
	generation uint64

	// Timeout bounds one evaluation; zero selects EvalTimeout.
	Timeout time.Duration
	log     *logrus.Entry
}

// NewEngine creates an Engine. A nil logger discards engine logs.
func NewEngine(log *logrus.Entry) *Engine {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &Engine{log: log.WithField("component", "engine")}
}

func (e *Engine) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return EvalTimeout
}

// Evaluate runs source against ctx with GUI declarations falling back to
// prior. On success the shown shapes replace the context's scene list and
// cache entries the script no longer references are evicted.
//
// Script problems are returned as *ScriptFault; a fault raised by the
// kernel is reachable from it with errors.As(err, **KernelFault). On a
// fault the cache keeps every entry and the scene list is untouched. On
// timeout the fault wraps ErrTimeout and the context must be discarded: the
// interpreter may still be running and is only stopped from making further
// kernel calls.
func (e *Engine) Evaluate(ctx *Context, source string, prior gui.State) (*Result, error) {
	if err := ctx.validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	start := time.Now()
	ev := newEvaluation(ctx, prior)
	ctx.Cache.BeginPass()

	ch := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- evalResult{err: ev.fault(fmt.Sprintf("panic during evaluation: %v", r), nil)}
			}
		}()
		res, err := ev.run(source)
		ch <- evalResult{result: res, err: err}
	}()

	res, err := waitWithTimeout(ch, gen, &e.mu, &e.generation, e.timeout())
	if errors.Is(err, ErrTimeout) {
		ev.abandon()
		e.log.WithField("after", e.timeout()).Warn("evaluation abandoned")
		return nil, ev.fault(err.Error(), err)
	}
	if err != nil {
		ctx.Cache.AbortPass()
		e.log.WithError(err).Debug("evaluation failed")
		return nil, err
	}

	res.Evicted = ctx.Cache.EndPass()
	ctx.Scene.Replace(res.Shapes)
	e.log.WithFields(logrus.Fields{
		"shapes":     len(res.Shapes),
		"operations": res.Operations,
		"evicted":    res.Evicted,
		"elapsed":    time.Since(start),
	}).Debug("evaluation finished")
	return res, nil
}

// ---------------------------------------------------------------------------
// Top-level forms
// ---------------------------------------------------------------------------

// form is one top-level expression and the line it starts on.
type form struct {
	text string
	line int
}

// splitForms cuts preprocessed source into top-level expressions. Comments
// and whitespace between forms are dropped. An unterminated form runs to
// the end of the input so the interpreter reports it.
func splitForms(src string) []form {
	var forms []form
	line := 1
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\n':
			line++
			i++
			continue
		case c == ' ' || c == '\t' || c == '\r':
			i++
			continue
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			continue
		}

		start, startLine := i, line
		depth, opened := 0, false
	scan:
		for i < len(src) {
			c := src[i]
			switch {
			case c == '"':
				i++
				for i < len(src) && src[i] != '"' {
					if src[i] == '\\' && i+1 < len(src) {
						i++
					}
					if src[i] == '\n' {
						line++
					}
					i++
				}
			case c == '`':
				i++
				for i < len(src) && src[i] != '`' {
					if src[i] == '\n' {
						line++
					}
					i++
				}
			case c == '/' && i+1 < len(src) && src[i+1] == '/' && opened:
				for i < len(src) && src[i] != '\n' {
					i++
				}
				continue
			case c == '(' || c == '[' || c == '{':
				depth++
				opened = true
			case c == ')' || c == ']' || c == '}':
				depth--
				if depth <= 0 {
					i++
					break scan
				}
			case c == ' ' || c == '\t' || c == '\r' || c == '\n':
				if !opened {
					break scan
				}
				if c == '\n' {
					line++
				}
			}
			i++
		}
		forms = append(forms, form{text: src[start:min(i, len(src))], line: startLine})
	}
	return forms
}

// ---------------------------------------------------------------------------
// Interpreter errors
// ---------------------------------------------------------------------------

// linePattern matches zygomys error messages that include "Error on line N: ..."
var linePattern = regexp.MustCompile(`(?i)(?:error )?on line (\d+):\s*(.*)`)

// linePatternShort matches simpler "line N: ..." patterns.
var linePatternShort = regexp.MustCompile(`(?i)^line (\d+):\s*(.*)`)

// parseZygomysError extracts the line (relative to the loaded text, 0 when
// absent) and the message from an interpreter error.
func parseZygomysError(err error) (int, string) {
	msg := err.Error()
	for _, re := range []*regexp.Regexp{linePattern, linePatternShort} {
		if m := re.FindStringSubmatch(msg); m != nil {
			line, _ := strconv.Atoi(m[1])
			return line, strings.TrimSpace(m[2])
		}
	}
	return 0, strings.TrimSpace(msg)
}

// symbolPattern matches lookup failures, which zygomys reports without a
// usable position.
var symbolPattern = regexp.MustCompile("symbol `([^`]+)` not found")

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '(', ')', '[', ']', '{', '}':
		return true
	}
	return false
}

// tokenLine returns the zero-based line, within text, of the first
// occurrence of tok as a whole token outside strings and comments. With
// call set, only occurrences directly after an opening paren count.
func tokenLine(text, tok string, call bool) (int, bool) {
	line := 0
	var prev byte
	i := 0
	for i < len(text) {
		c := text[i]
		switch {
		case c == '\n':
			line++
			i++
			continue
		case c == '"':
			i++
			for i < len(text) && text[i] != '"' {
				if text[i] == '\\' && i+1 < len(text) {
					i++
				}
				if text[i] == '\n' {
					line++
				}
				i++
			}
			i++
			prev = '"'
			continue
		case c == '`':
			i++
			for i < len(text) && text[i] != '`' {
				if text[i] == '\n' {
					line++
				}
				i++
			}
			i++
			prev = '`'
			continue
		case c == '/' && i+1 < len(text) && text[i+1] == '/':
			for i < len(text) && text[i] != '\n' {
				i++
			}
			continue
		case isDelimiter(c):
			if c != ' ' && c != '\t' && c != '\r' {
				prev = c
			}
			i++
			continue
		}
		j := i
		for j < len(text) && !isDelimiter(text[j]) && text[j] != '"' {
			j++
		}
		if text[i:j] == tok && (!call || prev == '(') {
			return line, true
		}
		prev = c
		i = j
	}
	return 0, false
}
