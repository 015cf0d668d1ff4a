package gui

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func slider(key string, def, min, max float64) Control {
	return Control{Key: key, Kind: Slider, Default: Number(def), Min: min, Max: max}
}

func TestDeclareUsesPriorValue(t *testing.T) {
	r := NewRegistry(State{{Key: "R", Value: Number(7)}})
	if got := r.Declare(slider("R", 5, 1, 10)); got != Number(7) {
		t.Errorf("Declare = %v, want 7", got)
	}
	if got := r.Declare(slider("H", 2, 1, 10)); got != Number(2) {
		t.Errorf("Declare = %v, want default 2", got)
	}
}

func TestDeclareIgnoresIncompatiblePrior(t *testing.T) {
	prior := State{
		{Key: "n", Value: String("oops")},
		{Key: "pick", Value: String("walnut")},
		{Key: "wood", Value: String("pine")},
	}
	r := NewRegistry(prior)
	if got := r.Declare(slider("n", 3, 0, 5)); got != Number(3) {
		t.Errorf("slider with string prior = %v, want default", got)
	}
	opts := []string{"oak", "pine"}
	if got := r.Declare(Control{Key: "pick", Kind: Dropdown, Default: Enum("oak"), Options: opts}); got != Enum("oak") {
		t.Errorf("dropdown with foreign option = %v, want default", got)
	}
	if got := r.Declare(Control{Key: "wood", Kind: Dropdown, Default: Enum("oak"), Options: opts}); got != Enum("pine") {
		t.Errorf("dropdown with valid prior = %v, want pine", got)
	}
}

func TestLastDeclarationWins(t *testing.T) {
	r := NewRegistry(nil)
	r.Declare(slider("a", 1, 0, 10))
	r.Declare(Control{Key: "b", Kind: Checkbox, Default: Bool(true)})
	r.Declare(slider("a", 4, 0, 10))

	want := State{{Key: "a", Value: Number(4)}, {Key: "b", Value: Bool(true)}}
	if diff := cmp.Diff(want, r.State()); diff != "" {
		t.Errorf("State (-want +got):\n%s", diff)
	}
	if got := len(r.Controls()); got != 2 {
		t.Errorf("controls = %d, want 2", got)
	}
	if got := r.Controls()[0].Default; got != Number(4) {
		t.Errorf("first control default = %v, want the redeclared 4", got)
	}
}

func TestStateDropsUndeclaredKeys(t *testing.T) {
	prior := State{{Key: "old", Value: Number(1)}, {Key: "kept", Value: Bool(false)}}
	r := NewRegistry(prior)
	r.Declare(Control{Key: "kept", Kind: Checkbox, Default: Bool(true)})
	r.Declare(Control{Key: "new", Kind: TextInput, Default: String("hi")})

	want := State{{Key: "kept", Value: Bool(false)}, {Key: "new", Value: String("hi")}}
	if diff := cmp.Diff(want, r.State()); diff != "" {
		t.Errorf("State (-want +got):\n%s", diff)
	}
}

func TestControlValidate(t *testing.T) {
	tests := []struct {
		name string
		c    Control
		ok   bool
	}{
		{"slider", slider("r", 5, 1, 10), true},
		{"inverted range", slider("r", 5, 10, 1), false},
		{"empty key", slider("", 5, 1, 10), false},
		{"wrong default kind", Control{Key: "c", Kind: Checkbox, Default: Number(1)}, false},
		{"dropdown", Control{Key: "d", Kind: Dropdown, Default: Enum("a"), Options: []string{"a"}}, true},
		{"dropdown default missing", Control{Key: "d", Kind: Dropdown, Default: Enum("z"), Options: []string{"a"}}, false},
		{"dropdown without options", Control{Key: "d", Kind: Dropdown, Default: Enum("a")}, false},
		{"button", Control{Key: "go", Kind: Button, Default: Bool(false)}, true},
		{"unknown kind", Control{Key: "x", Kind: "knob", Default: String("")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestStateJSONKeepsOrder(t *testing.T) {
	in := `{"z":1,"a":true,"m":"x"}`
	var s State
	if err := json.Unmarshal([]byte(in), &s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := State{{Key: "z", Value: Number(1)}, {Key: "a", Value: Bool(true)}, {Key: "m", Value: String("x")}}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("State (-want +got):\n%s", diff)
	}
	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != in {
		t.Errorf("Marshal = %s, want %s", out, in)
	}

	if err := json.Unmarshal([]byte(`{"a":[1]}`), &s); err == nil {
		t.Error("array value should be rejected")
	}
	if err := json.Unmarshal([]byte(`[1]`), &s); err == nil {
		t.Error("non-object state should be rejected")
	}
}

// ---------------------------------------------------------------------------
// Token round trip
// ---------------------------------------------------------------------------

func TestTokenRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		script string
		state  State
	}{
		{"empty", "", nil},
		{"script only", "(show (box 1 2 3))", nil},
		{"all kinds", "(slider \"R\" 5 1 10)\n; ünïcode", State{
			{Key: "R", Value: Number(7.25)},
			{Key: "neg", Value: Number(-1e-300)},
			{Key: "big", Value: Number(math.MaxFloat64)},
			{Key: "on", Value: Bool(true)},
			{Key: "off", Value: Bool(false)},
			{Key: "name", Value: String("a/b?c=d&e")},
			{Key: "blank", Value: String("")},
			{Key: "wood", Value: Enum("oak")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := Encode(tt.script, tt.state)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !strings.HasPrefix(tok, "v1.") {
				t.Errorf("token %q lacks version prefix", tok)
			}
			if strings.ContainsAny(tok[3:], "+/=") {
				t.Errorf("token %q is not URL-safe", tok)
			}
			script, state, err := Decode(tok)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if script != tt.script {
				t.Errorf("script = %q, want %q", script, tt.script)
			}
			if diff := cmp.Diff(tt.state, state, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("state (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeEmptyStateIsNotNil(t *testing.T) {
	for _, in := range []State{nil, {}} {
		tok, err := Encode("(show (box 1 1 1))", in)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		_, state, err := Decode(tok)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if state == nil {
			t.Errorf("Decode(Encode(%#v)) state is nil, want an empty State", in)
		}
		if diff := cmp.Diff(State{}, state); diff != "" {
			t.Errorf("state (-want +got):\n%s", diff)
		}
	}
}

func TestTokenIsDeterministic(t *testing.T) {
	s := State{{Key: "a", Value: Number(1)}}
	t1, _ := Encode("x", s)
	t2, _ := Encode("x", s)
	if t1 != t2 {
		t.Errorf("tokens differ: %q vs %q", t1, t2)
	}
}

func deflated(t *testing.T, raw []byte) string {
	t.Helper()
	var buf bytes.Buffer
	zw, _ := flate.NewWriter(&buf, flate.BestCompression)
	zw.Write(raw)
	zw.Close()
	return base64.RawURLEncoding.EncodeToString(buf.Bytes())
}

func TestDecodeRejectsBadTokens(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no prefix", "hello"},
		{"other version", "v2.AAAA"},
		{"bad base64", "v1.!!!!"},
		{"not deflate", "v1." + base64.RawURLEncoding.EncodeToString([]byte("not deflate"))},
		{"not cbor", "v1." + deflated(t, []byte("hello"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.token)
			if err == nil {
				t.Fatal("Decode succeeded, want error")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("err = %T %v, want *DecodeError", err, err)
			}
			if !IsDecodeError(err) {
				t.Error("IsDecodeError = false")
			}
		})
	}
}

func TestDecodeRejectsTruncatedToken(t *testing.T) {
	tok, err := Encode("(show (sphere 3))", State{{Key: "k", Value: String("value")}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, _, err := Decode(tok[:len(tok)-6]); !IsDecodeError(err) {
		t.Errorf("truncated token: err = %v, want DecodeError", err)
	}
}
