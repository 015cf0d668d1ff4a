package gui

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ugorji/go/codec"
)

// TokenVersion prefixes every token this package writes.
const TokenVersion = "v1"

// maxPayload bounds the inflated size of a token payload.
const maxPayload = 4 << 20

var cborHandle = &codec.CborHandle{}

// DecodeError reports a token that is malformed, foreign or written by an
// unsupported version.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode state token: %s: %v", e.Reason, e.Err)
	}
	return "decode state token: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

type tokenEntry struct {
	Key    string  `codec:"k"`
	Kind   string  `codec:"t"`
	Number float64 `codec:"n"`
	Bool   bool    `codec:"b,omitempty"`
	Str    string  `codec:"s,omitempty"`
}

type tokenPayload struct {
	Script string       `codec:"script"`
	State  []tokenEntry `codec:"state"`
}

// Encode packs a script and its GUI state into a token of the form
// "v1." + base64url(deflate(CBOR payload)).
func Encode(script string, state State) (string, error) {
	p := tokenPayload{Script: script, State: make([]tokenEntry, len(state))}
	for i, e := range state {
		p.State[i] = tokenEntry{
			Key: e.Key, Kind: string(e.Value.Kind),
			Number: e.Value.Number, Bool: e.Value.Bool, Str: e.Value.Str,
		}
	}
	var raw []byte
	if err := codec.NewEncoderBytes(&raw, cborHandle).Encode(&p); err != nil {
		return "", fmt.Errorf("encode state token: %w", err)
	}

	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("encode state token: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("encode state token: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("encode state token: %w", err)
	}
	return TokenVersion + "." + base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode. Any failure is a *DecodeError.
func Decode(token string) (string, State, error) {
	version, body, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok {
		return "", nil, &DecodeError{Reason: "missing version prefix"}
	}
	if version != TokenVersion {
		return "", nil, &DecodeError{Reason: fmt.Sprintf("unsupported version %q", version)}
	}
	compressed, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", nil, &DecodeError{Reason: "invalid base64", Err: err}
	}
	raw, err := io.ReadAll(io.LimitReader(flate.NewReader(bytes.NewReader(compressed)), maxPayload+1))
	if err != nil {
		return "", nil, &DecodeError{Reason: "invalid compression", Err: err}
	}
	if len(raw) > maxPayload {
		return "", nil, &DecodeError{Reason: "payload too large"}
	}

	var p tokenPayload
	if err := codec.NewDecoderBytes(raw, cborHandle).Decode(&p); err != nil {
		return "", nil, &DecodeError{Reason: "invalid payload", Err: err}
	}
	state := State{}
	for _, e := range p.State {
		v := Value{Kind: Kind(e.Kind), Number: e.Number, Bool: e.Bool, Str: e.Str}
		switch v.Kind {
		case KindNumber, KindBool, KindString, KindEnum:
		default:
			return "", nil, &DecodeError{Reason: fmt.Sprintf("key %q has unknown kind %q", e.Key, e.Kind)}
		}
		if _, dup := state.Get(e.Key); dup {
			return "", nil, &DecodeError{Reason: fmt.Sprintf("duplicate key %q", e.Key)}
		}
		state = append(state, Entry{Key: e.Key, Value: v})
	}
	return p.Script, state, nil
}

// IsDecodeError reports whether err is a token decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
