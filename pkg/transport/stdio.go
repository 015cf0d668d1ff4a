// Package transport connects a host to a caller over JSON-RPC on a byte
// stream or over websockets.
package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/chazu/cadscript/pkg/host"
)

// HostFactory builds a host that sends its events to sink.
type HostFactory func(sink host.Sink) (*host.Host, error)

// CodeDropped is the JSON-RPC error code of a command the host refused.
const CodeDropped = -32001

var errInvalidParams = &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "invalid params"}

// rpcSink forwards events as JSON-RPC notifications whose method is the
// event kind.
type rpcSink struct {
	mu   sync.Mutex
	conn *jsonrpc2.Conn
}

func (s *rpcSink) attach(c *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *rpcSink) Send(e host.Event) {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		c.Notify(context.Background(), e.EventKind(), e)
	}
}

// ServeStdio runs one host over rwc until the peer disconnects or ctx is
// done. Requests and notifications name a command kind as the method and
// carry its payload as params.
func ServeStdio(ctx context.Context, rwc io.ReadWriteCloser, newHost HostFactory) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink := &rpcSink{}
	h, err := newHost(sink)
	if err != nil {
		return err
	}
	conn := jsonrpc2.NewConn(ctx,
		jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}),
		handler(h))
	sink.attach(conn)

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		conn.Close()
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func handler(h *host.Host) jsonrpc2.Handler {
	return jsonrpc2.HandlerWithError(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		var params []byte
		if req.Params != nil {
			params = *req.Params
		}
		cmd, err := host.CommandFromPayload(req.Method, params)
		if err != nil {
			var pe *host.ProtocolError
			if errors.As(err, &pe) && pe.Err == nil {
				return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: err.Error()}
			}
			return nil, errInvalidParams
		}
		if err := h.Submit(cmd); err != nil {
			return nil, &jsonrpc2.Error{Code: CodeDropped, Message: err.Error()}
		}
		return nil, nil
	})
}

// Stdio joins the process's standard input and output.
type Stdio struct{ In, Out *os.File }

func (c Stdio) Read(p []byte) (int, error)  { return c.In.Read(p) }
func (c Stdio) Write(p []byte) (int, error) { return c.Out.Write(p) }

func (c Stdio) Close() error {
	if err := c.In.Close(); err != nil {
		c.Out.Close()
		return err
	}
	return c.Out.Close()
}
