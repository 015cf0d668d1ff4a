package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/chazu/cadscript/pkg/host"
)

// WebsocketServer gives every websocket connection its own host. Messages
// in both directions are JSON envelopes, one per text frame.
type WebsocketServer struct {
	newHost  HostFactory
	log      *logrus.Entry
	echo     *echo.Echo
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// NewWebsocketServer serves /ws, /healthz and, when static is not empty,
// the files under static.
func NewWebsocketServer(newHost HostFactory, static string, log *logrus.Entry) *WebsocketServer {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	s := &WebsocketServer{
		newHost:  newHost,
		log:      log.WithField("component", "websocket"),
		echo:     echo.New(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[string]context.CancelFunc),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.GET("/ws", s.serveWS)
	s.echo.GET("/healthz", s.health)
	if static != "" {
		s.echo.Static("/", static)
	}
	return s
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *WebsocketServer) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown.
func (s *WebsocketServer) Start(addr string) error {
	s.log.WithField("addr", addr).Info("listening")
	return s.echo.Start(addr)
}

// Shutdown stops every session and the listener.
func (s *WebsocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.sessions {
		cancel()
	}
	s.mu.Unlock()
	return s.echo.Shutdown(ctx)
}

// Sessions reports the number of open connections.
func (s *WebsocketServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *WebsocketServer) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "sessions": s.Sessions()})
}

// wsSink writes each event as one text frame.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
	log  *logrus.Entry
}

func (w *wsSink) Send(e host.Event) {
	data, err := host.MarshalEvent(e)
	if err != nil {
		w.log.WithError(err).Error("encode event")
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.log.WithError(err).Debug("write event")
	}
}

func (s *WebsocketServer) serveWS(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	id := uuid.NewString()
	log := s.log.WithField("session", id)
	sink := &wsSink{conn: conn, log: log}
	h, err := s.newHost(sink)
	if err != nil {
		log.WithError(err).Error("create host")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.sessions[id] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		log.Info("session closed")
	}()
	log.Info("session opened")

	go h.Run(ctx)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		cmd, err := host.ParseCommand(data)
		if err != nil {
			log.WithError(err).Warn("command dropped")
			sink.Send(host.Log{Text: "dropped: " + err.Error()})
			continue
		}
		// Submit reports refused commands itself.
		h.Submit(cmd)
	}
}
