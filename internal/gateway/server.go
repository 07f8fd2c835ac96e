package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-arena/internal/connreg"
	"github.com/park285/cheese-arena/internal/identity"
	"github.com/park285/cheese-arena/internal/matchmaker"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/internal/tcontrol"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

// ServerConfig tunes the websocket endpoint.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	WriteTimeout   time.Duration
	ReadLimit      int64
}

func (c *ServerConfig) fill() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
}

// Server accepts websocket clients and routes their envelopes to the
// matchmaker and sessions. One goroutine per connection reads; messages on
// a connection are handled in arrival order.
type Server struct {
	cfg      ServerConfig
	verifier identity.Verifier
	sessions *session.Registry
	match    *matchmaker.Matchmaker
	conns    *connreg.Registry
	controls *tcontrol.Catalog

	httpSrv *http.Server
}

func NewServer(
	cfg ServerConfig,
	verifier identity.Verifier,
	sessions *session.Registry,
	match *matchmaker.Matchmaker,
	conns *connreg.Registry,
	controls *tcontrol.Catalog,
) *Server {
	cfg.fill()
	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		sessions: sessions,
		match:    match,
		conns:    conns,
		controls: controls,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the HTTP handler for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	obslog.L().Info("gateway_listen", zap.String("addr", s.cfg.Addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting and waits for in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		OriginPatterns:  s.cfg.AllowedOrigins,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	conn := newConn(uuid.NewString(), ws, s.cfg.WriteTimeout)
	c := &client{srv: s, conn: conn}
	obslog.L().Debug("ws_open", zap.String("conn_id", conn.ID()), zap.String("remote", r.RemoteAddr))

	defer c.teardown()
	c.readLoop(r.Context())
}

// client is the per-connection routing state. Single-goroutine: only the
// read loop touches it.
type client struct {
	srv       *Server
	conn      *Conn
	principal *identity.Principal
}

func (c *client) readLoop(ctx context.Context) {
	for {
		var env arenadto.Envelope
		if err := wsjson.Read(ctx, c.conn.ws, &env); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				obslog.L().Debug("ws_read_end", zap.String("conn_id", c.conn.ID()), zap.Error(err))
			}
			return
		}
		c.srv.dispatch(ctx, c, env)
	}
}

// teardown runs the disconnect path exactly once per connection: unbind the
// transport and start the grace window on any live game. Both calls are
// conn-id guarded, so a stale socket's teardown cannot touch its successor's
// bindings.
func (c *client) teardown() {
	c.conn.Close("connection closed")
	if c.principal == nil {
		return
	}
	ident := c.principal.Identity
	if c.srv.conns.Unbind(ident, c.conn.ID()) {
		// The dropped socket takes its owner out of the queue; an offline
		// player must not be paired into a game they cannot join. Guarded by
		// the unbind so a superseded socket cannot cancel its successor's
		// ticket.
		c.srv.match.Cancel(ident)
	}
	if live, ok := c.srv.sessions.ActiveSession(ident); ok {
		live.MarkDisconnected(ident, c.conn.ID())
	}
	obslog.L().Debug("ws_close", zap.String("conn_id", c.conn.ID()), zap.String("identity", ident))
}
