package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keel-agent/keel/pkg/models"
)

const wsWriteTimeout = 10 * time.Second

// wsInbound is one client frame.
type wsInbound struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// wsOutbound is one server frame.
type wsOutbound struct {
	ReplyText string `json:"reply_text"`
	Error     string `json:"error,omitempty"`
}

// WebSocketAdapter serves the websocket channel. Each connection is one
// user; frames are JSON in both directions.
type WebSocketAdapter struct {
	gateway  *Gateway
	listen   string
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

// NewWebSocketAdapter builds the websocket adapter listening on addr.
func NewWebSocketAdapter(g *Gateway, addr string, logger *slog.Logger) *WebSocketAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &WebSocketAdapter{
		gateway: g,
		listen:  addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With("component", "websocket"),
		conns:  make(map[*websocket.Conn]bool),
	}
	g.RegisterNotifier(a.broadcast)
	return a
}

// Run serves until ctx is cancelled.
func (a *WebSocketAdapter) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		a.serveConn(ctx, w, r)
	})

	srv := &http.Server{Addr: a.listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("websocket gateway listening", "addr", a.listen)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (a *WebSocketAdapter) serveConn(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	a.track(conn, true)
	defer a.track(conn, false)

	// A user id on the query string applies to every frame that omits
	// its own.
	defaultUser := r.URL.Query().Get("user")
	if defaultUser == "" {
		defaultUser = r.RemoteAddr
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var in wsInbound
		if err := json.Unmarshal(payload, &in); err != nil {
			a.write(conn, wsOutbound{Error: "malformed frame"})
			continue
		}
		if in.UserID == "" {
			in.UserID = defaultUser
		}

		out := a.gateway.Handle(ctx, models.Inbound{
			Channel: models.ChannelWebSocket,
			UserID:  in.UserID,
			Text:    in.Text,
		})
		a.write(conn, wsOutbound{ReplyText: out.ReplyText})
	}
}

func (a *WebSocketAdapter) write(conn *websocket.Conn, out wsOutbound) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(out); err != nil {
		a.logger.Warn("write failed", "error", err)
	}
}

func (a *WebSocketAdapter) track(conn *websocket.Conn, add bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if add {
		a.conns[conn] = true
	} else {
		delete(a.conns, conn)
	}
}

// broadcast pushes an owner notice to every open connection.
func (a *WebSocketAdapter) broadcast(ctx context.Context, text string) {
	a.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()
	for _, c := range conns {
		a.write(c, wsOutbound{ReplyText: text})
	}
}
