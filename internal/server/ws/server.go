package wsserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tidewave/strand/internal/runtime"
	logpkg "github.com/tidewave/strand/pkg/log"
)

// Server terminates client websockets and exposes the REST surface for
// conversations, channels, messages, and notification preferences.
type Server struct {
	rt     *runtime.Runtime
	hub    *Hub
	srv    *http.Server
	lis    net.Listener
	logger logpkg.Logger

	upgrader websocket.Upgrader
}

// New builds a Server around the runtime and the hub its dispatcher pushes
// through. The hub must be the same instance passed as the runtime's Sender.
func New(rt *runtime.Runtime, hub *Hub, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	mux := http.NewServeMux()
	s := &Server{
		rt:     rt,
		hub:    hub,
		srv:    &http.Server{Handler: cors(mux)},
		logger: logger.With(logpkg.Component("ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/ws", s.handleSocket)
	mux.HandleFunc("/v1/conversations/create", s.handleConversationCreate)
	mux.HandleFunc("/v1/conversations/get", s.handleConversationGet)
	mux.HandleFunc("/v1/conversations/list", s.handleConversationList)
	mux.HandleFunc("/v1/channels/create", s.handleChannelCreate)
	mux.HandleFunc("/v1/messages/publish", s.handleMessagePublish)
	mux.HandleFunc("/v1/messages/list", s.handleMessageList)
	mux.HandleFunc("/v1/messages/read", s.handleMarkRead)
	mux.HandleFunc("/v1/notify/email", s.handleEmailOptIn)
	mux.HandleFunc("/v1/notify/conversations", s.handleConversationUpdatesOptIn)
	return s
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listen address, for tests binding port 0.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_serving"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// controlFrame is a client-to-server message on the socket.
type controlFrame struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Topics    []string       `json:"topics,omitempty"`
	Query     string         `json:"query,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newConnection(userID, ws)
	if err := s.rt.Connections().Connect(r.Context(), conn.id, userID); err != nil {
		s.logger.Error("register connection", logpkg.Err(err))
		_ = ws.Close()
		return
	}
	s.hub.add(conn)
	conn.start()
	s.logger.Debug("connected", logpkg.Str("conn", conn.id), logpkg.Str("user", userID))

	s.readLoop(conn)

	s.hub.remove(conn.id)
	conn.shutdown(websocket.CloseNormalClosure, "")
	if err := s.rt.Connections().Disconnect(context.Background(), conn.id); err != nil {
		s.logger.Error("disconnect cleanup", logpkg.Str("conn", conn.id), logpkg.Err(err))
	}
}

func (s *Server) readLoop(conn *connection) {
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame controlFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError(conn, "", "malformed frame")
			continue
		}
		s.handleFrame(conn, frame)
	}
}

func (s *Server) handleFrame(conn *connection, frame controlFrame) {
	ctx := context.Background()
	switch frame.Type {
	case "subscribe":
		err := s.rt.Connections().Subscribe(ctx, conn.id, frame.Topics, frame.Query, frame.Variables, frame.ID)
		if err != nil {
			s.sendError(conn, frame.ID, err.Error())
		}
	case "unsubscribe":
		if err := s.rt.Connections().Unsubscribe(ctx, conn.id, frame.Topics); err != nil {
			s.sendError(conn, frame.ID, err.Error())
		}
	default:
		s.sendError(conn, frame.ID, "unknown frame type")
	}
}

func (s *Server) sendError(conn *connection, id, msg string) {
	buf, err := json.Marshal(map[string]string{"type": "error", "id": id, "error": msg})
	if err != nil {
		return
	}
	_ = conn.enqueue(buf)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}
