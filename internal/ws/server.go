package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

type tokenResolver interface {
	Resolve(token string) (string, error)
}

type Server struct {
	ids      tokenResolver
	engine   sessionEngine
	upgrader *websocket.Upgrader
	log      *slog.Logger
}

func NewServer(ids tokenResolver, engine sessionEngine, log *slog.Logger) *Server {
	return &Server{
		ids:    ids,
		engine: engine,
		log:    log,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	principalID, err := s.ids.Resolve(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("error upgrading to websocket", "error", err)
		return
	}

	c := NewConnection(s.engine, conn, principalID, s.log)
	if err := c.Handle(r.Context()); err != nil {
		s.log.Info("connection closed", "principal", principalID, "error", err)
	}
}
