package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veranda/internal/api"
	"veranda/internal/ws"
)

type APIServer struct {
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(handlers *api.API, wsServer *ws.Server, addr string, log *slog.Logger) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/principals", handlers.RequireAdmin(handlers.RegisterPrincipalHandler))
	mux.HandleFunc("GET /api/me", handlers.RequireAuth(handlers.MeHandler))
	mux.HandleFunc("POST /api/threads", handlers.RequireAuth(handlers.CreateThreadHandler))
	mux.HandleFunc("GET /api/threads/{id}", handlers.RequireAuth(handlers.ThreadHandler))
	mux.HandleFunc("GET /api/threads/{id}/messages", handlers.RequireAuth(handlers.ThreadMessagesHandler))
	mux.HandleFunc("POST /api/push", handlers.RequireAuth(handlers.PushSubscribeHandler))
	mux.HandleFunc("DELETE /api/push", handlers.RequireAuth(handlers.PushUnsubscribeHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log,
	}
}

func (s *APIServer) Start() error {
	s.log.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
