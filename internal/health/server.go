package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// PoolStats отдает состояние пула серверов для эндпоинта /health/pool.
type PoolStats interface {
	Stats() (online int, total int)
}

type Server struct {
	server *http.Server
}

func NewServer(addr string, stats PoolStats) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/health/pool", func(w http.ResponseWriter, r *http.Request) {
		online, total := stats.Stats()

		w.Header().Set("Content-Type", "application/json")
		status := http.StatusOK
		if total > 0 && online == 0 {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]int{
			"online": online,
			"total":  total,
		})
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *Server) Start() error {
	slog.Info("Health HTTP сервер запущен", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
