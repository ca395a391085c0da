package web

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server exposes the dry-run preview API over HTTP. It never commits: every
// request runs inside a transaction that is rolled back when the request ends.
type Server struct {
	db         *sql.DB
	log        *zap.SugaredLogger
	httpServer *http.Server
	router     *mux.Router
}

// NewServer creates a preview server over an already open database handle.
func NewServer(db *sql.DB, log *zap.SugaredLogger, addr string) *Server {
	s := &Server{db: db, log: log}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	preview := &PreviewHandler{DB: s.db, Log: s.log}
	lookup := &LookupHandler{DB: s.db, Log: s.log}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/preview", preview.Preview).Methods("POST")
	api.HandleFunc("/service-types", lookup.ServiceTypes).Methods("GET")
	api.HandleFunc("/service-types/{type}/properties-keys", lookup.PropertiesKeys).Methods("GET")

	s.router.HandleFunc("/health", s.health).Methods("GET")

	s.router.Use(requestLogging(s.log))
	s.router.Use(cors())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("database is unreachable: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("preview server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down preview server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
