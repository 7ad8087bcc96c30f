// Package messaging is the local control channel between the initiator CLI
// and the page-resident agent: JSON envelopes over HTTP, dispatched on a
// type field. Both sides run the same server; which handlers are registered
// decides the role.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pagepilot/pagepilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const shutdownGrace = 5 * time.Second

// Server hosts POST /v1/message. Handlers left nil reject their message type.
type Server struct {
	addr   string
	logger *zap.Logger

	prepare func(ctx context.Context, req schemas.PrepareRequest) error
	links   func(ctx context.Context) schemas.LinkSnapshot
	result  func(ctx context.Context, res schemas.AutomationResult) error

	mu         sync.Mutex
	listenAddr string
	ready      chan struct{}
}

// NewServer creates a Server bound to addr (host:port; port 0 is fine for
// tests).
func NewServer(addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		addr:   addr,
		logger: logger.Named("messaging"),
		ready:  make(chan struct{}),
	}
}

// OnPrepare registers the PREPARE handler (agent side).
func (s *Server) OnPrepare(fn func(ctx context.Context, req schemas.PrepareRequest) error) {
	s.prepare = fn
}

// OnLinks registers the EXTRACT_LINKS handler (agent side).
func (s *Server) OnLinks(fn func(ctx context.Context) schemas.LinkSnapshot) {
	s.links = fn
}

// OnResult registers the RESULT handler (initiator side).
func (s *Server) OnResult(fn func(ctx context.Context, res schemas.AutomationResult) error) {
	s.result = fn
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		close(s.ready)
		return fmt.Errorf("messaging: listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()
	close(s.ready)

	srv := &http.Server{Handler: s.router(), ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("messaging: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	s.logger.Info("Control channel listening", zap.String("addr", s.listenAddr))
	return g.Wait()
}

// Addr blocks until the listener is up and returns its address; empty when
// listening failed.
func (s *Server) Addr() string {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/v1/message", s.handleMessage)
	return r
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg schemas.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, schemas.PrepareResponse{Error: "malformed envelope"})
		return
	}

	switch msg.Type {
	case schemas.MsgPrepare:
		s.handlePrepare(w, r, msg)
	case schemas.MsgExtractLinks:
		s.handleLinks(w, r)
	case schemas.MsgResult:
		s.handleResult(w, r, msg)
	default:
		s.writeJSON(w, http.StatusBadRequest,
			schemas.PrepareResponse{Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request, msg schemas.Message) {
	if s.prepare == nil {
		s.writeJSON(w, http.StatusBadRequest, schemas.PrepareResponse{Error: "PREPARE not supported here"})
		return
	}
	var req schemas.PrepareRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, schemas.PrepareResponse{Error: "malformed PREPARE payload"})
		return
	}
	if req.TaskID == "" {
		s.writeJSON(w, http.StatusBadRequest, schemas.PrepareResponse{Error: "task_id is required"})
		return
	}
	if err := s.prepare(r.Context(), req); err != nil {
		s.logger.Warn("PREPARE handler failed", zap.String("task_id", req.TaskID), zap.Error(err))
		s.writeJSON(w, http.StatusOK, schemas.PrepareResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, schemas.PrepareResponse{Success: true})
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	if s.links == nil {
		s.writeJSON(w, http.StatusBadRequest, schemas.PrepareResponse{Error: "EXTRACT_LINKS not supported here"})
		return
	}
	snap := s.links(r.Context())
	s.writeJSON(w, http.StatusOK, schemas.LinksResponse{
		ShareLink:    snap.ShareLink,
		DownloadLink: snap.DownloadLink,
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request, msg schemas.Message) {
	if s.result == nil {
		s.writeJSON(w, http.StatusBadRequest, schemas.ResultResponse{Error: "RESULT not supported here"})
		return
	}
	var res schemas.AutomationResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		s.writeJSON(w, http.StatusBadRequest, schemas.ResultResponse{Error: "malformed RESULT payload"})
		return
	}
	if err := s.result(r.Context(), res); err != nil {
		s.logger.Warn("RESULT handler failed", zap.String("task_id", res.TaskID), zap.Error(err))
		s.writeJSON(w, http.StatusOK, schemas.ResultResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, schemas.ResultResponse{Success: true})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Could not encode response", zap.Error(err))
	}
}
