package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const DefaultMaxBodyBytes int64 = 1 << 20

// Server routes deliveries to the handler registered for their instance
// and processes them after the request has been acknowledged.
type Server struct {
	logger  zerolog.Logger
	maxBody int64

	mu       sync.RWMutex
	handlers map[string]*Handler

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func NewServer(maxBody int64, logger zerolog.Logger) *Server {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger:   logger,
		maxBody:  maxBody,
		handlers: make(map[string]*Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Server) Register(h *Handler) {
	s.mu.Lock()
	s.handlers[h.Instance()] = h
	s.mu.Unlock()
}

func (s *Server) Lookup(instance string) (*Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[instance]
	return h, ok
}

// Wait blocks until every accepted delivery has been processed or ctx is
// done. When ctx ends first, in-flight processing is cancelled.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// NewRouter builds the HTTP surface of the server.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/stats", s.stats)

	for _, prefix := range []string{"/notifications", "/lifecycle"} {
		r.Post(prefix+"/{instance}", s.deliver)
		r.Get(prefix+"/{instance}", s.deliver)
	}
	return r
}

func (s *Server) deliver(w http.ResponseWriter, r *http.Request) {
	instance := chi.URLParam(r, "instance")
	h, ok := s.Lookup(instance)
	if !ok {
		http.Error(w, "unknown instance", http.StatusNotFound)
		return
	}

	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "missing validationToken", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "delivery too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading delivery", http.StatusBadRequest)
		return
	}

	logger := s.logger.With().
		Str("instance", instance).
		Str("request_id", middleware.GetReqID(r.Context())).
		Logger()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		res, err := h.Process(s.ctx, body)
		if err != nil {
			logger.Error().Err(err).Msg("processing delivery")
			return
		}
		logger.Debug().Int("records", len(res.Records)).Interface("dropped", res.Dropped).Msg("delivery processed")
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := make(map[string]StatsSnapshot, len(s.handlers))
	for name, h := range s.handlers {
		out[name] = h.Stats()
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
