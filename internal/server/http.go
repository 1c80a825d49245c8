package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/confsync/confsync/internal/coordinator"
	"github.com/confsync/confsync/internal/metrics"
	"github.com/confsync/confsync/internal/transport"
)

const (
	// clientHeader carries the caller's endpoint id so broadcasts can skip
	// the origin.
	clientHeader = "X-Confsync-Client"

	// defaultRPCTimeout bounds one bridged request when the client did not
	// set a deadline of its own.
	defaultRPCTimeout = 10 * time.Second

	shutdownGrace = 10 * time.Second
)

// HTTPServer bridges the message protocol over HTTP: POST /v1/rpc for
// correlated requests, a per-client SSE stream on /v1/events for broadcasts,
// plus health and metrics endpoints.
type HTTPServer struct {
	bus   *transport.Bus
	coord *coordinator.Coordinator
	met   *metrics.Metrics
	log   *logrus.Entry
	srv   *http.Server
}

// NewHTTPServer builds the server on addr. Start/Shutdown manage the
// listener.
func NewHTTPServer(addr string, bus *transport.Bus, coord *coordinator.Coordinator, met *metrics.Metrics, logger *logrus.Logger) *HTTPServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &HTTPServer{
		bus:   bus,
		coord: coord,
		met:   met,
		log:   logger.WithField("component", "http"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/rpc", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/v1/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/v1/healthz", s.handleHealthz).Methods(http.MethodGet)
	if met != nil {
		r.Handle("/metrics", met.Handler()).Methods(http.MethodGet)
	}

	var h http.Handler = r
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(s.log))(h)
	h = handlers.CombinedLoggingHandler(logger.WriterLevel(logrus.DebugLevel), h)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It blocks; run it in a goroutine.
func (s *HTTPServer) Start() error {
	s.log.WithField("addr", s.srv.Addr).Info("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections gracefully.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	var msg transport.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed message: %v", err))
		return
	}
	if msg.Origin == "" {
		msg.Origin = r.Header.Get(clientHeader)
	}

	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRPCTimeout)
		defer cancel()
	}

	resp, err := s.bus.Request(ctx, msg)
	if err != nil {
		// Transport-level failure, as opposed to an error answer from the
		// handler which travels inside resp.Error with status 200.
		status := http.StatusBadGateway
		if ctx.Err() != nil {
			status = http.StatusGatewayTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleEvents registers the caller as a bus endpoint and streams its
// broadcasts as server-sent events until the connection drops.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = r.Header.Get(clientHeader)
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ep, err := s.bus.Endpoint(clientID)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer ep.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan transport.Broadcast, 64)
	remove := ep.OnBroadcast(func(bc transport.Broadcast) {
		select {
		case events <- bc:
		default:
			// Slow consumer; the dropped broadcast is recovered through the
			// client's invalidate-and-refetch path.
		}
	})
	defer remove()

	s.log.WithField("client", clientID).Debug("Event stream opened")

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case bc := <-events:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", bc.Type, bc.Payload)
			flusher.Flush()
		case <-heartbeat.C:
			// SSE comment line keeps intermediaries from closing the stream.
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			s.log.WithField("client", clientID).Debug("Event stream closed")
			return
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"coordinator": s.coord.State(),
	})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("Failed to write response")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
