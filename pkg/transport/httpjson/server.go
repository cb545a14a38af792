package httpjson

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirimatin/go-raft/pkg/internal/logutil"
	"github.com/amirimatin/go-raft/pkg/observability/tracing"
	"github.com/amirimatin/go-raft/pkg/transport"
)

// Server is a minimal HTTP server exposing management endpoints for status,
// join/leave, proposals, local reads and metrics/healthz.
type Server struct {
	bind   string
	lis    net.Listener
	srv    *http.Server
	logger *log.Logger
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{bind: bind, logger: logger}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// postHandler decodes a JSON body into Req, calls fn and encodes its
// response. A handler error turns the status into 500 with the response
// still encoded, since it carries the error text and leader hints.
func postHandler[Req any, Resp any](name string, fn func(context.Context, Req) (Resp, error), setErr func(*Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if fn == nil {
			http.Error(w, name+" not supported", http.StatusNotImplemented)
			return
		}
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http."+name)
		defer end()
		resp, err := fn(ctx, req)
		if err != nil {
			setErr(&resp, err)
			writeJSON(w, http.StatusInternalServerError, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Start launches the HTTP server and registers handlers backed by the provided
// functions. The server is shut down when the context is canceled.
func (s *Server) Start(ctx context.Context, status transport.StatusFunc, join transport.JoinFunc, leave transport.LeaveFunc, propose transport.ProposeFunc, read transport.ReadFunc) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.status")
		defer end()
		data, err := status(ctx)
		if err != nil {
			http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/join", postHandler("join", join, func(r *transport.JoinResponse, err error) {
		r.Accepted, r.Error = false, err.Error()
	}))
	mux.HandleFunc("/leave", postHandler("leave", leave, func(r *transport.LeaveResponse, err error) {
		r.Accepted, r.Error = false, err.Error()
	}))
	mux.HandleFunc("/propose", postHandler("propose", propose, func(r *transport.ProposeResponse, err error) {
		r.Error = err.Error()
	}))
	mux.HandleFunc("/kv", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if read == nil {
			http.Error(w, "read not supported", http.StatusNotImplemented)
			return
		}
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		resp, err := read(r.Context(), transport.ReadRequest{Key: key})
		if err != nil {
			resp.Error = err.Error()
			writeJSON(w, http.StatusInternalServerError, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = ln
	s.srv = &http.Server{Addr: s.bind, Handler: mux}
	srv := s.srv

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logutil.Errorf(s.logger, "httpjson: server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listen address once started, else the configured bind.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := s.srv.Shutdown(c)
	s.srv = nil
	return err
}

var _ transport.RPCServer = (*Server)(nil)
