// Package web provides an HTTP status and control server for the gate-relay daemon.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/sweeney/gate-relay/internal/entrance"
	"github.com/sweeney/gate-relay/internal/ingress"
	"github.com/sweeney/gate-relay/internal/status"
)

// Enqueuer accepts commands for dispatch. *ingress.Queue implements it.
type Enqueuer interface {
	Enqueue(r ingress.Request) bool
}

// Server serves the status page over HTTP and accepts manual commands.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	commands   Enqueuer
}

// New creates a Server that reads state from the given tracker. Commands
// posted to /command are handed to commands; a nil Enqueuer disables the
// endpoint.
func New(addr string, tracker *status.Tracker, commands Enqueuer) *Server {
	s := &Server{tracker: tracker, commands: commands}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("/command", s.handleCommand)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Handler returns the server's request router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// handleCommand queues a command: POST /command?channel=N&cmd=toggle.
// The response only confirms the command was queued, not applied.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.commands == nil {
		http.Error(w, "commands disabled", http.StatusServiceUnavailable)
		return
	}

	id, err := strconv.Atoi(r.FormValue("channel"))
	if err != nil {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	if n := len(s.tracker.Snapshot().Channels); id < 0 || id >= n {
		http.Error(w, fmt.Sprintf("unknown channel %d", id), http.StatusNotFound)
		return
	}
	cmd, ok := entrance.ParseCommandName(r.FormValue("cmd"))
	if !ok {
		http.Error(w, "invalid cmd", http.StatusBadRequest)
		return
	}

	if !s.commands.Enqueue(ingress.Request{Channel: id, Command: cmd, Source: ingress.SourceHTTP}) {
		http.Error(w, "command queue full", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "{\"queued\":true,\"channel\":%d,\"cmd\":%q}\n", id, cmd.String())
}
