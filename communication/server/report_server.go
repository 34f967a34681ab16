package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"gosearch/game"
	"gosearch/searcher"
)

const DefaultStreamInterval = 500 * time.Millisecond

// Reporter is implemented by *searcher.Search.
type Reporter interface {
	Report() searcher.Report
}

// ReportServer exposes the live reports of the searchers playing a game.
type ReportServer struct {
	reporters map[game.Player]Reporter
	mutex     sync.RWMutex

	interval time.Duration
	upgrader websocket.Upgrader
	router   chi.Router

	// upgraded connections are not closed by http.Server.Shutdown
	streamsMu sync.Mutex
	streams   map[*websocket.Conn]struct{}
	closed    bool
}

func NewReportServer(interval time.Duration) *ReportServer {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	rs := &ReportServer{
		reporters: make(map[game.Player]Reporter),
		streams:   make(map[*websocket.Conn]struct{}),
		interval:  interval,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/report", rs.handleReport)
	r.Get("/pv", rs.handlePV)
	r.Get("/moves/{move}", rs.handleMove)
	r.Get("/ws/report", rs.handleStream)
	rs.router = r
	return rs
}

// Register serves the reports of the searcher playing pla.
func (rs *ReportServer) Register(pla game.Player, r Reporter) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.reporters[pla] = r
}

func (rs *ReportServer) Handler() http.Handler { return rs.router }

// Start serves on addr until ctx is cancelled.
func (rs *ReportServer) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return rs.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down and closes the
// open report streams.
func (rs *ReportServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: rs.router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Msgf("report server listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	rs.closeStreams()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (rs *ReportServer) track(conn *websocket.Conn) bool {
	rs.streamsMu.Lock()
	defer rs.streamsMu.Unlock()
	if rs.closed {
		return false
	}
	rs.streams[conn] = struct{}{}
	return true
}

func (rs *ReportServer) untrack(conn *websocket.Conn) {
	rs.streamsMu.Lock()
	delete(rs.streams, conn)
	rs.streamsMu.Unlock()
	conn.Close()
}

// closeStreams tells every streaming client the server is going away and
// refuses new streams.
func (rs *ReportServer) closeStreams() {
	rs.streamsMu.Lock()
	defer rs.streamsMu.Unlock()
	rs.closed = true
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for conn := range rs.streams {
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
	}
}

// reporter picks the searcher named by the player query parameter, Black by default.
func (rs *ReportServer) reporter(r *http.Request) (Reporter, bool) {
	pla := game.Black
	switch r.URL.Query().Get("player") {
	case "", "B", "b":
	case "W", "w":
		pla = game.White
	default:
		return nil, false
	}
	rs.mutex.RLock()
	defer rs.mutex.RUnlock()
	reporter, ok := rs.reporters[pla]
	return reporter, ok
}

func (rs *ReportServer) handleReport(w http.ResponseWriter, r *http.Request) {
	reporter, ok := rs.reporter(r)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, reporter.Report())
}

func (rs *ReportServer) handlePV(w http.ResponseWriter, r *http.Request) {
	reporter, ok := rs.reporter(r)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	rep := reporter.Report()
	writeJSON(w, http.StatusOK, map[string]any{
		"player": rep.Player,
		"visits": rep.RootVisits,
		"pv":     rep.PV,
	})
}

func (rs *ReportServer) handleMove(w http.ResponseWriter, r *http.Request) {
	reporter, ok := rs.reporter(r)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	move := chi.URLParam(r, "move")
	for _, info := range reporter.Report().Moves {
		if info.Move == move {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	http.Error(w, "move not searched: "+move, http.StatusNotFound)
}

// handleStream pushes a report every interval until the client goes away.
func (rs *ReportServer) handleStream(w http.ResponseWriter, r *http.Request) {
	reporter, ok := rs.reporter(r)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if !rs.track(conn) {
		conn.Close()
		return
	}
	defer rs.untrack(conn)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()
	for {
		if err := conn.WriteJSON(reporter.Report()); err != nil {
			log.Debug().Err(err).Msg("report stream closed")
			return
		}
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}
