package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JonMunkholm/catalogimport/internal/core"
	"github.com/JonMunkholm/catalogimport/internal/logging"
)

const (
	sseHeartbeat = 15 * time.Second
	sseRetry     = 3 * time.Second

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)
	p, err := s.service.StartImport(ctx, id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+id+"/import/progress")
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)
	if err := s.service.CancelImport(ctx, id); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleRetryImport(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)
	p, err := s.service.RetryImport(ctx, id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleImportProgress(w http.ResponseWriter, r *http.Request) {
	id, _ := sessionRequest(r)
	p, err := s.service.Progress(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleImportResult(w http.ResponseWriter, r *http.Request) {
	id, _ := sessionRequest(r)
	res, err := s.service.ImportResult(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// lastEventID reads the resume point from the Last-Event-ID header, or the
// lastEventId query parameter for clients that cannot set headers.
func lastEventID(r *http.Request) uint64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("lastEventId")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// handleImportEvents streams progress as server-sent events. Event ids are
// progress sequence numbers, so a reconnecting client only receives
// snapshots newer than the one it last saw. The stream ends with a
// "complete" event once the run reaches a terminal state.
func (s *Server) handleImportEvents(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)
	logger := logging.FromContext(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, errors.New("streaming not supported"))
		return
	}

	updates, unsubscribe, err := s.service.SubscribeProgress(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", sseRetry.Milliseconds())
	flusher.Flush()

	last := lastEventID(r)
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case p, ok := <-updates:
			if !ok {
				fmt.Fprint(w, "event: closed\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if p.Seq > last {
				if err := writeEvent(w, "progress", p); err != nil {
					logger.Warn("sse write failed", "error", err)
					return
				}
				last = p.Seq
			}
			if p.State.IsTerminal() {
				writeEvent(w, "complete", p)
				flusher.Flush()
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, p core.ImportProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", p.Seq, event, data)
	return err
}

// progressMessage is one WebSocket frame.
type progressMessage struct {
	Type     string              `json:"type"`
	Progress core.ImportProgress `json:"progress"`
}

// handleImportWebSocket pushes progress snapshots over a WebSocket until the
// run finishes or the client goes away.
func (s *Server) handleImportWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)
	logger := logging.FromContext(ctx)

	updates, unsubscribe, err := s.service.SubscribeProgress(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		logger.Warn("websocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	// Reads only serve control frames; the client never sends data.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	send := func(msg progressMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug("websocket write failed", "error", err)
			return false
		}
		return true
	}
	closeWith := func(code int, reason string) {
		msg := websocket.FormatCloseMessage(code, reason)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	for {
		select {
		case <-closed:
			return

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}

		case p, ok := <-updates:
			if !ok {
				closeWith(websocket.CloseGoingAway, "session closed")
				return
			}
			if p.State.IsTerminal() {
				if send(progressMessage{Type: "complete", Progress: p}) {
					closeWith(websocket.CloseNormalClosure, string(p.State))
				}
				return
			}
			if !send(progressMessage{Type: "progress", Progress: p}) {
				return
			}
		}
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients). With no configured origins only same-host browsers are
// allowed; otherwise the origin must equal or glob-match an entry.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(allowed) == 0 {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
		for _, pattern := range allowed {
			if pattern == "*" || pattern == origin {
				return true
			}
			if ok, err := path.Match(pattern, origin); err == nil && ok {
				return true
			}
		}
		return false
	}
}
