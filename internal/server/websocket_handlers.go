package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MeKo-Tech/snapdetect/internal/acquire"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

// WebSocketDetectRequest is a client message. Type "image" starts a new
// selection and supersedes the previous one; type "status" asks for the
// readiness state.
type WebSocketDetectRequest struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	Image []byte `json:"image,omitempty"`
}

// WebSocketDetectResponse is a server message.
type WebSocketDetectResponse struct {
	Type      string         `json:"type"`   // "detection", "status" or "error"
	Status    string         `json:"status"` // "processing", "completed" or "error"
	Ref       string         `json:"ref,omitempty"`
	RequestID uint64         `json:"request_id,omitempty"`
	Result    *DetectResult  `json:"result,omitempty"`
	Ready     *ReadyResponse `json:"ready,omitempty"`
	Notice    string         `json:"notice,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
}

// WebSocketConnWriter is an interface for writing WebSocket messages.
type WebSocketConnWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// wsClient is the per-connection state. Writes are serialized because
// gorilla connections allow one writer; latest is the sequence number of the
// newest image message.
type wsClient struct {
	mu      sync.Mutex
	conn    WebSocketConnWriter
	session *pipeline.Session
	latest  atomic.Uint64
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return s.corsOrigin == "*" || origin == "" || origin == s.corsOrigin
		},
	}
}

// detectWebSocketHandler serves one client. Each connection owns one
// session, so a newer image always wins over an older one still in flight.
func (s *Server) detectWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "detection pipeline not initialized", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	websocketConnections.Inc()
	defer websocketConnections.Dec()
	slog.Info("WebSocket connection established", "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.handleWebSocketConnection(ctx, conn)
}

// handleWebSocketConnection reads messages until the client goes away, waits
// for in-flight selections to unwind and drops the session's cached files.
func (s *Server) handleWebSocketConnection(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	session := s.pipeline.NewSession()
	var inflight sync.WaitGroup
	defer session.Close()
	defer inflight.Wait()
	defer cancel()

	conn.SetReadLimit(s.maxUploadMB*1024*1024*2 + 1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	client := &wsClient{conn: conn, session: session}

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("WebSocket error", "error", err)
			}
			return
		}
		websocketMessagesTotal.WithLabelValues("received").Inc()

		if messageType == websocket.TextMessage {
			s.handleWebSocketMessage(ctx, client, data, &inflight)
		}
	}
}

// handleWebSocketMessage dispatches one client message. Image selections run
// in the background so that the next message can supersede them.
func (s *Server) handleWebSocketMessage(ctx context.Context, client *wsClient, data []byte, inflight *sync.WaitGroup) {
	var req WebSocketDetectRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendWebSocketError(client, "", "invalid_request", fmt.Sprintf("Failed to parse request: %v", err))
		return
	}

	switch req.Type {
	case "status":
		ready := s.readyState()
		s.sendWebSocketResponse(client, WebSocketDetectResponse{Type: "status", Status: "completed", Ref: req.Ref, Ready: &ready})
	case "image":
		if len(req.Image) == 0 {
			s.sendWebSocketError(client, req.Ref, "invalid_request", "No image data provided")
			return
		}
		seq := client.latest.Add(1)
		s.sendWebSocketResponse(client, WebSocketDetectResponse{Type: "detection", Status: "processing", Ref: req.Ref})
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.processWebSocketImage(ctx, client, seq, req)
		}()
	default:
		s.sendWebSocketError(client, req.Ref, "invalid_request", "Unsupported request type: "+req.Type)
	}
}

// processWebSocketImage runs one selection. Neither results nor errors of
// superseded requests are sent.
func (s *Server) processWebSocketImage(ctx context.Context, client *wsClient, seq uint64, req WebSocketDetectRequest) {
	start := time.Now()
	res, err := client.session.Select(ctx, acquire.NewUploadPicker(s.pipeline.Storage(), req.Image))
	duration := time.Since(start)

	switch {
	case errors.Is(err, pipeline.ErrStale):
		websocketMessagesTotal.WithLabelValues("suppressed").Inc()
		slog.Debug("dropping superseded WebSocket result", "ref", req.Ref)
		return
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return
	case err != nil:
		detectRequestsTotal.WithLabelValues("websocket", "error").Inc()
		resp := WebSocketDetectResponse{
			Type: "error", Status: "error", Ref: req.Ref,
			Notice: res.Notice, Error: err.Error(), ErrorType: "processing_error",
		}
		// Only failures after the request became current carry its id.
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			resp.Stage = string(stageErr.Stage)
			resp.RequestID = stageErr.RequestID
		}
		if errors.Is(err, pipeline.ErrNotReady) {
			resp.ErrorType = "not_ready"
		}
		s.sendIfCurrent(client, seq, resp.RequestID, resp)
		return
	}

	detectRequestsTotal.WithLabelValues("websocket", "success").Inc()
	detectProcessingDuration.WithLabelValues("websocket").Observe(duration.Seconds())
	predictionsReturned.WithLabelValues("websocket").Observe(float64(len(res.Predictions)))

	s.sendIfCurrent(client, seq, res.RequestID, WebSocketDetectResponse{
		Type: "detection", Status: "completed", Ref: req.Ref,
		RequestID: res.RequestID, Result: toDetectResult(res, duration),
	})
}

// sendIfCurrent writes resp unless a newer image message has arrived or,
// for a request that ran, the session has moved on to another request. The
// check and the write happen under the writer lock. It reports whether resp
// was sent.
func (s *Server) sendIfCurrent(client *wsClient, seq, requestID uint64, resp WebSocketDetectResponse) bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.latest.Load() != seq || (requestID != 0 && client.session.CurrentID() != requestID) {
		websocketMessagesTotal.WithLabelValues("suppressed").Inc()
		return false
	}
	s.writeWebSocketLocked(client.conn, resp)
	return true
}

// sendWebSocketResponse sends a response message over WebSocket.
func (s *Server) sendWebSocketResponse(client *wsClient, response WebSocketDetectResponse) {
	client.mu.Lock()
	defer client.mu.Unlock()
	s.writeWebSocketLocked(client.conn, response)
}

func (s *Server) writeWebSocketLocked(conn WebSocketConnWriter, response WebSocketDetectResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Failed to marshal WebSocket response", "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Error("Failed to send WebSocket message", "error", err)
		return
	}
	websocketMessagesTotal.WithLabelValues("sent").Inc()
}

// sendWebSocketError sends an error message over WebSocket.
func (s *Server) sendWebSocketError(client *wsClient, ref, errorType, message string) {
	s.sendWebSocketResponse(client, WebSocketDetectResponse{
		Type:      "error",
		Status:    "error",
		Ref:       ref,
		Error:     message,
		ErrorType: errorType,
	})
}
