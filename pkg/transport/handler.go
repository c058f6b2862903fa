// Package transport serves MCP over HTTP: JSON-RPC requests by POST,
// server event streams by GET, and session termination by DELETE.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/txn2/mcp-experience/pkg/protocol"
	"github.com/txn2/mcp-experience/pkg/session"
)

// HTTP header names.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
	HeaderLastEventID     = "Last-Event-ID"
)

const (
	// DefaultKeepAlive is the interval between keepalive comments on GET
	// streams.
	DefaultKeepAlive = 30 * time.Second

	// maxBodyBytes bounds a POST body.
	maxBodyBytes = 4 << 20

	keepAliveComment = ": keepalive\n\n"
)

// Dispatcher handles one decoded JSON-RPC message.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *jsonrpc.Request, sessionID string) protocol.Outcome
}

// EventReplayer resends events a client missed, starting after lastEventID.
type EventReplayer interface {
	Replay(ctx context.Context, sessionID, lastEventID string, w io.Writer) error
}

// Config configures a Handler.
type Config struct {
	// AllowedOrigins is the Origin allow-list for POST. "*" allows all.
	AllowedOrigins []string

	// KeepAlive defaults to DefaultKeepAlive.
	KeepAlive time.Duration

	Replayer EventReplayer
	Streams  *Streams
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Handler is the MCP HTTP endpoint.
type Handler struct {
	dispatcher Dispatcher
	sessions   session.Store
	origins    OriginPolicy
	keepAlive  time.Duration
	replayer   EventReplayer
	streams    *Streams
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewHandler creates the MCP endpoint handler.
func NewHandler(dispatcher Dispatcher, sessions session.Store, cfg Config) *Handler {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Streams == nil {
		cfg.Streams = NewStreams()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		sessions:   sessions,
		origins:    NewOriginPolicy(cfg.AllowedOrigins),
		keepAlive:  cfg.KeepAlive,
		replayer:   cfg.Replayer,
		streams:    cfg.Streams,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
}

// Streams returns the registry of open GET streams.
func (h *Handler) Streams() *Streams {
	return h.streams
}

// ServeHTTP dispatches by HTTP method.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	if !h.origins.Allowed(r) {
		h.logger.Warn("transport: origin rejected", "origin", r.Header.Get("Origin"))
		http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Bad Request: unreadable body", http.StatusBadRequest)
		return
	}

	msg, err := protocol.Decode(body)
	if err != nil {
		h.writeDecodeError(w, err)
		return
	}

	req, isRequest := msg.(*jsonrpc.Request)

	if !isRequest || protocol.Method(req.Method) != protocol.MethodInitialize {
		if v := r.Header.Get(HeaderProtocolVersion); !protocol.IsSupportedVersion(v) {
			http.Error(w, fmt.Sprintf("Bad Request: unsupported or missing %s %q", HeaderProtocolVersion, v),
				http.StatusBadRequest)
			return
		}
	}

	accept := parseAccept(r.Header.Get("Accept"))
	if !accept.usable() {
		http.Error(w, "Bad Request: Accept must include application/json or text/event-stream",
			http.StatusBadRequest)
		return
	}

	// Responses sent by the client need no answer.
	if !isRequest {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	out := h.dispatcher.Dispatch(r.Context(), req, sessionID)
	if out.Response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := out.Response
	if out.Initialized {
		id, err := h.sessions.Create()
		if err != nil {
			h.logger.Error("transport: creating session failed", "error", err)
			resp = protocol.NewError(protocol.CodeInternalError, "failed to create session").Response(req.ID)
		} else {
			w.Header().Set(HeaderSessionID, id)
			h.logger.Debug("transport: session created", "session_id", id)
		}
	}

	data, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		h.logger.Error("transport: encoding response failed", "method", req.Method, "error", err)
		h.writeJSON(w, http.StatusInternalServerError, nil)
		return
	}

	if accept.sse && req.IsCall() {
		h.writeSingleEvent(w, data)
		return
	}
	h.writeJSON(w, http.StatusOK, data)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if !parseAccept(r.Header.Get("Accept")).sse {
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed: GET requires Accept: text/event-stream", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" || !h.sessions.IsValid(sessionID) {
		http.Error(w, "session not found or expired", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	st := h.streams.open(sessionID)
	defer h.streams.release(sessionID, st)

	setEventStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if last := r.Header.Get(HeaderLastEventID); last != "" {
		h.replay(r.Context(), sessionID, last, w)
		flusher.Flush()
	}

	h.logger.Debug("transport: stream opened", "session_id", sessionID)

	ticker := h.clock.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("transport: stream closed by client", "session_id", sessionID)
			return
		case <-st.done:
			h.logger.Debug("transport: stream closed with session", "session_id", sessionID)
			return
		case <-ticker.Chan():
			if _, err := io.WriteString(w, keepAliveComment); err != nil {
				h.logger.Debug("transport: keepalive write failed", "session_id", sessionID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) replay(ctx context.Context, sessionID, lastEventID string, w io.Writer) {
	if h.replayer == nil {
		h.logger.Debug("transport: no event store, ignoring resume request",
			"session_id", sessionID, "last_event_id", lastEventID)
		return
	}
	if err := h.replayer.Replay(ctx, sessionID, lastEventID, w); err != nil {
		h.logger.Warn("transport: replay failed",
			"session_id", sessionID, "last_event_id", lastEventID, "error", err)
	}
}

// handleDelete ends a session. It succeeds whether or not the session existed.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.Header.Get(HeaderSessionID); sessionID != "" {
		h.sessions.Delete(sessionID)
		h.streams.CloseSession(sessionID)
		h.logger.Debug("transport: session deleted", "session_id", sessionID)
	}
	w.WriteHeader(http.StatusOK)
}

// writeDecodeError answers a body that is not a usable JSON-RPC message.
func (h *Handler) writeDecodeError(w http.ResponseWriter, err error) {
	data, encErr := protocol.EncodeError(protocol.Classify(err))
	if encErr != nil {
		h.logger.Error("transport: encoding error response failed", "error", encErr)
	}
	h.writeJSON(w, http.StatusBadRequest, data)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(data) == 0 {
		return
	}
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("transport: writing response failed", "error", err)
	}
}

// writeSingleEvent sends one response as an SSE event and ends the stream.
func (h *Handler) writeSingleEvent(w http.ResponseWriter, data []byte) {
	setEventStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		h.logger.Debug("transport: writing event failed", "error", err)
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func setEventStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}
