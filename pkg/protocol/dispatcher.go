package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-experience/pkg/session"
	"github.com/txn2/mcp-experience/pkg/toolkits/experience"
)

// Request outcome labels reported to the Observer.
const (
	OutcomeOK           = "ok"
	OutcomeError        = "error"
	OutcomeNotification = "notification"
)

// Toolkit is the tool and prompt surface the dispatcher routes to.
type Toolkit interface {
	Tools() []*mcp.Tool
	Prompts() []*mcp.Prompt
	GetPrompt(name string) (*mcp.GetPromptResult, error)
	Query(ctx context.Context, args json.RawMessage) (*experience.QueryResult, error)
	Submit(ctx context.Context, args json.RawMessage) (*experience.SubmitResult, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (experience.ToolResult, error)
}

// Observer receives one call per dispatched message and one per tool
// invocation.
type Observer interface {
	ObserveRequest(method, outcome string, duration time.Duration)
	ObserveTool(tool, outcome string, duration time.Duration)
}

// Capabilities advertised in the initialize result.
type Capabilities struct {
	Tools     struct{} `json:"tools"`
	Resources struct{} `json:"resources"`
	Prompts   struct{} `json:"prompts"`
	Sampling  struct{} `json:"sampling"`
}

// InitializeResult is the initialize response.
type InitializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    Capabilities        `json:"capabilities"`
	ServerInfo      *mcp.Implementation `json:"serverInfo"`
	Instructions    string              `json:"instructions,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ClientInfo      *mcp.Implementation `json:"clientInfo,omitempty"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type getPromptParams struct {
	Name string `json:"name"`
}

// Outcome is the result of dispatching one message.
type Outcome struct {
	// Response is nil for notifications.
	Response *jsonrpc.Response

	// Initialized is true when an initialize request succeeded and the
	// caller should mint a session.
	Initialized bool
}

// Config configures a Dispatcher.
type Config struct {
	ServerInfo   *mcp.Implementation
	Instructions string
	Logger       *slog.Logger
	Observer     Observer
}

// Dispatcher routes decoded JSON-RPC messages.
type Dispatcher struct {
	sessions     session.Store
	toolkit      Toolkit
	info         *mcp.Implementation
	instructions string
	logger       *slog.Logger
	observer     Observer
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(sessions session.Store, toolkit Toolkit, cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServerInfo == nil {
		cfg.ServerInfo = &mcp.Implementation{Name: "mcp-experience", Version: "dev"}
	}
	return &Dispatcher{
		sessions:     sessions,
		toolkit:      toolkit,
		info:         cfg.ServerInfo,
		instructions: cfg.Instructions,
		logger:       cfg.Logger,
		observer:     cfg.Observer,
	}
}

// Decode parses a JSON-RPC message body.
func Decode(body []byte) (jsonrpc.Message, error) {
	if !json.Valid(body) {
		return nil, NewError(CodeParseError, "Parse error")
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		return nil, NewError(CodeInvalidRequest, "Invalid Request: "+err.Error())
	}
	return msg, nil
}

// Dispatch handles one request or notification. sessionID is the value of
// the Mcp-Session-Id header, possibly empty.
func (d *Dispatcher) Dispatch(ctx context.Context, req *jsonrpc.Request, sessionID string) Outcome {
	start := time.Now()

	if !req.IsCall() {
		d.notify(req, sessionID)
		d.observe(req.Method, OutcomeNotification, start)
		return Outcome{}
	}

	result, err := d.safeCall(ctx, req, sessionID)

	var wireErr error
	outcome := OutcomeOK
	if err != nil {
		perr := Classify(err)
		d.logger.Debug("protocol: request failed",
			"method", req.Method, "code", perr.Code, "error", perr.Message)
		wireErr = perr.wire()
		result = nil
		outcome = OutcomeError
	}

	resp, encErr := newResponse(req.ID, result, wireErr)
	if encErr != nil {
		d.logger.Error("protocol: encoding result failed", "method", req.Method, "error", encErr)
		resp = NewError(CodeInternalError, "failed to encode result").Response(req.ID)
		outcome = OutcomeError
	}

	d.observe(req.Method, outcome, start)
	return Outcome{
		Response:    resp,
		Initialized: err == nil && Method(req.Method) == MethodInitialize,
	}
}

// newResponse builds the response to a call. result is encoded only when the
// call succeeded; a nil result encodes as null.
func newResponse(id jsonrpc.ID, result any, wireErr error) (*jsonrpc.Response, error) {
	resp := &jsonrpc.Response{ID: id, Error: wireErr}
	if wireErr != nil {
		return resp, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	resp.Result = raw
	return resp, nil
}

// safeCall routes req and converts a panic into an internal error carrying
// the stack trace.
func (d *Dispatcher) safeCall(ctx context.Context, req *jsonrpc.Request, sessionID string) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			d.logger.Error("protocol: handler panicked", "method", req.Method, "panic", r, "stack", stack)
			result = nil
			err = &Error{
				Code:    CodeInternalError,
				Message: fmt.Sprintf("Internal error: %v", r),
				Data:    map[string]string{"stack": stack},
			}
		}
	}()
	return d.route(ctx, req, sessionID)
}

func (d *Dispatcher) route(ctx context.Context, req *jsonrpc.Request, sessionID string) (any, error) {
	method, known := ParseMethod(req.Method)
	if method == MethodInitialize {
		return d.initialize(req.Params)
	}

	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	if !d.sessions.IsValid(sessionID) {
		return nil, ErrInvalidSession
	}
	if !known {
		return nil, MethodNotFound(req.Method)
	}

	switch method {
	case MethodPing:
		return struct{}{}, nil
	case MethodToolsList:
		return &mcp.ListToolsResult{Tools: d.toolkit.Tools()}, nil
	case MethodToolsCall:
		return d.callTool(ctx, req.Params)
	case MethodPromptsList:
		return &mcp.ListPromptsResult{Prompts: d.toolkit.Prompts()}, nil
	case MethodPromptsGet:
		return d.getPrompt(req.Params)
	case MethodQueryExperiences:
		start := time.Now()
		res, err := d.toolkit.Query(ctx, req.Params)
		d.observeTool(req.Method, start, err)
		return typed(res, err)
	case MethodSubmitExperience:
		start := time.Now()
		res, err := d.toolkit.Submit(ctx, req.Params)
		d.observeTool(req.Method, start, err)
		return typed(res, err)
	default:
		return nil, MethodNotFound(req.Method)
	}
}

func (d *Dispatcher) initialize(raw json.RawMessage) (any, error) {
	var params initializeParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if !IsSupportedVersion(params.ProtocolVersion) {
		return nil, UnsupportedVersion(params.ProtocolVersion)
	}

	if params.ClientInfo != nil {
		d.logger.Info("protocol: client initialized",
			"client", params.ClientInfo.Name, "client_version", params.ClientInfo.Version,
			"protocol_version", params.ProtocolVersion)
	}

	return &InitializeResult{
		ProtocolVersion: params.ProtocolVersion,
		ServerInfo:      d.info,
		Instructions:    d.instructions,
	}, nil
}

func (d *Dispatcher) callTool(ctx context.Context, raw json.RawMessage) (any, error) {
	var params callToolParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, NewError(CodeServerError, "tool name is required")
	}

	start := time.Now()
	res, err := d.toolkit.CallTool(ctx, params.Name, params.Arguments)
	if params.Name == experience.ToolQueryExperiences || params.Name == experience.ToolSubmitExperience {
		d.observeTool(params.Name, start, err)
	}
	if err != nil {
		return nil, err
	}
	return typed(experience.CallToolResult(res))
}

func (d *Dispatcher) getPrompt(raw json.RawMessage) (any, error) {
	var params getPromptParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return typed(d.toolkit.GetPrompt(params.Name))
}

// notify handles a notification. Only the initialized notification has an
// effect; everything else is logged and dropped.
func (d *Dispatcher) notify(req *jsonrpc.Request, sessionID string) {
	switch req.Method {
	case NotificationInitialized, NotificationClientInitialized:
		if sessionID != "" {
			d.sessions.Touch(sessionID)
		}
	default:
		d.logger.Info("protocol: dropping unhandled notification", "method", req.Method)
	}
}

func (d *Dispatcher) observe(method, outcome string, start time.Time) {
	if d.observer != nil {
		d.observer.ObserveRequest(metricLabel(method), outcome, time.Since(start))
	}
}

// observeTool reports a finished tool invocation. Panics are only seen by
// the request observation.
func (d *Dispatcher) observeTool(tool string, start time.Time, err error) {
	if d.observer == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	d.observer.ObserveTool(tool, outcome, time.Since(start))
}

// typed converts a typed handler return into an untyped one without
// leaking a typed nil on error.
func typed[T any](v *T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

func decodeParams(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return NewError(CodeServerError, "Invalid params: "+err.Error())
	}
	return nil
}
