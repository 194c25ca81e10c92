package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/protocol"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/trust"
)

// StreamSubprotocol is negotiated on the execution stream.
const StreamSubprotocol = "ngome-exec-v1"

const requestTimeout = 10 * time.Second

// handleStream serves GET /v1/execute/stream. The client sends one
// execute.request frame; the server answers with execution.decision, one
// execution.state per transition and a final execution.result (or error),
// then closes the connection. Closing the socket early cancels the
// execution.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.userFor(r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{StreamSubprotocol},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(g.config.MaxRequestSize)

	ctx := r.Context()
	req, err := readExecuteRequest(ctx, conn)
	if err != nil {
		g.writeError(ctx, conn, "", "invalid_request", err.Error())
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	// The client sends nothing after the request; CloseRead cancels ctx when
	// it disconnects.
	ctx = conn.CloseRead(ctx)

	executionID := uuid.NewString()
	sreq := serviceRequest(req, userID)
	sreq.ExecutionID = executionID
	sreq.OnDecision = func(d trust.Decision) {
		g.writeFrame(ctx, conn, executionID, protocol.MsgDecision, d)
	}
	sreq.OnState = func(s sandbox.State) {
		g.writeFrame(ctx, conn, executionID, protocol.MsgState, protocol.StatePayload{State: s})
	}

	out, err := g.svc.Execute(ctx, sreq)
	if err != nil {
		code, msg := streamError(err)
		g.writeError(ctx, conn, executionID, code, msg)
		conn.Close(websocket.StatusNormalClosure, code)
		return
	}
	g.writeFrame(ctx, conn, executionID, protocol.MsgResult, protocol.ExecuteResponse{
		Decision: out.Decision,
		Result:   out.Result,
	})
	conn.Close(websocket.StatusNormalClosure, "done")
}

func readExecuteRequest(ctx context.Context, conn *websocket.Conn) (*protocol.ExecuteRequest, error) {
	readCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if env.Type != protocol.MsgExecute {
		return nil, fmt.Errorf("expected %s, got %s", protocol.MsgExecute, env.Type)
	}
	var req protocol.ExecuteRequest
	if err := env.Decode(&req); err != nil {
		return nil, fmt.Errorf("parsing request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// streamError maps service errors to stream error codes.
func streamError(err error) (code, msg string) {
	switch {
	case errors.Is(err, trust.ErrLockMode):
		return "lock_mode", err.Error()
	case errors.Is(err, ratelimit.ErrRateLimited):
		return "rate_limited", "rate limit exceeded"
	case errors.Is(err, ratelimit.ErrBusy):
		return "busy", "sandbox at capacity"
	default:
		return "aborted", err.Error()
	}
}

func (g *Gateway) writeError(ctx context.Context, conn *websocket.Conn, executionID, code, msg string) {
	g.writeFrame(ctx, conn, executionID, protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
}

// writeFrame sends one envelope. Write failures mean the client is gone;
// they are logged and otherwise ignored.
func (g *Gateway) writeFrame(ctx context.Context, conn *websocket.Conn, executionID string, t protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		g.logger.Error("encoding stream frame", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	env.ExecutionID = executionID

	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		g.logger.Debug("stream write failed",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()),
		)
	}
}
