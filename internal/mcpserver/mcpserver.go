// Package mcpserver exposes sandboxed execution and trust classification as
// MCP tools over stdio, so agent runtimes can run untrusted snippets through
// the same pipeline as the HTTP API.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/service"
)

// DefaultUserID attributes MCP executions when no user is configured.
const DefaultUserID = "mcp"

// Server wraps an MCP server bound to the execution service.
type Server struct {
	svc    *service.Service
	userID string
	logger *slog.Logger
	mcp    *server.MCPServer
}

// New creates the MCP server and registers its tools.
func New(svc *service.Service, userID, version string, logger *slog.Logger) *Server {
	if userID == "" {
		userID = DefaultUserID
	}
	s := &Server{
		svc:    svc,
		userID: userID,
		logger: logger,
		mcp:    server.NewMCPServer("ngome", version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool("execute_component",
		mcp.WithDescription("Classify component code and, unless it is verified, run it inside the sandbox."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Python source of the component")),
		mcp.WithString("component_path", mcp.Required(), mcp.Description("Component identity, e.g. component.ChatInput")),
		mcp.WithString("class_name", mcp.Description("Class to instantiate; derived from the path when empty")),
		mcp.WithString("execution_type", mcp.Description("component, python_repl or code_tool")),
		mcp.WithString("flow_id", mcp.Description("Flow the component belongs to")),
	), s.handleExecute)

	s.mcp.AddTool(mcp.NewTool("classify_component",
		mcp.WithDescription("Return the trust decision for component code without executing it."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Python source of the component")),
		mcp.WithString("component_path", mcp.Description("Component identity, e.g. component.ChatInput")),
		mcp.WithString("node_id", mcp.Description("Flow node id; used instead of component_path when set")),
	), s.handleClassify)

	s.mcp.AddTool(mcp.NewTool("verify_component",
		mcp.WithDescription("Check code against the registered signatures for a component."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Python source of the component")),
		mcp.WithString("component_path", mcp.Required(), mcp.Description("Component identity")),
	), s.handleVerify)

	return s
}

// ServeStdio serves MCP over stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("component_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.svc.Execute(ctx, service.Request{
		Code:          code,
		ComponentPath: path,
		UserID:        s.userID,
		FlowID:        req.GetString("flow_id", ""),
		Type:          sandbox.ExecutionType(req.GetString("execution_type", "")),
		Component: &sandbox.Component{
			ClassName: req.GetString("class_name", ""),
			UserID:    s.userID,
		},
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res := map[string]any{"decision": out.Decision}
	if out.Result != nil {
		res["result"] = out.Result
	}
	return jsonResult(res, out.Result != nil && !out.Result.Success)
}

func (s *Server) handleClassify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path := req.GetString("component_path", "")
	nodeID := req.GetString("node_id", "")
	if path == "" && nodeID == "" {
		return mcp.NewToolResultError("component_path or node_id is required"), nil
	}

	d, flags := s.svc.Classify(ctx, path, nodeID, code)
	return jsonResult(map[string]any{"decision": d, "flags": flags}, false)
}

func (s *Server) handleVerify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("component_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ok, err := s.svc.Verify(ctx, path, code)
	if errors.Is(err, service.ErrUnavailable) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("verifying %s: %w", path, err)
	}
	return jsonResult(map[string]any{"component_path": path, "verified": ok}, false)
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	res := mcp.NewToolResultText(string(data))
	res.IsError = isError
	return res, nil
}
