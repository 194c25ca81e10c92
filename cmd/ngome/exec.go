package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/protocol"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/service"
	"github.com/jkaninda/ngome/internal/trust"
)

// Exit codes for the exec command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

var (
	execFile    string
	execPath    string
	execClass   string
	execType    string
	execFlowID  string
	execUser    string
	execParams  map[string]string
	execRemote  string
	execAPIKey  string
	execTimeout int
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Classify and run component code once",
	Long: `Run component code through the trust classifier and, unless it is
verified, the sandbox. Without --remote the pipeline runs in-process; with
--remote the request is sent to a running ngome server.

Examples:
  ngome exec -f my_component.py --path component.MyComponent
  cat snippet.py | ngome exec -f - --path component.Repl --type python_repl
  ngome exec -f tool.py --path component.Tool --remote http://localhost:8080

Exit codes:
  0  success (or verified code that the host runs natively)
  1  execution failure
  2  denied by lock mode, rate limited or unauthorized
  3  sandbox or server unavailable`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execFile, "file", "f", "", "file with the component code, - for stdin (required)")
	execCmd.Flags().StringVar(&execPath, "path", "", "component path, e.g. component.ChatInput (required)")
	execCmd.Flags().StringVar(&execClass, "class", "", "class to instantiate (default: derived from the path)")
	execCmd.Flags().StringVar(&execType, "type", "component", "execution type: component, python_repl or code_tool")
	execCmd.Flags().StringVar(&execFlowID, "flow-id", "", "flow the component belongs to")
	execCmd.Flags().StringVar(&execUser, "user", "cli", "user to attribute a local execution to")
	execCmd.Flags().StringToStringVar(&execParams, "param", nil, "component parameter as key=value (repeatable)")
	execCmd.Flags().StringVar(&execRemote, "remote", "", "ngome server URL (or NGOME_REMOTE_URL env)")
	execCmd.Flags().StringVar(&execAPIKey, "api-key", "", "API key for the server (or NGOME_API_KEY env)")
	execCmd.Flags().IntVar(&execTimeout, "timeout", 300, "timeout in seconds")

	_ = execCmd.MarkFlagRequired("file")
	_ = execCmd.MarkFlagRequired("path")
}

func runExec(_ *cobra.Command, _ []string) error {
	code, err := readCode(execFile)
	if err != nil {
		return err
	}
	req := protocol.ExecuteRequest{
		Code:          code,
		ComponentPath: execPath,
		ClassName:     execClass,
		FlowID:        execFlowID,
		ExecutionType: execType,
	}
	if len(execParams) > 0 {
		req.Params = make(map[string]any, len(execParams))
		for k, v := range execParams {
			req.Params[k] = v
		}
	}
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(execTimeout)*time.Second)
	defer cancel()

	if remote := goutils.Env("NGOME_REMOTE_URL", execRemote); remote != "" {
		os.Exit(runExecRemote(ctx, strings.TrimSuffix(remote, "/"), &req))
	}
	os.Exit(runExecLocal(ctx, &req))
	return nil
}

func runExecLocal(ctx context.Context, req *protocol.ExecuteRequest) int {
	cfg, logger, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFailure
	}
	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUnavailable
	}
	defer sc.Cleanup()

	out, err := sc.Service.Execute(ctx, serviceRequest(req, execUser))
	switch {
	case errors.Is(err, trust.ErrLockMode):
		_ = printJSON(protocol.ExecuteResponse{Decision: out.Decision})
		fmt.Fprintln(os.Stderr, "Error: untrusted code denied by lock mode")
		return ExitDenied
	case errors.Is(err, ratelimit.ErrRateLimited):
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		return ExitDenied
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUnavailable
	}

	resp := protocol.ExecuteResponse{Decision: out.Decision, Result: out.Result}
	if err := printJSON(resp); err != nil {
		return ExitFailure
	}
	return exitFor(&resp)
}

func runExecRemote(ctx context.Context, serverURL string, req *protocol.ExecuteRequest) int {
	apiKey := goutils.Env("NGOME_API_KEY", execAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set NGOME_API_KEY)")
		return ExitDenied
	}

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFailure
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", serverURL, err)
		return ExitUnavailable
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var out protocol.ExecuteResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: decoding response: %v\n", err)
			return ExitFailure
		}
		fmt.Println(string(respBody))
		return exitFor(&out)

	case http.StatusForbidden:
		fmt.Println(string(respBody))
		fmt.Fprintln(os.Stderr, "Error: untrusted code denied by lock mode")
		return ExitDenied

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		return ExitDenied

	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		return ExitDenied

	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: server unavailable (%d): %s\n", resp.StatusCode, string(respBody))
		return ExitUnavailable

	default:
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(respBody))
		return ExitFailure
	}
}

func serviceRequest(req *protocol.ExecuteRequest, userID string) service.Request {
	return service.Request{
		Code:          req.Code,
		ComponentPath: req.ComponentPath,
		UserID:        userID,
		FlowID:        req.FlowID,
		Type:          sandbox.ExecutionType(req.ExecutionType),
		Component:     req.Component(userID),
	}
}

func exitFor(resp *protocol.ExecuteResponse) int {
	if resp.Result != nil && !resp.Result.Success {
		fmt.Fprintf(os.Stderr, "Error: %s (%s)\n", resp.Result.Error, resp.Result.ErrorCategory)
		return ExitFailure
	}
	return ExitSuccess
}

func readCode(file string) (string, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("reading code: %w", err)
	}
	return string(data), nil
}
