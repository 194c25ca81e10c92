package sandbox

import (
	"encoding/json"
	"strings"
)

// OutputSpec describes one component output port.
type OutputSpec struct {
	Name        string   `json:"name"`
	Types       []string `json:"types,omitempty"`
	Selected    string   `json:"selected,omitempty"`
	Method      string   `json:"method,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Hidden      bool     `json:"hidden,omitempty"`
}

// VertexData is the flow-node metadata the executor needs to pick the
// method to invoke and shape its return value.
type VertexData struct {
	ID         string       `json:"id"`
	VertexType string       `json:"vertex_type,omitempty"`
	BaseType   string       `json:"base_type,omitempty"`
	Outputs    []OutputSpec `json:"outputs"`
}

// invocationPayload is written to the executor's stdin.
type invocationPayload struct {
	Code        string         `json:"code"`
	Params      map[string]any `json:"params"`
	ClassName   string         `json:"class_name"`
	ExecutionID string         `json:"execution_id"`
	VertexData  *VertexData    `json:"vertex_data"`
}

// resultPayload is the executor's final stdout line.
type resultPayload struct {
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	PolicyHint   string          `json:"policy_hint,omitempty"`
	OutputName   string          `json:"output_name,omitempty"`
	MethodCalled string          `json:"method_called,omitempty"`
}

// parseResultPayload finds the last line of stdout that decodes as a JSON
// object. Executors may print diagnostics before the result.
func parseResultPayload(stdout string) (*resultPayload, bool) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var res resultPayload
		if err := json.Unmarshal([]byte(line), &res); err == nil {
			return &res, true
		}
	}
	return nil, false
}

// value decodes the result, tagging it with output metadata when the
// executor reported which output or method produced it.
func (r *resultPayload) value() any {
	var result any
	if len(r.Result) > 0 {
		_ = json.Unmarshal(r.Result, &result)
	}
	if r.OutputName == "" && r.MethodCalled == "" {
		return result
	}
	return map[string]any{
		"_result":        result,
		"_output_name":   nullable(r.OutputName),
		"_method_called": nullable(r.MethodCalled),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
