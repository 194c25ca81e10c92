package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/jkaninda/ngome/internal/sandbox"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgState, StatePayload{State: sandbox.StateRunning})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env.ExecutionID = "exec-1"

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	var p StatePayload
	if err := got.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != MsgState || got.ExecutionID != "exec-1" || p.State != sandbox.StateRunning {
		t.Errorf("got %+v / %+v", got, p)
	}
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Error("expected ID and timestamp to be set")
	}
}

func TestExecuteRequest_Validate(t *testing.T) {
	tests := []struct {
		name string
		req  ExecuteRequest
		want error
	}{
		{"ok", ExecuteRequest{Code: "x", ComponentPath: "component.X"}, nil},
		{"no code", ExecuteRequest{ComponentPath: "component.X"}, ErrCodeRequired},
		{"no path", ExecuteRequest{Code: "x"}, ErrPathRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExecuteRequest_Component(t *testing.T) {
	req := ExecuteRequest{
		Code:          "x",
		ComponentPath: "component.Agent",
		NodeID:        "Agent-abc12",
		Params:        map[string]any{"api_key": "OPENAI"},
		SecretFields:  []string{"api_key"},
		Outputs:       []sandbox.OutputSpec{{Name: "response", Method: "run"}},
	}
	c := req.Component("u1")
	if c.UserID != "u1" || c.ID != "Agent-abc12" {
		t.Errorf("component = %+v", c)
	}
	if c.Vertex == nil || c.Vertex.ID != "Agent-abc12" || len(c.Vertex.Outputs) != 1 {
		t.Errorf("vertex = %+v", c.Vertex)
	}

	req.Outputs = nil
	if c := req.Component("u1"); c.Vertex != nil {
		t.Errorf("vertex = %+v, want nil without outputs", c.Vertex)
	}
}
