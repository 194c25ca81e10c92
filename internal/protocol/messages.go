// Package protocol defines the JSON wire types shared by the HTTP API, the
// WebSocket execution stream, the MCP tools and the remote CLI client.
// Stream frames are wrapped in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/trust"
)

// MessageType identifies the kind of frame on the execution stream.
type MessageType string

const (
	// Client → Server
	MsgExecute MessageType = "execute.request"

	// Server → Client
	MsgDecision MessageType = "execution.decision"
	MsgState    MessageType = "execution.state"
	MsgResult   MessageType = "execution.result"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level wrapper for every stream frame.
type Envelope struct {
	Type        MessageType     `json:"type"`
	ID          string          `json:"id"` // Frame ID for correlation and deduplication.
	ExecutionID string          `json:"execution_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// ErrCodeRequired is returned by Validate when no code is supplied.
var ErrCodeRequired = errors.New("code is required")

// ErrPathRequired is returned by Validate when no component path is supplied.
var ErrPathRequired = errors.New("component_path is required")

// ExecuteRequest asks for one component execution. The caller's user ID
// comes from authentication, never from the body.
type ExecuteRequest struct {
	Code          string               `json:"code"`
	ComponentPath string               `json:"component_path"`
	ClassName     string               `json:"class_name,omitempty"`
	NodeID        string               `json:"node_id,omitempty"`
	FlowID        string               `json:"flow_id,omitempty"`
	ExecutionType string               `json:"execution_type,omitempty"` // component (default), python_repl, code_tool
	Params        map[string]any       `json:"params,omitempty"`
	SecretFields  []string             `json:"secret_fields,omitempty"`
	Outputs       []sandbox.OutputSpec `json:"outputs,omitempty"`
}

// Validate checks the required fields.
func (r *ExecuteRequest) Validate() error {
	if r.Code == "" {
		return ErrCodeRequired
	}
	if r.ComponentPath == "" {
		return ErrPathRequired
	}
	return nil
}

// Component builds the sandbox invocation target for userID.
func (r *ExecuteRequest) Component(userID string) *sandbox.Component {
	c := &sandbox.Component{
		ID:           r.NodeID,
		ClassName:    r.ClassName,
		UserID:       userID,
		Params:       r.Params,
		SecretFields: r.SecretFields,
	}
	if len(r.Outputs) > 0 {
		c.Vertex = &sandbox.VertexData{ID: r.NodeID, Outputs: r.Outputs}
	}
	return c
}

// ExecuteResponse carries the trust decision and, when the code was
// sandboxed, the execution result. A native decision has no result: the
// host runs verified code itself.
type ExecuteResponse struct {
	Decision trust.Decision           `json:"decision"`
	Result   *sandbox.ExecutionResult `json:"result,omitempty"`
}

// ClassifyRequest asks for a trust decision without executing.
type ClassifyRequest struct {
	ComponentPath string `json:"component_path"`
	NodeID        string `json:"node_id,omitempty"` // Used instead of component_path when set.
	Code          string `json:"code"`
}

// ClassifyResponse is the decision plus the node flags a UI would render.
type ClassifyResponse struct {
	Decision trust.Decision  `json:"decision"`
	Flags    trust.NodeFlags `json:"flags"`
}

// VerifyRequest checks code against the registered signatures for a path.
type VerifyRequest struct {
	ComponentPath string `json:"component_path"`
	Code          string `json:"code"`
}

// VerifyResponse reports the verification outcome.
type VerifyResponse struct {
	ComponentPath string `json:"component_path"`
	Verified      bool   `json:"verified"`
}

// StatePayload is sent with MsgState on every state transition.
type StatePayload struct {
	State sandbox.State `json:"state"`
}

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
