package gateway

import "encoding/json"

// Frame types for the agent WebSocket protocol.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
	FrameTypeCancel   = "cancel"
)

// Frame is the base envelope for all WebSocket messages. The Type field
// discriminates between request, response, cancel, and event frames.
type Frame struct {
	Type string `json:"type"`

	// Request fields. ID doubles as the call id for cancellation.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Event fields
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`

	// Error (response only)
	Error *ErrorShape `json:"error,omitempty"`
}

// ErrorShape is the standard error format in response frames.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ConnectParams are sent by the agent in the initial "connect" request.
type ConnectParams struct {
	Client AgentInfo    `json:"client"`
	Auth   *ConnectAuth `json:"auth,omitempty"`
}

// AgentInfo identifies the connecting agent. InstanceID is the stable
// session identity carried by the transport; when empty the broker
// assigns one for the connection's lifetime.
type AgentInfo struct {
	InstanceID  string `json:"instanceId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

// ConnectAuth carries credentials in the connect request.
type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// HelloOK is the server's response payload after a successful handshake.
type HelloOK struct {
	Protocol  int      `json:"protocol"`
	Version   string   `json:"version"`
	SessionID string   `json:"sessionId"`
	Tools     []string `json:"tools"`
}

// NewRequest creates a request frame.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}, nil
}

// NewResponse creates a success response frame.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      &ok,
		Payload: raw,
	}, nil
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id string, errShape ErrorShape) Frame {
	ok := false
	return Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: &errShape,
	}
}

// NewCancel creates a cancel frame referencing an in-flight request id.
func NewCancel(id string) Frame {
	return Frame{Type: FrameTypeCancel, ID: id}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload any, seq int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: raw,
		Seq:     seq,
	}, nil
}

// ProtocolVersion supported by this server.
const ProtocolVersion = 1
