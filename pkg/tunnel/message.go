// Package tunnel defines the signed message protocol spoken between a child node
// and its parent hub over a persistent WebSocket.
package tunnel

import (
	"errors"
	"net/http"

	"kbnet/pkg/model"
)

var (
	// ErrTransport is a connection or HTTP failure.
	ErrTransport = errors.New("tunnel: transport error")
	// ErrProtocol is an unexpected command or malformed envelope. The channel is closed.
	ErrProtocol = errors.New("tunnel: protocol violation")
	// ErrSignature is a message whose signature does not verify. It is rejected.
	ErrSignature = errors.New("tunnel: bad signature")
)

// Kind is the closed set of message kinds understood on the tunnel.
type Kind int

const (
	KindUnknown Kind = iota
	KindRegisterChildNode
	KindConfirmRegistration
	KindReportNodeData
	KindHTTP
	KindHTTPResponse
	KindSetTopHubURL
	KindAck
	KindError
)

var kindNames = map[Kind]string{
	KindRegisterChildNode:   "register_child_node",
	KindConfirmRegistration: "confirm_registration",
	KindReportNodeData:      "report_node_data",
	KindHTTP:                "http",
	KindHTTPResponse:        "http_response",
	KindSetTopHubURL:        "set_top_hub_url",
	KindAck:                 "ack",
	KindError:               "error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind maps a wire string to a Kind. Anything unrecognized is KindUnknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Message is the signed body of an envelope. Children send commands; the parent
// answers with message types. Either field names the kind.
type Message struct {
	Command     string `json:"command,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	NodeID      string `json:"node_id"`

	Info      *model.NodeInfo `json:"info,omitempty"`
	Data      *model.NodeData `json:"data,omitempty"`
	Request   *HTTPRequest    `json:"request,omitempty"`
	Response  *HTTPResponse   `json:"response,omitempty"`
	TopHubURL string          `json:"top_hub_url,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Kind reports which kind the message declares.
func (m Message) Kind() Kind {
	if m.Command != "" {
		return ParseKind(m.Command)
	}
	return ParseKind(m.MessageType)
}

// NewCommand builds a child-to-parent message.
func NewCommand(k Kind) Message { return Message{Command: k.String()} }

// NewMessageType builds a parent-to-child message.
func NewMessageType(k Kind) Message { return Message{MessageType: k.String()} }

// HTTPRequest is an API request relayed down the tunnel.
type HTTPRequest struct {
	RequestID string      `json:"request_id"`
	Method    string      `json:"method"`
	Path      string      `json:"path"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
}

// HTTPResponse answers an HTTPRequest with the same RequestID.
type HTTPResponse struct {
	RequestID string      `json:"request_id"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	Error     string      `json:"error,omitempty"`
}
