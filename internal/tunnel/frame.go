package tunnel

// Frame is the single message exchanged between the bridge and the broker.
// Every frame is a JSON text message; fields beyond Type are populated
// according to the frame type.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`

	// hello
	Token  string   `json:"token,omitempty"`
	Models []string `json:"models,omitempty"`

	// request_open
	Method       string            `json:"method,omitempty"`
	Path         string            `json:"path,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodyComplete bool              `json:"body_complete,omitempty"`

	// request_chunk / response_chunk
	Data  []byte `json:"data,omitempty"`
	Final bool   `json:"final,omitempty"`

	// response_chunk (first frame of a response)
	Status int `json:"status,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Frame types.
const (
	TypeHello         = "hello"
	TypeHelloAck      = "hello_ack"
	TypeRequestOpen   = "request_open"
	TypeRequestChunk  = "request_chunk"
	TypeResponseChunk = "response_chunk"
	TypeCancel        = "cancel"
	TypeError         = "error"
	TypePing          = "ping"
	TypePong          = "pong"
)

// Error frame codes.
const (
	CodeAuthRejected       = "auth_rejected"
	CodeDraining           = "draining"
	CodeDuplicateSession   = "duplicate_session"
	CodeOverloaded         = "overloaded"
	CodeBackendUnavailable = "backend_unavailable"
	CodeTimeout            = "timeout"
	CodeCancelled          = "cancelled"
	CodeBadSequence        = "bad_sequence"
	CodePayloadTooLarge    = "payload_too_large"
	CodeUpstreamError      = "upstream_error"
)

var knownTypes = map[string]bool{
	TypeHello:         true,
	TypeHelloAck:      true,
	TypeRequestOpen:   true,
	TypeRequestChunk:  true,
	TypeResponseChunk: true,
	TypeCancel:        true,
	TypeError:         true,
	TypePing:          true,
	TypePong:          true,
}
