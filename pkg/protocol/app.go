package protocol

// Application actions understood by every node.
const (
	ActionEcho = "echo"
	ActionChat = "chat"
)

// AppRequest is the decrypted payload of a data message.
type AppRequest struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// AppResponse is the decrypted payload of a response message.
type AppResponse struct {
	EchoedMessage string `json:"echoedMessage,omitempty"`
	OK            *bool  `json:"ok,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Succeeded reports whether the response carries no error.
func (r *AppResponse) Succeeded() bool {
	return r.Error == "" && (r.OK == nil || *r.OK)
}

// OKResponse returns {ok: true}.
func OKResponse() *AppResponse {
	ok := true
	return &AppResponse{OK: &ok}
}

// ErrorResponse returns {error: msg, ok: false}.
func ErrorResponse(msg string) *AppResponse {
	ok := false
	return &AppResponse{OK: &ok, Error: msg}
}
