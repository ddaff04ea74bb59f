// Package worker runs glTF analyses behind an asynchronous request/response
// protocol. Callers push analyze and cancel requests and pull stats and
// error responses, correlating them by request id.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Faultbox/modelstats/internal/analyzer"
)

// MessageType names a protocol envelope.
type MessageType string

// Request types.
const (
	TypeAnalyze MessageType = "analyze"
	TypeCancel  MessageType = "cancel"
)

// Response types.
const (
	TypeStats MessageType = "stats"
	TypeError MessageType = "error"
)

// Message errors.
var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMissingURL  = errors.New("analyze request without url")
)

// Request is an inbound envelope.
type Request struct {
	Type      MessageType       `json:"type"`
	RequestID int64             `json:"requestId"`
	URL       string            `json:"url,omitempty"`
	FileMap   map[string]string `json:"fileMap,omitempty"`
}

// AnalyzeRequest builds an analyze envelope.
func AnalyzeRequest(id int64, url string, fileMap map[string]string) Request {
	return Request{Type: TypeAnalyze, RequestID: id, URL: url, FileMap: fileMap}
}

// CancelRequest builds a cancel envelope.
func CancelRequest(id int64) Request {
	return Request{Type: TypeCancel, RequestID: id}
}

// Validate checks the envelope's type and required fields.
func (r Request) Validate() error {
	switch r.Type {
	case TypeAnalyze:
		if r.URL == "" {
			return fmt.Errorf("request %d: %w", r.RequestID, ErrMissingURL)
		}
		return nil
	case TypeCancel:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}
}

// DecodeRequest parses and validates a JSON request envelope. A request
// that parses but fails validation is returned along with the error so its
// id can be echoed.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", err)
	}
	return req, req.Validate()
}

// Response is an outbound envelope. Stats is set for stats responses and
// Message for error responses.
type Response struct {
	Type      MessageType     `json:"type"`
	RequestID int64           `json:"requestId"`
	Stats     *analyzer.Stats `json:"stats,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// StatsResponse builds a stats envelope.
func StatsResponse(id int64, stats analyzer.Stats) Response {
	return Response{Type: TypeStats, RequestID: id, Stats: &stats}
}

// ErrorResponse builds an error envelope.
func ErrorResponse(id int64, message string) Response {
	return Response{Type: TypeError, RequestID: id, Message: message}
}

// Encode serializes the envelope as JSON.
func (r Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}
