package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Message is the envelope for everything crossing the sandbox boundary
type Message struct {
	Type      MessageType     `json:"type"`
	ModuleID  string          `json:"moduleId"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Response is the uniform payload of every reply
type Response struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode ErrorCode      `json:"errorCode,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// BridgeCall is the payload of a BRIDGE_REQUEST: one logical operation
type BridgeCall struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResizePayload is the payload of MODULE_RESIZE
type ResizePayload struct {
	Height int `json:"height"`
	Width  int `json:"width,omitempty"`
}

// ModuleErrorPayload is the payload of MODULE_ERROR
type ModuleErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

var ErrEmptyPayload = errors.New("empty payload")

// Now returns the envelope timestamp for the current instant (unix millis)
func Now() int64 {
	return time.Now().UnixMilli()
}

// NewMessage builds an envelope, encoding payload when it is not nil
func NewMessage(t MessageType, moduleID, requestID string, payload any) (Message, error) {
	msg := Message{
		Type:      t,
		ModuleID:  moduleID,
		RequestID: requestID,
		Timestamp: Now(),
	}
	if payload != nil {
		raw, err := encodePayload(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// MustMessage is NewMessage for payloads known to encode
func MustMessage(t MessageType, moduleID, requestID string, payload any) Message {
	msg, err := NewMessage(t, moduleID, requestID, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Reply answers req with resp. The request id is echoed, never re-minted.
func Reply(req Message, resp Response) Message {
	msg := Message{
		Type:      req.Type.ResponseType(),
		ModuleID:  req.ModuleID,
		RequestID: req.RequestID,
		Timestamp: Now(),
	}
	raw, err := encodePayload(resp)
	if err != nil {
		raw, _ = encodePayload(Fail(CodeInternalError, "response not encodable"))
	}
	msg.Payload = raw
	return msg
}

// OK builds a success response
func OK(data any) Response {
	return Response{Success: true, Data: data}
}

// Fail builds a failure response
func Fail(code ErrorCode, message string) Response {
	return Response{Success: false, Error: message, ErrorCode: code}
}

// Failf builds a failure response with a formatted message
func Failf(code ErrorCode, format string, args ...any) Response {
	return Fail(code, fmt.Sprintf(format, args...))
}

// WithDetails attaches structured detail to a response
func (r Response) WithDetails(details map[string]any) Response {
	r.Details = details
	return r
}

// DecodePayload unmarshals the message payload into v
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return ErrEmptyPayload
	}
	return sonic.Unmarshal(m.Payload, v)
}

// Response decodes the payload as a Response
func (m Message) Response() (Response, error) {
	var resp Response
	if err := m.DecodePayload(&resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Encode serializes a message for a channel
func Encode(m Message) ([]byte, error) {
	return sonic.Marshal(m)
}

// Decode parses a message from a channel
func Decode(data []byte) (Message, error) {
	var m Message
	if err := sonic.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, errors.New("decode message: missing type")
	}
	return m, nil
}

func encodePayload(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
