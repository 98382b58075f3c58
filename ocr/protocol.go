package ocr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luolangaga/asgocr/config"
)

// Message types of unsolicited worker lines.
const (
	TypeReady = "ready"
	TypeFatal = "fatal"
)

// Request is one line sent to a worker.
type Request struct {
	ID        int64  `json:"id"`
	ImagePath string `json:"image_path"`
}

// Message is any line a worker may print: a response (ID set) or an
// unsolicited ready/fatal notice (Type set).
type Message struct {
	Type      string   `json:"type,omitempty"`
	ID        *int64   `json:"id,omitempty"`
	OK        *bool    `json:"ok,omitempty"`
	Text      string   `json:"text,omitempty"`
	Error     string   `json:"error,omitempty"`
	Code      string   `json:"code,omitempty"`
	Language  string   `json:"language,omitempty"`
	Languages []string `json:"languages,omitempty"`
	GPU       *bool    `json:"gpu,omitempty"`
}

// IsResponse reports whether m answers a request.
func (m Message) IsResponse() bool { return m.ID != nil && m.Type == "" }

// Succeeded reports whether a response carries recognized text.
func (m Message) Succeeded() bool { return m.OK != nil && *m.OK }

var errMalformed = errors.New("malformed worker line")

// DecodeMessage parses one protocol line. Lines that are not JSON objects or
// that are neither responses nor known notices are malformed.
func DecodeMessage(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	line = bytes.TrimPrefix(line, []byte("\xef\xbb\xbf"))
	if len(line) == 0 || line[0] != '{' {
		return Message{}, errMalformed
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	switch {
	case m.Type == TypeReady || m.Type == TypeFatal:
		return m, nil
	case m.Type == "" && m.ID != nil:
		return m, nil
	default:
		return Message{}, errMalformed
	}
}

// EncodeLine marshals v followed by a newline.
func EncodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// failure converts a failed response or fatal notice into an error.
func (m Message) failure(engine config.Engine) error {
	if m.Code == CodeCapabilityMissing {
		capability := m.Language
		if capability == "" {
			capability = "language"
		}
		return &CapabilityMissingError{
			Engine:     engine,
			Capability: capability,
			Available:  append([]string(nil), m.Languages...),
			Detail:     m.Error,
		}
	}
	msg := m.Error
	if msg == "" {
		msg = "unknown error"
	}
	if m.Type == TypeFatal {
		return &WorkerProtocolError{Engine: engine, Op: "fatal", Err: errors.New(msg)}
	}
	return &RecognitionError{Engine: engine, Message: msg}
}

func decodeRequest(line string) (Request, bool) {
	var raw struct {
		ID        *int64 `json:"id"`
		ImagePath string `json:"image_path"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil || raw.ID == nil {
		return Request{}, false
	}
	return Request{ID: *raw.ID, ImagePath: raw.ImagePath}, true
}
