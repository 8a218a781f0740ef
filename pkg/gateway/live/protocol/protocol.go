package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Realtime event types the relay inspects. Everything else passes through
// without being decoded past the envelope.
const (
	TypeSessionUpdate          = "session.update"
	TypeSessionCreated         = "session.created"
	TypeSessionUpdated         = "session.updated"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
	TypeResponseCreated        = "response.created"
	TypeResponseDone           = "response.done"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
	TypeInputAudioBufferCommit = "input_audio_buffer.commit"
	TypeInputAudioBufferClear  = "input_audio_buffer.clear"
	TypeConversationItemCreate = "conversation.item.create"
	TypeError                  = "error"

	// TypeRelayWarning is the only event type the relay itself originates
	// besides error.
	TypeRelayWarning = "relay.warning"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Event is a decoded realtime event envelope. Raw holds the original frame,
// which is what gets forwarded when the relay does not rewrite the event.
type Event struct {
	Type    string
	EventID string
	Raw     []byte

	// ErrorEventID is error.event_id on upstream error events: the id of the
	// client event that caused the error.
	ErrorEventID string
	ErrorCode    string
	ErrorMessage string
}

// DecodeEvent reads the event envelope. Keys are matched exactly; an object
// holding two keys that differ only in case is rejected, since receivers
// disagree on which one wins.
func DecodeEvent(data []byte) (Event, error) {
	top, err := decodeObject(data)
	if err != nil {
		return Event{}, err
	}
	var typ string
	if raw, ok := top["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return Event{}, badRequest("type must be a string", "type")
		}
	}
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return Event{}, badRequest("missing type", "type")
	}
	ev := Event{
		Type:    typ,
		EventID: stringField(top, "event_id"),
		Raw:     data,
	}
	if typ == TypeError {
		if raw, ok := top["error"]; ok && string(raw) != "null" {
			detail, err := decodeObject(raw)
			if err != nil {
				return Event{}, err
			}
			ev.ErrorEventID = stringField(detail, "event_id")
			ev.ErrorCode = stringField(detail, "code")
			ev.ErrorMessage = stringField(detail, "message")
		}
	}
	return ev, nil
}

// decodeObject splits a JSON object into its top-level members.
func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	if !json.Valid(data) {
		return nil, badRequest("invalid json frame", "")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, badRequest("frame must be a json object", "")
	}
	out := make(map[string]json.RawMessage)
	seen := make(map[string]string)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, badRequest("invalid json frame", "")
		}
		key, _ := tok.(string)
		folded := foldKey(key)
		if prev, dup := seen[folded]; dup {
			return nil, badRequest(fmt.Sprintf("ambiguous keys %q and %q", prev, key), key)
		}
		seen[folded] = key
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, badRequest("invalid json frame", "")
		}
		out[key] = raw
	}
	return out, nil
}

func foldKey(key string) string {
	return strings.ToLower(strings.ToUpper(key))
}

func stringField(obj map[string]json.RawMessage, key string) string {
	var v string
	if raw, ok := obj[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

// SessionConfig is the server-controlled part of the upstream session. Zero
// fields are not enforced.
type SessionConfig struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
}

func (c SessionConfig) fields() (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

func NewSessionUpdate(cfg SessionConfig, eventID string) ([]byte, error) {
	return json.Marshal(sessionUpdate{
		Type:    TypeSessionUpdate,
		EventID: eventID,
		Session: cfg,
	})
}

// EnforceSessionUpdate overwrites the enforced fields of a client
// session.update. Client fields cfg does not cover are kept as sent.
func EnforceSessionUpdate(ev Event, cfg SessionConfig) ([]byte, error) {
	if ev.Type != TypeSessionUpdate {
		return nil, badRequest("not a session.update event", "type")
	}
	top, err := decodeObject(ev.Raw)
	if err != nil {
		return nil, err
	}

	session := make(map[string]json.RawMessage)
	if raw, ok := top["session"]; ok && len(raw) > 0 && string(raw) != "null" {
		if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, badRequest("session must be an object", "session")
		}
		if session, err = decodeObject(raw); err != nil {
			return nil, err
		}
	}

	enforced, err := cfg.fields()
	if err != nil {
		return nil, fmt.Errorf("encode session config: %w", err)
	}
	for k := range session {
		if _, ok := enforced[foldKey(k)]; ok {
			delete(session, k)
		}
	}
	for k, v := range enforced {
		session[k] = v
	}

	sessionRaw, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	top["session"] = sessionRaw
	return json.Marshal(top)
}

type ResponseOptions struct {
	Instructions string `json:"instructions,omitempty"`
}

type responseCreate struct {
	Type     string           `json:"type"`
	EventID  string           `json:"event_id,omitempty"`
	Response *ResponseOptions `json:"response,omitempty"`
}

func NewResponseCreate(instructions, eventID string) ([]byte, error) {
	msg := responseCreate{Type: TypeResponseCreate, EventID: eventID}
	if strings.TrimSpace(instructions) != "" {
		msg.Response = &ResponseOptions{Instructions: instructions}
	}
	return json.Marshal(msg)
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

// ErrorEvent is a relay-originated error, shaped like upstream error events
// so browser clients handle both the same way.
type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

func NewError(code, message, eventID string) ErrorEvent {
	return ErrorEvent{
		Type: TypeError,
		Error: ErrorDetail{
			Type:    "relay_error",
			Code:    code,
			Message: message,
			EventID: eventID,
		},
	}
}

type WarningEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewWarning(code, message string) WarningEvent {
	return WarningEvent{Type: TypeRelayWarning, Code: code, Message: message}
}
