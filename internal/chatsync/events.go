package chatsync

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type EventType string

const (
	EventNewMessage      EventType = "new-message"
	EventReadReceipt     EventType = "read-receipt"
	EventSummaryChanged  EventType = "conversation-summary-changed"
	EventPresenceChanged EventType = "presence-changed"
)

// Event is the closed set of inbound push events.
type Event interface {
	Type() EventType
	Conversation() string
	isEvent()
}

type NewMessageEvent struct {
	Message Message
}

type ReadReceiptEvent struct {
	Receipt ReadReceipt
}

type SummaryChangedEvent struct {
	Delta SummaryDelta
}

type PresenceChangedEvent struct {
	Presence Presence
}

// UnknownEvent carries an envelope whose type this client does not handle.
type UnknownEvent struct {
	RawType        string
	ConversationID string
	Payload        json.RawMessage
}

func (NewMessageEvent) Type() EventType      { return EventNewMessage }
func (ReadReceiptEvent) Type() EventType     { return EventReadReceipt }
func (SummaryChangedEvent) Type() EventType  { return EventSummaryChanged }
func (PresenceChangedEvent) Type() EventType { return EventPresenceChanged }
func (e UnknownEvent) Type() EventType       { return EventType(e.RawType) }

func (e NewMessageEvent) Conversation() string      { return e.Message.ConversationID }
func (e ReadReceiptEvent) Conversation() string     { return e.Receipt.ConversationID }
func (e SummaryChangedEvent) Conversation() string  { return e.Delta.ConversationID }
func (e PresenceChangedEvent) Conversation() string { return "" }
func (e UnknownEvent) Conversation() string         { return e.ConversationID }

func (NewMessageEvent) isEvent()      {}
func (ReadReceiptEvent) isEvent()     {}
func (SummaryChangedEvent) isEvent()  {}
func (PresenceChangedEvent) isEvent() {}
func (UnknownEvent) isEvent()         {}

// Envelope is the wire frame shared by push events and send acknowledgements.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

const envelopeSchemaURL = "https://relaychat.dev/schemas/envelope.json"

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "conversationId": {"type": "string"},
    "payload": {"type": "object"}
  },
  "allOf": [
    {
      "if": {"required": ["type"], "properties": {"type": {"const": "new-message"}}},
      "then": {
        "required": ["payload"],
        "properties": {"payload": {
          "required": ["sequenceNumber", "senderId"],
          "properties": {
            "sequenceNumber": {"type": "integer", "minimum": 0},
            "senderId": {"type": "string", "minLength": 1},
            "conversationId": {"type": "string"},
            "correlationId": {"type": "string"}
          }
        }}
      }
    },
    {
      "if": {"required": ["type"], "properties": {"type": {"const": "read-receipt"}}},
      "then": {
        "required": ["payload"],
        "properties": {"payload": {
          "required": ["readerId"],
          "properties": {
            "readerId": {"type": "string", "minLength": 1},
            "messageIds": {"type": "array", "items": {"type": "string"}},
            "upToSequence": {"type": "integer", "minimum": 0}
          }
        }}
      }
    },
    {
      "if": {"required": ["type"], "properties": {"type": {"const": "conversation-summary-changed"}}},
      "then": {
        "required": ["payload"],
        "properties": {"payload": {
          "properties": {
            "removed": {"type": "boolean"},
            "conversation": {
              "type": "object",
              "properties": {"unreadCount": {"type": "integer", "minimum": 0}}
            }
          }
        }}
      }
    },
    {
      "if": {"required": ["type"], "properties": {"type": {"const": "presence-changed"}}},
      "then": {
        "required": ["payload"],
        "properties": {"payload": {
          "required": ["userId", "online"],
          "properties": {
            "userId": {"type": "string", "minLength": 1},
            "online": {"type": "boolean"}
          }
        }}
      }
    }
  ]
}`

var (
	envelopeSchemaOnce     sync.Once
	envelopeSchemaCompiled *jsonschema.Schema
	envelopeSchemaErr      error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			envelopeSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(envelopeSchemaURL, doc); err != nil {
			envelopeSchemaErr = err
			return
		}
		envelopeSchemaCompiled, envelopeSchemaErr = compiler.Compile(envelopeSchemaURL)
	})
	return envelopeSchemaCompiled, envelopeSchemaErr
}

// DecodeEnvelope validates a raw frame and returns its envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return Envelope{}, errors.Wrap(err, "compile envelope schema")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Envelope{}, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	if err := schema.Validate(inst); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	return env, nil
}

// DecodeEvent validates and decodes one push frame.
func DecodeEvent(data []byte) (Event, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	return EventFromEnvelope(env)
}

func EventFromEnvelope(env Envelope) (Event, error) {
	switch EventType(env.Type) {
	case EventNewMessage:
		var msg Message
		if err := decodePayload(env, &msg); err != nil {
			return nil, err
		}
		if msg.ConversationID == "" {
			msg.ConversationID = env.ConversationID
		}
		if msg.ConversationID == "" {
			return nil, errors.Wrap(ErrMalformedEvent, "new-message without conversation")
		}
		return NewMessageEvent{Message: normalizeServerMessage(msg)}, nil
	case EventReadReceipt:
		var receipt ReadReceipt
		if err := decodePayload(env, &receipt); err != nil {
			return nil, err
		}
		if receipt.ConversationID == "" {
			receipt.ConversationID = env.ConversationID
		}
		return ReadReceiptEvent{Receipt: receipt}, nil
	case EventSummaryChanged:
		var delta SummaryDelta
		if err := decodePayload(env, &delta); err != nil {
			return nil, err
		}
		if delta.ConversationID == "" {
			delta.ConversationID = env.ConversationID
		}
		if delta.ConversationID == "" && delta.Summary != nil {
			delta.ConversationID = delta.Summary.ID
		}
		if delta.ConversationID == "" {
			return nil, errors.Wrap(ErrMalformedEvent, "summary change without conversation")
		}
		return SummaryChangedEvent{Delta: delta}, nil
	case EventPresenceChanged:
		var presence Presence
		if err := decodePayload(env, &presence); err != nil {
			return nil, err
		}
		return PresenceChangedEvent{Presence: presence}, nil
	default:
		return UnknownEvent{RawType: env.Type, ConversationID: env.ConversationID, Payload: env.Payload}, nil
	}
}

func decodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return errors.Wrapf(ErrMalformedEvent, "%s without payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return errors.Wrapf(ErrMalformedEvent, "%s payload: %v", env.Type, err)
	}
	return nil
}
