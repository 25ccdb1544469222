package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaydoc/internal/document"
	"github.com/agentworkforce/relaydoc/internal/presence"
	"github.com/agentworkforce/relaydoc/internal/relaydoc"
)

// Inbound websocket message types.
const (
	MessageEdit      = "edit"
	MessageCursor    = "cursor"
	MessageSelection = "selection"
	MessageHeartbeat = "heartbeat"
	MessageReconnect = "reconnect"
	MessageLeave     = "leave"
)

// Outbound websocket frame types.
const (
	FrameWelcome  = "welcome"
	FrameAck      = "ack"
	FrameChange   = "change"
	FramePresence = "presence"
	FrameReplay   = "replay"
	FrameError    = "error"
)

// ClientMessage is one frame sent by a client. Which fields are set depends
// on Type; the schema below enforces the combinations.
type ClientMessage struct {
	Type             string             `json:"type"`
	RequestID        string             `json:"requestId,omitempty"`
	Intent           *relaydoc.Intent   `json:"intent,omitempty"`
	Position         *document.Position `json:"position,omitempty"`
	Anchor           *document.Position `json:"anchor,omitempty"`
	Head             *document.Position `json:"head,omitempty"`
	LastKnownVersion *uint64            `json:"lastKnownVersion,omitempty"`
}

// ServerFrame is one frame sent to a client.
type ServerFrame struct {
	Type      string                     `json:"type"`
	RequestID string                     `json:"requestId,omitempty"`
	Session   *relaydoc.Session          `json:"session,omitempty"`
	Snapshot  *relaydoc.DocumentSnapshot `json:"snapshot,omitempty"`
	Ack       *relaydoc.Ack              `json:"ack,omitempty"`
	Change    *relaydoc.Change           `json:"change,omitempty"`
	Presence  []presence.Delta           `json:"presence,omitempty"`
	Replay    *relaydoc.Replay           `json:"replay,omitempty"`
	Error     *ErrorFrame                `json:"error,omitempty"`
}

type ErrorFrame struct {
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Resync  bool             `json:"resync,omitempty"`
	OpID    *document.CharID `json:"opId,omitempty"`
}

const clientMessageSchemaURL = "https://relaydoc.dev/schemas/client-message.json"

const clientMessageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["edit", "cursor", "selection", "heartbeat", "reconnect", "leave"]},
    "requestId": {"type": "string", "maxLength": 128}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "edit"}}},
      "then": {"required": ["intent"], "properties": {"intent": {"$ref": "#/$defs/intent"}}}
    },
    {
      "if": {"properties": {"type": {"const": "cursor"}}},
      "then": {"required": ["position"], "properties": {"position": {"$ref": "#/$defs/position"}}}
    },
    {
      "if": {"properties": {"type": {"const": "selection"}}},
      "then": {
        "required": ["anchor", "head"],
        "properties": {"anchor": {"$ref": "#/$defs/position"}, "head": {"$ref": "#/$defs/position"}}
      }
    },
    {
      "if": {"properties": {"type": {"const": "reconnect"}}},
      "then": {"required": ["lastKnownVersion"], "properties": {"lastKnownVersion": {"type": "integer", "minimum": 0}}}
    }
  ],
  "$defs": {
    "charId": {
      "type": "object",
      "required": ["site", "seq"],
      "properties": {
        "site": {"type": "string", "maxLength": 128},
        "seq": {"type": "integer", "minimum": 0}
      }
    },
    "position": {
      "type": "object",
      "minProperties": 1,
      "maxProperties": 1,
      "properties": {
        "anchor": {"$ref": "#/$defs/charId"},
        "offset": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    },
    "operation": {
      "type": "object",
      "required": ["id", "kind", "target", "clock"],
      "properties": {
        "id": {"$ref": "#/$defs/charId"},
        "kind": {"enum": ["insert", "delete"]},
        "target": {"$ref": "#/$defs/charId"},
        "value": {"type": "string"},
        "clock": {"type": "integer", "minimum": 1},
        "context": {"type": "object", "additionalProperties": {"type": "integer", "minimum": 0}}
      }
    },
    "intent": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"enum": ["insert", "delete", "operations"]},
        "position": {"$ref": "#/$defs/position"},
        "text": {"type": "string", "maxLength": 65536},
        "length": {"type": "integer", "minimum": 1},
        "operations": {"type": "array", "minItems": 1, "maxItems": 4096, "items": {"$ref": "#/$defs/operation"}}
      }
    }
  }
}`

// messageValidator checks raw client frames against the message schema
// before they are decoded into typed messages.
type messageValidator struct {
	schema *jsonschema.Schema
}

func newMessageValidator() (*messageValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(clientMessageSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(clientMessageSchemaURL, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(clientMessageSchemaURL)
	if err != nil {
		return nil, err
	}
	return &messageValidator{schema: schema}, nil
}

func mustMessageValidator() *messageValidator {
	v, err := newMessageValidator()
	if err != nil {
		panic(fmt.Sprintf("httpapi: compile client message schema: %v", err))
	}
	return v
}

// Decode validates data and decodes it into a ClientMessage. Errors are
// reported to the client as invalid_input.
func (v *messageValidator) Decode(data []byte) (ClientMessage, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return ClientMessage{}, fmt.Errorf("%w: malformed json", relaydoc.ErrInvalidInput)
	}
	if err := v.schema.Validate(inst); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", relaydoc.ErrInvalidInput, err)
	}
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", relaydoc.ErrInvalidInput, err)
	}
	return msg, nil
}
