package flux

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	frameTypePing      = "PING"
	frameTypePong      = "PONG"
	frameTypeDatatable = "DATATABLE"

	bodyTypeNotification = "NOTIFICATION"
	bodyTypeError        = "ERROR"
	bodyTypeSubscribe    = "SUBSCRIBE"
)

// closed set of inbound frame kinds
type frameKind int

const (
	frameKindUnknown frameKind = iota
	frameKindPing
	frameKindNotification
	frameKindError
)

func (self frameKind) String() string {
	switch self {
	case frameKindPing:
		return "ping"
	case frameKindNotification:
		return "notification"
	case frameKindError:
		return "error"
	default:
		return "unknown"
	}
}

// the result of classifying one inbound text frame.
// exactly one of the payload fields is set, matching `kind`
type inboundFrame struct {
	kind         frameKind
	notification *Notification
	errorMessage *ErrorMessage
}

type rawFrame struct {
	Type string        `json:"type"`
	Body *rawFrameBody `json:"body,omitempty"`
}

type rawFrameBody struct {
	Type string          `json:"Type"`
	Data json.RawMessage `json:"Data,omitempty"`
}

// the notification body is checked against this schema before decode
// so that a frame missing the cell id or event type is rejected whole
const notificationSchemaJson = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["CellInfo", "Event"],
	"properties": {
		"CellInfo": {
			"type": "object",
			"required": ["CellId"],
			"properties": {
				"CellId": {"type": "string", "minLength": 1},
				"Metadata": {"type": ["object", "null"]},
				"ClientMetadata": {"type": ["object", "null"]}
			}
		},
		"Event": {
			"type": "object",
			"required": ["Type"],
			"properties": {
				"Type": {
					"enum": ["CELL_MODIFIED", "CELL_CREATED", "CELL_DELETED", "CELL_CLIENT_METADATA_MODIFIED"]
				},
				"Time": {"type": "number"},
				"Size": {"type": "integer"}
			}
		}
	}
}`

var notificationSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchemaJson))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notification.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("notification.json")
})

// classifies an inbound text frame. First match wins:
// ping, datatable notification, datatable error, anything else (unknown, not an error)
func parseFrame(message []byte) (*inboundFrame, error) {
	raw := &rawFrame{}
	if err := json.Unmarshal(message, raw); err != nil {
		return nil, &ProtocolParseError{Frame: string(message), Err: err}
	}

	switch {
	case raw.Type == frameTypePing:
		return &inboundFrame{kind: frameKindPing}, nil
	case raw.Type == frameTypeDatatable && raw.Body != nil && raw.Body.Type == bodyTypeNotification:
		notification, err := parseNotification(raw.Body.Data)
		if err != nil {
			return nil, &ProtocolParseError{Frame: string(message), Err: err}
		}
		return &inboundFrame{
			kind:         frameKindNotification,
			notification: notification,
		}, nil
	case raw.Type == frameTypeDatatable && raw.Body != nil && raw.Body.Type == bodyTypeError:
		return &inboundFrame{
			kind: frameKindError,
			errorMessage: &ErrorMessage{
				Message: parseErrorData(raw.Body.Data),
			},
		}, nil
	default:
		return &inboundFrame{kind: frameKindUnknown}, nil
	}
}

func parseNotification(data json.RawMessage) (*Notification, error) {
	if len(data) == 0 {
		return nil, errors.New("missing notification data")
	}
	schema, err := notificationSchema()
	if err != nil {
		return nil, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("invalid notification: %w", err)
	}

	notification := &Notification{}
	if err := json.Unmarshal(data, notification); err != nil {
		return nil, err
	}
	return notification, nil
}

// the error data is documented as a string. Anything else is kept as its json text.
func parseErrorData(data json.RawMessage) string {
	var message string
	if err := json.Unmarshal(data, &message); err == nil {
		return message
	}
	return strings.TrimSpace(string(data))
}

type subscribeFrame struct {
	Type string             `json:"type"`
	Body subscribeFrameBody `json:"body"`
}

type subscribeFrameBody struct {
	Type string             `json:"Type"`
	Data subscribeFrameData `json:"Data"`
}

type subscribeFrameData struct {
	Types []string `json:"Types"`
}

// `{"type":"DATATABLE","body":{"Type":"SUBSCRIBE","Data":{"Types":[...]}}}`
func subscribeMessage(types NotificationType) string {
	frame := &subscribeFrame{
		Type: frameTypeDatatable,
		Body: subscribeFrameBody{
			Type: bodyTypeSubscribe,
			Data: subscribeFrameData{
				Types: types.Names(),
			},
		},
	}
	frameJson, _ := json.Marshal(frame)
	return string(frameJson)
}

// `{"type":"PONG"}`
func pongMessage() string {
	frameJson, _ := json.Marshal(&rawFrame{Type: frameTypePong})
	return string(frameJson)
}
