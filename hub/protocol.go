package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"schoolchat/models"
)

// recordSeparator terminates every JSON hub protocol record.
const recordSeparator = 0x1e

// Hub protocol message types.
const (
	typeInvocation       = 1
	typeStreamItem       = 2
	typeCompletion       = 3
	typeStreamInvocation = 4
	typeCancelInvocation = 5
	typePing             = 6
	typeClose            = 7
)

// EventType names a push event; values are the hub method targets.
type EventType string

const (
	// EventMessageReceived carries a newly sent message.
	EventMessageReceived EventType = "ReceiveMessage"
	// EventMessageUpdated carries an edited message.
	EventMessageUpdated EventType = "MessageUpdated"
	// EventMessageDeleted carries the id of a deleted message.
	EventMessageDeleted EventType = "MessageDeleted"
)

// Event is one push notification. Message is set for received/updated
// events, MessageID for all three.
type Event struct {
	Type      EventType
	Message   models.Message
	MessageID int64
}

type hubMessage struct {
	Type           int               `json:"type"`
	Target         string            `json:"target,omitempty"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

type negotiateResponse struct {
	ConnectionID     string `json:"connectionId"`
	ConnectionToken  string `json:"connectionToken"`
	NegotiateVersion int    `json:"negotiateVersion"`
	URL              string `json:"url,omitempty"`
	AccessToken      string `json:"accessToken,omitempty"`
	Error            string `json:"error,omitempty"`
}

// encodeRecord marshals v and appends the record separator.
func encodeRecord(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode hub record: %w", err)
	}
	return append(raw, recordSeparator), nil
}

// splitRecords splits one transport frame into records. A frame must end
// with a separator.
func splitRecords(frame []byte) ([][]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	if frame[len(frame)-1] != recordSeparator {
		return nil, errors.New("hub frame is missing the record separator")
	}

	parts := bytes.Split(frame[:len(frame)-1], []byte{recordSeparator})
	records := make([][]byte, 0, len(parts))
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		records = append(records, part)
	}
	return records, nil
}

func decodeMessage(record []byte) (hubMessage, error) {
	var msg hubMessage
	if err := json.Unmarshal(record, &msg); err != nil {
		return hubMessage{}, fmt.Errorf("decode hub message: %w", err)
	}
	if msg.Type == 0 {
		return hubMessage{}, errors.New("decode hub message: missing type")
	}
	return msg, nil
}

// decodeEvent maps an invocation to an Event. ok is false for targets the
// client does not handle.
func decodeEvent(msg hubMessage) (Event, bool, error) {
	target := EventType(msg.Target)
	switch target {
	case EventMessageReceived, EventMessageUpdated:
		if len(msg.Arguments) < 1 {
			return Event{}, false, fmt.Errorf("%s: missing message argument", target)
		}
		var message models.Message
		if err := json.Unmarshal(msg.Arguments[0], &message); err != nil {
			return Event{}, false, fmt.Errorf("%s: decode message: %w", target, err)
		}
		if message.ID == 0 {
			return Event{}, false, fmt.Errorf("%s: message has no id", target)
		}
		return Event{Type: target, Message: message, MessageID: message.ID}, true, nil
	case EventMessageDeleted:
		if len(msg.Arguments) < 1 {
			return Event{}, false, fmt.Errorf("%s: missing id argument", target)
		}
		id, err := decodeID(msg.Arguments[0])
		if err != nil {
			return Event{}, false, fmt.Errorf("%s: %w", target, err)
		}
		return Event{Type: target, MessageID: id}, true, nil
	default:
		return Event{}, false, nil
	}
}

// decodeID accepts numeric and string-encoded ids.
func decodeID(raw json.RawMessage) (int64, error) {
	var number int64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, fmt.Errorf("decode message id %s: %w", raw, err)
	}
	number, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode message id %q: %w", text, err)
	}
	return number, nil
}
