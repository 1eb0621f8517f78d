package hub

import (
	"encoding/json"
	"testing"
)

func TestSplitRecords(t *testing.T) {
	frame := []byte("{\"type\":6}\x1e{\"type\":1,\"target\":\"MessageDeleted\",\"arguments\":[5]}\x1e")

	records, err := splitRecords(frame)
	if err != nil {
		t.Fatalf("splitRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	if _, err := splitRecords([]byte(`{"type":6}`)); err == nil {
		t.Fatalf("expected unterminated frame to be rejected")
	}
}

func TestDecodeEventVariants(t *testing.T) {
	cases := []struct {
		name   string
		record string
		want   Event
		ok     bool
	}{
		{
			name:   "received",
			record: `{"type":1,"target":"ReceiveMessage","arguments":[{"id":11,"content":"hi","sentAt":"2024-01-01T10:00:00Z","senderId":7,"senderName":"Bo","isFromCurrentUser":true}]}`,
			want:   Event{Type: EventMessageReceived, MessageID: 11},
			ok:     true,
		},
		{
			name:   "deleted numeric",
			record: `{"type":1,"target":"MessageDeleted","arguments":[12]}`,
			want:   Event{Type: EventMessageDeleted, MessageID: 12},
			ok:     true,
		},
		{
			name:   "deleted string",
			record: `{"type":1,"target":"MessageDeleted","arguments":["13"]}`,
			want:   Event{Type: EventMessageDeleted, MessageID: 13},
			ok:     true,
		},
		{
			name:   "unknown target",
			record: `{"type":1,"target":"UserTyping","arguments":[1]}`,
			ok:     false,
		},
	}

	for _, tc := range cases {
		msg, err := decodeMessage([]byte(tc.record))
		if err != nil {
			t.Fatalf("%s: decodeMessage failed: %v", tc.name, err)
		}
		event, ok, err := decodeEvent(msg)
		if err != nil {
			t.Fatalf("%s: decodeEvent failed: %v", tc.name, err)
		}
		if ok != tc.ok {
			t.Fatalf("%s: expected ok=%v, got %v", tc.name, tc.ok, ok)
		}
		if !ok {
			continue
		}
		if event.Type != tc.want.Type || event.MessageID != tc.want.MessageID {
			t.Fatalf("%s: unexpected event %+v", tc.name, event)
		}
		if event.Message.FromCurrentUser {
			t.Fatalf("%s: expected server ownership flag to be ignored", tc.name)
		}
	}
}

func TestDecodeEventRejectsMalformedArguments(t *testing.T) {
	bad := []string{
		`{"type":1,"target":"ReceiveMessage","arguments":[]}`,
		`{"type":1,"target":"MessageUpdated","arguments":[{"content":"no id"}]}`,
		`{"type":1,"target":"MessageDeleted","arguments":["x"]}`,
	}
	for _, record := range bad {
		msg, err := decodeMessage([]byte(record))
		if err != nil {
			t.Fatalf("decodeMessage(%s) failed: %v", record, err)
		}
		if _, _, err := decodeEvent(msg); err == nil {
			t.Fatalf("expected decodeEvent(%s) to fail", record)
		}
	}
}

func TestEncodeRecordAppendsSeparator(t *testing.T) {
	raw, err := encodeRecord(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		t.Fatalf("encodeRecord failed: %v", err)
	}
	if raw[len(raw)-1] != recordSeparator {
		t.Fatalf("expected trailing record separator")
	}
	var decoded handshakeRequest
	if err := json.Unmarshal(raw[:len(raw)-1], &decoded); err != nil {
		t.Fatalf("decode handshake: %v", err)
	}
	if decoded.Protocol != "json" || decoded.Version != 1 {
		t.Fatalf("unexpected handshake %+v", decoded)
	}
}
