package tdapi

import (
	"errors"
	"testing"

	"github.com/tidwall/gjson"
)

func TestEncodeCallCarriesTypeAndExtra(t *testing.T) {
	data, err := EncodeCall(42, &GetChatHistory{ChatID: 7, FromMessageID: 100, Limit: 30})
	if err != nil {
		t.Fatalf("EncodeCall: %v", err)
	}
	fields := gjson.ParseBytes(data).Map()
	if got := fields["@type"].String(); got != "getChatHistory" {
		t.Fatalf("expected @type getChatHistory, got %q", got)
	}
	if got := fields["@extra"].Uint(); got != 42 {
		t.Fatalf("expected @extra 42, got %d", got)
	}
	if got := fields["from_message_id"].Int(); got != 100 {
		t.Fatalf("expected from_message_id 100, got %d", got)
	}
}

func TestDecodeItemUpdateHasNoRequestID(t *testing.T) {
	raw := []byte(`{"@type":"updateNewMessage","message":{"id":9,"chat_id":3,"is_outgoing":true,"content":{"kind":"text","text":"hi"}}}`)
	item, err := DecodeItem(raw)
	if err != nil {
		t.Fatalf("DecodeItem: %v", err)
	}
	if !item.IsUpdate() {
		t.Fatalf("expected an update, got request id %d", item.RequestID)
	}
	upd, ok := item.Object.(*UpdateNewMessage)
	if !ok {
		t.Fatalf("expected *UpdateNewMessage, got %T", item.Object)
	}
	if upd.Message.ID != 9 || upd.Message.ChatID != 3 || !upd.Message.IsOutgoing || upd.Message.Content.Text != "hi" {
		t.Fatalf("unexpected message %+v", upd.Message)
	}
}

func TestDecodeItemUnknownTypeKeepsRequestID(t *testing.T) {
	item, err := DecodeItem([]byte(`{"@type":"somethingNew","@extra":17}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if item.RequestID != 17 {
		t.Fatalf("expected request id 17, got %d", item.RequestID)
	}
}

func TestDecodeItemRejectsGarbage(t *testing.T) {
	for _, raw := range []string{`not json`, `[1,2]`} {
		if _, err := DecodeItem([]byte(raw)); !errors.Is(err, ErrMalformedItem) {
			t.Fatalf("expected ErrMalformedItem for %q, got %v", raw, err)
		}
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	data, err := EncodeItem(Item{RequestID: 5, Object: &Error{Code: 400, Message: "MESSAGE_NOT_FOUND"}})
	if err != nil {
		t.Fatalf("EncodeItem: %v", err)
	}
	item, err := DecodeItem(data)
	if err != nil {
		t.Fatalf("DecodeItem: %v", err)
	}
	tdErr, ok := item.Object.(*Error)
	if !ok || tdErr.Code != 400 || item.RequestID != 5 {
		t.Fatalf("unexpected item %+v", item)
	}
}
