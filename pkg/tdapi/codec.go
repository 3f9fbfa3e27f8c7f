package tdapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Item is one inbound unit from the backend. RequestID is zero for updates.
type Item struct {
	RequestID RequestID
	Object    Object
}

func (i Item) IsUpdate() bool {
	return i.RequestID == 0
}

// Transport carries calls to the backend and items back from it.
type Transport interface {
	Send(ctx context.Context, id RequestID, call Call) error
	Receive(ctx context.Context) (Item, error)
	Close() error
}

var (
	ErrMalformedItem = errors.New("malformed backend item")
	ErrUnknownType   = errors.New("unknown backend object type")
)

var objectTypes = map[string]func() Object{
	"ok":                         func() Object { return &Ok{} },
	"error":                      func() Object { return &Error{} },
	"file":                       func() Object { return &File{} },
	"message":                    func() Object { return &Message{} },
	"messages":                   func() Object { return &Messages{} },
	"chat":                       func() Object { return &Chat{} },
	"user":                       func() Object { return &User{} },
	"basicGroupFullInfo":         func() Object { return &BasicGroupFullInfo{} },
	"supergroupFullInfo":         func() Object { return &SupergroupFullInfo{} },
	"importedContacts":           func() Object { return &ImportedContacts{} },
	"updateNewMessage":           func() Object { return &UpdateNewMessage{} },
	"updateMessageSendSucceeded": func() Object { return &UpdateMessageSendSucceeded{} },
	"updateMessageSendFailed":    func() Object { return &UpdateMessageSendFailed{} },
	"updateFile":                 func() Object { return &UpdateFile{} },
	"updateUser":                 func() Object { return &UpdateUser{} },
	"updateNewChat":              func() Object { return &UpdateNewChat{} },
	"updateChatReadInbox":        func() Object { return &UpdateChatReadInbox{} },
	"updateChatReadOutbox":       func() Object { return &UpdateChatReadOutbox{} },
	"updateAuthorizationState":   func() Object { return &UpdateAuthorizationState{} },
}

// EncodeCall serializes a call in the gateway's tagged JSON form, carrying
// the request id in "@extra" so the response can be matched.
func EncodeCall(id RequestID, call Call) ([]byte, error) {
	return encodeTagged(call.CallType(), id, call)
}

// EncodeItem is the inverse of DecodeItem. Gateways and tests use it.
func EncodeItem(item Item) ([]byte, error) {
	return encodeTagged(item.Object.ObjectType(), item.RequestID, item.Object)
}

func encodeTagged(typ string, id RequestID, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", typ, err)
	}
	fields := make(map[string]json.RawMessage)
	if err = json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to re-read %s: %w", typ, err)
	}
	fields["@type"], _ = json.Marshal(typ)
	if id != 0 {
		fields["@extra"], _ = json.Marshal(uint64(id))
	}
	return json.Marshal(fields)
}

// DecodeItem reads one tagged object. If the type is unknown the request id
// is still returned so the caller can release whatever waits on it.
func DecodeItem(data []byte) (Item, error) {
	if !gjson.ValidBytes(data) {
		return Item{}, ErrMalformedItem
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Item{}, ErrMalformedItem
	}
	fields := root.Map()
	item := Item{RequestID: RequestID(fields["@extra"].Uint())}
	typ := fields["@type"].String()
	ctor, ok := objectTypes[typ]
	if !ok {
		return item, fmt.Errorf("%w %q", ErrUnknownType, typ)
	}
	obj := ctor()
	if err := json.Unmarshal(data, obj); err != nil {
		return item, fmt.Errorf("failed to unmarshal %s: %w", typ, err)
	}
	item.Object = obj
	return item, nil
}
