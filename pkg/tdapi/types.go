// Package tdapi describes what crosses the boundary between the bridge core
// and a TDLib gateway: calls, responses, unsolicited updates and the
// transport that carries them.
package tdapi

import (
	"fmt"
	"time"
)

// RequestID correlates a call with its response. Zero marks an unsolicited update.
type RequestID uint64

type (
	ChatID    int64
	MessageID int64
	UserID    int64
	FileID    int32
)

// Object is anything the backend can send back: a response or an update.
type Object interface {
	ObjectType() string
}

type ChatType string

const (
	ChatTypePrivate    ChatType = "private"
	ChatTypeBasicGroup ChatType = "basic_group"
	ChatTypeSupergroup ChatType = "supergroup"
	ChatTypeSecret     ChatType = "secret"
)

type ContentKind string

const (
	ContentText        ContentKind = "text"
	ContentPhoto       ContentKind = "photo"
	ContentDocument    ContentKind = "document"
	ContentVideo       ContentKind = "video"
	ContentAudio       ContentKind = "audio"
	ContentVoiceNote   ContentKind = "voice_note"
	ContentAnimation   ContentKind = "animation"
	ContentSticker     ContentKind = "sticker"
	ContentUnsupported ContentKind = "unsupported"
)

type LocalFile struct {
	Path                   string `json:"path"`
	IsDownloadingActive    bool   `json:"is_downloading_active"`
	IsDownloadingCompleted bool   `json:"is_downloading_completed"`
	DownloadedSize         int64  `json:"downloaded_size"`
}

type RemoteFile struct {
	ID                   string `json:"id"`
	IsUploadingActive    bool   `json:"is_uploading_active"`
	IsUploadingCompleted bool   `json:"is_uploading_completed"`
	UploadedSize         int64  `json:"uploaded_size"`
}

type File struct {
	ID           FileID     `json:"id"`
	Size         int64      `json:"size"`
	ExpectedSize int64      `json:"expected_size"`
	Local        LocalFile  `json:"local"`
	Remote       RemoteFile `json:"remote"`
}

func (*File) ObjectType() string { return "file" }

// KnownSize returns the exact size if the backend knows it, otherwise its estimate.
func (f *File) KnownSize() int64 {
	if f.Size > 0 {
		return f.Size
	}
	return f.ExpectedSize
}

// MessageContent is a flattened view of the backend's message content variants.
type MessageContent struct {
	Kind     ContentKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	Caption  string      `json:"caption,omitempty"`
	FileName string      `json:"file_name,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	File     *File       `json:"file,omitempty"`
	Animated bool        `json:"is_animated,omitempty"`
	Emoji    string      `json:"emoji,omitempty"`
}

type Message struct {
	ID               MessageID `json:"id"`
	ChatID           ChatID    `json:"chat_id"`
	SenderUserID     UserID    `json:"sender_user_id"`
	IsOutgoing       bool      `json:"is_outgoing"`
	Date             int64     `json:"date"`
	ReplyToMessageID MessageID `json:"reply_to_message_id,omitempty"`
	ForwardedFrom    string    `json:"forwarded_from,omitempty"`
	// SendingState is "pending" or "failed" for messages this session is
	// still sending, empty otherwise.
	SendingState string         `json:"sending_state,omitempty"`
	Content      MessageContent `json:"content"`
}

func (*Message) ObjectType() string { return "message" }

func (m *Message) Time() time.Time {
	return time.Unix(m.Date, 0)
}

type Messages struct {
	TotalCount int32      `json:"total_count"`
	Messages   []*Message `json:"messages"`
}

func (*Messages) ObjectType() string { return "messages" }

type Chat struct {
	ID                      ChatID    `json:"id"`
	Type                    ChatType  `json:"type"`
	Title                   string    `json:"title"`
	UserID                  UserID    `json:"user_id,omitempty"`
	BasicGroupID            int64     `json:"basic_group_id,omitempty"`
	SupergroupID            int64     `json:"supergroup_id,omitempty"`
	LastReadInboxMessageID  MessageID `json:"last_read_inbox_message_id"`
	LastReadOutboxMessageID MessageID `json:"last_read_outbox_message_id"`
	UnreadCount             int32     `json:"unread_count"`
	LastMessage             *Message  `json:"last_message,omitempty"`
}

func (*Chat) ObjectType() string { return "chat" }

type User struct {
	ID          UserID `json:"id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Username    string `json:"username,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

func (*User) ObjectType() string { return "user" }

func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	case u.Username != "":
		return "@" + u.Username
	default:
		return fmt.Sprintf("user %d", u.ID)
	}
}

type BasicGroupFullInfo struct {
	Description string  `json:"description"`
	MemberIDs   []int64 `json:"member_user_ids"`
}

func (*BasicGroupFullInfo) ObjectType() string { return "basicGroupFullInfo" }

type SupergroupFullInfo struct {
	Description string `json:"description"`
	MemberCount int32  `json:"member_count"`
}

func (*SupergroupFullInfo) ObjectType() string { return "supergroupFullInfo" }

type ImportedContacts struct {
	UserIDs []UserID `json:"user_ids"`
}

func (*ImportedContacts) ObjectType() string { return "importedContacts" }

type Ok struct{}

func (*Ok) ObjectType() string { return "ok" }

// Error is an explicit failure response from the backend.
type Error struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func (*Error) ObjectType() string { return "error" }

func (e *Error) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}
