package tdapi

type UpdateNewMessage struct {
	Message *Message `json:"message"`
}

func (*UpdateNewMessage) ObjectType() string { return "updateNewMessage" }

type UpdateMessageSendSucceeded struct {
	Message      *Message  `json:"message"`
	OldMessageID MessageID `json:"old_message_id"`
}

func (*UpdateMessageSendSucceeded) ObjectType() string { return "updateMessageSendSucceeded" }

type UpdateMessageSendFailed struct {
	Message      *Message  `json:"message"`
	OldMessageID MessageID `json:"old_message_id"`
	ErrorCode    int32     `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
}

func (*UpdateMessageSendFailed) ObjectType() string { return "updateMessageSendFailed" }

type UpdateFile struct {
	File *File `json:"file"`
}

func (*UpdateFile) ObjectType() string { return "updateFile" }

type UpdateUser struct {
	User *User `json:"user"`
}

func (*UpdateUser) ObjectType() string { return "updateUser" }

type UpdateNewChat struct {
	Chat *Chat `json:"chat"`
}

func (*UpdateNewChat) ObjectType() string { return "updateNewChat" }

type UpdateChatReadInbox struct {
	ChatID                 ChatID    `json:"chat_id"`
	LastReadInboxMessageID MessageID `json:"last_read_inbox_message_id"`
	UnreadCount            int32     `json:"unread_count"`
}

func (*UpdateChatReadInbox) ObjectType() string { return "updateChatReadInbox" }

type UpdateChatReadOutbox struct {
	ChatID                  ChatID    `json:"chat_id"`
	LastReadOutboxMessageID MessageID `json:"last_read_outbox_message_id"`
}

func (*UpdateChatReadOutbox) ObjectType() string { return "updateChatReadOutbox" }

type AuthorizationState string

const (
	AuthorizationReady   AuthorizationState = "ready"
	AuthorizationClosing AuthorizationState = "closing"
	AuthorizationClosed  AuthorizationState = "closed"
)

type UpdateAuthorizationState struct {
	State AuthorizationState `json:"state"`
}

func (*UpdateAuthorizationState) ObjectType() string { return "updateAuthorizationState" }
