package tdapi

// Call is a request the bridge sends to the backend.
type Call interface {
	CallType() string
}

type GetMessage struct {
	ChatID    ChatID    `json:"chat_id"`
	MessageID MessageID `json:"message_id"`
}

func (*GetMessage) CallType() string { return "getMessage" }

// GetChatHistory returns messages older than FromMessageID, newest first.
// FromMessageID zero starts at the most recent message.
type GetChatHistory struct {
	ChatID        ChatID    `json:"chat_id"`
	FromMessageID MessageID `json:"from_message_id"`
	Offset        int32     `json:"offset"`
	Limit         int32     `json:"limit"`
	OnlyLocal     bool      `json:"only_local"`
}

func (*GetChatHistory) CallType() string { return "getChatHistory" }

type DownloadFile struct {
	FileID      FileID `json:"file_id"`
	Priority    int32  `json:"priority"`
	Synchronous bool   `json:"synchronous"`
}

func (*DownloadFile) CallType() string { return "downloadFile" }

type CancelDownloadFile struct {
	FileID        FileID `json:"file_id"`
	OnlyIfPending bool   `json:"only_if_pending"`
}

func (*CancelDownloadFile) CallType() string { return "cancelDownloadFile" }

type DeleteFile struct {
	FileID FileID `json:"file_id"`
}

func (*DeleteFile) CallType() string { return "deleteFile" }

type CancelUploadFile struct {
	FileID FileID `json:"file_id"`
}

func (*CancelUploadFile) CallType() string { return "cancelUploadFile" }

// InputFile points the backend at a local file to upload.
type InputFile struct {
	Path     string      `json:"path"`
	Kind     ContentKind `json:"kind"`
	MimeType string      `json:"mime_type,omitempty"`
}

type SendMessage struct {
	ChatID           ChatID     `json:"chat_id"`
	ReplyToMessageID MessageID  `json:"reply_to_message_id,omitempty"`
	Text             string     `json:"text,omitempty"`
	File             *InputFile `json:"file,omitempty"`
}

func (*SendMessage) CallType() string { return "sendMessage" }

type ViewMessages struct {
	ChatID     ChatID      `json:"chat_id"`
	MessageIDs []MessageID `json:"message_ids"`
	ForceRead  bool        `json:"force_read"`
}

func (*ViewMessages) CallType() string { return "viewMessages" }

type GetBasicGroupFullInfo struct {
	BasicGroupID int64 `json:"basic_group_id"`
}

func (*GetBasicGroupFullInfo) CallType() string { return "getBasicGroupFullInfo" }

type GetSupergroupFullInfo struct {
	SupergroupID int64 `json:"supergroup_id"`
}

func (*GetSupergroupFullInfo) CallType() string { return "getSupergroupFullInfo" }

type GetUser struct {
	UserID UserID `json:"user_id"`
}

func (*GetUser) CallType() string { return "getUser" }

type ImportContacts struct {
	Contacts []Contact `json:"contacts"`
}

type Contact struct {
	PhoneNumber string `json:"phone_number"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
}

func (*ImportContacts) CallType() string { return "importContacts" }

type CreatePrivateChat struct {
	UserID UserID `json:"user_id"`
	Force  bool   `json:"force"`
}

func (*CreatePrivateChat) CallType() string { return "createPrivateChat" }

type JoinChatByInviteLink struct {
	InviteLink string `json:"invite_link"`
}

func (*JoinChatByInviteLink) CallType() string { return "joinChatByInviteLink" }

type SearchPublicChat struct {
	Username string `json:"username"`
}

func (*SearchPublicChat) CallType() string { return "searchPublicChat" }

type JoinChat struct {
	ChatID ChatID `json:"chat_id"`
}

func (*JoinChat) CallType() string { return "joinChat" }

type Close struct{}

func (*Close) CallType() string { return "close" }
