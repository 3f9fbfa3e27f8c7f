package connector

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

type Direction uint8

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

type Sender struct {
	ID   tdapi.UserID
	Name string
}

// DeliveredMessage is a fully resolved message ready to be rendered.
type DeliveredMessage struct {
	ChatID     tdapi.ChatID
	MessageID  tdapi.MessageID
	Sender     Sender
	Text       string
	Timestamp  time.Time
	Direction  Direction
	ReplyTo    tdapi.MessageID
	Attachment string
	Backfilled bool
}

// DownloadPrompt asks the user whether a file above the auto-download limit
// should be fetched. Respond may be called from any goroutine, once.
type DownloadPrompt struct {
	ChatID    tdapi.ChatID
	MessageID tdapi.MessageID
	FileName  string
	Size      int64
	Respond   func(accept bool)
}

// HostFramework is the chat client runtime the bridge renders into. All
// methods are called from the event loop and must not block.
type HostFramework interface {
	DeliverMessage(msg DeliveredMessage)
	DeliverSystemNotice(chatID tdapi.ChatID, text string, ts time.Time)
	BeginTransferProgress(transferID string, totalSize int64)
	UpdateProgress(transferID string, bytesDone int64)
	CompleteTransfer(transferID string, ok bool)
	AskDownload(prompt DownloadPrompt)
}

// LogHost writes everything to a logger. It is the host used by the
// standalone binary when no chat framework is attached.
type LogHost struct {
	Log                  zerolog.Logger
	AcceptLargeDownloads bool
}

var _ HostFramework = (*LogHost)(nil)

func (h *LogHost) DeliverMessage(msg DeliveredMessage) {
	h.Log.Info().
		Int64("chat_id", int64(msg.ChatID)).
		Int64("message_id", int64(msg.MessageID)).
		Str("sender", msg.Sender.Name).
		Stringer("direction", msg.Direction).
		Time("timestamp", msg.Timestamp).
		Bool("backfilled", msg.Backfilled).
		Str("text", msg.Text).
		Msg("Message")
}

func (h *LogHost) DeliverSystemNotice(chatID tdapi.ChatID, text string, ts time.Time) {
	h.Log.Info().
		Int64("chat_id", int64(chatID)).
		Time("timestamp", ts).
		Str("text", text).
		Msg("Notice")
}

func (h *LogHost) BeginTransferProgress(transferID string, totalSize int64) {
	h.Log.Debug().Str("transfer_id", transferID).Int64("total_size", totalSize).Msg("Transfer started")
}

func (h *LogHost) UpdateProgress(transferID string, bytesDone int64) {
	h.Log.Trace().Str("transfer_id", transferID).Int64("bytes_done", bytesDone).Msg("Transfer progress")
}

func (h *LogHost) CompleteTransfer(transferID string, ok bool) {
	h.Log.Debug().Str("transfer_id", transferID).Bool("ok", ok).Msg("Transfer finished")
}

func (h *LogHost) AskDownload(prompt DownloadPrompt) {
	h.Log.Info().
		Int64("chat_id", int64(prompt.ChatID)).
		Str("file_name", prompt.FileName).
		Int64("size", prompt.Size).
		Bool("accepted", h.AcceptLargeDownloads).
		Msg("Answering large download prompt")
	prompt.Respond(h.AcceptLargeDownloads)
}
