package connector

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

const replyUnavailableText = "[message unavailable]"

func attachmentName(msg *tdapi.Message) string {
	content := msg.Content
	if content.FileName != "" {
		return content.FileName
	}
	switch content.Kind {
	case tdapi.ContentSticker:
		if content.Emoji != "" {
			return "sticker " + content.Emoji
		}
		return "sticker"
	case tdapi.ContentVoiceNote:
		return "voice note"
	case tdapi.ContentText, tdapi.ContentUnsupported, "":
		return "file"
	default:
		return string(content.Kind)
	}
}

func formatSize(size int64) string {
	switch {
	case size <= 0:
		return "unknown size"
	case size < 1<<10:
		return fmt.Sprintf("%d B", size)
	case size < 1<<20:
		return fmt.Sprintf("%.1f KB", float64(size)/(1<<10))
	default:
		return fmt.Sprintf("%.1f MB", float64(size)/(1<<20))
	}
}

func quoteText(msg *tdapi.Message) string {
	text := msg.Content.Text
	if text == "" {
		text = msg.Content.Caption
	}
	if text == "" && msg.Content.File != nil {
		text = "[" + attachmentName(msg) + "]"
	}
	if runes := []rune(text); len(runes) > 80 {
		text = string(runes[:77]) + "..."
	}
	return strings.ReplaceAll(text, "\n", " ")
}

// renderEnvelope builds the plain text shown to the host. senderName resolves
// the author of a quoted reply.
func renderEnvelope(env *Envelope, senderName func(tdapi.UserID) string) string {
	var buf strings.Builder
	msg := env.Message
	if msg.ForwardedFrom != "" {
		fmt.Fprintf(&buf, "Forwarded from %s:\n", msg.ForwardedFrom)
	}
	switch {
	case env.Reply != nil:
		fmt.Fprintf(&buf, "> %s: %s\n", senderName(env.Reply.SenderUserID), quoteText(env.Reply))
	case env.ReplyTo != 0 && env.ReplyUnavailable:
		fmt.Fprintf(&buf, "> %s\n", replyUnavailableText)
	}
	content := msg.Content
	switch content.Kind {
	case tdapi.ContentText:
		buf.WriteString(content.Text)
	case tdapi.ContentUnsupported:
		buf.WriteString("[unsupported message]")
	default:
		buf.WriteString(renderAttachment(env))
		if content.Caption != "" {
			buf.WriteString("\n")
			buf.WriteString(content.Caption)
		}
	}
	return buf.String()
}

func renderAttachment(env *Envelope) string {
	msg := env.Message
	name := attachmentName(msg)
	var size int64
	if msg.Content.File != nil {
		size = msg.Content.File.KnownSize()
	}
	switch env.Download {
	case DownloadLocal, DownloadDone:
		mime := msg.Content.MimeType
		if detected, err := mimetype.DetectFile(env.LocalPath); err == nil {
			mime = detected.String()
		}
		if mime != "" {
			return fmt.Sprintf("[%s (%s): %s]", name, mime, env.LocalPath)
		}
		return fmt.Sprintf("[%s: %s]", name, env.LocalPath)
	case DownloadTooLarge:
		return fmt.Sprintf("[%s, %s, too large to download automatically]", name, formatSize(size))
	case DownloadDeclined:
		return fmt.Sprintf("[%s, %s, download declined]", name, formatSize(size))
	case DownloadFailed:
		return fmt.Sprintf("[%s, %s, download failed]", name, formatSize(size))
	case DownloadCancelled:
		return fmt.Sprintf("[%s, %s, download cancelled]", name, formatSize(size))
	case DownloadIncomplete, DownloadPending, DownloadAwaitingUser:
		if msg.Content.File != nil && msg.Content.File.Remote.ID != "" {
			return fmt.Sprintf("[%s, %s, not downloaded: tdfile:%s]", name, formatSize(size), msg.Content.File.Remote.ID)
		}
		return fmt.Sprintf("[%s, %s, not downloaded]", name, formatSize(size))
	default:
		return fmt.Sprintf("[%s]", name)
	}
}
