// tdbridge - A bridge between TDLib and chat client frameworks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/simplevent"
	"maunium.net/go/mautrix/event"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

// MatrixHost renders delivered messages as bridgev2 remote events. Download
// prompts are answered with the download command in the chat's room.
type MatrixHost struct {
	log   zerolog.Logger
	login networkid.UserLoginID
	queue func(bridgev2.RemoteEvent)
	// maxUpload is the largest attachment uploaded to the homeserver; larger
	// files are linked by path.
	maxUpload int64

	lock      sync.Mutex
	prompts   map[promptKey]func(bool)
	transfers map[string]*transferProgress
}

type promptKey struct {
	chat tdapi.ChatID
	msg  tdapi.MessageID
}

type transferProgress struct {
	total    int64
	done     int64
	reported int
}

var _ HostFramework = (*MatrixHost)(nil)

// NewMatrixHost creates a host that hands events to queue, usually
// bridge.QueueRemoteEvent bound to the user login.
func NewMatrixHost(login networkid.UserLoginID, queue func(bridgev2.RemoteEvent), log zerolog.Logger) *MatrixHost {
	return &MatrixHost{
		log:       log.With().Str("component", "matrix_host").Logger(),
		login:     login,
		queue:     queue,
		maxUpload: 50 << 20,
		prompts:   make(map[promptKey]func(bool)),
		transfers: make(map[string]*transferProgress),
	}
}

func makePortalID(chatID tdapi.ChatID) networkid.PortalID {
	return networkid.PortalID(strconv.FormatInt(int64(chatID), 10))
}

func parsePortalID(id networkid.PortalID) (tdapi.ChatID, error) {
	chatID, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid portal id %q: %w", id, err)
	}
	return tdapi.ChatID(chatID), nil
}

func makeMessageID(chatID tdapi.ChatID, msgID tdapi.MessageID) networkid.MessageID {
	return networkid.MessageID(fmt.Sprintf("%d.%d", chatID, msgID))
}

func makeUserID(userID tdapi.UserID) networkid.UserID {
	return networkid.UserID(strconv.FormatInt(int64(userID), 10))
}

func (h *MatrixHost) portalKey(chatID tdapi.ChatID) networkid.PortalKey {
	return networkid.PortalKey{ID: makePortalID(chatID), Receiver: h.login}
}

// hostMessage is the payload carried from DeliverMessage to conversion.
type hostMessage struct {
	DeliveredMessage
	notice    bool
	maxUpload int64
}

func (h *MatrixHost) DeliverMessage(msg DeliveredMessage) {
	sender := bridgev2.EventSender{Sender: makeUserID(msg.Sender.ID)}
	if msg.Direction == DirectionOutbound {
		sender.IsFromMe = true
		sender.SenderLogin = h.login
	}
	h.queue(&simplevent.Message[*hostMessage]{
		EventMeta: simplevent.EventMeta{
			Type:         bridgev2.RemoteEventMessage,
			PortalKey:    h.portalKey(msg.ChatID),
			CreatePortal: true,
			Sender:       sender,
			Timestamp:    msg.Timestamp,
			LogContext: func(lc zerolog.Context) zerolog.Context {
				return lc.Int64("message_id", int64(msg.MessageID)).Bool("backfilled", msg.Backfilled)
			},
		},
		ID:                 makeMessageID(msg.ChatID, msg.MessageID),
		Data:               &hostMessage{DeliveredMessage: msg, maxUpload: h.maxUpload},
		ConvertMessageFunc: convertHostMessage,
	})
}

func (h *MatrixHost) DeliverSystemNotice(chatID tdapi.ChatID, text string, ts time.Time) {
	if chatID == 0 {
		h.log.Info().Str("text", text).Msg("Notice without chat")
		return
	}
	h.queue(&simplevent.Message[*hostMessage]{
		EventMeta: simplevent.EventMeta{
			Type:      bridgev2.RemoteEventMessage,
			PortalKey: h.portalKey(chatID),
			Sender:    bridgev2.EventSender{IsFromMe: true, SenderLogin: h.login},
			Timestamp: ts,
		},
		ID: networkid.MessageID(fmt.Sprintf("notice.%d.%d", chatID, ts.UnixNano())),
		Data: &hostMessage{
			DeliveredMessage: DeliveredMessage{ChatID: chatID, Text: text, Timestamp: ts},
			notice:           true,
		},
		ConvertMessageFunc: convertHostMessage,
	})
}

func convertHostMessage(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, msg *hostMessage) (*bridgev2.ConvertedMessage, error) {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Text,
	}
	if msg.notice {
		content.MsgType = event.MsgNotice
	}
	cm := &bridgev2.ConvertedMessage{
		Parts: []*bridgev2.ConvertedMessagePart{{
			Type:    event.EventMessage,
			Content: content,
		}},
	}
	if msg.ReplyTo != 0 {
		cm.ReplyTo = &networkid.MessageOptionalPartID{MessageID: makeMessageID(msg.ChatID, msg.ReplyTo)}
	}
	if msg.Attachment != "" {
		if part := uploadAttachment(ctx, intent, msg.Attachment, msg.maxUpload); part != nil {
			cm.Parts = append(cm.Parts, part)
		}
	}
	return cm, nil
}

// uploadAttachment returns nil when the file cannot be uploaded; the text
// part already names the local path.
func uploadAttachment(ctx context.Context, intent bridgev2.MatrixAPI, path string, maxUpload int64) *bridgev2.ConvertedMessagePart {
	log := zerolog.Ctx(ctx)
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxUpload {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to read attachment")
		return nil
	}
	mime := mimetype.Detect(data)
	fileName := filepath.Base(path)
	url, encFile, err := intent.UploadMedia(ctx, "", data, fileName, mime.String())
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to upload attachment")
		return nil
	}
	content := &event.MessageEventContent{
		MsgType: attachmentMsgType(mime.String()),
		Body:    fileName,
		Info:    &event.FileInfo{MimeType: mime.String(), Size: len(data)},
	}
	if encFile != nil {
		content.File = encFile
	} else {
		content.URL = url
	}
	return &bridgev2.ConvertedMessagePart{ID: "file", Type: event.EventMessage, Content: content}
}

func attachmentMsgType(mime string) event.MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mime, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mime, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

func (h *MatrixHost) BeginTransferProgress(transferID string, totalSize int64) {
	h.lock.Lock()
	h.transfers[transferID] = &transferProgress{total: totalSize}
	h.lock.Unlock()
	h.log.Debug().Str("transfer_id", transferID).Int64("total_size", totalSize).Msg("Transfer started")
}

// UpdateProgress logs every quarter of the transfer.
func (h *MatrixHost) UpdateProgress(transferID string, bytesDone int64) {
	h.lock.Lock()
	tp, ok := h.transfers[transferID]
	var pct int
	if ok && tp.total > 0 {
		tp.done = bytesDone
		pct = int(bytesDone * 100 / tp.total)
		if pct/25 <= tp.reported/25 {
			ok = false
		} else {
			tp.reported = pct
		}
	}
	h.lock.Unlock()
	if ok {
		h.log.Debug().Str("transfer_id", transferID).Int("percent", pct).Msg("Transfer progress")
	}
}

func (h *MatrixHost) CompleteTransfer(transferID string, ok bool) {
	h.lock.Lock()
	delete(h.transfers, transferID)
	h.lock.Unlock()
	h.log.Debug().Str("transfer_id", transferID).Bool("ok", ok).Msg("Transfer finished")
}

func (h *MatrixHost) AskDownload(prompt DownloadPrompt) {
	h.lock.Lock()
	h.prompts[promptKey{prompt.ChatID, prompt.MessageID}] = prompt.Respond
	h.lock.Unlock()
	h.DeliverSystemNotice(prompt.ChatID, fmt.Sprintf(
		"%s (%s) is larger than the download limit. Reply with `download %d yes` or `download %d no`.",
		prompt.FileName, formatSize(prompt.Size), prompt.MessageID, prompt.MessageID,
	), time.Now())
}

// AnswerDownload answers an outstanding prompt. It returns false if no
// prompt is waiting for that message.
func (h *MatrixHost) AnswerDownload(chatID tdapi.ChatID, msgID tdapi.MessageID, accept bool) bool {
	key := promptKey{chatID, msgID}
	h.lock.Lock()
	respond, ok := h.prompts[key]
	delete(h.prompts, key)
	h.lock.Unlock()
	if ok {
		respond(accept)
	}
	return ok
}
