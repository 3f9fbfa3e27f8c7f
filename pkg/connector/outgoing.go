package connector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

// ============================================================================
// Host-facing API
//
// Everything here may be called from any goroutine. The work itself is
// posted onto the event loop; results come back as notices or messages.
// ============================================================================

func (c *Client) do(fn func()) error {
	if !c.post(fn) {
		return ErrClientClosed
	}
	return nil
}

func (c *Client) SendText(chatID tdapi.ChatID, replyTo tdapi.MessageID, text string) error {
	return c.do(func() {
		c.sendMessage(&tdapi.SendMessage{ChatID: chatID, ReplyToMessageID: replyTo, Text: text}, &SendMessageOp{ChatID: chatID})
	})
}

// SendFile uploads a file the caller keeps ownership of.
func (c *Client) SendFile(chatID tdapi.ChatID, path, caption string) error {
	input, err := inputFile(path)
	if err != nil {
		return err
	}
	return c.do(func() {
		c.sendMessage(&tdapi.SendMessage{ChatID: chatID, Text: caption, File: input},
			&SendMessageOp{ChatID: chatID, FileName: filepath.Base(path)})
	})
}

// SendFileData writes data to a temporary file and uploads it. The file is
// removed once the backend reports the send finished.
func (c *Client) SendFileData(chatID tdapi.ChatID, name string, data []byte, caption string) error {
	tmp, err := os.CreateTemp(c.downloadDir(), "upload-*"+filepath.Ext(name))
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write upload file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	mime := mimetype.Detect(data)
	input := &tdapi.InputFile{Path: tmp.Name(), Kind: uploadKind(mime), MimeType: mime.String()}
	err = c.do(func() {
		c.sendMessage(&tdapi.SendMessage{ChatID: chatID, Text: caption, File: input},
			&SendMessageOp{ChatID: chatID, TempFile: tmp.Name(), FileName: name})
	})
	if err != nil {
		_ = os.Remove(tmp.Name())
	}
	return err
}

// SendTextToUser opens a private chat with the user if needed and sends text.
func (c *Client) SendTextToUser(userID tdapi.UserID, text string) error {
	return c.do(func() { c.openPrivateChat(userID, text) })
}

func (c *Client) AddContact(phoneNumber, firstName, lastName string) error {
	return c.do(func() {
		op := &ContactOp{PhoneNumber: phoneNumber, FirstName: firstName, LastName: lastName}
		id := c.corr.Send(&tdapi.ImportContacts{Contacts: []tdapi.Contact{{
			PhoneNumber: phoneNumber,
			FirstName:   firstName,
			LastName:    lastName,
		}}})
		_ = c.corr.Register(id, op)
	})
}

// JoinGroup accepts an invite link or a public username.
func (c *Client) JoinGroup(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.New("empty group target")
	}
	return c.do(func() {
		var id tdapi.RequestID
		op := &GroupJoinOp{Target: target, ByLink: isInviteLink(target)}
		if op.ByLink {
			id = c.corr.Send(&tdapi.JoinChatByInviteLink{InviteLink: target})
		} else {
			id = c.corr.Send(&tdapi.SearchPublicChat{Username: publicUsername(target)})
		}
		_ = c.corr.Register(id, op)
	})
}

func (c *Client) RequestChatInfo(chatID tdapi.ChatID) error {
	return c.do(func() { c.requestChatInfo(chatID) })
}

func (c *Client) RequestBackfill(chatID tdapi.ChatID) error {
	return c.do(func() {
		if err := c.startBackfill(chatID); err != nil {
			c.host.DeliverSystemNotice(chatID, "Could not load history: "+err.Error(), c.clock.Now())
		}
	})
}

func (c *Client) CancelTransfer(transferID string) error {
	return c.do(func() { c.cancelTransfer(transferID) })
}

// SaveAttachment downloads the attachment of a cached message into the
// download directory as a standalone transfer.
func (c *Client) SaveAttachment(chatID tdapi.ChatID, msgID tdapi.MessageID) error {
	return c.do(func() { c.saveAttachment(chatID, msgID) })
}

func (c *Client) SetMediaPolicy(policy MediaPolicy) error {
	if err := policy.PostProcess(); err != nil {
		return err
	}
	return c.do(func() {
		c.media = policy
		c.log.Info().
			Int("auto_download_limit_mb", policy.AutoDownloadLimitMB).
			Str("big_download_handling", string(policy.BigDownloadHandling)).
			Msg("Media policy updated")
	})
}

// Flush delivers everything queued for the chat right away, with whatever
// content is available.
func (c *Client) Flush(chatID tdapi.ChatID) error {
	return c.do(func() { c.queue.Flush(chatID) })
}

// ============================================================================
// Requests
// ============================================================================

func (c *Client) sendMessage(call *tdapi.SendMessage, op *SendMessageOp) {
	if c.closed {
		removeTempFile(c.log, op.TempFile)
		return
	}
	id := c.corr.Send(call)
	if err := c.corr.Register(id, op); err != nil {
		removeTempFile(c.log, op.TempFile)
	}
}

func (c *Client) openPrivateChat(userID tdapi.UserID, text string) {
	id := c.corr.Send(&tdapi.CreatePrivateChat{UserID: userID})
	_ = c.corr.Register(id, &PrivateChatOp{UserID: userID, Text: text})
}

func (c *Client) requestUser(id tdapi.UserID) {
	if c.closed || id == 0 {
		return
	}
	if _, ok := c.userLookups[id]; ok {
		return
	}
	c.userLookups[id] = struct{}{}
	reqID := c.corr.Send(&tdapi.GetUser{UserID: id})
	_ = c.corr.Register(reqID, &MetadataFetchOp{Kind: MetadataUser, ID: int64(id)})
}

func (c *Client) requestChatInfo(chatID tdapi.ChatID) {
	chat, err := c.cache.GetChat(c.ctx, chatID)
	if err != nil || chat == nil {
		c.host.DeliverSystemNotice(chatID, "Chat is not known yet", c.clock.Now())
		return
	}
	var id tdapi.RequestID
	op := &MetadataFetchOp{ChatID: chatID}
	switch chat.Type {
	case tdapi.ChatTypeBasicGroup:
		op.Kind, op.ID = MetadataBasicGroup, chat.BasicGroupID
		id = c.corr.Send(&tdapi.GetBasicGroupFullInfo{BasicGroupID: chat.BasicGroupID})
	case tdapi.ChatTypeSupergroup:
		op.Kind, op.ID = MetadataSupergroup, chat.SupergroupID
		id = c.corr.Send(&tdapi.GetSupergroupFullInfo{SupergroupID: chat.SupergroupID})
	default:
		op.Kind, op.ID = MetadataUser, int64(chat.UserID)
		id = c.corr.Send(&tdapi.GetUser{UserID: chat.UserID})
	}
	_ = c.corr.Register(id, op)
}

// ============================================================================
// Responses
// ============================================================================

func (c *Client) onMetadata(op *MetadataFetchOp, obj tdapi.Object) {
	now := c.clock.Now()
	switch resp := obj.(type) {
	case *tdapi.BasicGroupFullInfo:
		if err := c.cache.SetGroupInfo(c.ctx, op.ChatID, resp.Description, len(resp.MemberIDs)); err != nil {
			c.log.Warn().Err(err).Int64("chat_id", int64(op.ChatID)).Msg("Failed to cache group info")
		}
		for _, member := range resp.MemberIDs {
			if user, _ := c.cache.GetUser(c.ctx, tdapi.UserID(member)); user == nil {
				c.requestUser(tdapi.UserID(member))
			}
		}
		c.host.DeliverSystemNotice(op.ChatID, groupInfoText(resp.Description, len(resp.MemberIDs)), now)
	case *tdapi.SupergroupFullInfo:
		if err := c.cache.SetGroupInfo(c.ctx, op.ChatID, resp.Description, int(resp.MemberCount)); err != nil {
			c.log.Warn().Err(err).Int64("chat_id", int64(op.ChatID)).Msg("Failed to cache group info")
		}
		c.host.DeliverSystemNotice(op.ChatID, groupInfoText(resp.Description, int(resp.MemberCount)), now)
	case *tdapi.User:
		delete(c.userLookups, resp.ID)
		if err := c.cache.PutUser(c.ctx, resp); err != nil {
			c.log.Warn().Err(err).Int64("user_id", int64(resp.ID)).Msg("Failed to cache user")
		}
		if op.ChatID != 0 {
			c.host.DeliverSystemNotice(op.ChatID, "Chat with "+resp.DisplayName(), now)
		}
	case *tdapi.Error:
		if op.Kind == MetadataUser {
			delete(c.userLookups, tdapi.UserID(op.ID))
		}
		if op.ChatID != 0 {
			c.host.DeliverSystemNotice(op.ChatID, "Could not load chat info: "+resp.Message, now)
		}
	default:
		c.log.Warn().Str("type", obj.ObjectType()).Msg("Unexpected response to metadata request")
	}
}

func groupInfoText(description string, members int) string {
	if description == "" {
		return fmt.Sprintf("%d members", members)
	}
	return fmt.Sprintf("%s\n%d members", description, members)
}

func (c *Client) onContactImported(op *ContactOp, obj tdapi.Object) {
	now := c.clock.Now()
	switch resp := obj.(type) {
	case *tdapi.ImportedContacts:
		if len(resp.UserIDs) == 0 || resp.UserIDs[0] == 0 {
			c.host.DeliverSystemNotice(0, fmt.Sprintf("%s is not registered", op.PhoneNumber), now)
			return
		}
		c.openPrivateChat(resp.UserIDs[0], "")
	case *tdapi.Error:
		c.host.DeliverSystemNotice(0, fmt.Sprintf("Could not add %s: %s", op.PhoneNumber, resp.Message), now)
	default:
		c.log.Warn().Str("type", obj.ObjectType()).Msg("Unexpected response to contact import")
	}
}

func (c *Client) onPrivateChat(op *PrivateChatOp, obj tdapi.Object) {
	switch resp := obj.(type) {
	case *tdapi.Chat:
		if err := c.cache.PutChat(c.ctx, resp); err != nil {
			c.log.Warn().Err(err).Int64("chat_id", int64(resp.ID)).Msg("Failed to cache chat")
		}
		if op.Text != "" {
			c.sendMessage(&tdapi.SendMessage{ChatID: resp.ID, Text: op.Text}, &SendMessageOp{ChatID: resp.ID})
		}
	case *tdapi.Error:
		c.host.DeliverSystemNotice(0, fmt.Sprintf("Could not open chat with user %d: %s", op.UserID, resp.Message), c.clock.Now())
	default:
		c.log.Warn().Str("type", obj.ObjectType()).Msg("Unexpected response to private chat request")
	}
}

func (c *Client) onGroupJoin(id tdapi.RequestID, op *GroupJoinOp, obj tdapi.Object) {
	now := c.clock.Now()
	switch resp := obj.(type) {
	case *tdapi.Chat:
		if err := c.cache.PutChat(c.ctx, resp); err != nil {
			c.log.Warn().Err(err).Int64("chat_id", int64(resp.ID)).Msg("Failed to cache chat")
		}
		if op.ByLink || op.Joining {
			c.host.DeliverSystemNotice(resp.ID, "Joined "+resp.Title, now)
			return
		}
		// The username resolved; joining is the second step of the same operation.
		op.ChatID = resp.ID
		op.Joining = true
		newID := c.corr.Send(&tdapi.JoinChat{ChatID: resp.ID})
		if err := c.corr.Rebind(id, newID); err != nil {
			c.log.Warn().Err(err).Str("target", op.Target).Msg("Failed to continue group join")
		}
	case *tdapi.Ok:
		c.host.DeliverSystemNotice(op.ChatID, "Joined "+op.Target, now)
	case *tdapi.Error:
		c.host.DeliverSystemNotice(op.ChatID, fmt.Sprintf("Could not join %s: %s", op.Target, resp.Message), now)
	default:
		c.log.Warn().Str("type", obj.ObjectType()).Msg("Unexpected response to group join")
	}
}

func (c *Client) onMessageSent(op *SendMessageOp, obj tdapi.Object) {
	switch resp := obj.(type) {
	case *tdapi.Message:
		// The backend has accepted the message under a temporary id. The
		// outcome arrives later as updateMessageSendSucceeded or Failed.
		c.sending[resp.ID] = op
		if file := resp.Content.File; file != nil && !file.Remote.IsUploadingCompleted {
			c.beginUpload(file, resp.ChatID, resp.ID)
		}
	case *tdapi.Error:
		removeTempFile(c.log, op.TempFile)
		c.host.DeliverSystemNotice(op.ChatID, "Message could not be sent: "+resp.Message, c.clock.Now())
	default:
		removeTempFile(c.log, op.TempFile)
		c.log.Warn().Str("type", obj.ObjectType()).Msg("Unexpected response to send request")
	}
}

func (c *Client) onSendSucceeded(upd *tdapi.UpdateMessageSendSucceeded) {
	op, ok := c.sending[upd.OldMessageID]
	if !ok {
		return
	}
	delete(c.sending, upd.OldMessageID)
	removeTempFile(c.log, op.TempFile)
	c.finishUpload(upd.OldMessageID, true)
	if upd.Message != nil {
		if err := c.cache.PutMessage(c.ctx, upd.Message); err != nil {
			c.log.Warn().Err(err).Int64("message_id", int64(upd.Message.ID)).Msg("Failed to cache sent message")
		}
	}
}

func (c *Client) onSendFailed(upd *tdapi.UpdateMessageSendFailed) {
	op, ok := c.sending[upd.OldMessageID]
	if !ok {
		return
	}
	delete(c.sending, upd.OldMessageID)
	removeTempFile(c.log, op.TempFile)
	c.finishUpload(upd.OldMessageID, false)
	text := "Message could not be sent: " + upd.ErrorMessage
	if op.FileName != "" {
		text = fmt.Sprintf("%s could not be sent: %s", op.FileName, upd.ErrorMessage)
	}
	c.host.DeliverSystemNotice(op.ChatID, text, c.clock.Now())
}

// ============================================================================
// Helpers
// ============================================================================

func inputFile(path string) (*tdapi.InputFile, error) {
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return &tdapi.InputFile{Path: path, Kind: uploadKind(mime), MimeType: mime.String()}, nil
}

func uploadKind(mime *mimetype.MIME) tdapi.ContentKind {
	for m := mime; m != nil; m = m.Parent() {
		switch {
		case m.Is("image/gif"):
			return tdapi.ContentAnimation
		case m.Is("image/webp"):
			return tdapi.ContentSticker
		case m.Is("audio/ogg"):
			return tdapi.ContentVoiceNote
		case strings.HasPrefix(m.String(), "image/"):
			return tdapi.ContentPhoto
		case strings.HasPrefix(m.String(), "video/"):
			return tdapi.ContentVideo
		case strings.HasPrefix(m.String(), "audio/"):
			return tdapi.ContentAudio
		}
	}
	return tdapi.ContentDocument
}

func isInviteLink(target string) bool {
	return strings.Contains(target, "/joinchat/") || strings.Contains(target, "t.me/+")
}

func publicUsername(target string) string {
	if idx := strings.LastIndex(target, "/"); idx >= 0 {
		target = target[idx+1:]
	}
	return strings.TrimPrefix(target, "@")
}
