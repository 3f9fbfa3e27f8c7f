package connector

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

type uploadTransfer struct {
	TransferID string
	FileID     tdapi.FileID
	ChatID     tdapi.ChatID
	MessageID  tdapi.MessageID
	Size       int64
}

func (c *Client) downloadDir() string {
	if c.media.DownloadDir != "" {
		return c.media.DownloadDir
	}
	return os.TempDir()
}

// ============================================================================
// Downloads
// ============================================================================

func (c *Client) onDownloadResponse(op *TransferOp, obj tdapi.Object) {
	switch resp := obj.(type) {
	case *tdapi.File:
		if !resp.Local.IsDownloadingCompleted || resp.Local.Path == "" {
			c.failDownload(op, "download did not complete")
			return
		}
		c.completeDownload(op, resp.Local.Path)
	case *tdapi.Error:
		c.failDownload(op, resp.Message)
	default:
		c.failDownload(op, "unexpected "+obj.ObjectType()+" response")
	}
}

func (c *Client) completeDownload(op *TransferOp, path string) {
	log := c.log.With().
		Int32("file_id", int32(op.FileID)).
		Stringer("on_ready", op.OnReady).
		Logger()
	dir := c.downloadDir()
	switch op.OnReady {
	case ReadyInline:
		if op.TransferID != "" {
			c.host.CompleteTransfer(op.TransferID, true)
		}
		if !c.media.KeepInlineDownloads {
			c.queue.ResolveDownload(op.ChatID, op.MessageID, path, DownloadDone)
			return
		}
		c.workers.Submit("keep-download", func() func() {
			kept, err := copyToDir(path, dir, op.FileName)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to keep inline download, using backend cache path")
				kept = path
			}
			return func() { c.queue.ResolveDownload(op.ChatID, op.MessageID, kept, DownloadDone) }
		})
	case ReadySticker:
		if op.TransferID != "" {
			c.host.CompleteTransfer(op.TransferID, true)
		}
		c.workers.Submit("convert-sticker", func() func() {
			converted, err := convertWebPSticker(path, dir)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to convert sticker, delivering original")
				converted = path
			}
			return func() { c.queue.ResolveDownload(op.ChatID, op.MessageID, converted, DownloadDone) }
		})
	case ReadyStandard:
		c.workers.Submit("save-download", func() func() {
			saved, err := copyToDir(path, dir, op.FileName)
			return func() {
				if op.TransferID != "" {
					c.host.CompleteTransfer(op.TransferID, err == nil)
				}
				if err != nil {
					log.Warn().Err(err).Msg("Failed to save download")
					c.host.DeliverSystemNotice(op.ChatID, fmt.Sprintf("Could not save %s: %v", op.FileName, err), c.clock.Now())
					return
				}
				c.host.DeliverSystemNotice(op.ChatID, fmt.Sprintf("Saved %s to %s", op.FileName, saved), c.clock.Now())
			}
		})
	default:
		panic(fmt.Sprintf("unhandled file ready action %d", op.OnReady))
	}
}

func (c *Client) failDownload(op *TransferOp, reason string) {
	c.log.Warn().
		Int32("file_id", int32(op.FileID)).
		Str("file_name", op.FileName).
		Str("reason", reason).
		Msg("Download failed")
	if op.TransferID != "" {
		c.host.CompleteTransfer(op.TransferID, false)
	}
	if op.OnReady == ReadyStandard {
		c.host.DeliverSystemNotice(op.ChatID, fmt.Sprintf("Could not download %s: %s", op.FileName, reason), c.clock.Now())
		return
	}
	c.queue.ResolveDownload(op.ChatID, op.MessageID, "", DownloadFailed)
}

func (c *Client) saveAttachment(chatID tdapi.ChatID, msgID tdapi.MessageID) {
	msg := c.cachedMessage(chatID, msgID)
	if msg == nil || msg.Content.File == nil {
		c.host.DeliverSystemNotice(chatID, "Message has no attachment to save", c.clock.Now())
		return
	}
	file := msg.Content.File
	op := &TransferOp{
		FileID:     file.ID,
		FileName:   attachmentName(msg),
		Size:       file.KnownSize(),
		ChatID:     chatID,
		MessageID:  msgID,
		OnReady:    ReadyStandard,
		TransferID: uuid.NewString(),
		Started:    c.clock.Now(),
	}
	id := c.corr.Send(&tdapi.DownloadFile{FileID: file.ID, Priority: 1, Synchronous: true})
	if err := c.corr.Register(id, op); err != nil {
		return
	}
	c.host.BeginTransferProgress(op.TransferID, op.Size)
}

// onFileUpdate reports progress for running transfers. Inline downloads only
// get a progress indicator once they have run longer than the progress delay.
func (c *Client) onFileUpdate(file *tdapi.File) {
	if file == nil {
		return
	}
	if op, _, ok := c.corr.DownloadByFile(file.ID); ok {
		op.Downloaded = file.Local.DownloadedSize
		if size := file.KnownSize(); size > 0 {
			op.Size = size
		}
		if op.TransferID == "" && c.clock.Now().Sub(op.Started) >= c.media.progressDelay {
			op.TransferID = uuid.NewString()
			c.host.BeginTransferProgress(op.TransferID, op.Size)
		}
		if op.TransferID != "" {
			c.host.UpdateProgress(op.TransferID, op.Downloaded)
		}
		return
	}
	if upload, ok := c.uploads[file.ID]; ok {
		c.host.UpdateProgress(upload.TransferID, file.Remote.UploadedSize)
	}
}

func (c *Client) cancelTransfer(transferID string) {
	if op, id, ok := Peek(c.corr, func(op *TransferOp) bool { return op.TransferID == transferID }); ok {
		c.corr.Take(id)
		c.corr.Send(&tdapi.CancelDownloadFile{FileID: op.FileID})
		// The partial file lives in the backend's cache.
		c.corr.Send(&tdapi.DeleteFile{FileID: op.FileID})
		c.host.CompleteTransfer(transferID, false)
		if op.OnReady != ReadyStandard {
			c.queue.ResolveDownload(op.ChatID, op.MessageID, "", DownloadCancelled)
		}
		return
	}
	for fileID, upload := range c.uploads {
		if upload.TransferID != transferID {
			continue
		}
		// The send itself finishes through updateMessageSendFailed.
		delete(c.uploads, fileID)
		c.corr.Send(&tdapi.CancelUploadFile{FileID: fileID})
		c.host.CompleteTransfer(transferID, false)
		return
	}
	c.log.Debug().Str("transfer_id", transferID).Msg("No running transfer to cancel")
}

func (c *Client) releaseTransfer(op *TransferOp) {
	if op.TransferID != "" {
		c.host.CompleteTransfer(op.TransferID, false)
	}
}

// ============================================================================
// Uploads
// ============================================================================

func (c *Client) beginUpload(file *tdapi.File, chatID tdapi.ChatID, msgID tdapi.MessageID) {
	upload := &uploadTransfer{
		TransferID: uuid.NewString(),
		FileID:     file.ID,
		ChatID:     chatID,
		MessageID:  msgID,
		Size:       file.KnownSize(),
	}
	c.uploads[file.ID] = upload
	c.host.BeginTransferProgress(upload.TransferID, upload.Size)
}

func (c *Client) finishUpload(msgID tdapi.MessageID, ok bool) {
	for fileID, upload := range c.uploads {
		if upload.MessageID == msgID {
			delete(c.uploads, fileID)
			c.host.CompleteTransfer(upload.TransferID, ok)
			return
		}
	}
}

// releaseUploads fails every send that was accepted but never confirmed.
func (c *Client) releaseUploads() {
	for _, fileID := range slices.Sorted(maps.Keys(c.uploads)) {
		c.host.CompleteTransfer(c.uploads[fileID].TransferID, false)
	}
	clear(c.uploads)
	for _, msgID := range slices.Sorted(maps.Keys(c.sending)) {
		op := c.sending[msgID]
		removeTempFile(c.log, op.TempFile)
		c.host.DeliverSystemNotice(op.ChatID, "Connection closed before the message was confirmed", c.clock.Now())
	}
	clear(c.sending)
}

// copyToDir copies src into dir under a unique name derived from name.
func copyToDir(src, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	if name == "" {
		name = filepath.Base(src)
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(filepath.Base(name), ext)
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := os.CreateTemp(dir, base+"-*"+ext)
	if err != nil {
		return "", err
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return "", err
	}
	if err = out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}
