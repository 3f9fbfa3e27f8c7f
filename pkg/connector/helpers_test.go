package connector

import (
	"fmt"
	"os"
	"time"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

type sentCall struct {
	id   tdapi.RequestID
	call tdapi.Call
}

type recordingDispatcher struct {
	calls []sentCall
}

func (d *recordingDispatcher) Dispatch(id tdapi.RequestID, call tdapi.Call) {
	d.calls = append(d.calls, sentCall{id: id, call: call})
}

func (d *recordingDispatcher) last() sentCall {
	if len(d.calls) == 0 {
		return sentCall{}
	}
	return d.calls[len(d.calls)-1]
}

// find returns the most recent call of type T.
func findCall[T tdapi.Call](d *recordingDispatcher) (T, tdapi.RequestID, bool) {
	for i := len(d.calls) - 1; i >= 0; i-- {
		if call, ok := d.calls[i].call.(T); ok {
			return call, d.calls[i].id, true
		}
	}
	var zero T
	return zero, 0, false
}

type manualTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type manualClock struct {
	now    time.Time
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &manualTimer{at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			t.fn()
		}
	}
}

type recordingHost struct {
	messages  []DeliveredMessage
	notices   []string
	prompts   []DownloadPrompt
	begun     []string
	progress  map[string]int64
	completed map[string]bool
}

func newRecordingHost() *recordingHost {
	return &recordingHost{
		progress:  make(map[string]int64),
		completed: make(map[string]bool),
	}
}

func (h *recordingHost) DeliverMessage(msg DeliveredMessage) {
	h.messages = append(h.messages, msg)
}

func (h *recordingHost) DeliverSystemNotice(_ tdapi.ChatID, text string, _ time.Time) {
	h.notices = append(h.notices, text)
}

func (h *recordingHost) BeginTransferProgress(transferID string, _ int64) {
	h.begun = append(h.begun, transferID)
}

func (h *recordingHost) UpdateProgress(transferID string, bytesDone int64) {
	h.progress[transferID] = bytesDone
}

func (h *recordingHost) CompleteTransfer(transferID string, ok bool) {
	h.completed[transferID] = ok
}

func (h *recordingHost) AskDownload(prompt DownloadPrompt) {
	h.prompts = append(h.prompts, prompt)
}

func (h *recordingHost) deliveredIDs() []tdapi.MessageID {
	ids := make([]tdapi.MessageID, len(h.messages))
	for i, msg := range h.messages {
		ids[i] = msg.MessageID
	}
	return ids
}

func textMessage(chatID tdapi.ChatID, id tdapi.MessageID, outgoing bool, text string) *tdapi.Message {
	return &tdapi.Message{
		ID:           id,
		ChatID:       chatID,
		SenderUserID: 100,
		IsOutgoing:   outgoing,
		Date:         1_700_000_000 + int64(id),
		Content:      tdapi.MessageContent{Kind: tdapi.ContentText, Text: text},
	}
}

func fileMessage(chatID tdapi.ChatID, id tdapi.MessageID, fileID tdapi.FileID, size int64) *tdapi.Message {
	msg := textMessage(chatID, id, false, "")
	msg.Content = tdapi.MessageContent{
		Kind:     tdapi.ContentDocument,
		FileName: "report.pdf",
		File: &tdapi.File{
			ID:     fileID,
			Size:   size,
			Remote: tdapi.RemoteFile{ID: fmt.Sprintf("remote-%d", fileID)},
		},
	}
	return msg
}

// testConfig returns a config that went through the same defaults as a
// parsed file.
func testConfig() *Config {
	cfg := &Config{}
	cfg.Messages.ReadReceipts = false
	cfg.Backfill.Enabled = true
	cfg.Media.AutoDownloadLimitMB = 1
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
