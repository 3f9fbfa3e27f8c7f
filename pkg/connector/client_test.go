package connector

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

type clientHarness struct {
	t     *testing.T
	c     *Client
	disp  *recordingDispatcher
	clock *manualClock
	host  *recordingHost
	cache *MemoryAccountCache
}

func newTestClient(t *testing.T) *clientHarness {
	cfg := testConfig()
	cfg.Media.DownloadDir = t.TempDir()
	h := &clientHarness{
		t:     t,
		disp:  &recordingDispatcher{},
		clock: newManualClock(),
		host:  newRecordingHost(),
		cache: NewMemoryAccountCache(),
	}
	h.c = newClient(cfg, h.host, h.cache, h.disp, h.clock, zerolog.Nop())
	return h
}

func (h *clientHarness) update(obj tdapi.Object) {
	h.c.post(func() { h.c.handleItem(tdapi.Item{Object: obj}) })
	h.c.runPending()
}

func (h *clientHarness) respond(id tdapi.RequestID, obj tdapi.Object) {
	h.c.post(func() { h.c.handleItem(tdapi.Item{RequestID: id, Object: obj}) })
	h.c.runPending()
}

// respondEmptyPage answers the latest history request with no messages,
// which ends the backfill.
func (h *clientHarness) respondEmptyPage() {
	h.t.Helper()
	_, id, ok := findCall[*tdapi.GetChatHistory](h.disp)
	if !ok {
		h.t.Fatal("expected history request")
	}
	h.respond(id, &tdapi.Messages{})
}

func (h *clientHarness) newMessage(msg *tdapi.Message) {
	h.update(&tdapi.UpdateNewMessage{Message: msg})
}

func (h *clientHarness) expectDelivered(ids ...tdapi.MessageID) {
	h.t.Helper()
	if got := h.host.deliveredIDs(); !slices.Equal(got, ids) {
		h.t.Fatalf("expected delivered %v, got %v", ids, got)
	}
}

func replyMessage(chatID tdapi.ChatID, id, replyTo tdapi.MessageID, text string) *tdapi.Message {
	msg := textMessage(chatID, id, false, text)
	msg.ReplyToMessageID = replyTo
	return msg
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestReplyBlocksLaterMessages(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(1)

	h.newMessage(replyMessage(chat, 2, 1, "reply"))
	get, fetchID, ok := findCall[*tdapi.GetMessage](h.disp)
	if !ok || get.MessageID != 1 {
		t.Fatalf("expected fetch of message 1, got %+v", get)
	}
	h.newMessage(textMessage(chat, 3, false, "after"))
	h.expectDelivered()

	h.respond(fetchID, textMessage(chat, 1, false, "original"))
	h.expectDelivered(2, 3)
	if !strings.Contains(h.host.messages[0].Text, "original") {
		t.Fatalf("expected quoted reply, got %q", h.host.messages[0].Text)
	}
}

func TestReplyTimeoutDeliversUnavailable(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(1)

	h.newMessage(replyMessage(chat, 2, 1, "reply"))
	_, fetchID, _ := findCall[*tdapi.GetMessage](h.disp)
	h.clock.Advance(999 * time.Millisecond)
	h.c.runPending()
	h.expectDelivered()

	h.clock.Advance(time.Millisecond)
	h.c.runPending()
	h.expectDelivered(2)
	if !strings.Contains(h.host.messages[0].Text, replyUnavailableText) {
		t.Fatalf("expected unavailable marker, got %q", h.host.messages[0].Text)
	}

	h.respond(fetchID, textMessage(chat, 1, false, "too late"))
	h.expectDelivered(2)
}

func TestReplyTimeoutFallsBackToCache(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(1)

	h.newMessage(textMessage(chat, 1, false, "cached original"))
	h.newMessage(replyMessage(chat, 2, 1, "reply"))
	h.clock.Advance(time.Second)
	h.c.runPending()

	h.expectDelivered(1, 2)
	if !strings.Contains(h.host.messages[1].Text, "cached original") {
		t.Fatalf("expected cached reply content, got %q", h.host.messages[1].Text)
	}
}

func TestTeardownFlushesQueueInOrder(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(4)

	h.newMessage(fileMessage(chat, 10, 5, 1024))
	if _, _, ok := findCall[*tdapi.DownloadFile](h.disp); !ok {
		t.Fatal("expected download to start")
	}
	h.newMessage(textMessage(chat, 11, false, "ready"))
	h.expectDelivered()

	h.c.teardown()
	h.expectDelivered(10, 11)
	if !strings.Contains(h.host.messages[0].Text, "tdfile:remote-5") {
		t.Fatalf("expected link to undownloaded file, got %q", h.host.messages[0].Text)
	}
	if h.c.corr.Len() != 0 || h.c.queue.Len() != 0 {
		t.Fatalf("expected nothing pending, got %d ops and %d queued", h.c.corr.Len(), h.c.queue.Len())
	}
	if h.c.Post(func() {}) {
		t.Fatal("expected post to fail after teardown")
	}
}

func TestDownloadResolvesAfterFlushIsIgnored(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(4)

	h.newMessage(fileMessage(chat, 10, 5, 1024))
	_, downloadID, _ := findCall[*tdapi.DownloadFile](h.disp)
	if err := h.c.Flush(chat); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	h.c.runPending()
	h.expectDelivered(10)

	path := writeTempFile(t, "report.pdf", "%PDF-1.4")
	h.respond(downloadID, &tdapi.File{ID: 5, Local: tdapi.LocalFile{Path: path, IsDownloadingCompleted: true}})
	h.respond(downloadID, &tdapi.File{ID: 5, Local: tdapi.LocalFile{Path: path, IsDownloadingCompleted: true}})
	h.expectDelivered(10)
}

func TestDownloadCompletesInline(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(4)

	h.newMessage(fileMessage(chat, 10, 5, 1024))
	_, downloadID, _ := findCall[*tdapi.DownloadFile](h.disp)
	path := writeTempFile(t, "report.pdf", "%PDF-1.4\n")
	h.respond(downloadID, &tdapi.File{ID: 5, Local: tdapi.LocalFile{Path: path, IsDownloadingCompleted: true}})

	h.expectDelivered(10)
	if h.host.messages[0].Attachment != path {
		t.Fatalf("expected attachment %s, got %s", path, h.host.messages[0].Attachment)
	}
}

func TestLargeDownloadPrompt(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(5)

	h.newMessage(fileMessage(chat, 20, 6, 5<<20))
	h.newMessage(fileMessage(chat, 21, 7, 5<<20))
	if len(h.host.prompts) != 2 {
		t.Fatalf("expected two prompts, got %d", len(h.host.prompts))
	}
	if _, _, ok := findCall[*tdapi.DownloadFile](h.disp); ok {
		t.Fatal("expected no download before the prompt is answered")
	}

	h.host.prompts[1].Respond(false)
	h.c.runPending()
	h.expectDelivered()

	h.host.prompts[0].Respond(true)
	h.host.prompts[0].Respond(false)
	h.c.runPending()
	download, downloadID, ok := findCall[*tdapi.DownloadFile](h.disp)
	if !ok || download.FileID != 6 {
		t.Fatalf("expected download of file 6, got %+v", download)
	}
	path := writeTempFile(t, "big.bin", "data")
	h.respond(downloadID, &tdapi.File{ID: 6, Local: tdapi.LocalFile{Path: path, IsDownloadingCompleted: true}})

	h.expectDelivered(20, 21)
	if !strings.Contains(h.host.messages[1].Text, "download declined") {
		t.Fatalf("expected declined marker, got %q", h.host.messages[1].Text)
	}
}

func TestDiscardedLargeDownloadDeliversImmediately(t *testing.T) {
	h := newTestClient(t)
	h.c.media.BigDownloadHandling = BigDownloadDiscard

	h.newMessage(fileMessage(5, 20, 6, 5<<20))
	h.expectDelivered(20)
	if !strings.Contains(h.host.messages[0].Text, "too large") {
		t.Fatalf("expected too large marker, got %q", h.host.messages[0].Text)
	}
}

func TestSlowDownloadShowsProgress(t *testing.T) {
	h := newTestClient(t)
	h.newMessage(fileMessage(4, 10, 5, 1000))

	h.update(&tdapi.UpdateFile{File: &tdapi.File{ID: 5, Size: 1000, Local: tdapi.LocalFile{DownloadedSize: 100}}})
	if len(h.host.begun) != 0 {
		t.Fatal("expected no progress before the delay")
	}
	h.clock.Advance(2 * time.Second)
	h.update(&tdapi.UpdateFile{File: &tdapi.File{ID: 5, Size: 1000, Local: tdapi.LocalFile{DownloadedSize: 400}}})
	if len(h.host.begun) != 1 || h.host.progress[h.host.begun[0]] != 400 {
		t.Fatalf("expected progress for slow download, got %v %v", h.host.begun, h.host.progress)
	}
}

func TestCancelTransfer(t *testing.T) {
	h := newTestClient(t)
	h.newMessage(fileMessage(4, 10, 5, 1000))
	h.clock.Advance(2 * time.Second)
	h.update(&tdapi.UpdateFile{File: &tdapi.File{ID: 5, Size: 1000, Local: tdapi.LocalFile{DownloadedSize: 10}}})
	transferID := h.host.begun[0]

	if err := h.c.CancelTransfer(transferID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.c.runPending()
	if _, _, ok := findCall[*tdapi.CancelDownloadFile](h.disp); !ok {
		t.Fatal("expected cancel request")
	}
	if call, _, ok := findCall[*tdapi.DeleteFile](h.disp); !ok || call.FileID != 5 {
		t.Fatal("expected partial file to be deleted")
	}
	if ok, done := h.host.completed[transferID]; !done || ok {
		t.Fatal("expected transfer completed as failed")
	}
	h.expectDelivered(10)
	if !strings.Contains(h.host.messages[0].Text, "download cancelled") {
		t.Fatalf("expected cancelled marker, got %q", h.host.messages[0].Text)
	}
}

func TestBackfillPrecedesLiveMessages(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(9)

	h.update(&tdapi.UpdateNewChat{Chat: &tdapi.Chat{
		ID:                      chat,
		Type:                    tdapi.ChatTypePrivate,
		LastReadInboxMessageID:  5,
		LastReadOutboxMessageID: 3,
		UnreadCount:             1,
	}})
	_, pageID, ok := findCall[*tdapi.GetChatHistory](h.disp)
	if !ok {
		t.Fatal("expected history request")
	}
	h.newMessage(textMessage(chat, 7, false, "live"))
	h.expectDelivered()

	h.respond(pageID, &tdapi.Messages{Messages: []*tdapi.Message{
		textMessage(chat, 7, false, "live"),
		textMessage(chat, 6, false, ""),
		textMessage(chat, 5, false, ""),
		textMessage(chat, 4, true, ""),
	}})
	_, pageID, _ = findCall[*tdapi.GetChatHistory](h.disp)
	h.respond(pageID, &tdapi.Messages{Messages: []*tdapi.Message{
		textMessage(chat, 3, true, ""),
		textMessage(chat, 2, true, ""),
		textMessage(chat, 1, true, ""),
	}})

	h.expectDelivered(1, 2, 3, 4, 5, 6, 7)
	if !h.host.messages[0].Backfilled || h.host.messages[6].Backfilled {
		t.Fatal("expected backlog marked as backfilled and the live message not")
	}
}

func TestBackfillErrorReleasesQueue(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(9)
	h.update(&tdapi.UpdateNewChat{Chat: &tdapi.Chat{ID: chat, UnreadCount: 3}})
	_, pageID, _ := findCall[*tdapi.GetChatHistory](h.disp)
	h.newMessage(textMessage(chat, 7, false, "live"))

	h.respond(pageID, &tdapi.Error{Code: 500, Message: "boom"})
	h.expectDelivered(7)
	if len(h.host.notices) != 1 {
		t.Fatalf("expected a notice about the failed backfill, got %v", h.host.notices)
	}
}

func TestReadReceiptsForInbound(t *testing.T) {
	h := newTestClient(t)
	h.c.cfg.Messages.ReadReceipts = true
	h.newMessage(textMessage(1, 5, false, "in"))
	h.newMessage(textMessage(1, 6, true, "out"))

	view, _, ok := findCall[*tdapi.ViewMessages](h.disp)
	if !ok || !slices.Equal(view.MessageIDs, []tdapi.MessageID{5}) {
		t.Fatalf("expected receipt for message 5 only, got %+v", view)
	}
}

func TestPendingEchoIsNotDelivered(t *testing.T) {
	h := newTestClient(t)
	msg := textMessage(1, -1, true, "sending")
	msg.SendingState = "pending"
	h.newMessage(msg)
	h.expectDelivered()
}

func TestSendFileDataLifecycle(t *testing.T) {
	h := newTestClient(t)
	if err := h.c.SendFileData(3, "note.txt", []byte("hello"), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.c.runPending()
	send, sendID, ok := findCall[*tdapi.SendMessage](h.disp)
	if !ok || send.File == nil {
		t.Fatal("expected file send")
	}
	if _, err := os.Stat(send.File.Path); err != nil {
		t.Fatalf("expected temp file to exist: %v", err)
	}

	temp := textMessage(3, -100, true, "")
	temp.SendingState = "pending"
	temp.Content = tdapi.MessageContent{Kind: tdapi.ContentDocument, File: &tdapi.File{ID: 77, Size: 5}}
	h.respond(sendID, temp)
	if len(h.host.begun) != 1 {
		t.Fatal("expected upload progress to start")
	}
	h.update(&tdapi.UpdateFile{File: &tdapi.File{ID: 77, Remote: tdapi.RemoteFile{UploadedSize: 3}}})
	if h.host.progress[h.host.begun[0]] != 3 {
		t.Fatalf("expected upload progress 3, got %d", h.host.progress[h.host.begun[0]])
	}

	h.update(&tdapi.UpdateMessageSendSucceeded{Message: textMessage(3, 500, true, ""), OldMessageID: -100})
	if ok := h.host.completed[h.host.begun[0]]; !ok {
		t.Fatal("expected upload completed")
	}
	if _, err := os.Stat(send.File.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected temp file removed, got %v", err)
	}
}

func TestTeardownRemovesUnsentTempFile(t *testing.T) {
	h := newTestClient(t)
	_ = h.c.SendFileData(3, "note.txt", []byte("hello"), "")
	h.c.runPending()
	send, _, _ := findCall[*tdapi.SendMessage](h.disp)

	h.c.teardown()
	if _, err := os.Stat(send.File.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected temp file removed, got %v", err)
	}
	if len(h.host.notices) != 1 {
		t.Fatalf("expected one notice, got %v", h.host.notices)
	}
}

func TestJoinByUsernameRebindsToJoin(t *testing.T) {
	h := newTestClient(t)
	_ = h.c.JoinGroup("https://t.me/somegroup")
	h.c.runPending()
	search, searchID, ok := findCall[*tdapi.SearchPublicChat](h.disp)
	if !ok || search.Username != "somegroup" {
		t.Fatalf("expected public chat search, got %+v", search)
	}
	h.respond(searchID, &tdapi.Chat{ID: 55, Title: "Some group"})
	join, joinID, ok := findCall[*tdapi.JoinChat](h.disp)
	if !ok || join.ChatID != 55 {
		t.Fatalf("expected join of chat 55, got %+v", join)
	}
	h.respond(joinID, &tdapi.Ok{})
	if len(h.host.notices) != 1 || !strings.Contains(h.host.notices[0], "Joined") {
		t.Fatalf("expected join notice, got %v", h.host.notices)
	}
	if h.c.corr.Len() != 0 {
		t.Fatal("expected no pending ops after join")
	}
}

func TestAddContactOpensChat(t *testing.T) {
	h := newTestClient(t)
	_ = h.c.AddContact("+15550100", "Ada", "")
	h.c.runPending()
	_, importID, _ := findCall[*tdapi.ImportContacts](h.disp)
	h.respond(importID, &tdapi.ImportedContacts{UserIDs: []tdapi.UserID{42}})
	create, _, ok := findCall[*tdapi.CreatePrivateChat](h.disp)
	if !ok || create.UserID != 42 {
		t.Fatalf("expected private chat with 42, got %+v", create)
	}
}

func TestSendTextToUser(t *testing.T) {
	h := newTestClient(t)
	_ = h.c.SendTextToUser(42, "hi")
	h.c.runPending()
	_, createID, _ := findCall[*tdapi.CreatePrivateChat](h.disp)
	h.respond(createID, &tdapi.Chat{ID: 420, Type: tdapi.ChatTypePrivate, UserID: 42})
	send, _, ok := findCall[*tdapi.SendMessage](h.disp)
	if !ok || send.ChatID != 420 || send.Text != "hi" {
		t.Fatalf("expected text sent to chat 420, got %+v", send)
	}
}

func TestUnknownSenderIsLookedUpOnce(t *testing.T) {
	h := newTestClient(t)
	h.newMessage(textMessage(1, 1, false, "a"))
	h.newMessage(textMessage(1, 2, false, "b"))
	var lookups int
	for _, call := range h.disp.calls {
		if _, ok := call.call.(*tdapi.GetUser); ok {
			lookups++
		}
	}
	if lookups != 1 {
		t.Fatalf("expected one user lookup, got %d", lookups)
	}
	_, id, _ := findCall[*tdapi.GetUser](h.disp)
	h.respond(id, &tdapi.User{ID: 100, FirstName: "Ada"})
	h.newMessage(textMessage(1, 3, false, "c"))
	if h.host.messages[2].Sender.Name != "Ada" {
		t.Fatalf("expected cached sender name, got %q", h.host.messages[2].Sender.Name)
	}
}

func TestUnmatchedResponseIsDropped(t *testing.T) {
	h := newTestClient(t)
	h.respond(999, &tdapi.Message{ID: 1, ChatID: 1})
	h.expectDelivered()
}

type scriptedTransport struct {
	items []tdapi.Item
	sent  []sentCall
}

func (s *scriptedTransport) Send(_ context.Context, id tdapi.RequestID, call tdapi.Call) error {
	s.sent = append(s.sent, sentCall{id: id, call: call})
	return nil
}

func (s *scriptedTransport) Receive(context.Context) (tdapi.Item, error) {
	if len(s.items) == 0 {
		return tdapi.Item{}, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, nil
}

func (s *scriptedTransport) Close() error {
	return nil
}

func TestRunDeliversUntilTransportEnds(t *testing.T) {
	cfg := testConfig()
	host := newRecordingHost()
	c := NewClient(cfg, host, NewMemoryAccountCache(), zerolog.Nop())
	tr := &scriptedTransport{items: []tdapi.Item{
		{Object: &tdapi.UpdateUser{User: &tdapi.User{ID: 100, FirstName: "Ada"}}},
		{Object: &tdapi.UpdateNewMessage{Message: textMessage(1, 1, false, "hello")}},
		{Object: &tdapi.UpdateNewMessage{Message: replyMessage(1, 2, 50, "reply")}},
	}}

	err := c.Run(context.Background(), tr)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF from transport, got %v", err)
	}
	if got := host.deliveredIDs(); !slices.Equal(got, []tdapi.MessageID{1, 2}) {
		t.Fatalf("expected both messages delivered, got %v", got)
	}
	if host.messages[0].Sender.Name != "Ada" {
		t.Fatalf("expected sender name from update, got %q", host.messages[0].Sender.Name)
	}
	if err = c.Run(context.Background(), tr); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed on second run, got %v", err)
	}
}

func TestRequestChatInfoForSupergroup(t *testing.T) {
	h := newTestClient(t)
	_ = h.cache.PutChat(context.Background(), &tdapi.Chat{ID: 9, Type: tdapi.ChatTypeSupergroup, SupergroupID: 77})
	if err := h.c.RequestChatInfo(9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.c.runPending()
	call, id, ok := findCall[*tdapi.GetSupergroupFullInfo](h.disp)
	if !ok || call.SupergroupID != 77 {
		t.Fatalf("expected supergroup info request, got %+v", h.disp.last())
	}
	h.respond(id, &tdapi.SupergroupFullInfo{Description: "Rules", MemberCount: 42})
	if len(h.host.notices) != 1 || h.host.notices[0] != "Rules\n42 members" {
		t.Fatalf("unexpected notices %q", h.host.notices)
	}
	if h.c.corr.Len() != 0 {
		t.Fatalf("expected no pending ops, got %d", h.c.corr.Len())
	}
}

func TestRequestChatInfoForUnknownChat(t *testing.T) {
	h := newTestClient(t)
	_ = h.c.RequestChatInfo(9)
	h.c.runPending()
	if len(h.disp.calls) != 0 || len(h.host.notices) != 1 {
		t.Fatalf("expected a notice and no request, got %d calls and %q", len(h.disp.calls), h.host.notices)
	}
}

func TestSaveAttachmentCopiesIntoDownloadDir(t *testing.T) {
	h := newTestClient(t)
	_ = h.cache.PutMessage(context.Background(), fileMessage(4, 10, 5, 4<<20))
	if err := h.c.SaveAttachment(4, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.c.runPending()
	if len(h.host.begun) != 1 {
		t.Fatalf("expected a standalone transfer, got %v", h.host.begun)
	}
	transferID := h.host.begun[0]
	_, id, ok := findCall[*tdapi.DownloadFile](h.disp)
	if !ok {
		t.Fatal("expected download request")
	}
	path := writeTempFile(t, "cached.bin", "%PDF-1.4\n")
	h.respond(id, &tdapi.File{ID: 5, Local: tdapi.LocalFile{Path: path, IsDownloadingCompleted: true}})
	h.c.workers.Wait()
	h.c.runPending()

	if ok, done := h.host.completed[transferID]; !done || !ok {
		t.Fatal("expected transfer completed successfully")
	}
	if len(h.host.notices) != 1 || !strings.HasPrefix(h.host.notices[0], "Saved report.pdf to "+h.c.cfg.Media.DownloadDir) {
		t.Fatalf("unexpected notices %q", h.host.notices)
	}
	h.expectDelivered()
}

func TestBackfillSkipsMessagesAlreadyDelivered(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(9)
	_ = h.cache.PutChat(context.Background(), &tdapi.Chat{ID: chat, Type: tdapi.ChatTypePrivate, LastReadInboxMessageID: 4})
	h.newMessage(textMessage(chat, 7, false, "live"))
	h.expectDelivered(7)

	if err := h.c.RequestBackfill(chat); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.c.runPending()
	_, pageID, ok := findCall[*tdapi.GetChatHistory](h.disp)
	if !ok {
		t.Fatal("expected history request")
	}
	h.respond(pageID, &tdapi.Messages{Messages: []*tdapi.Message{
		textMessage(chat, 7, false, "live"),
		textMessage(chat, 6, false, ""),
		textMessage(chat, 5, false, ""),
		textMessage(chat, 4, false, ""),
	}})
	h.respondEmptyPage()
	h.expectDelivered(7)
}

func TestBackfillSkipsMessagesDeliveredBeforeReconnect(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(9)
	_ = h.cache.SetLastDelivered(context.Background(), chat, 6)

	h.update(&tdapi.UpdateNewChat{Chat: &tdapi.Chat{ID: chat, Type: tdapi.ChatTypePrivate, LastReadInboxMessageID: 4, UnreadCount: 3}})
	_, pageID, _ := findCall[*tdapi.GetChatHistory](h.disp)
	h.respond(pageID, &tdapi.Messages{Messages: []*tdapi.Message{
		textMessage(chat, 7, false, ""),
		textMessage(chat, 6, false, ""),
		textMessage(chat, 5, false, ""),
		textMessage(chat, 4, false, ""),
	}})
	h.respondEmptyPage()
	h.expectDelivered(7)
}

func TestBackfillPageTimeoutReleasesChat(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(9)
	h.update(&tdapi.UpdateNewChat{Chat: &tdapi.Chat{ID: chat, Type: tdapi.ChatTypePrivate, LastReadInboxMessageID: 2, UnreadCount: 5}})
	_, pageID, _ := findCall[*tdapi.GetChatHistory](h.disp)
	h.respond(pageID, &tdapi.Messages{Messages: []*tdapi.Message{
		textMessage(chat, 6, false, ""),
		textMessage(chat, 5, false, ""),
	}})
	h.newMessage(textMessage(chat, 7, false, "live"))
	h.expectDelivered()

	h.clock.Advance(defaultBackfillPageTimeout)
	h.c.runPending()
	h.expectDelivered(5, 6, 7)
	if h.c.backfill.Active(chat) || h.c.queue.Len() != 0 {
		t.Fatal("expected backfill finished and queue empty")
	}
	if len(h.host.notices) != 1 || !strings.Contains(h.host.notices[0], "timed out") {
		t.Fatalf("expected a timeout notice, got %q", h.host.notices)
	}
}

func TestFlushKeepsChatHeldForBackfill(t *testing.T) {
	h := newTestClient(t)
	const chat = tdapi.ChatID(9)
	h.update(&tdapi.UpdateNewChat{Chat: &tdapi.Chat{ID: chat, Type: tdapi.ChatTypePrivate, LastReadInboxMessageID: 4, UnreadCount: 2}})
	_, pageID, _ := findCall[*tdapi.GetChatHistory](h.disp)
	h.newMessage(replyMessage(chat, 7, 1, "live"))

	if err := h.c.Flush(chat); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.c.runPending()
	h.newMessage(textMessage(chat, 8, false, "later"))
	h.expectDelivered()

	h.respond(pageID, &tdapi.Messages{Messages: []*tdapi.Message{
		textMessage(chat, 6, false, ""),
		textMessage(chat, 5, false, ""),
		textMessage(chat, 4, false, ""),
	}})
	h.respondEmptyPage()
	h.expectDelivered(4, 5, 6, 7, 8)
	if !strings.HasPrefix(h.host.messages[3].Text, "> "+replyUnavailableText) {
		t.Fatalf("expected flushed reply to stay unavailable, got %q", h.host.messages[3].Text)
	}
}
