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
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

var ErrClientClosed = errors.New("client closed")

// Client runs the event loop for one backend connection. Every field below
// the constructor-set ones is owned by the loop and touched only from
// functions it runs.
type Client struct {
	log   zerolog.Logger
	cfg   *Config
	host  HostFramework
	cache AccountCache
	clock Clock

	events *mailbox[func()]
	outbox *mailbox[outgoingCall]

	corr     *Correlator
	queue    *MessageQueue
	backfill *BackfillEngine
	workers  *WorkerPool

	ctx    context.Context
	cancel context.CancelFunc

	media      MediaPolicy
	authorized bool
	closed     bool

	// sending maps the backend's temporary message id to the op that sent it,
	// until the send is confirmed or fails.
	sending map[tdapi.MessageID]*SendMessageOp
	uploads map[tdapi.FileID]*uploadTransfer
	// userLookups holds users whose profile was requested but not yet received.
	userLookups map[tdapi.UserID]struct{}
}

func NewClient(cfg *Config, host HostFramework, cache AccountCache, log zerolog.Logger) *Client {
	return newClient(cfg, host, cache, nil, systemClock{}, log)
}

func newClient(cfg *Config, host HostFramework, cache AccountCache, out Dispatcher, clock Clock, log zerolog.Logger) *Client {
	c := &Client{
		log:         log,
		cfg:         cfg,
		host:        host,
		cache:       cache,
		clock:       clock,
		events:      newMailbox[func()](),
		outbox:      newMailbox[outgoingCall](),
		ctx:         context.Background(),
		cancel:      func() {},
		media:       cfg.Media,
		sending:     make(map[tdapi.MessageID]*SendMessageOp),
		uploads:     make(map[tdapi.FileID]*uploadTransfer),
		userLookups: make(map[tdapi.UserID]struct{}),
	}
	if out == nil {
		out = mailboxDispatcher{box: c.outbox}
	}
	c.corr = NewCorrelator(out, clock, c.post, log.With().Str("component", "correlator").Logger())
	c.corr.strict = cfg.StrictInvariants
	c.corr.onTimeout = c.handleTimeout
	c.queue = &MessageQueue{
		log:          log.With().Str("component", "queue").Logger(),
		corr:         c.corr,
		host:         host,
		clock:        clock,
		post:         c.post,
		policy:       func() *MediaPolicy { return &c.media },
		replyTimeout: cfg.Messages.replyFetchTimeout,
		deliver:      c.deliverEnvelope,
		chats:        make(map[tdapi.ChatID]*chatQueue),
	}
	c.backfill = NewBackfillEngine(c.corr, cfg.Backfill, c.handoffBacklog, log.With().Str("component", "backfill").Logger())
	c.workers = NewWorkerPool(cfg.Workers.Count, c.post, log.With().Str("component", "workers").Logger())
	return c
}

// Post schedules fn on the event loop. It returns false once the client has
// shut down.
func (c *Client) Post(fn func()) bool {
	return c.post(fn)
}

func (c *Client) post(fn func()) bool {
	return c.events.Push(fn)
}

// ============================================================================
// Event loop
// ============================================================================

// Run processes backend items until ctx is cancelled, the transport fails or
// the backend closes the session. Everything still pending is flushed to the
// host before Run returns.
func (c *Client) Run(ctx context.Context, tr tdapi.Transport) error {
	if c.closed {
		return ErrClientClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx, c.cancel = ctx, cancel

	var eg errgroup.Group
	eg.Go(func() error {
		defer cancel()
		return c.readLoop(ctx, tr)
	})
	eg.Go(func() error {
		return c.writeLoop(ctx, tr)
	})
	c.eventLoop(ctx)
	_ = tr.Close()
	err := eg.Wait()
	c.ctx = context.Background()
	c.teardown()
	return err
}

func (c *Client) readLoop(ctx context.Context, tr tdapi.Transport) error {
	for {
		item, err := tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive from backend: %w", err)
		}
		c.post(func() { c.handleItem(item) })
	}
}

func (c *Client) writeLoop(ctx context.Context, tr tdapi.Transport) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.outbox.Ready():
		}
		for _, out := range c.outbox.Drain() {
			if err := tr.Send(ctx, out.id, out.call); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.log.Warn().Err(err).
					Uint64("request_id", uint64(out.id)).
					Str("call", out.call.CallType()).
					Msg("Failed to send request")
				failed := tdapi.Item{RequestID: out.id, Object: &tdapi.Error{Code: -1, Message: err.Error()}}
				c.post(func() { c.handleItem(failed) })
			}
		}
	}
}

func (c *Client) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.events.Ready():
			c.runPending()
		}
	}
}

// runPending runs queued events until none are left.
func (c *Client) runPending() {
	for {
		fns := c.events.Drain()
		if len(fns) == 0 {
			return
		}
		for _, fn := range fns {
			fn()
			c.corr.settle()
		}
	}
}

func (c *Client) teardown() {
	if c.closed {
		return
	}
	c.runPending()
	c.closed = true
	c.queue.closing = true
	c.corr.Teardown(c.releaseOp)
	c.releaseUploads()
	c.queue.FlushAll()
	c.workers.Wait()
	c.events.Close()
	c.runPending()
	c.outbox.Close()
	c.log.Debug().Msg("Client torn down")
}

// ============================================================================
// Dispatch
// ============================================================================

func (c *Client) handleItem(item tdapi.Item) {
	if item.IsUpdate() {
		c.handleUpdate(item.Object)
		return
	}
	op, ok := c.corr.Take(item.RequestID)
	if !ok {
		correlationMisses.Inc()
		c.log.Debug().
			Uint64("request_id", uint64(item.RequestID)).
			Str("type", item.Object.ObjectType()).
			Msg("Dropping response without pending operation")
		return
	}
	if tdErr, isErr := item.Object.(*tdapi.Error); isErr {
		backendErrors.WithLabelValues(opName(op)).Inc()
		c.log.Debug().Err(tdErr).
			Uint64("request_id", uint64(item.RequestID)).
			Str("operation", opName(op)).
			Msg("Backend returned error")
	}
	c.handleResponse(item.RequestID, op, item.Object)
}

func (c *Client) handleResponse(id tdapi.RequestID, op PendingOp, obj tdapi.Object) {
	switch op := op.(type) {
	case *MetadataFetchOp:
		c.onMetadata(op, obj)
	case *ContactOp:
		c.onContactImported(op, obj)
	case *PrivateChatOp:
		c.onPrivateChat(op, obj)
	case *GroupJoinOp:
		c.onGroupJoin(id, op, obj)
	case *SendMessageOp:
		c.onMessageSent(op, obj)
	case *TransferOp:
		c.onDownloadResponse(op, obj)
	case *ReplyFetchOp:
		c.onReplyFetched(op, obj)
	case *BackfillOp:
		c.onHistoryPage(id, op, obj)
	default:
		panic(fmt.Sprintf("unhandled pending operation %T", op))
	}
}

func (c *Client) handleTimeout(id tdapi.RequestID, op PendingOp) {
	switch op := op.(type) {
	case *ReplyFetchOp:
		dependencyTimeouts.Inc()
		c.queue.ResolveReply(op, c.cachedMessage(op.ChatID, op.RepliedID))
	case *BackfillOp:
		dependencyTimeouts.Inc()
		c.backfill.OnError(op, errBackfillTimeout)
	default:
		c.log.Warn().
			Uint64("request_id", uint64(id)).
			Str("operation", opName(op)).
			Msg("Unexpected timeout for operation")
	}
}

// releaseOp lets an op that is still live at teardown give back what it owns.
func (c *Client) releaseOp(id tdapi.RequestID, op PendingOp) {
	switch op := op.(type) {
	case *TransferOp:
		c.releaseTransfer(op)
	case *SendMessageOp:
		removeTempFile(c.log, op.TempFile)
		c.host.DeliverSystemNotice(op.ChatID, "Connection closed before the message was confirmed", c.clock.Now())
	case *PrivateChatOp:
		if op.Text != "" {
			c.host.DeliverSystemNotice(0, fmt.Sprintf("Message to user %d was not sent: connection closed", op.UserID), c.clock.Now())
		}
	case *ReplyFetchOp:
		// The envelope is flushed with the reply marked unavailable.
	case *BackfillOp:
		c.backfill.Abort(op)
	case *MetadataFetchOp, *ContactOp, *GroupJoinOp:
		c.log.Debug().
			Uint64("request_id", uint64(id)).
			Str("operation", opName(op)).
			Msg("Dropping pending operation at teardown")
	default:
		panic(fmt.Sprintf("unhandled pending operation %T", op))
	}
}

func (c *Client) handleUpdate(obj tdapi.Object) {
	switch upd := obj.(type) {
	case *tdapi.UpdateNewMessage:
		c.onNewMessage(upd.Message)
	case *tdapi.UpdateFile:
		c.onFileUpdate(upd.File)
	case *tdapi.UpdateMessageSendSucceeded:
		c.onSendSucceeded(upd)
	case *tdapi.UpdateMessageSendFailed:
		c.onSendFailed(upd)
	case *tdapi.UpdateUser:
		delete(c.userLookups, upd.User.ID)
		if err := c.cache.PutUser(c.ctx, upd.User); err != nil {
			c.log.Warn().Err(err).Int64("user_id", int64(upd.User.ID)).Msg("Failed to cache user")
		}
	case *tdapi.UpdateNewChat:
		c.onNewChat(upd.Chat)
	case *tdapi.UpdateChatReadInbox:
		if err := c.cache.SetReadInbox(c.ctx, upd.ChatID, upd.LastReadInboxMessageID, upd.UnreadCount); err != nil {
			c.log.Warn().Err(err).Int64("chat_id", int64(upd.ChatID)).Msg("Failed to cache inbox watermark")
		}
	case *tdapi.UpdateChatReadOutbox:
		if err := c.cache.SetReadOutbox(c.ctx, upd.ChatID, upd.LastReadOutboxMessageID); err != nil {
			c.log.Warn().Err(err).Int64("chat_id", int64(upd.ChatID)).Msg("Failed to cache outbox watermark")
		}
	case *tdapi.UpdateAuthorizationState:
		c.onAuthorizationState(upd.State)
	default:
		c.log.Trace().Str("type", obj.ObjectType()).Msg("Ignoring update")
	}
}

// ============================================================================
// Incoming messages
// ============================================================================

func (c *Client) onAuthorizationState(state tdapi.AuthorizationState) {
	c.log.Info().Str("state", string(state)).Msg("Authorization state changed")
	switch state {
	case tdapi.AuthorizationReady:
		c.authorized = true
	case tdapi.AuthorizationClosing, tdapi.AuthorizationClosed:
		c.authorized = false
		c.cancel()
	}
}

func (c *Client) onNewMessage(msg *tdapi.Message) {
	if msg == nil {
		return
	}
	if msg.SendingState != "" {
		// Echo of a message this session is sending.
		return
	}
	if err := c.cache.PutMessage(c.ctx, msg); err != nil {
		c.log.Warn().Err(err).Int64("message_id", int64(msg.ID)).Msg("Failed to cache message")
	}
	c.queue.Enqueue(NewEnvelope(msg, false))
}

func (c *Client) onNewChat(chat *tdapi.Chat) {
	if chat == nil {
		return
	}
	if err := c.cache.PutChat(c.ctx, chat); err != nil {
		c.log.Warn().Err(err).Int64("chat_id", int64(chat.ID)).Msg("Failed to cache chat")
		return
	}
	if !c.cfg.Backfill.Enabled || chat.UnreadCount <= 0 {
		return
	}
	if err := c.startBackfill(chat.ID); err != nil && !errors.Is(err, ErrBackfillRunning) {
		c.log.Warn().Err(err).Int64("chat_id", int64(chat.ID)).Msg("Failed to start backfill")
	}
}

func (c *Client) startBackfill(chatID tdapi.ChatID) error {
	chat, err := c.cache.GetChat(c.ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to read chat %d: %w", chatID, err)
	} else if chat == nil {
		return fmt.Errorf("chat %d is not known", chatID)
	}
	if c.backfill.Active(chatID) {
		return fmt.Errorf("%w %d", ErrBackfillRunning, chatID)
	}
	c.queue.Hold(chatID)
	if err = c.backfill.Start(chatID, chat.LastReadInboxMessageID, chat.LastReadOutboxMessageID); err != nil {
		c.queue.Release(chatID, nil)
		return err
	}
	return nil
}

func (c *Client) handoffBacklog(chatID tdapi.ChatID, backlog []*tdapi.Message, err error) {
	lastDelivered, cacheErr := c.cache.GetLastDelivered(c.ctx, chatID)
	if cacheErr != nil {
		c.log.Warn().Err(cacheErr).Int64("chat_id", int64(chatID)).Msg("Failed to read last delivered message")
	}
	envs := make([]*Envelope, 0, len(backlog))
	for _, msg := range backlog {
		if msg.SendingState != "" || msg.ID <= lastDelivered {
			continue
		}
		if cacheErr := c.cache.PutMessage(c.ctx, msg); cacheErr != nil {
			c.log.Warn().Err(cacheErr).Int64("message_id", int64(msg.ID)).Msg("Failed to cache backfilled message")
		}
		envs = append(envs, NewEnvelope(msg, true))
	}
	c.queue.Release(chatID, envs)
	if err != nil && !errors.Is(err, errBackfillAborted) {
		c.host.DeliverSystemNotice(chatID, "Could not load the full unread history: "+err.Error(), c.clock.Now())
	}
}

func (c *Client) onHistoryPage(id tdapi.RequestID, op *BackfillOp, obj tdapi.Object) {
	switch resp := obj.(type) {
	case *tdapi.Messages:
		c.backfill.OnPage(id, op, resp.Messages)
	case *tdapi.Error:
		c.backfill.OnError(op, resp)
	default:
		c.backfill.OnError(op, fmt.Errorf("unexpected %s response to history request", obj.ObjectType()))
	}
}

func (c *Client) onReplyFetched(op *ReplyFetchOp, obj tdapi.Object) {
	switch resp := obj.(type) {
	case *tdapi.Message:
		if err := c.cache.PutMessage(c.ctx, resp); err != nil {
			c.log.Warn().Err(err).Int64("message_id", int64(resp.ID)).Msg("Failed to cache replied message")
		}
		c.queue.ResolveReply(op, resp)
	default:
		c.log.Debug().
			Int64("chat_id", int64(op.ChatID)).
			Int64("replied_id", int64(op.RepliedID)).
			Str("type", obj.ObjectType()).
			Msg("Replied message could not be fetched")
		c.queue.ResolveReply(op, c.cachedMessage(op.ChatID, op.RepliedID))
	}
}

func (c *Client) cachedMessage(chatID tdapi.ChatID, id tdapi.MessageID) *tdapi.Message {
	msg, err := c.cache.GetMessage(c.ctx, chatID, id)
	if err != nil {
		c.log.Warn().Err(err).Int64("message_id", int64(id)).Msg("Failed to read cached message")
		return nil
	}
	return msg
}

func (c *Client) senderName(id tdapi.UserID) string {
	user, err := c.cache.GetUser(c.ctx, id)
	if err != nil {
		c.log.Warn().Err(err).Int64("user_id", int64(id)).Msg("Failed to read cached user")
	}
	if user != nil {
		return user.DisplayName()
	}
	c.requestUser(id)
	return fmt.Sprintf("user %d", id)
}

func (c *Client) deliverEnvelope(env *Envelope, flushed bool) {
	mode := "live"
	switch {
	case flushed:
		mode = "flushed"
	case env.Backfilled:
		mode = "backfill"
	}
	c.host.DeliverMessage(DeliveredMessage{
		ChatID:     env.ChatID,
		MessageID:  env.MessageID,
		Sender:     Sender{ID: env.Sender, Name: c.senderName(env.Sender)},
		Text:       renderEnvelope(env, c.senderName),
		Timestamp:  env.Timestamp,
		Direction:  env.Direction,
		ReplyTo:    env.ReplyTo,
		Attachment: env.LocalPath,
		Backfilled: env.Backfilled,
	})
	deliveredMessages.WithLabelValues(mode).Inc()
	if err := c.cache.SetLastDelivered(c.ctx, env.ChatID, env.MessageID); err != nil {
		c.log.Warn().Err(err).Int64("chat_id", int64(env.ChatID)).Msg("Failed to record delivered message")
	}
	if c.cfg.Messages.ReadReceipts && env.Direction == DirectionInbound && !c.closed {
		c.corr.Send(&tdapi.ViewMessages{ChatID: env.ChatID, MessageIDs: []tdapi.MessageID{env.MessageID}, ForceRead: true})
	}
}

func removeTempFile(log zerolog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove temporary file")
	}
}
