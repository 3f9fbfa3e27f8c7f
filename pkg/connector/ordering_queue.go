// tdbridge - A bridge between TDLib and chat client frameworks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

// DependencySet is the set of things an envelope still waits for.
type DependencySet uint8

const (
	DependencyReply DependencySet = 1 << iota
	DependencyDownload
)

type DownloadState uint8

const (
	DownloadNone DownloadState = iota
	DownloadLocal
	DownloadPending
	DownloadAwaitingUser
	DownloadDone
	DownloadTooLarge
	DownloadDeclined
	DownloadFailed
	DownloadCancelled
	// DownloadIncomplete marks an attachment that was still transferring
	// when its envelope was flushed.
	DownloadIncomplete
)

// Envelope is an incoming message plus the dependencies it waits for. The
// queue owns it until delivery.
type Envelope struct {
	ChatID     tdapi.ChatID
	MessageID  tdapi.MessageID
	Sender     tdapi.UserID
	Timestamp  time.Time
	Direction  Direction
	ReplyTo    tdapi.MessageID
	Message    *tdapi.Message
	Backfilled bool

	pending DependencySet

	Reply            *tdapi.Message
	ReplyUnavailable bool
	Download         DownloadState
	LocalPath        string
}

func NewEnvelope(msg *tdapi.Message, backfilled bool) *Envelope {
	dir := DirectionInbound
	if msg.IsOutgoing {
		dir = DirectionOutbound
	}
	return &Envelope{
		ChatID:     msg.ChatID,
		MessageID:  msg.ID,
		Sender:     msg.SenderUserID,
		Timestamp:  msg.Time(),
		Direction:  dir,
		ReplyTo:    msg.ReplyToMessageID,
		Message:    msg,
		Backfilled: backfilled,
	}
}

func (e *Envelope) Pending() DependencySet {
	return e.pending
}

func (e *Envelope) Ready() bool {
	return e.pending == 0
}

type chatQueue struct {
	items []*Envelope
	// held queues stay closed while a backfill for the chat is running.
	held bool
}

func (cq *chatQueue) index(id tdapi.MessageID) int {
	return slices.IndexFunc(cq.items, func(env *Envelope) bool { return env.MessageID == id })
}

// MessageQueue holds incoming messages per conversation until every
// dependency they have is resolved, and delivers them strictly in arrival
// order: an envelope is only ever delivered from the front of its queue.
type MessageQueue struct {
	log          zerolog.Logger
	corr         *Correlator
	host         HostFramework
	clock        Clock
	post         func(func()) bool
	policy       func() *MediaPolicy
	replyTimeout time.Duration
	deliver      func(env *Envelope, flushed bool)

	chats map[tdapi.ChatID]*chatQueue
	size  int
	// closing stops new dependencies from being requested during teardown.
	closing bool
}

func (q *MessageQueue) chat(id tdapi.ChatID) *chatQueue {
	cq, ok := q.chats[id]
	if !ok {
		cq = &chatQueue{}
		q.chats[id] = cq
	}
	return cq
}

// Enqueue appends env to its conversation, starts fetching whatever it
// depends on and delivers from the front if possible.
func (q *MessageQueue) Enqueue(env *Envelope) {
	cq := q.chat(env.ChatID)
	if cq.index(env.MessageID) >= 0 {
		q.log.Debug().
			Int64("chat_id", int64(env.ChatID)).
			Int64("message_id", int64(env.MessageID)).
			Msg("Ignoring message that is already queued")
		return
	}
	cq.items = append(cq.items, env)
	q.setSize(q.size + 1)
	q.admit(env)
	q.tryDeliverFront(env.ChatID)
}

// Hold keeps the conversation closed: envelopes are queued and their
// dependencies fetched, but nothing is delivered until Release.
func (q *MessageQueue) Hold(chatID tdapi.ChatID) {
	q.chat(chatID).held = true
}

// Release puts backlog in front of everything queued while the conversation
// was held and reopens it. Backlog entries already queued are dropped.
func (q *MessageQueue) Release(chatID tdapi.ChatID, backlog []*Envelope) {
	cq := q.chat(chatID)
	front := make([]*Envelope, 0, len(backlog)+len(cq.items))
	for _, env := range backlog {
		if cq.index(env.MessageID) >= 0 || slices.ContainsFunc(front, func(e *Envelope) bool { return e.MessageID == env.MessageID }) {
			continue
		}
		front = append(front, env)
	}
	added := len(front)
	cq.items = append(front, cq.items...)
	cq.held = false
	q.setSize(q.size + added)
	for _, env := range cq.items[:added] {
		q.admit(env)
	}
	q.tryDeliverFront(chatID)
}

func (q *MessageQueue) Find(chatID tdapi.ChatID, msgID tdapi.MessageID) *Envelope {
	cq, ok := q.chats[chatID]
	if !ok {
		return nil
	}
	if idx := cq.index(msgID); idx >= 0 {
		return cq.items[idx]
	}
	return nil
}

// MarkDependencyResolved clears one dependency and re-checks the front of
// the conversation. It returns false if the envelope is no longer queued.
func (q *MessageQueue) MarkDependencyResolved(chatID tdapi.ChatID, msgID tdapi.MessageID, kind DependencySet) bool {
	env := q.Find(chatID, msgID)
	if env == nil {
		q.log.Debug().
			Int64("chat_id", int64(chatID)).
			Int64("message_id", int64(msgID)).
			Msg("Dependency resolved for message that is no longer queued")
		return false
	}
	env.pending &^= kind
	q.tryDeliverFront(chatID)
	return true
}

// ResolveReply fills in the replied-to message. A nil reply means it could
// not be fetched in time and is rendered as unavailable.
func (q *MessageQueue) ResolveReply(op *ReplyFetchOp, reply *tdapi.Message) {
	if env := q.Find(op.ChatID, op.MessageID); env != nil {
		env.Reply = reply
		env.ReplyUnavailable = reply == nil
	}
	q.MarkDependencyResolved(op.ChatID, op.MessageID, DependencyReply)
}

func (q *MessageQueue) ResolveDownload(chatID tdapi.ChatID, msgID tdapi.MessageID, path string, state DownloadState) {
	if env := q.Find(chatID, msgID); env != nil {
		env.Download = state
		if path != "" {
			env.LocalPath = path
		}
	}
	q.MarkDependencyResolved(chatID, msgID, DependencyDownload)
}

// tryDeliverFront pops and delivers ready envelopes from the front until it
// meets one that is not ready. Calling it again without changes is a no-op.
func (q *MessageQueue) tryDeliverFront(chatID tdapi.ChatID) {
	cq, ok := q.chats[chatID]
	if !ok || cq.held {
		return
	}
	for len(cq.items) > 0 && cq.items[0].Ready() {
		env := cq.items[0]
		cq.items[0] = nil
		cq.items = cq.items[1:]
		q.setSize(q.size - 1)
		q.deliver(env, false)
	}
	if len(cq.items) == 0 && !cq.held {
		delete(q.chats, chatID)
	}
}

// Flush delivers everything queued for the conversation in order, with
// whatever content is available, even if dependencies are still pending.
// A conversation held for backfill keeps its envelopes behind the backlog:
// their dependencies are given up on and they go out on Release.
func (q *MessageQueue) Flush(chatID tdapi.ChatID) {
	cq, ok := q.chats[chatID]
	if !ok {
		return
	}
	for _, env := range cq.items {
		if env.pending&DependencyReply != 0 {
			env.Reply = nil
			env.ReplyUnavailable = true
		}
		if env.pending&DependencyDownload != 0 {
			env.Download = DownloadIncomplete
		}
		env.pending = 0
	}
	if cq.held {
		return
	}
	delete(q.chats, chatID)
	for _, env := range cq.items {
		q.setSize(q.size - 1)
		q.deliver(env, true)
	}
}

// FlushAll empties every conversation, held or not.
func (q *MessageQueue) FlushAll() {
	ids := make([]tdapi.ChatID, 0, len(q.chats))
	for id, cq := range q.chats {
		cq.held = false
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		q.Flush(id)
	}
}

func (q *MessageQueue) Len() int {
	return q.size
}

func (q *MessageQueue) setSize(n int) {
	q.size = n
	queuedEnvelopes.Set(float64(n))
}

func (q *MessageQueue) admit(env *Envelope) {
	if q.closing {
		env.ReplyUnavailable = env.ReplyTo != 0
		if file := env.Message.Content.File; file != nil {
			if file.Local.IsDownloadingCompleted && file.Local.Path != "" {
				env.Download, env.LocalPath = DownloadLocal, file.Local.Path
			} else {
				env.Download = DownloadIncomplete
			}
		}
		return
	}
	if env.ReplyTo != 0 {
		q.fetchReply(env)
	}
	q.planAttachment(env)
}

func (q *MessageQueue) fetchReply(env *Envelope) {
	id := q.corr.SendWithTimeout(&tdapi.GetMessage{ChatID: env.ChatID, MessageID: env.ReplyTo}, q.replyTimeout)
	err := q.corr.Register(id, &ReplyFetchOp{ChatID: env.ChatID, MessageID: env.MessageID, RepliedID: env.ReplyTo})
	if err != nil {
		env.ReplyUnavailable = true
		return
	}
	env.pending |= DependencyReply
}

func (q *MessageQueue) planAttachment(env *Envelope) {
	file := env.Message.Content.File
	if file == nil {
		return
	}
	if file.Local.IsDownloadingCompleted && file.Local.Path != "" {
		env.Download = DownloadLocal
		env.LocalPath = file.Local.Path
		return
	}
	policy := q.policy()
	if policy.autoDownload(file.KnownSize()) {
		q.startDownload(env, file, false)
		return
	}
	switch policy.BigDownloadHandling {
	case BigDownloadAsk:
		q.askDownload(env, file)
	default:
		env.Download = DownloadTooLarge
	}
}

func (q *MessageQueue) askDownload(env *Envelope, file *tdapi.File) {
	env.Download = DownloadAwaitingUser
	env.pending |= DependencyDownload
	chatID, msgID := env.ChatID, env.MessageID
	var once sync.Once
	q.host.AskDownload(DownloadPrompt{
		ChatID:    chatID,
		MessageID: msgID,
		FileName:  attachmentName(env.Message),
		Size:      file.KnownSize(),
		Respond: func(accept bool) {
			once.Do(func() {
				q.post(func() { q.answerPrompt(chatID, msgID, accept) })
			})
		},
	})
}

func (q *MessageQueue) answerPrompt(chatID tdapi.ChatID, msgID tdapi.MessageID, accept bool) {
	env := q.Find(chatID, msgID)
	if env == nil || env.Download != DownloadAwaitingUser {
		return
	}
	if !accept {
		q.ResolveDownload(chatID, msgID, "", DownloadDeclined)
		return
	}
	q.startDownload(env, env.Message.Content.File, q.policy().DownloadBehaviour == DownloadAsTransfer)
	q.tryDeliverFront(chatID)
}

func (q *MessageQueue) startDownload(env *Envelope, file *tdapi.File, showProgress bool) {
	action := ReadyInline
	content := env.Message.Content
	if content.Kind == tdapi.ContentSticker && !content.Animated && q.policy().ConvertStickers {
		action = ReadySticker
	}
	op := &TransferOp{
		FileID:    file.ID,
		FileName:  attachmentName(env.Message),
		Size:      file.KnownSize(),
		ChatID:    env.ChatID,
		MessageID: env.MessageID,
		OnReady:   action,
		Started:   q.clock.Now(),
	}
	id := q.corr.Send(&tdapi.DownloadFile{FileID: file.ID, Priority: 1, Synchronous: true})
	if err := q.corr.Register(id, op); err != nil {
		env.pending &^= DependencyDownload
		env.Download = DownloadFailed
		return
	}
	if showProgress {
		op.TransferID = uuid.NewString()
		q.host.BeginTransferProgress(op.TransferID, op.Size)
	}
	env.Download = DownloadPending
	env.pending |= DependencyDownload
}
