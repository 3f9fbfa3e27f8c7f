// tdbridge - A bridge between TDLib and chat client frameworks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

var (
	ErrBackfillRunning = errors.New("backfill already running for chat")
	errBackfillAborted = errors.New("backfill aborted")
	errBackfillTimeout = errors.New("history request timed out")
)

const (
	defaultBackfillPageSize    = 30
	defaultBackfillMaxMessages = 100
	defaultBackfillPageTimeout = 30 * time.Second
)

// BackfillState tracks one conversation's walk backwards through history
// towards its two read watermarks.
type BackfillState struct {
	ChatID         tdapi.ChatID
	LastReadInbox  tdapi.MessageID
	LastReadOutbox tdapi.MessageID

	OldestSeenInbox  tdapi.MessageID
	OldestSeenOutbox tdapi.MessageID
	InboxDone        bool
	OutboxDone       bool

	// backlog is kept newest first, in the order pages deliver it.
	backlog   []*tdapi.Message
	seen      map[tdapi.MessageID]struct{}
	pages     int
	requestID tdapi.RequestID
	started   time.Time
}

func (s *BackfillState) Done() bool {
	return s.InboxDone && s.OutboxDone
}

func (s *BackfillState) Backlog() []*tdapi.Message {
	return s.backlog
}

func (s *BackfillState) RequestID() tdapi.RequestID {
	return s.requestID
}

func (s *BackfillState) forceDone() {
	s.InboxDone = true
	s.OutboxDone = true
}

// nextFrom is the oldest message seen in either direction.
func (s *BackfillState) nextFrom() tdapi.MessageID {
	switch {
	case s.OldestSeenInbox == 0:
		return s.OldestSeenOutbox
	case s.OldestSeenOutbox == 0:
		return s.OldestSeenInbox
	default:
		return min(s.OldestSeenInbox, s.OldestSeenOutbox)
	}
}

// BackfillHandoff receives a finished backlog, oldest first. err is non-nil
// when the backlog is partial because a page failed or the session ended.
type BackfillHandoff func(chatID tdapi.ChatID, backlog []*tdapi.Message, err error)

type BackfillEngine struct {
	log         zerolog.Logger
	corr        *Correlator
	clock       Clock
	pageSize    int32
	maxMessages int
	pageTimeout time.Duration
	handoff     BackfillHandoff

	states map[tdapi.ChatID]*BackfillState
}

func NewBackfillEngine(corr *Correlator, cfg BackfillConfig, handoff BackfillHandoff, log zerolog.Logger) *BackfillEngine {
	pageSize, maxMessages := cfg.PageSize, cfg.MaxMessages
	if pageSize <= 0 {
		pageSize = defaultBackfillPageSize
	}
	if maxMessages <= 0 {
		maxMessages = defaultBackfillMaxMessages
	}
	pageTimeout := cfg.pageTimeout
	if pageTimeout <= 0 {
		pageTimeout = defaultBackfillPageTimeout
	}
	return &BackfillEngine{
		log:         log,
		corr:        corr,
		clock:       corr.clock,
		pageSize:    int32(pageSize),
		maxMessages: maxMessages,
		pageTimeout: pageTimeout,
		handoff:     handoff,
		states:      make(map[tdapi.ChatID]*BackfillState),
	}
}

func (e *BackfillEngine) Active(chatID tdapi.ChatID) bool {
	_, ok := e.states[chatID]
	return ok
}

func (e *BackfillEngine) State(chatID tdapi.ChatID) *BackfillState {
	return e.states[chatID]
}

// Start requests the newest page of the conversation. Paging continues
// until both watermarks have been passed.
func (e *BackfillEngine) Start(chatID tdapi.ChatID, lastReadInbox, lastReadOutbox tdapi.MessageID) error {
	if _, ok := e.states[chatID]; ok {
		return fmt.Errorf("%w %d", ErrBackfillRunning, chatID)
	}
	state := &BackfillState{
		ChatID:         chatID,
		LastReadInbox:  lastReadInbox,
		LastReadOutbox: lastReadOutbox,
		seen:           make(map[tdapi.MessageID]struct{}),
		started:        e.clock.Now(),
	}
	state.requestID = e.corr.SendWithTimeout(&tdapi.GetChatHistory{ChatID: chatID, Limit: e.pageSize}, e.pageTimeout)
	if err := e.corr.Register(state.requestID, &BackfillOp{State: state}); err != nil {
		return err
	}
	e.states[chatID] = state
	activeBackfills.Set(float64(len(e.states)))
	e.log.Debug().
		Int64("chat_id", int64(chatID)).
		Int64("last_read_inbox", int64(lastReadInbox)).
		Int64("last_read_outbox", int64(lastReadOutbox)).
		Msg("Starting history backfill")
	return nil
}

// OnPage consumes one page of history, newest first, and either requests
// the next page or hands off the backlog.
func (e *BackfillEngine) OnPage(id tdapi.RequestID, op *BackfillOp, messages []*tdapi.Message) {
	s := op.State
	if e.states[s.ChatID] != s {
		e.log.Warn().Int64("chat_id", int64(s.ChatID)).Msg("Ignoring history page for finished backfill")
		return
	}
	s.pages++
	backfillPages.Inc()
	log := e.log.With().Int64("chat_id", int64(s.ChatID)).Int("page", s.pages).Logger()

	// Watermark hits apply once the whole page is consumed, so a page that
	// reaches a watermark is recorded in full.
	var added int
	var inboxHit, outboxHit, anomaly bool
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if _, dup := s.seen[msg.ID]; dup {
			continue
		}
		s.seen[msg.ID] = struct{}{}
		added++
		if (msg.ID == s.LastReadInbox && msg.IsOutgoing) || (msg.ID == s.LastReadOutbox && !msg.IsOutgoing) {
			anomaly = true
		}
		if msg.IsOutgoing {
			s.OldestSeenOutbox = lowerID(s.OldestSeenOutbox, msg.ID)
			if !s.OutboxDone {
				s.backlog = append(s.backlog, msg)
				outboxHit = outboxHit || msg.ID <= s.LastReadOutbox
			}
		} else {
			s.OldestSeenInbox = lowerID(s.OldestSeenInbox, msg.ID)
			if !s.InboxDone {
				s.backlog = append(s.backlog, msg)
				inboxHit = inboxHit || msg.ID <= s.LastReadInbox
			}
		}
	}
	s.InboxDone = s.InboxDone || inboxHit
	s.OutboxDone = s.OutboxDone || outboxHit

	switch {
	case anomaly:
		log.Warn().Msg("Read watermark matched a message of the opposite direction, ending backfill")
		s.forceDone()
	case added == 0:
		log.Debug().Int("page_size", len(messages)).Msg("History page added no new messages, ending backfill")
		s.forceDone()
	}
	if len(s.backlog) >= e.maxMessages {
		if !s.Done() {
			log.Debug().Int("max_messages", e.maxMessages).Msg("Backfill reached message cap")
		}
		s.backlog = s.backlog[:e.maxMessages]
		s.forceDone()
	}

	if !s.Done() {
		newID := e.corr.SendWithTimeout(&tdapi.GetChatHistory{ChatID: s.ChatID, FromMessageID: s.nextFrom(), Limit: e.pageSize}, e.pageTimeout)
		if err := e.corr.Rebind(id, newID); err != nil {
			e.finish(s, err)
			return
		}
		s.requestID = newID
		return
	}
	e.finish(s, nil)
}

// OnError ends the backfill with whatever was collected so far.
func (e *BackfillEngine) OnError(op *BackfillOp, err error) {
	if e.states[op.State.ChatID] != op.State {
		return
	}
	e.finish(op.State, err)
}

// Abort ends a backfill whose request was released during teardown.
func (e *BackfillEngine) Abort(op *BackfillOp) {
	e.OnError(op, errBackfillAborted)
}

func (e *BackfillEngine) finish(s *BackfillState, err error) {
	s.forceDone()
	delete(e.states, s.ChatID)
	activeBackfills.Set(float64(len(e.states)))
	backlog := slices.Clone(s.backlog)
	slices.SortFunc(backlog, func(a, b *tdapi.Message) int { return cmp.Compare(a.ID, b.ID) })
	evt := e.log.Debug()
	if err != nil {
		evt = e.log.Warn().Err(err)
	}
	evt.Int64("chat_id", int64(s.ChatID)).
		Int("pages", s.pages).
		Int("messages", len(backlog)).
		Dur("duration", e.clock.Now().Sub(s.started)).
		Msg("History backfill finished")
	e.handoff(s.ChatID, backlog, err)
}

func lowerID(current, candidate tdapi.MessageID) tdapi.MessageID {
	if current == 0 || candidate < current {
		return candidate
	}
	return current
}
