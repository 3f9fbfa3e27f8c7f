// tdbridge - A bridge between TDLib and chat client frameworks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

var (
	ErrDuplicateRequest = errors.New("request already has a pending operation")
	ErrUnknownRequest   = errors.New("request has no pending operation")
)

// Dispatcher hands a call to the transport. It must not block.
type Dispatcher interface {
	Dispatch(id tdapi.RequestID, call tdapi.Call)
}

type outgoingCall struct {
	id   tdapi.RequestID
	call tdapi.Call
}

type mailboxDispatcher struct {
	box *mailbox[outgoingCall]
}

func (d mailboxDispatcher) Dispatch(id tdapi.RequestID, call tdapi.Call) {
	d.box.Push(outgoingCall{id: id, call: call})
}

type takenOp struct {
	id tdapi.RequestID
	op PendingOp
}

// Correlator maps request ids to the operations waiting on them. It is owned
// by the event loop and is not safe for concurrent use.
type Correlator struct {
	log    zerolog.Logger
	out    Dispatcher
	clock  Clock
	post   func(func()) bool
	strict bool

	// onTimeout runs on the event loop for operations whose deadline passed
	// before a response arrived. The operation has already been taken.
	onTimeout func(id tdapi.RequestID, op PendingOp)

	lastID tdapi.RequestID
	live   map[tdapi.RequestID]PendingOp
	timers map[tdapi.RequestID]Timer

	// lastTaken holds the op whose response is being handled, so the handler
	// can rebind it onto a follow-up request.
	lastTaken *takenOp
}

func NewCorrelator(out Dispatcher, clock Clock, post func(func()) bool, log zerolog.Logger) *Correlator {
	if clock == nil {
		clock = systemClock{}
	}
	return &Correlator{
		log:    log,
		out:    out,
		clock:  clock,
		post:   post,
		live:   make(map[tdapi.RequestID]PendingOp),
		timers: make(map[tdapi.RequestID]Timer),
	}
}

// Send allocates the next request id and hands the call to the transport.
func (c *Correlator) Send(call tdapi.Call) tdapi.RequestID {
	c.lastID++
	id := c.lastID
	c.log.Trace().
		Uint64("request_id", uint64(id)).
		Str("call", call.CallType()).
		Msg("Sending request")
	c.out.Dispatch(id, call)
	return id
}

// SendWithTimeout is Send plus a deadline. If nothing is registered for the
// id or the response arrives first, the deadline has no effect.
func (c *Correlator) SendWithTimeout(call tdapi.Call, timeout time.Duration) tdapi.RequestID {
	id := c.Send(call)
	c.timers[id] = c.clock.AfterFunc(timeout, func() {
		c.post(func() { c.expire(id) })
	})
	return id
}

// Register attaches op to a request that was already sent.
func (c *Correlator) Register(id tdapi.RequestID, op PendingOp) error {
	if id == 0 || id > c.lastID {
		return c.violation(fmt.Errorf("%w: id %d was never sent", ErrUnknownRequest, id), op)
	}
	if existing, ok := c.live[id]; ok {
		return c.violation(fmt.Errorf("%w: id %d holds %s", ErrDuplicateRequest, id, opName(existing)), op)
	}
	c.live[id] = op
	pendingOperations.Set(float64(len(c.live)))
	return nil
}

// Take removes and returns the op registered for id. A second call for the
// same id returns false.
func (c *Correlator) Take(id tdapi.RequestID) (PendingOp, bool) {
	op, ok := c.live[id]
	if !ok {
		return nil, false
	}
	delete(c.live, id)
	if timer, ok := c.timers[id]; ok {
		timer.Stop()
		delete(c.timers, id)
	}
	c.lastTaken = &takenOp{id: id, op: op}
	pendingOperations.Set(float64(len(c.live)))
	return op, true
}

// Rebind moves the op associated with oldID onto newID. oldID may be live or
// may be the response currently being handled.
func (c *Correlator) Rebind(oldID, newID tdapi.RequestID) error {
	var op PendingOp
	if live, ok := c.live[oldID]; ok {
		op = live
		delete(c.live, oldID)
	} else if c.lastTaken != nil && c.lastTaken.id == oldID {
		op = c.lastTaken.op
		c.lastTaken = nil
	} else {
		return fmt.Errorf("%w: cannot rebind %d onto %d", ErrUnknownRequest, oldID, newID)
	}
	return c.Register(newID, op)
}

// settle forgets the op whose response was just handled.
func (c *Correlator) settle() {
	c.lastTaken = nil
}

// Peek finds a live op of type T matching the given predicate without
// removing it. It is used for lookups by auxiliary keys such as file ids.
func Peek[T PendingOp](c *Correlator, match func(T) bool) (T, tdapi.RequestID, bool) {
	for id, op := range c.live {
		if typed, ok := op.(T); ok && match(typed) {
			return typed, id, true
		}
	}
	var zero T
	return zero, 0, false
}

func (c *Correlator) DownloadByFile(fileID tdapi.FileID) (*TransferOp, tdapi.RequestID, bool) {
	return Peek(c, func(op *TransferOp) bool { return op.FileID == fileID })
}

func (c *Correlator) Len() int {
	return len(c.live)
}

// Teardown visits every live op in request order so it can release what it
// owns, then clears the table.
func (c *Correlator) Teardown(release func(id tdapi.RequestID, op PendingOp)) {
	ids := make([]tdapi.RequestID, 0, len(c.live))
	for id := range c.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, timer := range c.timers {
		timer.Stop()
	}
	c.timers = make(map[tdapi.RequestID]Timer)
	live := c.live
	c.live = make(map[tdapi.RequestID]PendingOp)
	c.lastTaken = nil
	for _, id := range ids {
		release(id, live[id])
	}
	pendingOperations.Set(0)
}

func (c *Correlator) expire(id tdapi.RequestID) {
	delete(c.timers, id)
	op, ok := c.live[id]
	if !ok {
		return
	}
	delete(c.live, id)
	pendingOperations.Set(float64(len(c.live)))
	c.log.Warn().
		Uint64("request_id", uint64(id)).
		Str("operation", opName(op)).
		Msg("Request timed out")
	if c.onTimeout != nil {
		c.onTimeout(id, op)
	}
}

func (c *Correlator) violation(err error, op PendingOp) error {
	if c.strict {
		panic(err)
	}
	c.log.Error().Err(err).
		Str("operation", opName(op)).
		Msg("Dropping pending operation after invariant violation")
	return err
}
