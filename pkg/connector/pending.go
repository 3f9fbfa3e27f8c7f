// tdbridge - A bridge between TDLib and chat client frameworks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"fmt"
	"time"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

// PendingOp records why a request was sent and what the matching response
// must do. The set of implementations is closed; every consumer switches
// over all of them and panics on anything else.
type PendingOp interface {
	pendingOp()
}

type MetadataKind uint8

const (
	MetadataBasicGroup MetadataKind = iota
	MetadataSupergroup
	MetadataUser
)

// MetadataFetchOp waits for group full info or a user profile.
type MetadataFetchOp struct {
	Kind   MetadataKind
	ChatID tdapi.ChatID
	ID     int64
}

// ContactOp waits for importContacts to resolve a phone number.
type ContactOp struct {
	PhoneNumber string
	FirstName   string
	LastName    string
}

// PrivateChatOp waits for a private chat to exist, then sends Text into it.
type PrivateChatOp struct {
	UserID tdapi.UserID
	Text   string
}

// GroupJoinOp covers both steps of joining: resolving a public username to a
// chat, then joining it. Invite links take a single step.
type GroupJoinOp struct {
	Target  string
	ByLink  bool
	ChatID  tdapi.ChatID
	Joining bool
}

// SendMessageOp owns TempFile until the backend reports the send finished.
type SendMessageOp struct {
	ChatID   tdapi.ChatID
	TempFile string
	FileName string
}

type FileReadyAction uint8

const (
	// ReadyInline resolves the download dependency of a queued envelope.
	ReadyInline FileReadyAction = iota
	// ReadyStandard is a standalone transfer saved into the download directory.
	ReadyStandard
	// ReadySticker converts the file on the worker pool before resolving.
	ReadySticker
)

func (a FileReadyAction) String() string {
	switch a {
	case ReadyInline:
		return "inline"
	case ReadyStandard:
		return "standard"
	case ReadySticker:
		return "sticker"
	default:
		return fmt.Sprintf("FileReadyAction(%d)", uint8(a))
	}
}

// TransferOp tracks a download from request until the backend returns the
// finished file. Progress arrives separately through updateFile.
type TransferOp struct {
	FileID     tdapi.FileID
	FileName   string
	Size       int64
	Downloaded int64
	ChatID     tdapi.ChatID
	MessageID  tdapi.MessageID
	OnReady    FileReadyAction
	// TransferID is the host transfer handle, empty until progress is shown.
	TransferID string
	Started    time.Time
}

// ReplyFetchOp waits for the message that a queued envelope replies to.
type ReplyFetchOp struct {
	ChatID    tdapi.ChatID
	MessageID tdapi.MessageID
	RepliedID tdapi.MessageID
}

// BackfillOp points at the backfill state of one conversation. The same op
// is rebound onto every follow-up page request.
type BackfillOp struct {
	State *BackfillState
}

func (*MetadataFetchOp) pendingOp() {}
func (*ContactOp) pendingOp()       {}
func (*PrivateChatOp) pendingOp()   {}
func (*GroupJoinOp) pendingOp()     {}
func (*SendMessageOp) pendingOp()   {}
func (*TransferOp) pendingOp()      {}
func (*ReplyFetchOp) pendingOp()    {}
func (*BackfillOp) pendingOp()      {}

func opName(op PendingOp) string {
	switch op.(type) {
	case *MetadataFetchOp:
		return "metadata_fetch"
	case *ContactOp:
		return "contact"
	case *PrivateChatOp:
		return "private_chat"
	case *GroupJoinOp:
		return "group_join"
	case *SendMessageOp:
		return "send_message"
	case *TransferOp:
		return "transfer"
	case *ReplyFetchOp:
		return "reply_fetch"
	case *BackfillOp:
		return "backfill"
	default:
		panic(fmt.Sprintf("unhandled pending operation %T", op))
	}
}
