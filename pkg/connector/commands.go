// tdbridge - A bridge between TDLib and chat client frameworks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"fmt"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/bridgev2/commands"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

// SessionLookup finds the session and host belonging to the user who sent a
// command.
type SessionLookup func(ce *commands.Event) (*Session, *MatrixHost)

// BridgeCommands returns the custom commands for the bridge. Register them
// in the PostInit hook:
//
//	m.Bridge.Commands.(*commands.Processor).AddHandlers(connector.BridgeCommands(lookup)...)
func BridgeCommands(lookup SessionLookup) []*commands.FullHandler {
	return []*commands.FullHandler{
		chatCommand(lookup, "download", "<message id> <yes|no>", "Answer a large download prompt.", fnDownload),
		chatCommand(lookup, "save", "<message id>", "Save an attachment into the download directory.", fnSave),
		chatCommand(lookup, "backfill", "", "Load unread history for this chat.", fnBackfill),
		chatCommand(lookup, "chat-info", "", "Show group description and member count.", fnChatInfo),
		chatCommand(lookup, "flush", "", "Deliver queued messages without waiting for replies or downloads.", fnFlush),
		globalCommand(lookup, "cancel-transfer", "<transfer id>", "Cancel a running transfer.", fnCancelTransfer),
		globalCommand(lookup, "join", "<invite link | @username>", "Join a group.", fnJoin),
		globalCommand(lookup, "add-contact", "<phone> [first name] [last name]", "Add a contact and open a chat with them.", fnAddContact),
	}
}

type commandEnv struct {
	ce      *commands.Event
	session *Session
	host    *MatrixHost
	client  *Client
	chatID  tdapi.ChatID
}

func (env *commandEnv) check(err error) {
	if err != nil {
		env.ce.Reply("Failed: %v", err)
		return
	}
	env.ce.Reply("OK")
}

func resolveCommand(lookup SessionLookup, ce *commands.Event, needChat bool) *commandEnv {
	session, host := lookup(ce)
	if session == nil {
		ce.Reply("No active login found.")
		return nil
	}
	client := session.Current()
	if client == nil {
		ce.Reply("Not connected to the backend right now.")
		return nil
	}
	env := &commandEnv{ce: ce, session: session, host: host, client: client}
	if needChat {
		if ce.Portal == nil {
			ce.Reply("This command must be used in a chat room.")
			return nil
		}
		chatID, err := parsePortalID(ce.Portal.ID)
		if err != nil {
			ce.Reply("This room is not a bridged chat.")
			return nil
		}
		env.chatID = chatID
	}
	return env
}

func chatCommand(lookup SessionLookup, name, args, desc string, fn func(*commandEnv)) *commands.FullHandler {
	return command(lookup, name, args, desc, true, fn)
}

func globalCommand(lookup SessionLookup, name, args, desc string, fn func(*commandEnv)) *commands.FullHandler {
	return command(lookup, name, args, desc, false, fn)
}

func command(lookup SessionLookup, name, args, desc string, needChat bool, fn func(*commandEnv)) *commands.FullHandler {
	return &commands.FullHandler{
		Name: name,
		Func: func(ce *commands.Event) {
			if env := resolveCommand(lookup, ce, needChat); env != nil {
				fn(env)
			}
		},
		Help: commands.HelpMeta{
			Section:     commands.HelpSectionChats,
			Description: desc,
			Args:        args,
		},
		RequiresLogin: true,
	}
}

func parseMessageID(arg string) (tdapi.MessageID, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", arg)
	}
	return tdapi.MessageID(id), nil
}

func parseYesNo(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "y", "yes", "accept":
		return true, nil
	case "n", "no", "decline":
		return false, nil
	default:
		return false, fmt.Errorf("expected yes or no, got %q", arg)
	}
}

func fnDownload(env *commandEnv) {
	if len(env.ce.Args) != 2 {
		env.ce.Reply("Usage: `download <message id> <yes|no>`")
		return
	}
	msgID, err := parseMessageID(env.ce.Args[0])
	if err != nil {
		env.ce.Reply("%v", err)
		return
	}
	accept, err := parseYesNo(env.ce.Args[1])
	if err != nil {
		env.ce.Reply("%v", err)
		return
	}
	if env.host == nil || !env.host.AnswerDownload(env.chatID, msgID, accept) {
		env.ce.Reply("No download is waiting for message %d.", msgID)
		return
	}
	env.ce.Reply("OK")
}

func fnSave(env *commandEnv) {
	if len(env.ce.Args) != 1 {
		env.ce.Reply("Usage: `save <message id>`")
		return
	}
	msgID, err := parseMessageID(env.ce.Args[0])
	if err != nil {
		env.ce.Reply("%v", err)
		return
	}
	env.check(env.client.SaveAttachment(env.chatID, msgID))
}

func fnBackfill(env *commandEnv) {
	env.check(env.client.RequestBackfill(env.chatID))
}

func fnChatInfo(env *commandEnv) {
	env.check(env.client.RequestChatInfo(env.chatID))
}

func fnFlush(env *commandEnv) {
	env.check(env.client.Flush(env.chatID))
}

func fnCancelTransfer(env *commandEnv) {
	if len(env.ce.Args) != 1 {
		env.ce.Reply("Usage: `cancel-transfer <transfer id>`")
		return
	}
	env.check(env.client.CancelTransfer(env.ce.Args[0]))
}

func fnJoin(env *commandEnv) {
	if len(env.ce.Args) != 1 {
		env.ce.Reply("Usage: `join <invite link | @username>`")
		return
	}
	env.check(env.client.JoinGroup(env.ce.Args[0]))
}

func fnAddContact(env *commandEnv) {
	args := env.ce.Args
	if len(args) == 0 {
		env.ce.Reply("Usage: `add-contact <phone> [first name] [last name]`")
		return
	}
	var first, last string
	if len(args) > 1 {
		first = args[1]
	}
	if len(args) > 2 {
		last = strings.Join(args[2:], " ")
	}
	env.check(env.client.AddContact(args[0], first, last))
}
