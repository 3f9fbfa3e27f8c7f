package connector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

// AccountCache is the passive lookup table of users, chats and recently seen
// messages. Missing entries return nil without an error.
type AccountCache interface {
	PutUser(ctx context.Context, user *tdapi.User) error
	GetUser(ctx context.Context, id tdapi.UserID) (*tdapi.User, error)
	PutChat(ctx context.Context, chat *tdapi.Chat) error
	GetChat(ctx context.Context, id tdapi.ChatID) (*tdapi.Chat, error)
	SetReadInbox(ctx context.Context, chatID tdapi.ChatID, lastRead tdapi.MessageID, unread int32) error
	SetReadOutbox(ctx context.Context, chatID tdapi.ChatID, lastRead tdapi.MessageID) error
	SetGroupInfo(ctx context.Context, chatID tdapi.ChatID, description string, memberCount int) error
	PutMessage(ctx context.Context, msg *tdapi.Message) error
	GetMessage(ctx context.Context, chatID tdapi.ChatID, id tdapi.MessageID) (*tdapi.Message, error)
	// SetLastDelivered raises the newest message id handed to the host for
	// a chat. Lower ids are ignored.
	SetLastDelivered(ctx context.Context, chatID tdapi.ChatID, id tdapi.MessageID) error
	GetLastDelivered(ctx context.Context, chatID tdapi.ChatID) (tdapi.MessageID, error)
}

// SQLiteAccountCache persists the account cache through dbutil.
type SQLiteAccountCache struct {
	db        *dbutil.Database
	accountID string
}

var _ AccountCache = (*SQLiteAccountCache)(nil)

func OpenSQLiteAccountCache(ctx context.Context, uri, accountID string) (*SQLiteAccountCache, error) {
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open account cache: %w", err)
	}
	s := &SQLiteAccountCache{db: db, accountID: accountID}
	if err = s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteAccountCache) Close() error {
	return s.db.Close()
}

func (s *SQLiteAccountCache) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS td_user (
			account_id TEXT NOT NULL,
			user_id BIGINT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL DEFAULT '',
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS td_chat (
			account_id TEXT NOT NULL,
			chat_id BIGINT NOT NULL,
			chat_type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			user_id BIGINT NOT NULL DEFAULT 0,
			basic_group_id BIGINT NOT NULL DEFAULT 0,
			supergroup_id BIGINT NOT NULL DEFAULT 0,
			last_read_inbox BIGINT NOT NULL DEFAULT 0,
			last_read_outbox BIGINT NOT NULL DEFAULT 0,
			unread_count INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			member_count INTEGER NOT NULL DEFAULT 0,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, chat_id)
		)`,
		`CREATE TABLE IF NOT EXISTS td_message (
			account_id TEXT NOT NULL,
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			sender_id BIGINT NOT NULL,
			is_outgoing BOOLEAN NOT NULL,
			date BIGINT NOT NULL,
			reply_to BIGINT NOT NULL DEFAULT 0,
			content_json TEXT NOT NULL,
			PRIMARY KEY (account_id, chat_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS td_delivered (
			account_id TEXT NOT NULL,
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			PRIMARY KEY (account_id, chat_id)
		)`,
		`CREATE INDEX IF NOT EXISTS td_message_chat_date_idx
			ON td_message (account_id, chat_id, date)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure account cache schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteAccountCache) PutUser(ctx context.Context, user *tdapi.User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO td_user (account_id, user_id, first_name, last_name, username, phone_number, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, user_id) DO UPDATE SET
			first_name=excluded.first_name,
			last_name=excluded.last_name,
			username=excluded.username,
			phone_number=excluded.phone_number,
			updated_ts=excluded.updated_ts
	`, s.accountID, int64(user.ID), user.FirstName, user.LastName, user.Username, user.PhoneNumber, time.Now().UnixMilli())
	return err
}

func (s *SQLiteAccountCache) GetUser(ctx context.Context, id tdapi.UserID) (*tdapi.User, error) {
	user := &tdapi.User{ID: id}
	err := s.db.QueryRow(ctx,
		`SELECT first_name, last_name, username, phone_number FROM td_user WHERE account_id=$1 AND user_id=$2`,
		s.accountID, int64(id),
	).Scan(&user.FirstName, &user.LastName, &user.Username, &user.PhoneNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return user, nil
}

// PutChat stores chat metadata and read watermarks. Group info set through
// SetGroupInfo is preserved.
func (s *SQLiteAccountCache) PutChat(ctx context.Context, chat *tdapi.Chat) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO td_chat (
			account_id, chat_id, chat_type, title, user_id, basic_group_id, supergroup_id,
			last_read_inbox, last_read_outbox, unread_count, updated_ts
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (account_id, chat_id) DO UPDATE SET
			chat_type=excluded.chat_type,
			title=excluded.title,
			user_id=excluded.user_id,
			basic_group_id=excluded.basic_group_id,
			supergroup_id=excluded.supergroup_id,
			last_read_inbox=excluded.last_read_inbox,
			last_read_outbox=excluded.last_read_outbox,
			unread_count=excluded.unread_count,
			updated_ts=excluded.updated_ts
	`, s.accountID, int64(chat.ID), string(chat.Type), chat.Title, int64(chat.UserID), chat.BasicGroupID, chat.SupergroupID,
		int64(chat.LastReadInboxMessageID), int64(chat.LastReadOutboxMessageID), chat.UnreadCount, time.Now().UnixMilli())
	return err
}

func (s *SQLiteAccountCache) GetChat(ctx context.Context, id tdapi.ChatID) (*tdapi.Chat, error) {
	chat := &tdapi.Chat{ID: id}
	var chatType string
	var userID, inbox, outbox int64
	err := s.db.QueryRow(ctx, `
		SELECT chat_type, title, user_id, basic_group_id, supergroup_id, last_read_inbox, last_read_outbox, unread_count
		FROM td_chat WHERE account_id=$1 AND chat_id=$2
	`, s.accountID, int64(id)).Scan(
		&chatType, &chat.Title, &userID, &chat.BasicGroupID, &chat.SupergroupID, &inbox, &outbox, &chat.UnreadCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	chat.Type = tdapi.ChatType(chatType)
	chat.UserID = tdapi.UserID(userID)
	chat.LastReadInboxMessageID = tdapi.MessageID(inbox)
	chat.LastReadOutboxMessageID = tdapi.MessageID(outbox)
	return chat, nil
}

func (s *SQLiteAccountCache) SetReadInbox(ctx context.Context, chatID tdapi.ChatID, lastRead tdapi.MessageID, unread int32) error {
	_, err := s.db.Exec(ctx,
		`UPDATE td_chat SET last_read_inbox=$3, unread_count=$4, updated_ts=$5 WHERE account_id=$1 AND chat_id=$2`,
		s.accountID, int64(chatID), int64(lastRead), unread, time.Now().UnixMilli(),
	)
	return err
}

func (s *SQLiteAccountCache) SetReadOutbox(ctx context.Context, chatID tdapi.ChatID, lastRead tdapi.MessageID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE td_chat SET last_read_outbox=$3, updated_ts=$4 WHERE account_id=$1 AND chat_id=$2`,
		s.accountID, int64(chatID), int64(lastRead), time.Now().UnixMilli(),
	)
	return err
}

func (s *SQLiteAccountCache) SetGroupInfo(ctx context.Context, chatID tdapi.ChatID, description string, memberCount int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE td_chat SET description=$3, member_count=$4, updated_ts=$5 WHERE account_id=$1 AND chat_id=$2`,
		s.accountID, int64(chatID), description, memberCount, time.Now().UnixMilli(),
	)
	return err
}

// GetGroupInfo returns what SetGroupInfo stored, or empty values.
func (s *SQLiteAccountCache) GetGroupInfo(ctx context.Context, chatID tdapi.ChatID) (description string, memberCount int, err error) {
	err = s.db.QueryRow(ctx,
		`SELECT description, member_count FROM td_chat WHERE account_id=$1 AND chat_id=$2`,
		s.accountID, int64(chatID),
	).Scan(&description, &memberCount)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	return
}

func (s *SQLiteAccountCache) PutMessage(ctx context.Context, msg *tdapi.Message) error {
	content, err := json.Marshal(&msg.Content)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO td_message (account_id, chat_id, message_id, sender_id, is_outgoing, date, reply_to, content_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, chat_id, message_id) DO UPDATE SET
			content_json=excluded.content_json
	`, s.accountID, int64(msg.ChatID), int64(msg.ID), int64(msg.SenderUserID), msg.IsOutgoing, msg.Date,
		int64(msg.ReplyToMessageID), string(content))
	return err
}

func (s *SQLiteAccountCache) GetMessage(ctx context.Context, chatID tdapi.ChatID, id tdapi.MessageID) (*tdapi.Message, error) {
	msg := &tdapi.Message{ID: id, ChatID: chatID}
	var senderID, replyTo int64
	var content string
	err := s.db.QueryRow(ctx, `
		SELECT sender_id, is_outgoing, date, reply_to, content_json
		FROM td_message WHERE account_id=$1 AND chat_id=$2 AND message_id=$3
	`, s.accountID, int64(chatID), int64(id)).Scan(&senderID, &msg.IsOutgoing, &msg.Date, &replyTo, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	msg.SenderUserID = tdapi.UserID(senderID)
	msg.ReplyToMessageID = tdapi.MessageID(replyTo)
	if err = json.Unmarshal([]byte(content), &msg.Content); err != nil {
		return nil, fmt.Errorf("failed to decode cached message %d: %w", id, err)
	}
	return msg, nil
}

func (s *SQLiteAccountCache) SetLastDelivered(ctx context.Context, chatID tdapi.ChatID, id tdapi.MessageID) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO td_delivered (account_id, chat_id, message_id) VALUES ($1, $2, $3)
		ON CONFLICT (account_id, chat_id) DO UPDATE SET
			message_id=MAX(td_delivered.message_id, excluded.message_id)
	`, s.accountID, int64(chatID), int64(id))
	return err
}

func (s *SQLiteAccountCache) GetLastDelivered(ctx context.Context, chatID tdapi.ChatID) (tdapi.MessageID, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`SELECT message_id FROM td_delivered WHERE account_id=$1 AND chat_id=$2`,
		s.accountID, int64(chatID),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return tdapi.MessageID(id), err
}

// UnreadChats lists chats whose cached unread count is positive.
func (s *SQLiteAccountCache) UnreadChats(ctx context.Context) ([]*tdapi.Chat, error) {
	rows, err := s.db.Query(ctx, `
		SELECT chat_id, chat_type, title, last_read_inbox, last_read_outbox, unread_count
		FROM td_chat WHERE account_id=$1 AND unread_count > 0
		ORDER BY chat_id
	`, s.accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chats []*tdapi.Chat
	for rows.Next() {
		var chatID, inbox, outbox int64
		var chatType string
		chat := &tdapi.Chat{}
		if err = rows.Scan(&chatID, &chatType, &chat.Title, &inbox, &outbox, &chat.UnreadCount); err != nil {
			return nil, err
		}
		chat.ID = tdapi.ChatID(chatID)
		chat.Type = tdapi.ChatType(chatType)
		chat.LastReadInboxMessageID = tdapi.MessageID(inbox)
		chat.LastReadOutboxMessageID = tdapi.MessageID(outbox)
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// PruneMessages drops cached messages older than the cutoff.
func (s *SQLiteAccountCache) PruneMessages(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Exec(ctx,
		`DELETE FROM td_message WHERE account_id=$1 AND date < $2`,
		s.accountID, before.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MemoryAccountCache keeps the account cache in process memory.
type MemoryAccountCache struct {
	lock      sync.RWMutex
	users     map[tdapi.UserID]tdapi.User
	chats     map[tdapi.ChatID]tdapi.Chat
	messages  map[tdapi.ChatID]map[tdapi.MessageID]tdapi.Message
	delivered map[tdapi.ChatID]tdapi.MessageID
}

var _ AccountCache = (*MemoryAccountCache)(nil)

func NewMemoryAccountCache() *MemoryAccountCache {
	return &MemoryAccountCache{
		users:     make(map[tdapi.UserID]tdapi.User),
		chats:     make(map[tdapi.ChatID]tdapi.Chat),
		messages:  make(map[tdapi.ChatID]map[tdapi.MessageID]tdapi.Message),
		delivered: make(map[tdapi.ChatID]tdapi.MessageID),
	}
}

func (m *MemoryAccountCache) PutUser(_ context.Context, user *tdapi.User) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.users[user.ID] = *user
	return nil
}

func (m *MemoryAccountCache) GetUser(_ context.Context, id tdapi.UserID) (*tdapi.User, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func (m *MemoryAccountCache) PutChat(_ context.Context, chat *tdapi.Chat) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	stored := *chat
	stored.LastMessage = nil
	m.chats[chat.ID] = stored
	return nil
}

func (m *MemoryAccountCache) GetChat(_ context.Context, id tdapi.ChatID) (*tdapi.Chat, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	chat, ok := m.chats[id]
	if !ok {
		return nil, nil
	}
	return &chat, nil
}

func (m *MemoryAccountCache) SetReadInbox(_ context.Context, chatID tdapi.ChatID, lastRead tdapi.MessageID, unread int32) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if chat, ok := m.chats[chatID]; ok {
		chat.LastReadInboxMessageID = lastRead
		chat.UnreadCount = unread
		m.chats[chatID] = chat
	}
	return nil
}

func (m *MemoryAccountCache) SetReadOutbox(_ context.Context, chatID tdapi.ChatID, lastRead tdapi.MessageID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if chat, ok := m.chats[chatID]; ok {
		chat.LastReadOutboxMessageID = lastRead
		m.chats[chatID] = chat
	}
	return nil
}

func (m *MemoryAccountCache) SetGroupInfo(context.Context, tdapi.ChatID, string, int) error {
	return nil
}

func (m *MemoryAccountCache) PutMessage(_ context.Context, msg *tdapi.Message) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	chat, ok := m.messages[msg.ChatID]
	if !ok {
		chat = make(map[tdapi.MessageID]tdapi.Message)
		m.messages[msg.ChatID] = chat
	}
	chat[msg.ID] = *msg
	return nil
}

func (m *MemoryAccountCache) GetMessage(_ context.Context, chatID tdapi.ChatID, id tdapi.MessageID) (*tdapi.Message, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	msg, ok := m.messages[chatID][id]
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

func (m *MemoryAccountCache) SetLastDelivered(_ context.Context, chatID tdapi.ChatID, id tdapi.MessageID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.delivered[chatID] = max(m.delivered[chatID], id)
	return nil
}

func (m *MemoryAccountCache) GetLastDelivered(_ context.Context, chatID tdapi.ChatID) (tdapi.MessageID, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.delivered[chatID], nil
}
