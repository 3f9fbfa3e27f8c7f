package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

// cachedMessageTTL is how long messages stay in the account cache for reply
// fallbacks and attachment saves.
const cachedMessageTTL = 7 * 24 * time.Hour

// DialFunc opens a fresh connection to the backend gateway.
type DialFunc func(ctx context.Context) (tdapi.Transport, error)

type messagePruner interface {
	PruneMessages(ctx context.Context, before time.Time) (int64, error)
}

type unreadLister interface {
	UnreadChats(ctx context.Context) ([]*tdapi.Chat, error)
}

// Session keeps one backend login connected. Each connection gets its own
// Client, so nothing pending survives a reconnect: it is flushed or released
// when the old client shuts down.
type Session struct {
	log   zerolog.Logger
	cfg   *Config
	host  HostFramework
	cache AccountCache
	dial  DialFunc

	lock    sync.RWMutex
	current *Client
	policy  *MediaPolicy
}

func NewSession(cfg *Config, host HostFramework, cache AccountCache, dial DialFunc, log zerolog.Logger) *Session {
	return &Session{
		log:   log.With().Str("component", "session").Logger(),
		cfg:   cfg,
		host:  host,
		cache: cache,
		dial:  dial,
	}
}

// Current returns the client of the live connection, or nil between
// connections.
func (s *Session) Current() *Client {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.current
}

// SetMediaPolicy applies a new policy to the live client and to every
// client created after it.
func (s *Session) SetMediaPolicy(policy MediaPolicy) error {
	if err := policy.PostProcess(); err != nil {
		return err
	}
	s.lock.Lock()
	s.policy = &policy
	client := s.current
	s.lock.Unlock()
	if client != nil {
		return client.SetMediaPolicy(policy)
	}
	return nil
}

// Run connects, runs a client until the connection ends and reconnects after
// the configured interval. It returns when ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	retry := s.cfg.Backend.Reconnect()
	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx, attempt)
		if ctx.Err() != nil {
			return nil
		}
		evt := s.log.Warn()
		if err != nil {
			evt = s.log.Error().Err(err)
		}
		evt.Int("attempt", attempt).Dur("retry_in", retry).Msg("Backend connection ended, will reconnect")
		select {
		case <-time.After(retry):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) runOnce(ctx context.Context, attempt int) error {
	tr, err := s.dial(ctx)
	if err != nil {
		return err
	}
	log := s.log.With().Int("connection", attempt).Logger()
	client := NewClient(s.cfg, s.host, s.cache, log)
	s.lock.Lock()
	if s.policy != nil {
		client.media = *s.policy
	}
	s.current = client
	s.lock.Unlock()
	defer func() {
		s.lock.Lock()
		s.current = nil
		s.lock.Unlock()
	}()

	if attempt > 1 {
		s.resumeBackfills(ctx, client)
	}
	log.Info().Msg("Connected to backend")
	err = client.Run(ctx, tr)
	s.housekeeping(log)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// resumeBackfills requests history for chats that were still unread when
// the previous connection dropped. Chats the backend announces again are
// skipped by the engine as already running.
func (s *Session) resumeBackfills(ctx context.Context, client *Client) {
	lister, ok := s.cache.(unreadLister)
	if !ok || !s.cfg.Backfill.Enabled {
		return
	}
	chats, err := lister.UnreadChats(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to list unread chats")
		return
	}
	for _, chat := range chats {
		_ = client.Post(func() {
			if err := client.startBackfill(chat.ID); err != nil && !errors.Is(err, ErrBackfillRunning) {
				s.log.Debug().Err(err).Int64("chat_id", int64(chat.ID)).Msg("Not resuming backfill")
			}
		})
	}
}

func (s *Session) housekeeping(log zerolog.Logger) {
	pruner, ok := s.cache.(messagePruner)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if pruned, err := pruner.PruneMessages(ctx, time.Now().Add(-cachedMessageTTL)); err != nil {
		log.Warn().Err(err).Msg("Failed to prune cached messages")
	} else if pruned > 0 {
		log.Info().Int64("pruned", pruned).Msg("Pruned cached messages")
	}
}
