// Package session implements the real-time chat session core: one live
// connection at a time, per-chat message logs with optimistic
// reconciliation, unread counters and typing state, all mutated through
// a single serialized dispatch loop.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"pingo/pkg/auth"
	"pingo/pkg/history"
	"pingo/pkg/logger"
	"pingo/pkg/models"
	"pingo/pkg/wire"
)

// Status is the live-connection state visible to the UI.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Send-path boundary errors.
var (
	ErrNotConnected   = errors.New("not connected")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrRateLimited    = errors.New("send rate limit exceeded")
	ErrClosed         = errors.New("session closed")
)

// UpdateKind tags entries on the updates feed.
type UpdateKind string

const (
	UpdateMessages UpdateKind = "messages"
	UpdateStatus   UpdateKind = "status"
	UpdateTyping   UpdateKind = "typing"
	UpdateUnread   UpdateKind = "unread"
	UpdateError    UpdateKind = "error"
)

// Update is a coalescable change notice. Consumers re-read snapshots, so
// dropped notices are safe.
type Update struct {
	Kind   UpdateKind
	ChatID string
}

// Options configures a Session. Zero values take the documented defaults.
type Options struct {
	WSBase      string
	Credentials auth.CredentialProvider
	Loader      history.Loader
	Dialer      Dialer
	// User is the local user attached to optimistic entries.
	User models.Author

	Heartbeat            time.Duration
	ReconnectBase        time.Duration
	DialTimeout          time.Duration
	MaxReconnectAttempts int
	MaxBackoffDoublings  int

	MaxMessageLength int
	SendRPS          float64
	SendBurst        int

	QueueCapacity int
	UpdateBuffer  int

	// Now is injectable for tests.
	Now func() time.Time
}

// Session binds the connection manager and the message store to the
// currently active chat. Sessions are independent: no global state is
// shared between two Sessions beyond process-wide metrics.
type Session struct {
	q      *dispatchQueue
	store  *MessageStore
	cm     *connManager
	loader history.Loader
	creds  auth.CredentialProvider
	user   models.Author
	now    func() time.Time

	maxLen  int
	limiter *sendLimiter

	mu       sync.RWMutex
	active   models.ChatRef
	status   Status
	lastErr  string
	attempts int
	unread   map[string]int
	typing   map[string]map[string]models.Author

	// liveSince is set when a message lands in the active chat after the
	// latest activation; it selects merge over overwrite when the
	// activation's history page resolves.
	liveSince bool

	updates   chan Update
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a session and starts its dispatch loop.
func New(opts Options) (*Session, error) {
	if opts.Credentials == nil {
		return nil, errors.New("session: credentials required")
	}
	if opts.Loader == nil {
		return nil, errors.New("session: history loader required")
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 3 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.MaxBackoffDoublings <= 0 {
		opts.MaxBackoffDoublings = 3
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 2000
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = 64
	}

	q := newDispatchQueue(opts.QueueCapacity)
	s := &Session{
		q:       q,
		store:   NewMessageStore(opts.Now),
		loader:  opts.Loader,
		creds:   opts.Credentials,
		user:    opts.User,
		now:     opts.Now,
		maxLen:  opts.MaxMessageLength,
		limiter: newSendLimiter(opts.SendRPS, opts.SendBurst),
		status:  StatusDisconnected,
		unread:  make(map[string]int),
		typing:  make(map[string]map[string]models.Author),
		updates: make(chan Update, opts.UpdateBuffer),
		done:    make(chan struct{}),
	}
	s.cm = &connManager{
		q:            q,
		dialer:       opts.Dialer,
		wsBase:       opts.WSBase,
		heartbeat:    opts.Heartbeat,
		base:         opts.ReconnectBase,
		dialTimeout:  opts.DialTimeout,
		maxAttempts:  opts.MaxReconnectAttempts,
		maxDoublings: opts.MaxBackoffDoublings,
	}
	go s.loop()
	return s, nil
}

// ActivateChannel makes the channel the active chat: it zeroes the
// channel's unread counter, loads history and opens a live connection,
// tearing down any previous one first.
func (s *Session) ActivateChannel(channelID, serverID string) {
	s.enqueue(&event{kind: evActivateChannel, chat: models.ChatRef{
		Kind: models.ChatChannel, ID: channelID, ServerID: serverID,
	}})
}

// ActivateConversation makes the direct conversation the active chat.
// Conversations are history-only: any channel connection is closed and no
// replacement is opened.
func (s *Session) ActivateConversation(conversationID string) {
	s.enqueue(&event{kind: evActivateConversation, chat: models.ChatRef{
		Kind: models.ChatConversation, ID: conversationID,
	}})
}

// Send transmits a chat message on the live connection after appending an
// optimistic local entry. Empty content and a missing active chat are
// no-ops; sending while not connected is a boundary error and nothing is
// appended.
func (s *Session) Send(content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}
	if utf8.RuneCountInString(trimmed) > s.maxLen {
		metricSends.WithLabelValues("too_long").Inc()
		return ErrMessageTooLong
	}

	s.mu.RLock()
	active := s.active
	status := s.status
	s.mu.RUnlock()
	if active.IsZero() {
		return nil
	}
	// Conversations have no live connection to send on.
	if active.Kind != models.ChatChannel || status != StatusConnected {
		metricSends.WithLabelValues("not_connected").Inc()
		return ErrNotConnected
	}
	if !s.limiter.Allow() {
		metricSends.WithLabelValues("rate_limited").Inc()
		return ErrRateLimited
	}

	msg := &models.Message{
		ID:         "temp-" + uuid.NewString(),
		ChatID:     active.ID,
		Content:    trimmed,
		Author:     s.user,
		CreatedAt:  s.now(),
		Optimistic: true,
	}
	return s.enqueue(&event{kind: evSend, chat: active, msg: msg})
}

// SendTyping publishes the local typing indicator on the live connection.
func (s *Session) SendTyping(typing bool) error {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	if status != StatusConnected {
		return ErrNotConnected
	}
	return s.enqueue(&event{kind: evTyping, typing: typing})
}

// PrependOlder splices an already-fetched page of older messages before a
// chat's cached log.
func (s *Session) PrependOlder(chatID string, older []models.Message) {
	s.enqueue(&event{kind: evPrepend, chat: models.ChatRef{ID: chatID}, history: older})
}

// Disconnect tears the live connection down and suppresses any pending
// reconnect. The session settles at disconnected until a chat is
// activated again.
func (s *Session) Disconnect() {
	s.enqueue(&event{kind: evDisconnect})
}

// Clear disconnects and resets all session state: message logs, unread
// counters, typing state and the active chat. Used on logout.
func (s *Session) Clear() {
	s.enqueue(&event{kind: evClear})
}

// TrimCache asks the loop to trim cached logs of inactive chats to
// keepLast entries and evict chats idle longer than idle (0 disables
// eviction). The active chat is never touched.
func (s *Session) TrimCache(keepLast int, idle time.Duration) {
	s.enqueue(&event{kind: evTrim, keepLast: keepLast, idle: idle})
}

// Close stops the dispatch loop and closes the transport. The session is
// unusable afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Updates returns the bounded change-notice feed.
func (s *Session) Updates() <-chan Update { return s.updates }

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the current chat-scoped error text, empty when none.
func (s *Session) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Active returns the active chat reference, zero when none.
func (s *Session) Active() models.ChatRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// UnreadCount returns the unread counter for a chat.
func (s *Session) UnreadCount(chatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[chatID]
}

// ReconnectAttempts returns the current retry counter; it resets to zero
// on the next successful connection.
func (s *Session) ReconnectAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// Messages returns a copy of a chat's cached log.
func (s *Session) Messages(chatID string) []models.Message {
	return s.store.Messages(chatID)
}

// Store exposes the message store for read access.
func (s *Session) Store() *MessageStore { return s.store }

// TypingUsers returns who is currently typing in a chat.
func (s *Session) TypingUsers(chatID string) []models.Author {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Author, 0, len(s.typing[chatID]))
	for _, a := range s.typing[chatID] {
		out = append(out, a)
	}
	return out
}

func (s *Session) enqueue(ev *event) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if err := s.q.tryEnqueue(ev); err != nil {
		metricDroppedEvents.Inc()
		logger.Warn("dispatch_queue_full", "kind", ev.kind)
		return err
	}
	return nil
}

// loop is the serialized dispatch mechanism: the only goroutine that
// mutates session state.
func (s *Session) loop() {
	for {
		select {
		case <-s.done:
			s.cm.disconnect()
			s.q.drain()
			return
		case it := <-s.q.out():
			s.apply(it.ev)
			it.done()
		}
	}
}

func (s *Session) apply(ev *event) {
	switch ev.kind {
	case evActivateChannel:
		s.applyActivateChannel(ev.chat)
	case evActivateConversation:
		s.applyActivateConversation(ev.chat)
	case evSend:
		s.applySend(ev.chat, *ev.msg)
	case evTyping:
		s.applyTyping(ev.typing)
	case evDisconnect:
		s.cm.disconnect()
		s.setStatus(StatusDisconnected)
		s.setError("")
	case evClear:
		s.applyClear()
	case evDialOK:
		if ev.epoch != s.cm.epoch {
			// A newer connect or disconnect superseded this dial.
			_ = ev.conn.Close(CloseNormal, "superseded")
			return
		}
		s.cm.opened(ev.conn, s.creds.Token())
	case evDialFail:
		if ev.epoch != s.cm.epoch {
			return
		}
		logger.Warn("ws_dial_failed", "error", ev.err)
		if s.cm.closed(0) {
			s.syncAttempts()
			s.setStatus(StatusDisconnected)
		} else if s.cm.exhausted() {
			s.setError("Failed to connect after multiple attempts")
			s.setStatus(StatusError)
		} else {
			s.setStatus(StatusDisconnected)
		}
	case evFrame:
		if ev.epoch != s.cm.epoch {
			return
		}
		s.applyFrame(ev.payload)
	case evConnClosed:
		if ev.epoch != s.cm.epoch {
			return
		}
		logger.Info("ws_closed", "code", ev.code, "error", ev.err)
		authFailed := s.cm.authFailed
		if s.cm.closed(ev.code) {
			s.syncAttempts()
			s.setStatus(StatusDisconnected)
		} else if authFailed || ev.code == CloseAuthFailure {
			s.setStatus(StatusError)
		} else if s.cm.exhausted() {
			s.setError("Failed to connect after multiple attempts")
			s.setStatus(StatusError)
		} else {
			s.setStatus(StatusDisconnected)
		}
	case evReconnectDue:
		if ev.epoch != s.cm.epoch {
			return
		}
		if s.cm.reconnect() {
			s.setStatus(StatusConnecting)
		}
	case evHistoryDone:
		s.applyHistoryDone(ev.chat, ev.history, ev.err)
	case evPrepend:
		s.store.Prepend(ev.chat.ID, ev.history)
		s.publish(Update{Kind: UpdateMessages, ChatID: ev.chat.ID})
	case evTrim:
		s.applyTrim(ev.keepLast, ev.idle)
	default:
		logger.Debug("unknown_event", "kind", ev.kind)
	}
}

func (s *Session) applyActivateChannel(chat models.ChatRef) {
	s.mu.Lock()
	s.active = chat
	s.lastErr = ""
	s.unread[chat.ID] = 0
	s.liveSince = false
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateUnread, ChatID: chat.ID})

	s.startHistoryLoad(chat)

	metricConnects.WithLabelValues("initial").Inc()
	s.cm.connect(chat.ServerID, chat.ID)
	s.setStatus(StatusConnecting)
}

// applyActivateConversation switches the active chat to a direct
// conversation. Conversations are history-only: any channel connection
// is torn down and no replacement is opened.
func (s *Session) applyActivateConversation(chat models.ChatRef) {
	s.cm.disconnect()
	s.mu.Lock()
	s.active = chat
	s.lastErr = ""
	s.unread[chat.ID] = 0
	s.liveSince = false
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateUnread, ChatID: chat.ID})
	s.setStatus(StatusDisconnected)

	s.startHistoryLoad(chat)
}

// startHistoryLoad fetches the chat's history page concurrently with
// connection setup. The result event is tagged with the chat it targets;
// late results for a chat that is no longer active are dropped.
func (s *Session) startHistoryLoad(chat models.ChatRef) {
	go func() {
		ctx := context.Background()
		var msgs []models.Message
		var err error
		switch chat.Kind {
		case models.ChatChannel:
			msgs, err = s.loader.LoadChannel(ctx, chat.ServerID, chat.ID)
		case models.ChatConversation:
			msgs, err = s.loader.LoadConversation(ctx, chat.ID)
		}
		s.enqueue(&event{kind: evHistoryDone, chat: chat, history: msgs, err: err})
	}()
}

func (s *Session) applyHistoryDone(chat models.ChatRef, msgs []models.Message, err error) {
	s.mu.RLock()
	active := s.active
	liveSince := s.liveSince
	s.mu.RUnlock()
	if active.ID != chat.ID {
		metricHistoryLoads.WithLabelValues("stale").Inc()
		logger.Debug("history_result_stale", "chat", chat.ID, "active", active.ID)
		return
	}
	if err != nil {
		metricHistoryLoads.WithLabelValues("error").Inc()
		logger.Warn("history_load_failed", "chat", chat.ID, "error", err)
		s.setError("Failed to load messages")
		return
	}
	metricHistoryLoads.WithLabelValues("ok").Inc()
	if liveSince {
		// Live messages arrived while the load was in flight; merge so
		// they are not discarded.
		s.store.MergeHistory(chat.ID, msgs)
	} else {
		s.store.SetAll(chat.ID, msgs)
	}
	s.publish(Update{Kind: UpdateMessages, ChatID: chat.ID})
}

func (s *Session) applySend(chat models.ChatRef, msg models.Message) {
	s.store.Append(chat.ID, msg)
	s.markLive(chat.ID)
	s.publish(Update{Kind: UpdateMessages, ChatID: chat.ID})

	frame, err := wire.EncodeChatMessage(msg.Content)
	if err == nil {
		err = s.cm.send(frame)
	}
	if err != nil {
		// The optimistic entry must not dangle in a sending state.
		s.store.RemoveOptimistic(chat.ID, msg.ID)
		s.setError("Failed to send message")
		metricSends.WithLabelValues("error").Inc()
		logger.Warn("send_failed", "chat", chat.ID, "error", err)
		s.publish(Update{Kind: UpdateMessages, ChatID: chat.ID})
		return
	}
	metricSends.WithLabelValues("ok").Inc()
}

func (s *Session) applyTyping(typing bool) {
	frame, err := wire.EncodeTyping(typing)
	if err == nil {
		err = s.cm.send(frame)
	}
	if err != nil {
		logger.Debug("typing_send_failed", "error", err)
	}
}

func (s *Session) applyClear() {
	s.cm.disconnect()
	s.store.Clear()
	s.mu.Lock()
	s.active = models.ChatRef{}
	s.status = StatusDisconnected
	s.lastErr = ""
	s.attempts = 0
	s.unread = make(map[string]int)
	s.typing = make(map[string]map[string]models.Author)
	s.liveSince = false
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateStatus})
}

func (s *Session) applyFrame(payload []byte) {
	f, err := wire.Decode(payload)
	if err != nil {
		metricFrames.WithLabelValues("malformed").Inc()
		logger.Warn("frame_malformed", "error", err)
		return
	}
	metricFrames.WithLabelValues(f.Type).Inc()
	bound := s.cm.boundChat()

	switch f.Type {
	case wire.TypeAuthSuccess:
		s.cm.connected()
		s.syncAttempts()
		s.setStatus(StatusConnected)
		s.setError("")
		logger.Info("ws_authenticated", "chat", bound.ID)
	case wire.TypeAuthError:
		s.cm.authFailed = true
		s.setError(f.Err)
		s.setStatus(StatusError)
		logger.Warn("ws_auth_error", "message", f.Err)
	case wire.TypeChatMessage:
		if f.Message == nil {
			return
		}
		s.applyInbound(bound.ID, f.Message.Model(bound.ID))
	case wire.TypePong:
		logger.Debug("ws_pong")
	case wire.TypeTyping:
		s.applyTypingFrame(bound.ID, f.User, f.Typing)
	case wire.TypeError:
		s.setError(f.Err)
		logger.Warn("ws_error_frame", "message", f.Err)
	case wire.TypeAuthRequired:
		// Server prompt sent on open; the auth frame is already out.
		logger.Debug("ws_auth_required")
	default:
		// Forward compatibility: unrecognized types are ignored.
		logger.Debug("ws_frame_ignored", "type", f.Type)
	}
}

// applyInbound lands a confirmed message: reconcile-or-append, then
// unread bookkeeping for inactive chats.
func (s *Session) applyInbound(chatID string, msg models.Message) {
	replaced := s.store.Append(chatID, msg)
	if replaced {
		metricReconciled.Inc()
	}

	s.mu.Lock()
	isActive := chatID == s.active.ID
	if isActive {
		s.liveSince = true
	} else {
		s.unread[chatID]++
	}
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateMessages, ChatID: chatID})
	if !isActive {
		s.publish(Update{Kind: UpdateUnread, ChatID: chatID})
	}
}

func (s *Session) applyTypingFrame(chatID string, user models.Author, typing bool) {
	if user.ID == "" || chatID == "" {
		return
	}
	s.mu.Lock()
	set := s.typing[chatID]
	if set == nil {
		set = make(map[string]models.Author)
		s.typing[chatID] = set
	}
	if typing {
		set[user.ID] = user
	} else {
		delete(set, user.ID)
	}
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateTyping, ChatID: chatID})
}

func (s *Session) applyTrim(keepLast int, idle time.Duration) {
	s.mu.RLock()
	active := s.active.ID
	s.mu.RUnlock()
	now := s.now()
	for _, chatID := range s.store.Chats() {
		if chatID == active {
			continue
		}
		if idle > 0 && now.Sub(s.store.LastActivity(chatID)) > idle {
			s.store.Evict(chatID)
			logger.Debug("cache_evicted", "chat", chatID)
			continue
		}
		s.store.Trim(chatID, keepLast)
	}
}

func (s *Session) markLive(chatID string) {
	s.mu.Lock()
	if chatID == s.active.ID {
		s.liveSince = true
	}
	s.mu.Unlock()
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed {
		s.publish(Update{Kind: UpdateStatus})
	}
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
	if msg != "" {
		s.publish(Update{Kind: UpdateError})
	}
}

func (s *Session) syncAttempts() {
	s.mu.Lock()
	s.attempts = s.cm.attempts
	s.mu.Unlock()
}

// publish offers an update notice without blocking; consumers that fall
// behind simply re-read snapshots.
func (s *Session) publish(u Update) {
	select {
	case s.updates <- u:
	default:
	}
}
