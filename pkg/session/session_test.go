package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pingo/pkg/models"
	"pingo/pkg/wire"
)

// fakeConn is an in-memory transport endpoint driven by the test.
type fakeConn struct {
	mu         sync.Mutex
	writes     [][]byte
	failWrites bool

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.inbound:
		return b, nil
	case <-c.closed:
		c.mu.Lock()
		code := c.closeCode
		c.mu.Unlock()
		return nil, &CloseStatus{Code: code, Reason: "closed"}
	}
}

func (c *fakeConn) WriteMessage(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("write refused")
	}
	c.writes = append(c.writes, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.serverClose(code)
	return nil
}

// serverClose simulates the far end closing with the given status code.
func (c *fakeConn) serverClose(code int) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) setFailWrites(fail bool) {
	c.mu.Lock()
	c.failWrites = fail
	c.mu.Unlock()
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}

func (c *fakeConn) writeAt(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.writes) {
		return nil
	}
	return c.writes[i]
}

// deliver pushes a server frame through the read pump.
func (c *fakeConn) deliver(t *testing.T, frame any) {
	t.Helper()
	b, err := json.Marshal(frame)
	require.NoError(t, err)
	select {
	case c.inbound <- b:
	case <-time.After(time.Second):
		t.Fatalf("fake conn inbound full")
	}
}

// fakeDialer hands out fakeConns, or dial errors when failing is set.
type fakeDialer struct {
	mu      sync.Mutex
	failing bool
	dials   []string
	conns   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(url string, timeout time.Duration) (Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, url)
	failing := d.failing
	d.mu.Unlock()
	if failing {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setFailing(fail bool) {
	d.mu.Lock()
	d.failing = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection dialed")
		return nil
	}
}

// fakeLoader serves canned history pages, optionally blocking until
// released so tests can stage load/live races.
type fakeLoader struct {
	mu      sync.Mutex
	pages   map[string][]models.Message
	err     error
	release chan struct{}
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{pages: make(map[string][]models.Message)}
}

func (l *fakeLoader) LoadChannel(ctx context.Context, serverID, channelID string) ([]models.Message, error) {
	return l.load(channelID)
}

func (l *fakeLoader) LoadConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	return l.load(conversationID)
}

func (l *fakeLoader) load(chatID string) ([]models.Message, error) {
	l.mu.Lock()
	release := l.release
	page := append([]models.Message(nil), l.pages[chatID]...)
	err := l.err
	l.mu.Unlock()
	if release != nil {
		<-release
	}
	// The real loader stamps every message with its chat ID; mirror that
	// contract so pages served here look like REST-loaded pages.
	for i := range page {
		page[i].ChatID = chatID
	}
	return page, err
}

func (l *fakeLoader) setPage(chatID string, page []models.Message) {
	l.mu.Lock()
	l.pages[chatID] = page
	l.mu.Unlock()
}

func (l *fakeLoader) block() chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.release = make(chan struct{})
	return l.release
}

type stubCreds struct{ token string }

func (s stubCreds) Token() string { return s.token }
func (s stubCreds) AuthorizedRequest(method, url string, body []byte) (int, []byte, error) {
	return 200, nil, nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type testEnv struct {
	sess   *Session
	dialer *fakeDialer
	loader *fakeLoader
}

func newTestSession(t *testing.T) *testEnv {
	t.Helper()
	dialer := newFakeDialer()
	loader := newFakeLoader()
	sess, err := New(Options{
		WSBase:               "ws://gateway",
		Credentials:          stubCreds{token: "tok"},
		Loader:               loader,
		Dialer:               dialer,
		User:                 models.Author{ID: "me", DisplayName: "Me"},
		Heartbeat:            time.Hour,
		ReconnectBase:        2 * time.Millisecond,
		DialTimeout:          time.Second,
		MaxReconnectAttempts: 3,
		SendRPS:              -1,
	})
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return &testEnv{sess: sess, dialer: dialer, loader: loader}
}

// connect drives the activation through dial and auth to connected.
func (e *testEnv) connect(t *testing.T, serverID, channelID string) *fakeConn {
	t.Helper()
	e.sess.ActivateChannel(channelID, serverID)
	conn := e.dialer.waitConn(t)

	waitFor(t, func() bool { return conn.writeCount() > 0 }, "auth frame")
	var authFrame struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(conn.writeAt(0), &authFrame))
	require.Equal(t, wire.TypeAuth, authFrame.Type)
	require.Equal(t, "tok", authFrame.Token)

	conn.deliver(t, map[string]any{"type": "auth_success"})
	waitFor(t, func() bool { return e.sess.Status() == StatusConnected }, "connected status")
	return conn
}

func chatMessageFrame(id, content, authorID string) map[string]any {
	return map[string]any{
		"type": "chat_message",
		"message": map[string]any{
			"id":      id,
			"content": content,
			"author":  map[string]any{"id": authorID, "display_name": authorID},
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
}

func TestActivateChannel_ConnectsAndAuthenticates(t *testing.T) {
	env := newTestSession(t)
	env.connect(t, "s1", "c1")

	require.Equal(t, "ws://gateway/chat/s1/c1/", env.dialer.dials[0])
	require.Equal(t, models.ChatRef{Kind: models.ChatChannel, ID: "c1", ServerID: "s1"}, env.sess.Active())
	require.Zero(t, env.sess.ReconnectAttempts())
}

func TestActivation_LoadsHistory(t *testing.T) {
	env := newTestSession(t)
	env.loader.setPage("c1", []models.Message{
		{ID: "h1", Content: "old", Author: models.Author{ID: "u2"}},
	})
	env.connect(t, "s1", "c1")

	waitFor(t, func() bool { return env.sess.Store().Len("c1") == 1 }, "history page")
	msgs := env.sess.Messages("c1")
	require.Equal(t, "h1", msgs[0].ID)
	require.Equal(t, "c1", msgs[0].ChatID)
}

func TestInboundMessage_AppendsToActiveChat(t *testing.T) {
	env := newTestSession(t)
	conn := env.connect(t, "s1", "c1")

	conn.deliver(t, chatMessageFrame("m1", "hello there", "u2"))
	waitFor(t, func() bool { return env.sess.Store().Len("c1") == 1 }, "inbound message")
	require.Zero(t, env.sess.UnreadCount("c1"), "active chat accumulates no unread")
}

func TestInboundMessage_CountsUnreadForInactiveChat(t *testing.T) {
	env := newTestSession(t)
	env.connect(t, "s1", "c1")

	// Confirmed arrivals for a chat other than the active one land in the
	// store and count as unread.
	env.sess.applyInbound("c2", models.Message{ID: "m1", ChatID: "c2", Content: "psst", Author: models.Author{ID: "u2"}})
	require.Equal(t, 1, env.sess.UnreadCount("c2"))
	require.Equal(t, 1, env.sess.Store().Len("c2"))
	env.sess.applyInbound("c2", models.Message{ID: "m2", ChatID: "c2", Content: "again", Author: models.Author{ID: "u2"}})
	require.Equal(t, 2, env.sess.UnreadCount("c2"))

	// Activating the chat zeroes its counter regardless of prior value.
	env.sess.ActivateChannel("c2", "s1")
	waitFor(t, func() bool { return env.sess.UnreadCount("c2") == 0 }, "unread reset")
}

func TestActivateConversation_ClosesChannelConnection(t *testing.T) {
	env := newTestSession(t)
	conn := env.connect(t, "s1", "c1")

	// Conversations are history-only; switching to one tears down the
	// channel transport and opens no replacement.
	env.sess.ActivateConversation("dm1")
	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("channel connection still open after conversation activation")
	}
	waitFor(t, func() bool { return env.sess.Status() == StatusDisconnected }, "disconnected")

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, env.dialer.dialCount(), "teardown must not schedule a reconnect")
}

func TestSend_OptimisticThenReconciled(t *testing.T) {
	env := newTestSession(t)
	conn := env.connect(t, "s1", "c1")

	require.NoError(t, env.sess.Send("hello world"))
	waitFor(t, func() bool { return env.sess.Store().Len("c1") == 1 }, "optimistic entry")
	msgs := env.sess.Messages("c1")
	require.True(t, msgs[0].Optimistic)
	require.Contains(t, msgs[0].ID, "temp-")

	waitFor(t, func() bool { return conn.writeCount() == 2 }, "chat_message frame")
	var out struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(conn.lastWrite(), &out))
	require.Equal(t, wire.TypeChatMessage, out.Type)
	require.Equal(t, "hello world", out.Content)

	// The server echo replaces the optimistic entry in place.
	conn.deliver(t, chatMessageFrame("m1", "hello world", "me"))
	waitFor(t, func() bool {
		msgs := env.sess.Messages("c1")
		return len(msgs) == 1 && msgs[0].ID == "m1" && !msgs[0].Optimistic
	}, "reconciled entry")
}

func TestSend_TransmitFailureRemovesOptimisticEntry(t *testing.T) {
	env := newTestSession(t)
	conn := env.connect(t, "s1", "c1")
	conn.setFailWrites(true)

	require.NoError(t, env.sess.Send("doomed"))
	waitFor(t, func() bool { return env.sess.LastError() != "" }, "send error surfaced")
	require.Zero(t, env.sess.Store().Len("c1"), "optimistic entry must be rolled back")
}

func TestSend_Validation(t *testing.T) {
	env := newTestSession(t)

	require.NoError(t, env.sess.Send("   "), "whitespace send is a no-op")
	require.NoError(t, env.sess.Send("hi"), "send with no active chat is a no-op")

	// Conversations have no live connection to send on.
	env.sess.ActivateConversation("dm1")
	waitFor(t, func() bool { return env.sess.Active().ID == "dm1" }, "conversation active")
	require.ErrorIs(t, env.sess.Send("hi"), ErrNotConnected)

	env.connect(t, "s1", "c1")
	long := make([]byte, 2001)
	for i := range long {
		long[i] = 'a'
	}
	require.ErrorIs(t, env.sess.Send(string(long)), ErrMessageTooLong)
	require.Zero(t, env.sess.Store().Len("c1"))
}

func TestHistoryRace_LiveMessagesMergedNotDiscarded(t *testing.T) {
	env := newTestSession(t)
	env.loader.setPage("c1", []models.Message{
		{ID: "h1", Content: "old", Author: models.Author{ID: "u2"}},
	})
	release := env.loader.block()

	conn := env.connect(t, "s1", "c1")
	conn.deliver(t, chatMessageFrame("live-1", "racing", "u2"))
	waitFor(t, func() bool { return env.sess.Store().Len("c1") == 1 }, "live message landed")

	close(release)
	waitFor(t, func() bool { return env.sess.Store().Len("c1") == 2 }, "merged page")
	msgs := env.sess.Messages("c1")
	require.Equal(t, "h1", msgs[0].ID)
	require.Equal(t, "live-1", msgs[1].ID)
}

func TestHistoryRace_StaleResultDropped(t *testing.T) {
	env := newTestSession(t)
	env.loader.setPage("c1", []models.Message{
		{ID: "h1", Content: "from c1", Author: models.Author{ID: "u2"}},
	})
	release := env.loader.block()

	env.sess.ActivateChannel("c1", "s1")
	env.dialer.waitConn(t)

	// Switch away before c1's history resolves.
	env.sess.ActivateConversation("dm1")
	waitFor(t, func() bool { return env.sess.Active().ID == "dm1" }, "conversation active")

	close(release)
	// c1's page must not be applied; give the loop a moment to process.
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, env.sess.Store().Len("c1"), "stale history page must be dropped")
}

func TestReconnect_BackoffThenExhaustion(t *testing.T) {
	env := newTestSession(t)
	conn := env.connect(t, "s1", "c1")

	env.dialer.setFailing(true)
	conn.serverClose(0) // abnormal close

	// 1 initial dial + 3 failed retries.
	waitFor(t, func() bool { return env.dialer.dialCount() == 4 }, "retries exhausted")
	waitFor(t, func() bool { return env.sess.Status() == StatusError }, "error status")
	require.Equal(t, 3, env.sess.ReconnectAttempts())
	require.NotEmpty(t, env.sess.LastError())

	// Exhaustion settles; no further dials.
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 4, env.dialer.dialCount())
}

func TestReconnect_SucceedsAndResetsAttempts(t *testing.T) {
	env := newTestSession(t)
	conn := env.connect(t, "s1", "c1")

	conn.serverClose(0)
	next := env.dialer.waitConn(t)
	waitFor(t, func() bool { return next.writeCount() > 0 }, "re-auth frame")
	next.deliver(t, map[string]any{"type": "auth_success"})

	waitFor(t, func() bool { return env.sess.Status() == StatusConnected }, "reconnected")
	require.Zero(t, env.sess.ReconnectAttempts())
}

func TestDisconnect_SuppressesReconnect(t *testing.T) {
	env := newTestSession(t)
	env.connect(t, "s1", "c1")
	dials := env.dialer.dialCount()

	env.sess.Disconnect()
	waitFor(t, func() bool { return env.sess.Status() == StatusDisconnected }, "disconnected")

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, dials, env.dialer.dialCount(), "no reconnect after explicit disconnect")
}

func TestNormalClose_NoReconnect(t *testing.T) {
	env := newTestSession(t)
	conn := env.connect(t, "s1", "c1")
	dials := env.dialer.dialCount()

	conn.serverClose(CloseNormal)
	waitFor(t, func() bool { return env.sess.Status() == StatusDisconnected }, "disconnected")
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, dials, env.dialer.dialCount(), "code 1000 must not trigger reconnect")
}

func TestAuthFailure_TerminalNoReconnect(t *testing.T) {
	env := newTestSession(t)
	env.sess.ActivateChannel("c1", "s1")
	conn := env.dialer.waitConn(t)
	waitFor(t, func() bool { return conn.writeCount() > 0 }, "auth frame")

	conn.deliver(t, map[string]any{"type": "auth_error", "message": "Invalid token"})
	waitFor(t, func() bool { return env.sess.Status() == StatusError }, "error status")
	require.Equal(t, "Invalid token", env.sess.LastError())

	conn.serverClose(CloseAuthFailure)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, env.dialer.dialCount(), "auth failure must not auto-retry")
	require.Equal(t, StatusError, env.sess.Status())
}

func TestActivate_SupersedesPreviousConnection(t *testing.T) {
	env := newTestSession(t)
	first := env.connect(t, "s1", "c1")

	env.sess.ActivateChannel("c2", "s1")
	second := env.dialer.waitConn(t)
	waitFor(t, func() bool { return second.writeCount() > 0 }, "second auth frame")

	// The first transport is closed; its late close event must not
	// disturb the new connection.
	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatalf("previous connection not closed")
	}
	second.deliver(t, map[string]any{"type": "auth_success"})
	waitFor(t, func() bool { return env.sess.Status() == StatusConnected }, "second connection up")
}

func TestTypingFrames_TrackedPerChat(t *testing.T) {
	env := newTestSession(t)
	conn := env.connect(t, "s1", "c1")

	conn.deliver(t, map[string]any{
		"type":   "typing",
		"typing": true,
		"user":   map[string]any{"id": "u2", "display_name": "Sam"},
	})
	waitFor(t, func() bool { return len(env.sess.TypingUsers("c1")) == 1 }, "typing user tracked")

	conn.deliver(t, map[string]any{
		"type":   "typing",
		"typing": false,
		"user":   map[string]any{"id": "u2", "display_name": "Sam"},
	})
	waitFor(t, func() bool { return len(env.sess.TypingUsers("c1")) == 0 }, "typing user cleared")
}

func TestClear_ResetsEverything(t *testing.T) {
	env := newTestSession(t)
	conn := env.connect(t, "s1", "c1")
	conn.deliver(t, chatMessageFrame("m1", "hello", "u2"))
	waitFor(t, func() bool { return env.sess.Store().Len("c1") == 1 }, "message cached")

	env.sess.Clear()
	waitFor(t, func() bool { return env.sess.Status() == StatusDisconnected }, "disconnected")
	require.Zero(t, env.sess.Store().Len("c1"))
	require.True(t, env.sess.Active().IsZero())
	require.Zero(t, env.sess.UnreadCount("c1"))
}

func TestTrimCache_SparesActiveChat(t *testing.T) {
	env := newTestSession(t)
	conn := env.connect(t, "s1", "c1")
	for i := 0; i < 5; i++ {
		conn.deliver(t, chatMessageFrame(fmt.Sprintf("m%d", i), fmt.Sprintf("msg %d", i), "u2"))
	}
	waitFor(t, func() bool { return env.sess.Store().Len("c1") == 5 }, "messages cached")

	// c1 is active: trim must not touch it.
	env.sess.TrimCache(2, 0)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 5, env.sess.Store().Len("c1"))

	// After switching away it becomes trimmable.
	env.sess.ActivateConversation("dm1")
	waitFor(t, func() bool { return env.sess.Active().ID == "dm1" }, "conversation active")
	env.sess.TrimCache(2, 0)
	waitFor(t, func() bool { return env.sess.Store().Len("c1") == 2 }, "trimmed")
}

func TestIgnoresUnknownFrameTypes(t *testing.T) {
	env := newTestSession(t)
	conn := env.connect(t, "s1", "c1")

	conn.deliver(t, map[string]any{"type": "presence_sync", "who": "knows"})
	conn.deliver(t, chatMessageFrame("m1", "still works", "u2"))
	waitFor(t, func() bool { return env.sess.Store().Len("c1") == 1 }, "session still processing")
	require.Equal(t, StatusConnected, env.sess.Status())
}
