package session

import (
	"errors"
	"sync"
	"time"

	"pingo/pkg/logger"
	"pingo/pkg/models"
	"pingo/pkg/wire"
)

// errNotConnected is the transmit-path failure when no live transport
// exists.
var errNoTransport = errors.New("no live connection")

// connTarget is the (server, channel) pair the manager is bound to while
// a channel is active. A nil target suppresses reconnects.
type connTarget struct {
	serverID  string
	channelID string
}

// connManager owns the single live transport connection: dialing,
// authentication hand-off, heartbeat, close handling, and
// reconnect-with-backoff scheduling. All methods except send are invoked
// only from the session's dispatch loop; transport goroutines communicate
// back by enqueueing events tagged with the connection epoch, and the
// loop drops events whose epoch is stale.
type connManager struct {
	q      *dispatchQueue
	dialer Dialer
	wsBase string

	heartbeat    time.Duration
	base         time.Duration
	dialTimeout  time.Duration
	maxAttempts  int
	maxDoublings int

	epoch      uint64
	attempts   int
	authFailed bool
	target     *connTarget

	writeMu sync.Mutex
	conn    Conn

	reconnectTimer *time.Timer
	hbStop         chan struct{}
}

// connect tears down any existing connection gracefully, bumps the epoch
// so in-flight events from the old transport are ignored, and dials the
// channel address asynchronously. The session transitions to connecting.
func (cm *connManager) connect(serverID, channelID string) {
	cm.cancelReconnect()
	cm.stopHeartbeat()
	cm.closeConn(CloseNormal, "superseded")

	cm.epoch++
	cm.authFailed = false
	cm.target = &connTarget{serverID: serverID, channelID: channelID}

	epoch := cm.epoch
	url := channelAddress(cm.wsBase, serverID, channelID)
	logger.Info("ws_connecting", "url", url, "epoch", epoch)

	go func() {
		conn, err := cm.dialer.Dial(url, cm.dialTimeout)
		if err != nil {
			cm.enqueue(&event{kind: evDialFail, epoch: epoch, err: err})
			return
		}
		cm.enqueue(&event{kind: evDialOK, epoch: epoch, conn: conn})
	}()
}

// opened installs the freshly dialed transport, sends the authentication
// frame and starts the read pump. The connection is not usable until the
// far end answers with auth_success.
func (cm *connManager) opened(conn Conn, token string) {
	cm.writeMu.Lock()
	cm.conn = conn
	cm.writeMu.Unlock()

	frame, err := wire.EncodeAuth(token)
	if err == nil {
		err = cm.send(frame)
	}
	if err != nil {
		logger.Warn("ws_auth_send_failed", "error", err)
	}

	epoch := cm.epoch
	go cm.readPump(conn, epoch)
}

// readPump converts inbound transport frames into dispatch events until
// the connection dies, then reports the close.
func (cm *connManager) readPump(conn Conn, epoch uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			cm.enqueue(&event{kind: evConnClosed, epoch: epoch, code: closeCode(err), err: err})
			return
		}
		cm.enqueue(&event{kind: evFrame, epoch: epoch, payload: data})
	}
}

// closed handles a transport close for the current epoch. It reports
// whether a reconnect was scheduled; callers settle the session status
// accordingly.
func (cm *connManager) closed(code int) bool {
	cm.stopHeartbeat()
	cm.writeMu.Lock()
	cm.conn = nil
	cm.writeMu.Unlock()

	// Authentication failure is terminal for the attempt: the credential
	// has to be fixed above this layer before an explicit reconnect.
	if cm.authFailed || code == CloseAuthFailure {
		logger.Warn("ws_closed_auth_failure", "code", code)
		return false
	}
	if code == CloseNormal {
		return false
	}
	if cm.target == nil || cm.attempts >= cm.maxAttempts {
		logger.Warn("ws_reconnect_exhausted", "attempts", cm.attempts, "code", code)
		return false
	}

	cm.attempts++
	doublings := cm.attempts - 1
	if doublings > cm.maxDoublings {
		doublings = cm.maxDoublings
	}
	delay := cm.base * (1 << doublings)
	epoch := cm.epoch
	logger.Info("reconnect_scheduled", "attempt", cm.attempts, "max", cm.maxAttempts, "delay", delay)
	cm.reconnectTimer = time.AfterFunc(delay, func() {
		cm.enqueue(&event{kind: evReconnectDue, epoch: epoch})
	})
	return true
}

// exhausted reports whether the retry budget for the bound target has
// been spent.
func (cm *connManager) exhausted() bool {
	return cm.target != nil && cm.attempts >= cm.maxAttempts
}

// reconnect re-dials the stored target, if one is still bound.
func (cm *connManager) reconnect() bool {
	if cm.target == nil {
		return false
	}
	t := *cm.target
	metricConnects.WithLabelValues("reconnect").Inc()
	cm.connect(t.serverID, t.channelID)
	return true
}

// disconnect is the one path that suppresses auto-reconnect: it cancels
// any pending retry timer, stops the heartbeat, closes the transport with
// the graceful code and clears the target.
func (cm *connManager) disconnect() {
	cm.cancelReconnect()
	cm.stopHeartbeat()
	cm.closeConn(CloseNormal, "Normal closure")
	cm.target = nil
	cm.epoch++
}

// connected marks a successful authentication: the attempt counter resets
// and the heartbeat starts.
func (cm *connManager) connected() {
	cm.attempts = 0
	cm.startHeartbeat()
}

func (cm *connManager) startHeartbeat() {
	cm.stopHeartbeat()
	stop := make(chan struct{})
	cm.hbStop = stop
	interval := cm.heartbeat
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				frame, err := wire.EncodePing()
				if err == nil {
					err = cm.send(frame)
				}
				if err != nil {
					logger.Debug("heartbeat_send_failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

func (cm *connManager) stopHeartbeat() {
	if cm.hbStop != nil {
		close(cm.hbStop)
		cm.hbStop = nil
	}
}

func (cm *connManager) cancelReconnect() {
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
}

func (cm *connManager) closeConn(code int, reason string) {
	cm.writeMu.Lock()
	conn := cm.conn
	cm.conn = nil
	cm.writeMu.Unlock()
	if conn != nil {
		_ = conn.Close(code, reason)
	}
}

// send writes one frame on the live transport. It is the only connManager
// method safe to call from outside the dispatch loop.
func (cm *connManager) send(data []byte) error {
	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()
	if cm.conn == nil {
		return errNoTransport
	}
	return cm.conn.WriteMessage(data)
}

// boundChat returns the channel id the live connection is scoped to.
func (cm *connManager) boundChat() models.ChatRef {
	if cm.target == nil {
		return models.ChatRef{}
	}
	return models.ChatRef{Kind: models.ChatChannel, ID: cm.target.channelID, ServerID: cm.target.serverID}
}

func (cm *connManager) enqueue(ev *event) {
	if err := cm.q.tryEnqueue(ev); err != nil {
		metricDroppedEvents.Inc()
		logger.Warn("dispatch_queue_full", "kind", ev.kind)
	}
}
