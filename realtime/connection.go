package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateOpen         ConnectionState = "open"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

type ConnectionQuality string

const (
	ConnectionQualityGood    ConnectionQuality = "good"
	ConnectionQualityFair    ConnectionQuality = "fair"
	ConnectionQualityPoor    ConnectionQuality = "poor"
	ConnectionQualityOffline ConnectionQuality = "offline"
)

// the coarse user-facing indicator derived from connection state and
// close-code classification
type ConnectionIndicator string

const (
	ConnectionIndicatorConnected         ConnectionIndicator = "connected"
	ConnectionIndicatorConnecting        ConnectionIndicator = "connecting"
	ConnectionIndicatorServerUnavailable ConnectionIndicator = "server_unavailable"
	ConnectionIndicatorOffline           ConnectionIndicator = "offline"
)

// the subset of *websocket.Conn the connection manager uses
type wsConn interface {
	ReadMessage() (messageType int, message []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type DialFunc func(ctx context.Context, url string) (wsConn, error)

func defaultDial(handshakeTimeout time.Duration) DialFunc {
	return func(ctx context.Context, url string) (wsConn, error) {
		dialer := &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		}
		ws, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
}

type ConnectionManagerSettings struct {
	WsHandshakeTimeout    time.Duration
	WriteTimeout          time.Duration
	PingInterval          time.Duration
	HeartbeatInterval     time.Duration
	PongPoorTimeout       time.Duration
	PongDeadTimeout       time.Duration
	ReconnectBackoffBase  time.Duration
	ReconnectBackoffMax   time.Duration
	MaxReconnectAttempts  int
	StatusDebounceTimeout time.Duration
	ClientType            string
	// overrides the websocket dialer. Used by tests.
	Dial DialFunc
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		WsHandshakeTimeout:    5 * time.Second,
		WriteTimeout:          5 * time.Second,
		PingInterval:          30 * time.Second,
		HeartbeatInterval:     45 * time.Second,
		PongPoorTimeout:       60 * time.Second,
		PongDeadTimeout:       90 * time.Second,
		ReconnectBackoffBase:  3 * time.Second,
		ReconnectBackoffMax:   30 * time.Second,
		MaxReconnectAttempts:  5,
		StatusDebounceTimeout: 500 * time.Millisecond,
		ClientType:            "desktop",
	}
}

// ConnectionManager owns the transport lifecycle: connect,
// reconnect-with-backoff, heartbeat, and presence-visibility signaling.
// One instance exists per session. Transport-level failures are absorbed
// here and never surface to feature code.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	session     *Session
	dispatcher  *Dispatcher
	platformUrl string
	clock       Clock
	settings    *ConnectionManagerSettings

	stateChangeCallbacks *CallbackList[func(ConnectionIndicator)]
	removeLogoutCallback func()

	writeMutex sync.Mutex

	mutex            sync.Mutex
	state            ConnectionState
	quality          ConnectionQuality
	online           bool
	visible          bool
	ws               wsConn
	generation       int
	reconnectAttempt int
	lastPongAt       time.Time
	lastStatus       EventType
	pendingStatus    EventType
	reconnectTimer   Timer
	pingTimer        Timer
	heartbeatTimer   Timer
	statusTimer      Timer
}

func NewConnectionManagerWithDefaults(
	ctx context.Context,
	session *Session,
	dispatcher *Dispatcher,
	platformUrl string,
) *ConnectionManager {
	return NewConnectionManager(
		ctx,
		session,
		dispatcher,
		platformUrl,
		SystemClock(),
		DefaultConnectionManagerSettings(),
	)
}

func NewConnectionManager(
	ctx context.Context,
	session *Session,
	dispatcher *Dispatcher,
	platformUrl string,
	clock Clock,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	manager := &ConnectionManager{
		ctx:                  cancelCtx,
		cancel:               cancel,
		session:              session,
		dispatcher:           dispatcher,
		platformUrl:          platformUrl,
		clock:                clock,
		settings:             settings,
		stateChangeCallbacks: NewCallbackList[func(ConnectionIndicator)](),
		state:                ConnectionStateDisconnected,
		quality:              ConnectionQualityOffline,
		online:               true,
		visible:              true,
	}
	manager.removeLogoutCallback = session.AddLogoutCallback(func(reason string) {
		manager.Disconnect()
	})
	return manager
}

// Connect is fire-and-forget and idempotent. It is a reported no-op when
// the device is offline, the session is unauthenticated, or a connection
// is already connecting or open.
func (self *ConnectionManager) Connect() {
	self.mutex.Lock()
	if !self.online {
		self.mutex.Unlock()
		glog.Infof("[c]connect skipped, device offline\n")
		self.announce(ConnectionIndicatorOffline)
		return
	}
	if !self.session.IsAuthenticated() {
		self.mutex.Unlock()
		glog.Infof("[c]connect skipped, not authenticated\n")
		return
	}
	if self.state == ConnectionStateConnecting || self.state == ConnectionStateOpen {
		self.mutex.Unlock()
		glog.V(2).Infof("[c]connect already %s\n", self.state)
		return
	}
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	self.state = ConnectionStateConnecting
	self.mutex.Unlock()

	self.announce(ConnectionIndicatorConnecting)
	go self.runConnect()
}

func (self *ConnectionManager) connectUrl() string {
	values := url.Values{}
	values.Set("token", self.session.ByJwt())
	values.Set("tabId", self.session.TabId().String())
	values.Set("clientType", self.settings.ClientType)
	return fmt.Sprintf("%s?%s", self.platformUrl, values.Encode())
}

func (self *ConnectionManager) runConnect() {
	dial := self.settings.Dial
	if dial == nil {
		dial = defaultDial(self.settings.WsHandshakeTimeout)
	}
	ws, err := dial(self.ctx, self.connectUrl())
	if err != nil {
		glog.Infof("[c]dial error = %s\n", err)
		self.mutex.Lock()
		if self.state != ConnectionStateConnecting {
			self.mutex.Unlock()
			return
		}
		self.scheduleReconnectLocked()
		self.mutex.Unlock()
		self.announceState()
		return
	}

	self.mutex.Lock()
	if self.state != ConnectionStateConnecting {
		// disconnected while dialing
		self.mutex.Unlock()
		ws.Close()
		return
	}
	self.generation += 1
	gen := self.generation
	self.ws = ws
	self.state = ConnectionStateOpen
	self.quality = ConnectionQualityGood
	self.lastPongAt = self.clock.Now()
	self.reconnectAttempt = 0
	// a new connection starts with no status sent
	self.lastStatus = ""
	visible := self.visible
	self.schedulePingLocked(gen)
	self.scheduleHeartbeatLocked(gen)
	self.mutex.Unlock()

	glog.V(2).Infof("[c]open\n")
	self.announce(ConnectionIndicatorConnected)
	go self.readLoop(ws, gen)
	if !visible {
		// the server assumes active on connect; correct it
		self.sendStatus(eventTypeUserAway)
	}
}

func (self *ConnectionManager) readLoop(ws wsConn, gen int) {
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			self.handleClose(ws, err)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			self.handleFrame(message)
		default:
			glog.V(2).Infof("[c]ignoring message type=%d\n", messageType)
		}
	}
}

// one text frame may contain multiple newline-separated json documents.
// A malformed document skips only itself; the stream continues.
func (self *ConnectionManager) handleFrame(message []byte) {
	for _, doc := range strings.Split(string(message), "\n") {
		doc = strings.TrimSpace(doc)
		if doc == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(doc), &event); err != nil {
			glog.Infof("[c]malformed document = %s\n", err)
			continue
		}
		switch event.Type {
		case eventTypePing:
			self.Send(&Event{Type: eventTypePong})
		case eventTypePong:
			self.mutex.Lock()
			self.lastPongAt = self.clock.Now()
			if self.state == ConnectionStateOpen && self.online {
				self.quality = ConnectionQualityGood
			}
			self.mutex.Unlock()
		case "":
			glog.Infof("[c]document missing type\n")
		default:
			glog.V(2).Infof("[c]<-%s\n", event.Type)
			self.dispatcher.dispatch(event.Type, event.Payload)
		}
	}
}

func closeCode(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, ""
}

func (self *ConnectionManager) handleClose(ws wsConn, err error) {
	self.mutex.Lock()
	if self.ws != ws {
		// superseded by a local disconnect or a newer connection
		self.mutex.Unlock()
		return
	}
	self.ws = nil
	self.stopConnTimersLocked()

	code, reason := closeCode(err)
	switch {
	case code == websocket.CloseNormalClosure:
		self.state = ConnectionStateDisconnected
		self.mutex.Unlock()
	case code == websocket.ClosePolicyViolation || strings.Contains(strings.ToLower(reason), "unauthorized"):
		glog.Infof("[c]close unauthorized, forcing logout\n")
		self.state = ConnectionStateDisconnected
		self.mutex.Unlock()
		self.session.Logout("unauthorized")
	default:
		glog.Infof("[c]close code=%d reason=%q = %v\n", code, reason, err)
		self.scheduleReconnectLocked()
		self.mutex.Unlock()
	}
	self.announceState()
}

// expects the mutex held. Saturates the attempt counter at the ceiling:
// retry is infinite while the session stays authenticated and the device
// online, but the delay stays bounded and the counter never grows.
func (self *ConnectionManager) scheduleReconnectLocked() {
	if !self.online || !self.session.IsAuthenticated() {
		self.state = ConnectionStateDisconnected
		return
	}
	if self.reconnectAttempt < self.settings.MaxReconnectAttempts {
		self.reconnectAttempt += 1
	}
	delay := reconnectDelay(
		self.reconnectAttempt,
		self.settings.ReconnectBackoffBase,
		self.settings.ReconnectBackoffMax,
	)
	self.state = ConnectionStateReconnecting
	glog.Infof("[c]reconnect %d in %s\n", self.reconnectAttempt, delay)
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
	}
	self.reconnectTimer = self.clock.AfterFunc(delay, self.fireReconnect)
}

func (self *ConnectionManager) fireReconnect() {
	self.mutex.Lock()
	if self.state != ConnectionStateReconnecting {
		self.mutex.Unlock()
		return
	}
	// session or network state may have changed during the delay window
	if !self.online || !self.session.IsAuthenticated() {
		glog.Infof("[c]reconnect skipped\n")
		self.state = ConnectionStateDisconnected
		self.mutex.Unlock()
		self.announceState()
		return
	}
	self.state = ConnectionStateConnecting
	self.mutex.Unlock()
	self.announce(ConnectionIndicatorConnecting)
	go self.runConnect()
}

func reconnectDelay(attempt int, base time.Duration, max time.Duration) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
	if max < delay {
		delay = max
	}
	return delay
}

func (self *ConnectionManager) schedulePingLocked(gen int) {
	self.pingTimer = self.clock.AfterFunc(self.settings.PingInterval, func() {
		self.mutex.Lock()
		live := self.generation == gen && self.state == ConnectionStateOpen
		if live {
			self.schedulePingLocked(gen)
		}
		self.mutex.Unlock()
		if live {
			self.Send(&Event{Type: eventTypePing})
		}
	})
}

func (self *ConnectionManager) scheduleHeartbeatLocked(gen int) {
	self.heartbeatTimer = self.clock.AfterFunc(self.settings.HeartbeatInterval, func() {
		var deadWs wsConn
		self.mutex.Lock()
		if self.generation != gen || self.state != ConnectionStateOpen {
			self.mutex.Unlock()
			return
		}
		silence := self.clock.Now().Sub(self.lastPongAt)
		if self.settings.PongDeadTimeout < silence {
			// a silent pipe is equivalent to a dropped one
			glog.Infof("[c]heartbeat dead after %s, forcing close\n", silence)
			self.quality = ConnectionQualityPoor
			deadWs = self.ws
		} else if self.settings.PongPoorTimeout < silence {
			glog.Infof("[c]heartbeat poor after %s\n", silence)
			self.quality = ConnectionQualityPoor
			self.scheduleHeartbeatLocked(gen)
		} else {
			self.scheduleHeartbeatLocked(gen)
		}
		self.mutex.Unlock()
		if deadWs != nil {
			// the read loop surfaces the close and schedules the reconnect
			deadWs.Close()
		}
	})
}

// Send marshals the frame and writes it if the connection is Open.
// Returning false is a soft failure: callers treat it as "not delivered"
// and revert any optimistic state.
func (self *ConnectionManager) Send(frame any) bool {
	self.mutex.Lock()
	ws := self.ws
	open := self.state == ConnectionStateOpen && ws != nil
	self.mutex.Unlock()
	if !open {
		glog.V(2).Infof("[c]send dropped, not open\n")
		return false
	}
	message, err := json.Marshal(frame)
	if err != nil {
		glog.Infof("[c]send marshal error = %s\n", err)
		return false
	}

	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	ws.SetWriteDeadline(self.clock.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
		// the read loop will surface the failure
		glog.Infof("[c]send error = %s\n", err)
		return false
	}
	glog.V(2).Infof("[c]->\n")
	return true
}

// SetOnline is the device-reported network signal. Going offline
// suppresses all reconnect attempts; coming back online resets the
// attempt counter and reconnects if the session is still authenticated.
func (self *ConnectionManager) SetOnline(online bool) {
	self.mutex.Lock()
	wasOnline := self.online
	self.online = online
	if online == wasOnline {
		self.mutex.Unlock()
		return
	}
	if !online {
		glog.Infof("[c]device offline\n")
		self.quality = ConnectionQualityOffline
		if self.reconnectTimer != nil {
			self.reconnectTimer.Stop()
			self.reconnectTimer = nil
		}
		if self.state == ConnectionStateReconnecting {
			self.state = ConnectionStateDisconnected
		}
		self.mutex.Unlock()
		self.announceState()
		return
	}
	self.reconnectAttempt = 0
	if self.state == ConnectionStateOpen {
		self.quality = ConnectionQualityGood
	}
	connect := self.state == ConnectionStateDisconnected && self.session.IsAuthenticated()
	self.mutex.Unlock()
	if connect {
		glog.Infof("[c]device online, reconnecting\n")
		self.Connect()
	}
}

// SetVisible signals tab visibility. Hidden debounces a "user_away"
// status frame; visible with an open connection debounces "user_active".
// The same status is never sent twice in a row.
func (self *ConnectionManager) SetVisible(visible bool) {
	self.mutex.Lock()
	self.visible = visible
	self.mutex.Unlock()
	if !visible {
		self.sendStatus(eventTypeUserAway)
		return
	}
	if self.IsConnected() {
		self.sendStatus(eventTypeUserActive)
	} else if self.session.IsAuthenticated() {
		self.Connect()
	}
}

func (self *ConnectionManager) sendStatus(status EventType) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.lastStatus == status {
		// returning to the last sent status cancels any pending flip
		self.pendingStatus = ""
		if self.statusTimer != nil {
			self.statusTimer.Stop()
			self.statusTimer = nil
		}
		return
	}
	self.pendingStatus = status
	if self.statusTimer != nil {
		self.statusTimer.Stop()
	}
	self.statusTimer = self.clock.AfterFunc(self.settings.StatusDebounceTimeout, func() {
		self.mutex.Lock()
		status := self.pendingStatus
		self.pendingStatus = ""
		self.statusTimer = nil
		self.mutex.Unlock()
		if status == "" {
			return
		}
		if self.Send(&Event{Type: status}) {
			self.mutex.Lock()
			self.lastStatus = status
			self.mutex.Unlock()
		}
	})
}

func (self *ConnectionManager) stopConnTimersLocked() {
	if self.pingTimer != nil {
		self.pingTimer.Stop()
		self.pingTimer = nil
	}
	if self.heartbeatTimer != nil {
		self.heartbeatTimer.Stop()
		self.heartbeatTimer = nil
	}
}

func (self *ConnectionManager) stopAllTimersLocked() {
	self.stopConnTimersLocked()
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	if self.statusTimer != nil {
		self.statusTimer.Stop()
		self.statusTimer = nil
	}
}

// Disconnect is the sole and universal cancellation point: it clears
// every pending timer and closes the transport. Always safe to call
// repeatedly.
func (self *ConnectionManager) Disconnect() {
	self.mutex.Lock()
	self.stopAllTimersLocked()
	self.state = ConnectionStateDisconnected
	self.quality = ConnectionQualityOffline
	self.reconnectAttempt = 0
	self.lastStatus = ""
	self.pendingStatus = ""
	self.generation += 1
	ws := self.ws
	self.ws = nil
	self.mutex.Unlock()

	if ws != nil {
		glog.V(2).Infof("[c]closing\n")
		ws.Close()
	}
	self.announceState()
}

func (self *ConnectionManager) Close() {
	self.Disconnect()
	if self.removeLogoutCallback != nil {
		self.removeLogoutCallback()
	}
	self.cancel()
}

func (self *ConnectionManager) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *ConnectionManager) Quality() ConnectionQuality {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.quality
}

func (self *ConnectionManager) IsConnected() bool {
	return self.State() == ConnectionStateOpen
}

func (self *ConnectionManager) LastPongAt() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastPongAt
}

func (self *ConnectionManager) Indicator() ConnectionIndicator {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.indicatorLocked()
}

func (self *ConnectionManager) indicatorLocked() ConnectionIndicator {
	switch self.state {
	case ConnectionStateOpen:
		return ConnectionIndicatorConnected
	case ConnectionStateConnecting:
		return ConnectionIndicatorConnecting
	case ConnectionStateReconnecting:
		return ConnectionIndicatorServerUnavailable
	default:
		return ConnectionIndicatorOffline
	}
}

func (self *ConnectionManager) AddStateChangeCallback(callback func(ConnectionIndicator)) func() {
	return self.stateChangeCallbacks.Add(callback)
}

func (self *ConnectionManager) announceState() {
	self.announce(self.Indicator())
}

func (self *ConnectionManager) announce(indicator ConnectionIndicator) {
	for _, callback := range self.stateChangeCallbacks.Get() {
		callback(indicator)
	}
}
