package flux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// transport state machine is:
// TransportStateNotInitialized
//
//	-> TransportStateConnecting
//	  -> TransportStateOpen
//	    -> TransportStateReconnecting
//	      -> TransportStateOpen (fires reconnected)
//	    -> TransportStateClosed (terminal)
//	  -> TransportStateReconnecting
//	  -> TransportStateClosed (terminal)
type TransportState int

const (
	TransportStateNotInitialized TransportState = iota
	TransportStateConnecting
	TransportStateOpen
	TransportStateReconnecting
	TransportStateClosed
)

func (self TransportState) String() string {
	switch self {
	case TransportStateNotInitialized:
		return "NotInitialized"
	case TransportStateConnecting:
		return "Connecting"
	case TransportStateOpen:
		return "Open"
	case TransportStateReconnecting:
		return "Reconnecting"
	case TransportStateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("TransportState(%d)", int(self))
	}
}

// resolves the live socket url for a project
type EndpointResolver interface {
	ResolveSocketUrlSync(ctx context.Context, projectId string, cookies []*http.Cookie) (string, error)
}

// the subset of `*websocket.Conn` used by the transport
type WsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

type WsDialFunc func(ctx context.Context, url string, cookies []*http.Cookie) (WsConn, error)

func DefaultWsDial(handshakeTimeout time.Duration) WsDialFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	return func(ctx context.Context, url string, cookies []*http.Cookie) (WsConn, error) {
		header := http.Header{}
		if cookie := cookieHeader(cookies); cookie != "" {
			header.Set("Cookie", cookie)
		}
		for _, cookie := range cookies {
			if cookie.Name == CookieTokenName {
				header.Set(HeaderRequestToken, cookie.Value)
			}
		}
		ws, response, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			if response != nil && response.StatusCode != http.StatusSwitchingProtocols {
				return nil, &ApiError{StatusCode: response.StatusCode}
			}
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, &ConnectionError{Err: err}
		}
		return ws, nil
	}
}

type NotificationFunction = func(notification *Notification)
type ErrorFunction = func(errorMessage *ErrorMessage)

type TransportSettings struct {
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
	// application level liveness. No inbound frame for this long forces a reconnect.
	PingTimeout      time.Duration
	ResolveTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// sent on every open. `NotificationTypeNone` disables the subscribe message.
	SubscribeTypes NotificationType
	// nil uses `DefaultWsDial`
	Dial WsDialFunc
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		MinReconnectDelay: DefaultMinReconnectDelay,
		MaxReconnectDelay: DefaultMaxReconnectDelay,
		PingTimeout:       30 * time.Second,
		ResolveTimeout:    15 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		SubscribeTypes:    NotificationTypeAll,
	}
}

type timer interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// unbounded fifo of events for the actor
type mailbox struct {
	mutex  sync.Mutex
	events []func()
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
	}
}

func (self *mailbox) post(event func()) {
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		self.events = append(self.events, event)
	}()
	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *mailbox) take() []func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	events := self.events
	self.events = nil
	return events
}

// one persistent websocket per project.
// All socket and timer events, and all public calls, are serialized onto one actor goroutine.
// Every async result carries the generation it was started under,
// and results from an older generation are discarded.
type NotificationTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	projectId string
	resolver  EndpointResolver
	settings  *TransportSettings
	dial      WsDialFunc
	afterFunc afterFunc
	tag       string

	mailbox *mailbox
	stopped atomic.Bool

	stateLock      sync.Mutex
	publishedState TransportState

	// actor state
	state          TransportState
	generation     uint64
	opened         bool
	// set by a terminal connect error. Cleared by new credentials.
	suspended      bool
	cookies        []*http.Cookie
	ws             WsConn
	queue          []string
	backoff        *ReconnectBackoff
	livenessTimer  timer
	reconnectTimer timer

	openCallbacks         *CallbackList[func()]
	reconnectedCallbacks  *CallbackList[func()]
	closeCallbacks        *CallbackList[func()]
	notificationCallbacks *CallbackList[NotificationFunction]
	errorCallbacks        *CallbackList[ErrorFunction]
}

func NewNotificationTransportWithDefaults(
	ctx context.Context,
	resolver EndpointResolver,
	projectId string,
	cookies []*http.Cookie,
) *NotificationTransport {
	return NewNotificationTransport(ctx, resolver, projectId, cookies, DefaultTransportSettings())
}

func NewNotificationTransport(
	ctx context.Context,
	resolver EndpointResolver,
	projectId string,
	cookies []*http.Cookie,
	settings *TransportSettings,
) *NotificationTransport {
	transport := newNotificationTransport(ctx, resolver, projectId, cookies, settings, realAfterFunc)
	transport.start()
	return transport
}

func newNotificationTransport(
	ctx context.Context,
	resolver EndpointResolver,
	projectId string,
	cookies []*http.Cookie,
	settings *TransportSettings,
	afterFunc afterFunc,
) *NotificationTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	dial := settings.Dial
	if dial == nil {
		dial = DefaultWsDial(settings.HandshakeTimeout)
	}
	transport := &NotificationTransport{
		ctx:                   cancelCtx,
		cancel:                cancel,
		projectId:             projectId,
		resolver:              resolver,
		settings:              settings,
		dial:                  dial,
		afterFunc:             afterFunc,
		tag:                   fmt.Sprintf("%s/%s", projectId, NewId()),
		mailbox:               newMailbox(),
		state:                 TransportStateNotInitialized,
		cookies:               cloneCookies(cookies),
		backoff:               NewReconnectBackoff(settings.MinReconnectDelay, settings.MaxReconnectDelay),
		openCallbacks:         NewCallbackList[func()](),
		reconnectedCallbacks:  NewCallbackList[func()](),
		closeCallbacks:        NewCallbackList[func()](),
		notificationCallbacks: NewCallbackList[NotificationFunction](),
		errorCallbacks:        NewCallbackList[ErrorFunction](),
	}
	return transport
}

// callbacks added before start see every event
func (self *NotificationTransport) start() {
	go self.run()
	self.post(func() {
		self.reconnect("init")
	})
}

func (self *NotificationTransport) ProjectId() string {
	return self.projectId
}

func (self *NotificationTransport) State() TransportState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.publishedState
}

func (self *NotificationTransport) AddOpenCallback(callback func()) func() {
	callbackId := self.openCallbacks.Add(callback)
	return func() {
		self.openCallbacks.Remove(callbackId)
	}
}

func (self *NotificationTransport) AddReconnectedCallback(callback func()) func() {
	callbackId := self.reconnectedCallbacks.Add(callback)
	return func() {
		self.reconnectedCallbacks.Remove(callbackId)
	}
}

func (self *NotificationTransport) AddCloseCallback(callback func()) func() {
	callbackId := self.closeCallbacks.Add(callback)
	return func() {
		self.closeCallbacks.Remove(callbackId)
	}
}

func (self *NotificationTransport) AddNotificationCallback(callback NotificationFunction) func() {
	callbackId := self.notificationCallbacks.Add(callback)
	return func() {
		self.notificationCallbacks.Remove(callbackId)
	}
}

func (self *NotificationTransport) AddErrorCallback(callback ErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

// Send writes `payload` if the transport is open, otherwise queues it.
// Fire and forget: completion is logged, never returned.
func (self *NotificationTransport) Send(payload string) {
	self.post(func() {
		self.send(payload)
	})
}

// Close is idempotent and safe to call from any goroutine, including callbacks.
// No reconnect happens after close, including one already in flight.
func (self *NotificationTransport) Close() {
	if self.stopped.CompareAndSwap(false, true) {
		self.post(func() {
			self.shutdown()
			self.cancel()
		})
	}
}

// SetUserCredentials replaces the connection cookies.
// Empty cookies close the transport. Otherwise an existing connection is
// torn down and reconnected with the new cookies. This also revives a transport
// that stopped on a terminal connect error, since that error applied to the old cookies.
func (self *NotificationTransport) SetUserCredentials(cookies []*http.Cookie) {
	if len(cookies) == 0 {
		self.Close()
		return
	}
	cookies = cloneCookies(cookies)
	self.post(func() {
		self.cookies = cookies
		self.suspended = false
		if self.state != TransportStateNotInitialized {
			self.reconnect("credentials")
		}
	})
}

func (self *NotificationTransport) post(event func()) {
	self.mailbox.post(event)
}

func (self *NotificationTransport) run() {
	for {
		select {
		case <-self.ctx.Done():
			self.stopped.Store(true)
			self.shutdown()
			return
		case <-self.mailbox.notify:
			for _, event := range self.mailbox.take() {
				self.handle(event)
			}
		}
	}
}

// a panic inside the actor is an internal fault. It is treated as a transport failure.
func (self *NotificationTransport) handle(event func()) {
	HandleError(event, func(err error) {
		err = internalFault(err)
		glog.Infof("[t]%s %s\n", self.tag, err)
		self.reconnect("fault")
	})
}

// a panic recovered anywhere in the pipeline
func internalFault(err error) error {
	connectAttempts.WithLabelValues("fault").Inc()
	return fmt.Errorf("%w: %s", ErrInternalFault, err)
}

func (self *NotificationTransport) setState(state TransportState) {
	if self.state == state {
		return
	}
	glog.V(1).Infof("[t]%s %s -> %s\n", self.tag, self.state, state)
	self.state = state

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.publishedState = state
}

// step 1: tear down whatever exists and resolve a fresh endpoint
func (self *NotificationTransport) reconnect(reason string) {
	if self.stopped.Load() || self.suspended {
		return
	}
	self.generation += 1
	generation := self.generation

	glog.V(1).Infof("[t]%s reconnect (%s) g=%d\n", self.tag, reason, generation)

	self.stopTimers()
	self.closeSocket()
	if self.opened {
		self.setState(TransportStateReconnecting)
	} else {
		self.setState(TransportStateConnecting)
	}

	cookies := cloneCookies(self.cookies)
	go func() {
		var url string
		var err error
		HandleError(func() {
			resolveCtx, resolveCancel := context.WithTimeout(self.ctx, self.settings.ResolveTimeout)
			defer resolveCancel()

			url, err = timed(fmt.Sprintf("[t]resolve %s", self.tag), observeResolve, func() (string, error) {
				return self.resolver.ResolveSocketUrlSync(resolveCtx, self.projectId, cookies)
			})
		}, func(panicErr error) {
			url = ""
			err = internalFault(panicErr)
		})
		self.post(func() {
			self.resolved(generation, url, cookies, err)
		})
	}()
}

// step 2: open the physical socket
func (self *NotificationTransport) resolved(generation uint64, url string, cookies []*http.Cookie, err error) {
	if generation != self.generation || self.stopped.Load() {
		return
	}
	if err != nil {
		self.connectFailed(generation, err)
		return
	}

	glog.V(1).Infof("[t]%s connecting to %s\n", self.tag, url)
	go func() {
		var ws WsConn
		var err error
		HandleError(func() {
			ws, err = self.dial(self.ctx, url, cookies)
		}, func(panicErr error) {
			ws = nil
			err = internalFault(panicErr)
		})
		self.post(func() {
			self.dialed(generation, ws, err)
		})
	}()
}

func (self *NotificationTransport) connectFailed(generation uint64, err error) {
	if IsTerminalConnectError(err) {
		glog.Infof("[t]%s terminal connect error = %s\n", self.tag, err)
		connectAttempts.WithLabelValues("terminal").Inc()
		// no retry with these credentials. The actor stays alive for new ones.
		self.suspended = true
		errorMessage := &ErrorMessage{
			Message:  err.Error(),
			Terminal: true,
			Err:      err,
		}
		dispatch(self.errorCallbacks, func(callback ErrorFunction) {
			callback(errorMessage)
		})
		self.shutdown()
		return
	}

	delay := self.backoff.Next()
	glog.Infof("[t]%s connect error = %s. Retry in %s\n", self.tag, err, delay)
	connectAttempts.WithLabelValues("retry").Inc()
	self.setState(TransportStateReconnecting)
	self.reconnectTimer = self.afterFunc(delay, func() {
		self.post(func() {
			if generation == self.generation {
				self.reconnect("retry")
			}
		})
	})
}

// step 3: the socket is open
func (self *NotificationTransport) dialed(generation uint64, ws WsConn, err error) {
	if generation != self.generation || self.stopped.Load() {
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		self.connectFailed(generation, err)
		return
	}

	connectAttempts.WithLabelValues("open").Inc()
	self.ws = ws
	self.backoff.Reset()
	self.setState(TransportStateOpen)
	self.armLiveness(generation)

	go self.read(generation, ws)

	queue := self.queue
	self.queue = nil
	outboundQueued.WithLabelValues(self.projectId).Set(0)
	for i, payload := range queue {
		if err := self.write(payload); err != nil {
			self.queue = append(self.queue, queue[i:]...)
			outboundQueued.WithLabelValues(self.projectId).Set(float64(len(self.queue)))
			self.socketFailed(generation, err)
			return
		}
	}

	if self.settings.SubscribeTypes != NotificationTypeNone {
		if err := self.write(subscribeMessage(self.settings.SubscribeTypes)); err != nil {
			self.socketFailed(generation, err)
			return
		}
	}

	// a connection that failed before this point does not count as opened
	if self.opened {
		glog.V(1).Infof("[t]%s reconnected\n", self.tag)
		dispatch(self.reconnectedCallbacks, func(callback func()) {
			callback()
		})
	} else {
		self.opened = true
		dispatch(self.openCallbacks, func(callback func()) {
			callback()
		})
	}
}

func (self *NotificationTransport) read(generation uint64, ws WsConn) {
	HandleError(func() {
		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				self.post(func() {
					self.socketFailed(generation, err)
				})
				return
			}
			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				self.post(func() {
					self.receive(generation, message)
				})
			default:
				glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.tag)
			}
		}
	}, func(panicErr error) {
		err := internalFault(panicErr)
		self.post(func() {
			self.socketFailed(generation, err)
		})
	})
}

func (self *NotificationTransport) receive(generation uint64, message []byte) {
	if generation != self.generation || self.stopped.Load() {
		return
	}
	// connection alive
	if self.state != TransportStateReconnecting {
		self.armLiveness(generation)
	}

	frame, err := parseFrame(message)
	if err != nil {
		glog.Infof("[tr]%s<- drop = %s\n", self.tag, err)
		framesReceived.WithLabelValues("malformed").Inc()
		return
	}
	framesReceived.WithLabelValues(frame.kind.String()).Inc()

	switch frame.kind {
	case frameKindPing:
		glog.V(2).Infof("[tr]ping %s<-\n", self.tag)
		self.send(pongMessage())
	case frameKindNotification:
		glog.V(2).Infof("[tr]%s<- %s %s\n", self.tag, frame.notification.CellEvent.Type, frame.notification.CellInfo.CellId)
		dispatch(self.notificationCallbacks, func(callback NotificationFunction) {
			callback(frame.notification)
		})
	case frameKindError:
		glog.Infof("[tr]%s<- error = %s\n", self.tag, frame.errorMessage.Message)
		dispatch(self.errorCallbacks, func(callback ErrorFunction) {
			callback(frame.errorMessage)
		})
	default:
		glog.V(1).Infof("[tr]%s<- unknown frame dropped\n", self.tag)
	}
}

func (self *NotificationTransport) send(payload string) {
	if self.state == TransportStateOpen && self.ws != nil {
		if err := self.write(payload); err != nil {
			// keep the payload for the next connection
			self.queue = append([]string{payload}, self.queue...)
			outboundQueued.WithLabelValues(self.projectId).Set(float64(len(self.queue)))
			self.socketFailed(self.generation, err)
		}
		return
	}
	glog.V(2).Infof("[ts]%s not connected. Queue message.\n", self.tag)
	self.queue = append(self.queue, payload)
	outboundQueued.WithLabelValues(self.projectId).Set(float64(len(self.queue)))
}

func (self *NotificationTransport) write(payload string) error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		// note that for websocket a deadline timeout cannot be recovered
		glog.Infof("[ts]%s-> error = %s\n", self.tag, err)
		return err
	}
	glog.V(2).Infof("[ts]%s->\n", self.tag)
	return nil
}

func (self *NotificationTransport) socketFailed(generation uint64, err error) {
	if generation != self.generation || self.stopped.Load() {
		return
	}
	glog.Infof("[t]%s socket error = %s. Trying to reconnect...\n", self.tag, err)
	self.reconnect("socket")
}

// step 4: a connection without inbound traffic for `PingTimeout` is considered dead
func (self *NotificationTransport) armLiveness(generation uint64) {
	if self.livenessTimer != nil {
		self.livenessTimer.Stop()
	}
	self.livenessTimer = self.afterFunc(self.settings.PingTimeout, func() {
		self.post(func() {
			if generation == self.generation && !self.stopped.Load() {
				glog.Infof("[t]%s no traffic for %s. Trying to reconnect...\n", self.tag, self.settings.PingTimeout)
				self.reconnect("liveness")
			}
		})
	})
}

func (self *NotificationTransport) stopTimers() {
	if self.livenessTimer != nil {
		self.livenessTimer.Stop()
		self.livenessTimer = nil
	}
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
}

// returns true if a socket was closed
func (self *NotificationTransport) closeSocket() bool {
	if self.ws == nil {
		return false
	}
	// no graceful drain
	self.ws.Close()
	self.ws = nil
	dispatch(self.closeCallbacks, func(callback func()) {
		callback()
	})
	return true
}

func (self *NotificationTransport) shutdown() {
	if self.state == TransportStateClosed {
		return
	}
	self.generation += 1
	self.stopTimers()
	if !self.closeSocket() {
		dispatch(self.closeCallbacks, func(callback func()) {
			callback()
		})
	}
	self.setState(TransportStateClosed)
	glog.V(1).Infof("[t]%s closed\n", self.tag)
}
