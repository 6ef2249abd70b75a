package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

const GestureBufferSize = 32

// ephemeral, non-authoritative presence signal: cursor, caret, drag preview
type Gesture struct {
	Kind    string         `json:"kind"`
	ActorId Id             `json:"actor_id"`
	Data    map[string]any `json:"data,omitempty"`
}

type gestureFrame struct {
	Type string   `json:"type"`
	Data *Gesture `json:"data"`
}

// the connection ticket is short lived and fetched out of band before
// every dial
type TicketFunction = func(ctx context.Context) (string, error)

type GestureReceiveFunction = func(gesture *Gesture)

func DefaultGestureChannelSettings() *GestureChannelSettings {
	return &GestureChannelSettings{
		TicketTimeout:      2 * time.Second,
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type GestureChannelSettings struct {
	TicketTimeout      time.Duration
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

// bidirectional, loss tolerant socket for gestures between active
// participants. sends are fire-and-forget: no acknowledgment and no retry
// of missed sends. reconnect is independent of the durable stream and
// resumes live delivery only, with no replay.
//
// this channel never carries ops or commands. it has no revision semantics
// and no durability guarantee.
type GestureChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl  string
	ticket TicketFunction

	settings *GestureChannelSettings

	send chan *Gesture

	stateLock sync.Mutex
	state     ChannelState

	receiveCallbacks *CallbackList[GestureReceiveFunction]
	stateCallbacks   *CallbackList[ChannelStateFunction]
}

func NewGestureChannelWithDefaults(ctx context.Context, wsHost string, ticket TicketFunction) *GestureChannel {
	return NewGestureChannel(ctx, wsHost, ticket, DefaultGestureChannelSettings())
}

func NewGestureChannel(ctx context.Context, wsHost string, ticket TicketFunction, settings *GestureChannelSettings) *GestureChannel {
	cancelCtx, cancel := context.WithCancel(ctx)

	channel := &GestureChannel{
		ctx:              cancelCtx,
		cancel:           cancel,
		wsUrl:            fmt.Sprintf("%s/msg/ws", wsHost),
		ticket:           ticket,
		settings:         settings,
		send:             make(chan *Gesture, GestureBufferSize),
		state:            ChannelStateDisconnected,
		receiveCallbacks: NewCallbackList[GestureReceiveFunction](),
		stateCallbacks:   NewCallbackList[ChannelStateFunction](),
	}
	go channel.run()
	return channel
}

// fire-and-forget. returns false when the send buffer is full and the
// gesture was dropped, which is acceptable by contract
func (self *GestureChannel) Send(gesture *Gesture) bool {
	select {
	case self.send <- gesture:
		return true
	default:
		glog.V(2).Infof("[gc]drop ->\n")
		return false
	}
}

func (self *GestureChannel) run() {
	defer func() {
		self.cancel()
		self.setState(ChannelStateDisconnected)
	}()

	for {
		self.setState(ChannelStateConnecting)
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			ticketCtx, ticketCancel := context.WithTimeout(self.ctx, self.settings.TicketTimeout)
			defer ticketCancel()
			ticket, err := self.ticket(ticketCtx)
			if err != nil {
				return nil, err
			}

			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, fmt.Sprintf("%s?ticket=%s", self.wsUrl, url.QueryEscape(ticket)), nil)
			if err != nil {
				return nil, err
			}
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError("[gc]connect", connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[gc]connect error = %s\n", err)
			self.setState(ChannelStateReconnectPending)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.setState(ChannelStateConnected)

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case gesture, ok := <-self.send:
						if !ok {
							return
						}

						frameBytes, err := json.Marshal(&gestureFrame{
							Type: "gesture",
							Data: gesture,
						})
						if err != nil {
							glog.Infof("[gc]-> marshal error = %s\n", err)
							continue
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[gc]-> error = %s\n", err)
							return
						}
						glog.V(2).Infof("[gc]->\n")
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				ws.SetPongHandler(func(string) error {
					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					return nil
				})

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[gc]<- error = %s\n", err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						frame := &gestureFrame{}
						if err := json.Unmarshal(message, frame); err != nil {
							glog.V(2).Infof("[gc]<- bad frame\n")
							continue
						}
						if frame.Type != "gesture" || frame.Data == nil {
							// nothing but gestures travels here
							glog.V(2).Infof("[gc]<- ignore type=%s\n", frame.Type)
							continue
						}
						self.dispatch(frame.Data)
						glog.V(2).Infof("[gc]<-\n")
					default:
						glog.V(2).Infof("[gc]<- other=%d\n", messageType)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		// count the delay from disconnect, not from connect
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		if glog.V(2) {
			Trace("[gc]connect run", c)
		} else {
			c()
		}
		self.setState(ChannelStateReconnectPending)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *GestureChannel) dispatch(gesture *Gesture) {
	for _, receiveCallback := range self.receiveCallbacks.Get() {
		HandleError(func() {
			receiveCallback(gesture)
		})
	}
}

func (self *GestureChannel) State() ChannelState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *GestureChannel) setState(state ChannelState) {
	self.stateLock.Lock()
	changed := self.state != state
	self.state = state
	self.stateLock.Unlock()

	if !changed {
		return
	}
	for _, stateCallback := range self.stateCallbacks.Get() {
		HandleError(func() {
			stateCallback(state)
		})
	}
}

func (self *GestureChannel) AddReceiveCallback(receiveCallback GestureReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *GestureChannel) AddStateCallback(stateCallback ChannelStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *GestureChannel) Close() {
	self.cancel()
}
