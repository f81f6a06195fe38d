package diffsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type SyncServerSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
	RequireAuth        bool
}

func DefaultSyncServerSettings() *SyncServerSettings {
	return &SyncServerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     32,
		RequireAuth:        false,
	}
}

// SyncServer terminates push transport connections over websocket and
// feeds inbound envelopes to the handler. One goroutine per connection.
type SyncServer[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       Id
	handler  *DiffSyncHandler[T]
	settings *SyncServerSettings

	upgrader websocket.Upgrader
	router   *mux.Router

	log LogFunction
}

func NewSyncServerWithDefaults[T any](ctx context.Context, handler *DiffSyncHandler[T]) *SyncServer[T] {
	return NewSyncServer(ctx, handler, DefaultSyncServerSettings())
}

func NewSyncServer[T any](ctx context.Context, handler *DiffSyncHandler[T], settings *SyncServerSettings) *SyncServer[T] {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &SyncServer[T]{
		ctx:      cancelCtx,
		cancel:   cancel,
		id:       NewId(),
		handler:  handler,
		settings: settings,
		log:      LogFn("server"),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	router := mux.NewRouter()
	router.HandleFunc("/sync", server.serveSync)
	router.HandleFunc("/health", server.serveHealth).Methods(http.MethodGet)
	server.router = router
	return server
}

func (self *SyncServer[T]) Router() *mux.Router {
	return self.router
}

func (self *SyncServer[T]) ListenAndServe(address string) error {
	httpServer := &http.Server{
		Addr:    address,
		Handler: self.router,
	}
	go func() {
		select {
		case <-self.ctx.Done():
			httpServer.Close()
		}
	}()
	glog.Infof("[server]listening on %s\n", address)
	return httpServer.ListenAndServe()
}

func (self *SyncServer[T]) Close() {
	self.cancel()
}

type serverStatusJson struct {
	Status   string `json:"status"`
	ServerId Id     `json:"server_id"`
}

func (self *SyncServer[T]) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&serverStatusJson{
		Status:   "ok",
		ServerId: self.id,
	})
}

func (self *SyncServer[T]) serveSync(w http.ResponseWriter, r *http.Request) {
	if self.settings.RequireAuth {
		auth := &ClientAuth{ByJwt: r.URL.Query().Get("auth")}
		if _, err := auth.ParseByJwtUnverified(); err != nil {
			http.Error(w, "invalid auth", http.StatusUnauthorized)
			return
		}
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[server]upgrade error = %s\n", err)
		return
	}

	connection := newWsConnection(self.ctx, ws, self.log, self.settings)
	defer connection.Close()
	self.log("connection %s open", connection.Id())

	for {
		select {
		case <-connection.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			self.log("connection %s closed = %s", connection.Id(), err)
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				continue
			}
			self.handler.Receive(connection, message)
		default:
		}
	}
}

// wsConnection is one live websocket connection. Writes serialize through
// the send channel so the handler never blocks on the transport.
type wsConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       Id
	ws       *websocket.Conn
	send     chan []byte
	draining atomic.Bool

	settings *SyncServerSettings

	log LogFunction
}

func newWsConnection(ctx context.Context, ws *websocket.Conn, log LogFunction, settings *SyncServerSettings) *wsConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &wsConnection{
		ctx:      cancelCtx,
		cancel:   cancel,
		id:       NewId(),
		ws:       ws,
		send:     make(chan []byte, settings.SendBufferSize),
		settings: settings,
		log:      SubLogFn(log, "ws"),
	}
	go connection.writeLoop()
	return connection
}

func (self *wsConnection) Id() Id {
	return self.id
}

func (self *wsConnection) Send(message []byte) error {
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("connection %s closed", self.id)
	case self.send <- message:
		return nil
	default:
		return fmt.Errorf("connection %s send buffer full", self.id)
	}
}

func (self *wsConnection) IsDraining() bool {
	return self.draining.Load()
}

func (self *wsConnection) SetDraining(draining bool) {
	self.draining.Store(draining)
}

func (self *wsConnection) Close() {
	self.cancel()
	self.ws.Close()
}

func (self *wsConnection) writeLoop() {
	defer self.cancel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// a write deadline timeout cannot be recovered
				glog.Infof("[server]%s-> error = %s\n", self.id, err)
				return
			}
			self.log("%s->", self.id)
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

type ClientTransportSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
	// caps the reconnect backoff. zero disables reconnection
	MaxReconnectInterval time.Duration
}

func DefaultClientTransportSettings() *ClientTransportSettings {
	return &ClientTransportSettings{
		WsHandshakeTimeout:   2 * time.Second,
		PingTimeout:          15 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          60 * time.Second,
		SendBufferSize:       32,
		MaxReconnectInterval: 30 * time.Second,
	}
}

type ReceiveFunction func(message []byte)

// ClientTransport dials the sync endpoint and keeps the connection alive
// with exponential reconnect backoff, delivering inbound envelopes to the
// receive callback.
type ClientTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url     string
	auth    *ClientAuth
	receive ReceiveFunction
	send    chan []byte

	settings *ClientTransportSettings
}

func NewClientTransportWithDefaults(ctx context.Context, url string, auth *ClientAuth, receive ReceiveFunction) *ClientTransport {
	return NewClientTransport(ctx, url, auth, receive, DefaultClientTransportSettings())
}

func NewClientTransport(ctx context.Context, url string, auth *ClientAuth, receive ReceiveFunction, settings *ClientTransportSettings) *ClientTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &ClientTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		auth:     auth,
		receive:  receive,
		send:     make(chan []byte, settings.SendBufferSize),
		settings: settings,
	}
	go transport.run()
	return transport
}

func (self *ClientTransport) Send(message []byte) error {
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("transport closed")
	case self.send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("send buffer full")
	}
}

func (self *ClientTransport) Close() {
	self.cancel()
}

// attaches the auth token as a query parameter, keeping any query the
// endpoint url already carries
func dialUrl(rawUrl string, auth *ClientAuth) (string, error) {
	if auth == nil || auth.ByJwt == "" {
		return rawUrl, nil
	}
	u, err := url.Parse(rawUrl)
	if err != nil {
		return "", err
	}
	query := u.Query()
	query.Set("auth", auth.ByJwt)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (self *ClientTransport) run() {
	defer self.cancel()

	target, err := dialUrl(self.url, self.auth)
	if err != nil {
		glog.Infof("[tc]bad url = %s\n", err)
		return
	}

	dial := func() (*websocket.Conn, error) {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, target, nil)
		return ws, err
	}

	for {
		reconnect := backoff.NewExponentialBackOff()
		reconnect.MaxInterval = self.settings.MaxReconnectInterval
		reconnect.MaxElapsedTime = 0

		ws, err := backoff.RetryWithData(dial, backoff.WithContext(reconnect, self.ctx))
		if err != nil {
			return
		}

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
					case message := <-self.send:
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							glog.Infof("[tc]-> error = %s\n", err)
							return
						}
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				_, message, err := ws.ReadMessage()
				if err != nil {
					glog.V(2).Infof("[tc]<- error = %s\n", err)
					return
				}
				if len(message) == 0 {
					// ping
					continue
				}
				if self.receive != nil {
					self.receive(message)
				}
			}
		}
		c()

		select {
		case <-self.ctx.Done():
			return
		default:
		}
		if self.settings.MaxReconnectInterval == 0 {
			return
		}
	}
}
