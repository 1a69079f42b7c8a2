package fanout

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hookdebug/hookdebug/internal/identity"
	"github.com/hookdebug/hookdebug/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

// JoinAuthorizer reports whether owner may watch endpointID.
type JoinAuthorizer func(ctx context.Context, owner models.Owner, endpointID string) bool

type clientMessage struct {
	Type       string `json:"type"`
	EndpointID string `json:"endpoint_id"`
}

// WSHandler upgrades to a WebSocket and attaches the connection to the hub.
// The owner is taken from the request context at upgrade time.
type WSHandler struct {
	hub       *Hub
	authorize JoinAuthorizer
	buffer    int
	keepAlive func(models.Owner)
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

func NewWSHandler(hub *Hub, authorize JoinAuthorizer, buffer int, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		hub:       hub,
		authorize: authorize,
		buffer:    buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

// SetKeepAlive registers fn to run whenever a connection shows signs of
// life: a client frame or a pong. Call it before serving.
func (h *WSHandler) SetKeepAlive(fn func(models.Owner)) {
	h.keepAlive = fn
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner := identity.OwnerFromContext(r.Context())
	if !owner.Valid() {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := NewSubscriber(owner, h.buffer)
	h.hub.Register(sub)
	log := h.log.With().Str("subscriber", sub.ID).Str("owner", owner.String()).Logger()
	log.Debug().Msg("viewer connected")

	c := &wsConn{conn: conn, sub: sub, hub: h.hub, authorize: h.authorize, keepAlive: h.keepAlive, log: log}
	go c.writePump()
	c.readPump(r.Context())

	h.hub.Unregister(sub)
	log.Debug().Msg("viewer disconnected")
}

type wsConn struct {
	conn      *websocket.Conn
	sub       *Subscriber
	hub       *Hub
	authorize JoinAuthorizer
	keepAlive func(models.Owner)
	log       zerolog.Logger
}

func (c *wsConn) alive() {
	if c.keepAlive != nil {
		c.keepAlive(c.sub.Owner)
	}
}

func (c *wsConn) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.alive()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		c.alive()

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(Message{Type: "error", Error: "invalid message"})
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *wsConn) handle(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case "join":
		if msg.EndpointID == "" || !c.authorize(ctx, c.sub.Owner, msg.EndpointID) {
			c.reply(Message{Type: "error", EndpointID: msg.EndpointID, Error: "endpoint not found"})
			return
		}
		if c.hub.Join(c.sub, msg.EndpointID) {
			c.reply(Message{Type: "joined", EndpointID: msg.EndpointID})
		}
	case "leave":
		c.hub.Leave(c.sub, msg.EndpointID)
		c.reply(Message{Type: "left", EndpointID: msg.EndpointID})
	case "ping":
		c.reply(Message{Type: "pong"})
	default:
		c.reply(Message{Type: "error", Error: "unknown message type"})
	}
}

// reply queues an acknowledgement behind any pending events.
func (c *wsConn) reply(m Message) {
	frame, err := encode(m)
	if err != nil {
		return
	}
	if !c.sub.offer(frame) {
		c.hub.Unregister(c.sub)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.sub.Frames():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				c.hub.Unregister(c.sub)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.hub.Unregister(c.sub)
				return
			}
		case <-c.sub.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
