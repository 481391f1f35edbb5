package server

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/studyhub-realtime/internal/presence"
	"github.com/npezzotti/studyhub-realtime/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

type Client struct {
	id        string
	conn      *websocket.Conn
	hub       *Hub
	log       zerolog.Logger
	identity  types.Identity
	send      chan *ServerMessage
	rooms     map[string]*Room
	roomsLock sync.RWMutex
	stop      chan struct{}
	stopOnce  sync.Once
	// ctx is cancelled first thing on disconnect; it bounds the presence
	// heartbeat loop.
	ctx    context.Context
	cancel context.CancelFunc
	// hbDone is closed when the heartbeat loop exits.
	hbDone       chan struct{}
	heartbeating bool

	activityLock sync.Mutex
	activity     *presence.Meta
}

func NewClient(identity types.Identity, conn *websocket.Conn, hub *Hub, logger zerolog.Logger) *Client {
	id, err := shortid.Generate()
	if err != nil {
		id = time.Now().UTC().Format("20060102150405.000000000")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:       id,
		conn:     conn,
		hub:      hub,
		log:      logger.With().Str("uid", identity.UID).Str("conn_id", id).Logger(),
		identity: identity,
		send:     make(chan *ServerMessage, sendBufferSize),
		rooms:    make(map[string]*Room),
		stop:     make(chan struct{}),
		hbDone:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) uid() string {
	return c.identity.UID
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Str("event", msg.Event).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		c.handleMessage(raw)
	}
}

func (c *Client) handleMessage(raw []byte) {
	req, err := DecodeRequest(raw)
	if err != nil {
		c.log.Debug().Err(err).Msg("rejecting client message")
		switch {
		case req == nil:
			c.queueMessage(ErrInvalidMessage(0))
		case errors.Is(err, errUnknownEvent):
			c.queueMessage(ErrUnknownEvent(req.Id, req.Event))
		default:
			c.queueMessage(ErrInvalidMessage(req.Id))
		}
		return
	}

	switch req.Event {
	case EventRoomJoin:
		c.hub.joinRoom(c, req.Id, req.Join.GroupId)
	case EventRoomLeave:
		c.hub.leaveRoom(c, req.Id, req.Leave.GroupId)
	case EventActivityStart:
		c.hub.startActivity(c, req.Id, req.ActivityStart.SubjectId)
	case EventActivityHeartbeat:
		c.hub.heartbeatActivity(c, req.Id)
	case EventActivityStop:
		c.hub.stopActivity(c, req.Id)
	case EventPresenceCheck:
		c.hub.checkPresence(c, req.Id, req.PresenceCheck.Uids)
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("event", msg.Event).Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.cancel()
	c.hub.disconnect(c)
	c.stopClient()
}

// heartbeat keeps the online presence of the connection alive until the
// client disconnects.
func (c *Client) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		close(c.hbDone)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.hub.heartbeatOnline(c)
		}
	}
}

func (c *Client) setActivity(m *presence.Meta) {
	c.activityLock.Lock()
	defer c.activityLock.Unlock()
	c.activity = m
}

func (c *Client) currentActivity() *presence.Meta {
	c.activityLock.Lock()
	defer c.activityLock.Unlock()
	return c.activity
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.id] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	if room, ok := c.rooms[id]; ok {
		return room
	}

	return nil
}

// roomIds returns the ids of the rooms the connection is joined to, sorted.
func (c *Client) roomIds() []string {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
