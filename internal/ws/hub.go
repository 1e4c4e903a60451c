// Package ws implements the realtime side of the relay: the connection
// hub, the websocket client wrapper and the socket message protocol.
package ws

import (
	"sync"

	"github.com/splax/buildrelay/internal/domain"
)

// Subscriber abstracts a connected realtime client.
type Subscriber interface {
	ID() string
	// Deliver hands a payload to the client. Delivery is best-effort: a
	// false return means the payload was dropped.
	Deliver(payload []byte, droppable bool) bool
}

// Hub tracks live connections and per-project rooms and fans payloads
// out to them. All state is owned by a single run loop draining the
// request channels, so membership changes and broadcasts are applied in
// submission order without locks.
type Hub struct {
	metrics *domain.Metrics

	register   chan Subscriber
	unregister chan Subscriber
	join       chan membership
	leave      chan membership
	dropRoom   chan string
	broadcast  chan envelope

	stop chan struct{}
	once sync.Once
}

type membership struct {
	room   string
	client Subscriber
}

// envelope couples a payload with its target scope. An empty room means
// every connection; except skips one subscriber id.
type envelope struct {
	room      string
	except    string
	payload   []byte
	droppable bool
}

// NewHub creates a hub and starts its run loop.
func NewHub(metrics *domain.Metrics) *Hub {
	h := &Hub{
		metrics:    metrics,
		register:   make(chan Subscriber),
		unregister: make(chan Subscriber),
		join:       make(chan membership),
		leave:      make(chan membership),
		dropRoom:   make(chan string),
		broadcast:  make(chan envelope, 64),
		stop:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	conns := make(map[Subscriber]struct{})
	rooms := make(map[string]map[Subscriber]struct{})

	leaveAll := func(client Subscriber) {
		for room, members := range rooms {
			delete(members, client)
			if len(members) == 0 {
				delete(rooms, room)
			}
		}
	}

	for {
		select {
		case <-h.stop:
			return
		case client := <-h.register:
			conns[client] = struct{}{}
			h.metrics.ConnectionOpened()
		case client := <-h.unregister:
			if _, ok := conns[client]; !ok {
				continue
			}
			delete(conns, client)
			leaveAll(client)
			h.metrics.ConnectionClosed()
		case m := <-h.join:
			members, ok := rooms[m.room]
			if !ok {
				members = make(map[Subscriber]struct{})
				rooms[m.room] = members
			}
			members[m.client] = struct{}{}
		case m := <-h.leave:
			if members, ok := rooms[m.room]; ok {
				delete(members, m.client)
				if len(members) == 0 {
					delete(rooms, m.room)
				}
			}
		case room := <-h.dropRoom:
			delete(rooms, room)
		case msg := <-h.broadcast:
			targets := conns
			if msg.room != "" {
				targets = rooms[msg.room]
			}
			var delivered int64
			for client := range targets {
				if msg.except != "" && client.ID() == msg.except {
					continue
				}
				if client.Deliver(msg.payload, msg.droppable) {
					delivered++
				}
			}
			if delivered > 0 {
				h.metrics.MessagesSent(delivered)
			}
		}
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(client Subscriber) {
	select {
	case h.register <- client:
	case <-h.stop:
	}
}

// Unregister removes a connection and all of its room memberships.
func (h *Hub) Unregister(client Subscriber) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// Join subscribes a connection to a project room.
func (h *Hub) Join(room string, client Subscriber) {
	select {
	case h.join <- membership{room: room, client: client}:
	case <-h.stop:
	}
}

// Leave unsubscribes a connection from a project room.
func (h *Hub) Leave(room string, client Subscriber) {
	select {
	case h.leave <- membership{room: room, client: client}:
	case <-h.stop:
	}
}

// DropRoom removes a room and every membership in it. Connections stay
// open; they only lose the subscription.
func (h *Hub) DropRoom(room string) {
	select {
	case h.dropRoom <- room:
	case <-h.stop:
	}
}

// BroadcastAll fans a payload out to every connection.
func (h *Hub) BroadcastAll(payload []byte) {
	h.send(envelope{payload: payload})
}

// BroadcastRoom fans a payload out to every member of a room.
func (h *Hub) BroadcastRoom(room string, payload []byte) {
	h.send(envelope{room: room, payload: payload})
}

// BroadcastRoomExcept fans a payload out to every room member except the
// given subscriber id. Droppable payloads may be silently discarded
// under backpressure.
func (h *Hub) BroadcastRoomExcept(room, exceptID string, payload []byte, droppable bool) {
	h.send(envelope{room: room, except: exceptID, payload: payload, droppable: droppable})
}

func (h *Hub) send(msg envelope) {
	select {
	case h.broadcast <- msg:
	case <-h.stop:
	}
}

// Close stops the run loop.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.stop)
	})
}
