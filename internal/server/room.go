package server

import (
	"sync"
)

// Room is the set of live connections on this instance joined to a group.
type Room struct {
	id         string
	clients    map[*Client]struct{}
	userMap    map[string]map[*Client]struct{}
	clientLock sync.RWMutex
}

func newRoom(id string) *Room {
	return &Room{
		id:      id,
		clients: make(map[*Client]struct{}),
		userMap: make(map[string]map[*Client]struct{}),
	}
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.uid()] == nil {
		r.userMap[c.uid()] = make(map[*Client]struct{})
	}
	r.userMap[c.uid()][c] = struct{}{}

	c.addRoom(r)
}

// removeClient reports whether c was in the room.
func (r *Room) removeClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false
	}

	delete(r.clients, c)
	c.delRoom(r.id)

	if userClients, ok := r.userMap[c.uid()]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.uid())
		}
	}

	return true
}

// removeAllClientsForUser removes every connection of uid and returns them.
func (r *Room) removeAllClientsForUser(uid string) []*Client {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	userClients, ok := r.userMap[uid]
	if !ok {
		return nil
	}

	removed := make([]*Client, 0, len(userClients))
	for c := range userClients {
		delete(r.clients, c)
		c.delRoom(r.id)
		removed = append(removed, c)
	}
	delete(r.userMap, uid)

	return removed
}

// removeAll empties the room and returns the connections it held.
func (r *Room) removeAll() []*Client {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	removed := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		c.delRoom(r.id)
		removed = append(removed, c)
	}
	r.clients = make(map[*Client]struct{})
	r.userMap = make(map[string]map[*Client]struct{})

	return removed
}

func (r *Room) hasClient(c *Client) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	return ok
}

func (r *Room) hasUser(uid string) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.userMap[uid]) > 0
}

func (r *Room) isEmpty() bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients) == 0
}

func (r *Room) broadcast(msg *ServerMessage) int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	n := 0
	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		if client.queueMessage(msg) {
			n++
		}
	}
	return n
}
