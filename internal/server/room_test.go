package server

import (
	"testing"

	"github.com/npezzotti/studyhub-realtime/internal/testutil"
	"github.com/npezzotti/studyhub-realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, uid string) *Client {
	t.Helper()
	return NewClient(types.Identity{UID: uid}, nil, nil, testutil.TestLogger(t))
}

func TestRoom_AddRemoveClient(t *testing.T) {
	r := newRoom("g1")
	c := newTestClient(t, "1")

	assert.True(t, r.isEmpty())
	r.addClient(c)

	assert.True(t, r.hasClient(c))
	assert.True(t, r.hasUser("1"))
	assert.Equal(t, r, c.getRoom("g1"), "expected the client to track the room")

	assert.True(t, r.removeClient(c))
	assert.False(t, r.removeClient(c), "expected a second remove to report false")
	assert.False(t, r.hasUser("1"))
	assert.Nil(t, c.getRoom("g1"))
	assert.True(t, r.isEmpty())
}

func TestRoom_HasUserWithMultipleConnections(t *testing.T) {
	r := newRoom("g1")
	a1, a2 := newTestClient(t, "a"), newTestClient(t, "a")
	r.addClient(a1)
	r.addClient(a2)

	r.removeClient(a1)
	assert.True(t, r.hasUser("a"), "expected the user to stay while a connection remains")

	r.removeClient(a2)
	assert.False(t, r.hasUser("a"))
}

func TestRoom_RemoveAllClientsForUser(t *testing.T) {
	r := newRoom("g1")
	a1, a2, b := newTestClient(t, "a"), newTestClient(t, "a"), newTestClient(t, "b")
	for _, c := range []*Client{a1, a2, b} {
		r.addClient(c)
	}

	removed := r.removeAllClientsForUser("a")
	assert.ElementsMatch(t, []*Client{a1, a2}, removed)
	assert.False(t, r.hasUser("a"))
	assert.True(t, r.hasClient(b))
	assert.Nil(t, a1.getRoom("g1"))
	assert.Nil(t, a2.getRoom("g1"))

	assert.Empty(t, r.removeAllClientsForUser("a"))
	assert.Empty(t, r.removeAllClientsForUser("nobody"))
}

func TestRoom_RemoveAll(t *testing.T) {
	r := newRoom("g1")
	a, b := newTestClient(t, "a"), newTestClient(t, "b")
	r.addClient(a)
	r.addClient(b)

	removed := r.removeAll()
	assert.ElementsMatch(t, []*Client{a, b}, removed)
	assert.True(t, r.isEmpty())
	assert.Empty(t, a.roomIds())
	assert.Empty(t, b.roomIds())
}

func TestRoom_Broadcast(t *testing.T) {
	r := newRoom("g1")
	a, b, c := newTestClient(t, "a"), newTestClient(t, "b"), newTestClient(t, "c")
	for _, cl := range []*Client{a, b, c} {
		r.addClient(cl)
	}

	msg := RoomDeleted("g1", "")
	msg.SkipClient = a
	n := r.broadcast(msg)

	assert.Equal(t, 2, n)
	assert.Empty(t, drain(a), "expected the skipped client to receive nothing")
	require.Len(t, drain(b), 1)
	require.Len(t, drain(c), 1)
}

func TestRoom_BroadcastFullBuffer(t *testing.T) {
	r := newRoom("g1")
	slow := &Client{
		identity: types.Identity{UID: "slow"},
		send:     make(chan *ServerMessage, 1),
		rooms:    make(map[string]*Room),
		log:      testutil.TestLogger(t),
	}
	fast := newTestClient(t, "fast")
	r.addClient(slow)
	r.addClient(fast)

	slow.send <- &ServerMessage{}
	n := r.broadcast(RoomDeleted("g1", ""))
	assert.Equal(t, 1, n, "expected a full buffer to be skipped, not to block")
}
