// Package server is the socket gateway core: it tracks the live connections
// of this instance, the rooms they joined, and drives their presence.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/studyhub-realtime/internal/presence"
	"github.com/npezzotti/studyhub-realtime/internal/stats"
	"github.com/npezzotti/studyhub-realtime/internal/types"
	"github.com/rs/zerolog"
)

const (
	presenceTimeout = 5 * time.Second
	activitySource  = "socket"
)

var ErrShuttingDown = errors.New("hub is shutting down")

// PresenceStore is the subset of *presence.Store the hub drives.
type PresenceStore interface {
	StartActivity(ctx context.Context, uid, connID string, meta presence.Meta) (presence.Meta, error)
	Heartbeat(ctx context.Context, uid, connID string) (bool, error)
	StopActivity(ctx context.Context, uid, connID string) (presence.StopResult, error)
	GetActiveMany(ctx context.Context, uids []string) (map[string]*presence.Meta, error)
	RememberGroups(ctx context.Context, uid string, groupIDs ...string) error
	GetRememberedGroups(ctx context.Context, uid string) ([]string, error)
}

type GroupAuthority interface {
	CheckMembership(ctx context.Context, groupID string, cred types.Credential) (types.Membership, error)
}

type GroupLister interface {
	ListMyGroups(ctx context.Context, uid string, cred types.Credential) ([]types.Group, error)
}

type Options struct {
	Online            PresenceStore
	Studying          PresenceStore
	Authority         GroupAuthority
	HeartbeatInterval time.Duration
	MembershipTimeout time.Duration

	// Groups is the last resort for finding the rooms to announce a
	// disconnect to. Optional.
	Groups GroupLister
}

type Hub struct {
	log               zerolog.Logger
	stats             stats.StatsProvider
	online            PresenceStore
	studying          PresenceStore
	authority         GroupAuthority
	groups            GroupLister
	heartbeatInterval time.Duration
	membershipTimeout time.Duration

	// mu guards rooms and clients together so joins, leaves and evictions
	// see a consistent view.
	mu      sync.RWMutex
	rooms   map[string]*Room
	clients map[string]map[*Client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func NewHub(logger zerolog.Logger, sp stats.StatsProvider, opts Options) (*Hub, error) {
	if opts.Online == nil || opts.Studying == nil {
		return nil, fmt.Errorf("online and studying presence stores are required")
	}
	if opts.Authority == nil {
		return nil, fmt.Errorf("group authority is required")
	}
	if opts.HeartbeatInterval <= 0 || opts.MembershipTimeout <= 0 {
		return nil, fmt.Errorf("heartbeat interval and membership timeout must be positive")
	}

	return &Hub{
		log:               logger.With().Str("component", "hub").Logger(),
		stats:             sp,
		online:            opts.Online,
		studying:          opts.Studying,
		authority:         opts.Authority,
		groups:            opts.Groups,
		heartbeatInterval: opts.HeartbeatInterval,
		membershipTimeout: opts.MembershipTimeout,
		rooms:             make(map[string]*Room),
		clients:           make(map[string]map[*Client]struct{}),
	}, nil
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Register adds c to the hub and marks its user online. The caller starts
// the client's pumps afterwards.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrShuttingDown
	}
	if h.clients[c.uid()] == nil {
		h.clients[c.uid()] = make(map[*Client]struct{})
	}
	h.clients[c.uid()][c] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	h.stats.Incr(stats.Connections)
	c.log.Info().Msg("client connected")

	ctx, cancel := context.WithTimeout(c.ctx, presenceTimeout)
	defer cancel()
	if _, err := h.online.StartActivity(ctx, c.uid(), c.id, presence.Meta{Source: activitySource}); err != nil {
		// the next heartbeat re-registers
		c.log.Warn().Err(err).Msg("failed to record online presence")
	}

	c.heartbeating = true
	go c.heartbeat(h.heartbeatInterval)

	return nil
}

func (h *Hub) heartbeatOnline(c *Client) {
	ctx, cancel := context.WithTimeout(c.ctx, presenceTimeout)
	defer cancel()

	ok, err := h.online.Heartbeat(ctx, c.uid(), c.id)
	if err != nil {
		c.log.Warn().Err(err).Msg("presence heartbeat failed")
		return
	}
	if ok || c.ctx.Err() != nil {
		return
	}

	c.log.Info().Msg("presence lapsed, re-registering")
	if _, err := h.online.StartActivity(ctx, c.uid(), c.id, presence.Meta{Source: activitySource}); err != nil {
		c.log.Warn().Err(err).Msg("failed to re-register presence")
		return
	}
	// rooms may already have been told the user went offline
	h.broadcastToClientRooms(c, currentPresence(c))
}

// disconnect runs once per client after its read pump exits.
func (h *Hub) disconnect(c *Client) {
	defer h.wg.Done()

	if c.heartbeating {
		<-c.hbDone
	}

	joined := h.leaveAll(c)
	h.unregister(c)
	h.stats.Decr(stats.Connections)

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	onlineRes, err := h.online.StopActivity(ctx, c.uid(), c.id)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to stop online presence")
	}
	studyingRes, err := h.studying.StopActivity(ctx, c.uid(), c.id)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to stop activity")
	}

	c.log.Info().
		Strs("rooms", joined).
		Bool("offline", onlineRes.BecameOffline).
		Msg("client disconnected")

	if !onlineRes.BecameOffline && !studyingRes.BecameOffline {
		return
	}

	targets := h.offlineTargets(ctx, c, joined)
	if studyingRes.BecameOffline {
		h.BroadcastPresence(targets, types.PresenceUpdate{UID: c.uid(), Status: types.StatusIdle})
	}
	if onlineRes.BecameOffline {
		h.BroadcastPresence(targets, types.PresenceUpdate{UID: c.uid(), Status: types.StatusOffline})
	}
}

// offlineTargets picks the rooms to announce a user's departure to: the rooms
// the connection had joined, else the remembered groups, else every group the
// authority lists for the user.
func (h *Hub) offlineTargets(ctx context.Context, c *Client, joined []string) []string {
	if len(joined) > 0 {
		return joined
	}

	remembered, err := h.online.GetRememberedGroups(ctx, c.uid())
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to load remembered groups")
	}
	if len(remembered) > 0 {
		return remembered
	}

	if h.groups == nil || c.identity.Credential.Empty() {
		return nil
	}
	groups, err := h.groups.ListMyGroups(ctx, c.uid(), c.identity.Credential)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to list groups")
		return nil
	}

	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.Id)
	}
	return ids
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if userClients, ok := h.clients[c.uid()]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(h.clients, c.uid())
		}
	}
}

// leaveAll removes c from every room and returns the ids of those rooms.
func (h *Hub) leaveAll(c *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := c.roomIds()
	for _, id := range ids {
		if room, ok := h.rooms[id]; ok {
			room.removeClient(c)
			h.unloadIfEmpty(room)
		}
	}
	return ids
}

// unloadIfEmpty must be called with mu held.
func (h *Hub) unloadIfEmpty(r *Room) {
	if r.isEmpty() {
		delete(h.rooms, r.id)
	}
}

func (h *Hub) joinRoom(c *Client, id int, groupID string) {
	if groupID == "" {
		h.stats.Incr(stats.JoinRejections)
		c.queueMessage(ErrGroupIdRequired(id))
		return
	}
	if c.identity.Credential.Empty() {
		h.stats.Incr(stats.JoinRejections)
		c.queueMessage(ErrNoAuthCookie(id))
		return
	}
	if c.getRoom(groupID) != nil {
		c.queueMessage(RoomJoined(id, groupID))
		return
	}
	if h.isClosed() {
		c.queueMessage(ErrServiceUnavailable(id))
		return
	}

	log := c.log.With().Str("group_id", groupID).Logger()

	ctx, cancel := context.WithTimeout(c.ctx, h.membershipTimeout)
	m, err := h.authority.CheckMembership(ctx, groupID, c.identity.Credential)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("membership check failed")
		h.stats.Incr(stats.JoinRejections)
		c.queueMessage(ErrJoinFailed(id))
		return
	}
	if !m.IsMember {
		log.Info().Msg("join rejected, not a member")
		h.stats.Incr(stats.JoinRejections)
		c.queueMessage(ErrNotMember(id))
		return
	}

	h.mu.Lock()
	// a client that disconnected during the check must not be added back
	if c.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	room, ok := h.rooms[groupID]
	if !ok {
		room = newRoom(groupID)
		h.rooms[groupID] = room
	}
	room.addClient(c)
	h.mu.Unlock()

	h.stats.Incr(stats.RoomJoins)
	log.Info().Msg("joined room")
	c.queueMessage(RoomJoined(id, groupID))

	pctx, pcancel := context.WithTimeout(c.ctx, presenceTimeout)
	defer pcancel()
	if err := h.online.RememberGroups(pctx, c.uid(), groupID); err != nil {
		log.Warn().Err(err).Msg("failed to remember group")
	}
	if err := h.studying.RememberGroups(pctx, c.uid(), groupID); err != nil {
		log.Warn().Err(err).Msg("failed to remember group for activity")
	}

	h.BroadcastToRoom(groupID, PresenceUpdate(0, currentPresence(c)), c)
}

func (h *Hub) leaveRoom(c *Client, id int, groupID string) {
	if groupID == "" {
		c.queueMessage(ErrGroupIdRequired(id))
		return
	}

	h.mu.Lock()
	room, ok := h.rooms[groupID]
	left := ok && room.removeClient(c)
	if ok {
		h.unloadIfEmpty(room)
	}
	h.mu.Unlock()

	if !left {
		c.queueMessage(ErrNotInRoom(id))
		return
	}

	c.log.Info().Str("group_id", groupID).Msg("left room")
	c.queueMessage(RoomLeft(id, groupID))
}

func (h *Hub) startActivity(c *Client, id int, subjectID string) {
	ctx, cancel := context.WithTimeout(c.ctx, presenceTimeout)
	defer cancel()

	meta, err := h.studying.StartActivity(ctx, c.uid(), c.id, presence.Meta{SubjectID: subjectID, Source: activitySource})
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to start activity")
		c.queueMessage(ErrPresenceUnavailable(id))
		return
	}
	c.setActivity(&meta)

	update := presenceFromMeta(c.uid(), true, true, meta.StartedAt, meta.SubjectID)
	c.queueMessage(PresenceUpdate(id, update))
	h.broadcastToClientRooms(c, update)
}

func (h *Hub) heartbeatActivity(c *Client, id int) {
	act := c.currentActivity()
	if act == nil {
		c.queueMessage(ErrorMessage(id, CodePresenceUnavailable, "no activity in progress"))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, presenceTimeout)
	defer cancel()

	ok, err := h.studying.Heartbeat(ctx, c.uid(), c.id)
	if err != nil {
		c.log.Warn().Err(err).Msg("activity heartbeat failed")
		c.queueMessage(ErrPresenceUnavailable(id))
		return
	}
	if ok {
		return
	}

	c.log.Info().Msg("activity lapsed, re-registering")
	meta, err := h.studying.StartActivity(ctx, c.uid(), c.id, *act)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to re-register activity")
		c.queueMessage(ErrPresenceUnavailable(id))
		return
	}
	c.setActivity(&meta)
	h.broadcastToClientRooms(c, presenceFromMeta(c.uid(), true, true, meta.StartedAt, meta.SubjectID))
}

func (h *Hub) stopActivity(c *Client, id int) {
	ctx, cancel := context.WithTimeout(c.ctx, presenceTimeout)
	defer cancel()

	res, err := h.studying.StopActivity(ctx, c.uid(), c.id)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to stop activity")
		c.queueMessage(ErrPresenceUnavailable(id))
		return
	}
	c.setActivity(nil)

	update := types.PresenceUpdate{UID: c.uid(), Status: types.StatusIdle}
	c.queueMessage(PresenceUpdate(id, update))
	if res.BecameOffline {
		h.broadcastToClientRooms(c, update)
	}
}

func (h *Hub) checkPresence(c *Client, id int, uids []string) {
	ctx, cancel := context.WithTimeout(c.ctx, presenceTimeout)
	defer cancel()

	online, err := h.online.GetActiveMany(ctx, uids)
	if err != nil {
		c.log.Warn().Err(err).Msg("presence check failed")
		c.queueMessage(ErrPresenceUnavailable(id))
		return
	}
	studying, err := h.studying.GetActiveMany(ctx, uids)
	if err != nil {
		c.log.Warn().Err(err).Msg("activity check failed")
		c.queueMessage(ErrPresenceUnavailable(id))
		return
	}

	seen := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		if _, dup := seen[uid]; dup || uid == "" {
			continue
		}
		seen[uid] = struct{}{}

		var update types.PresenceUpdate
		if m := studying[uid]; m != nil {
			update = presenceFromMeta(uid, true, true, m.StartedAt, m.SubjectID)
		} else {
			update = presenceFromMeta(uid, online[uid] != nil, false, time.Time{}, "")
		}
		c.queueMessage(PresenceUpdate(id, update))
	}
}

// currentPresence is the status a live connection shows to its rooms.
func currentPresence(c *Client) types.PresenceUpdate {
	if act := c.currentActivity(); act != nil {
		return presenceFromMeta(c.uid(), true, true, act.StartedAt, act.SubjectID)
	}
	return types.PresenceUpdate{UID: c.uid(), Status: types.StatusOnline}
}

func (h *Hub) broadcastToClientRooms(c *Client, update types.PresenceUpdate) {
	for _, groupID := range c.roomIds() {
		h.BroadcastToRoom(groupID, PresenceUpdate(0, update), c)
	}
}

// BroadcastToRoom queues msg for every connection in groupID except skip and
// returns how many connections accepted it.
func (h *Hub) BroadcastToRoom(groupID string, msg *ServerMessage, skip *Client) int {
	h.mu.RLock()
	room, ok := h.rooms[groupID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	msg.SkipClient = skip
	return room.broadcast(msg)
}

// BroadcastPresence sends update to every local connection in groupIDs.
func (h *Hub) BroadcastPresence(groupIDs []string, update types.PresenceUpdate) int {
	n := 0
	for _, groupID := range groupIDs {
		n += h.BroadcastToRoom(groupID, PresenceUpdate(0, update), nil)
	}
	return n
}

// EvictUser removes every connection of uid from groupID and tells all of the
// user's connections on this instance, joined or not, that access was revoked.
func (h *Hub) EvictUser(groupID, uid, reason string) int {
	h.mu.Lock()
	var removed []*Client
	if room, ok := h.rooms[groupID]; ok {
		removed = room.removeAllClientsForUser(uid)
		h.unloadIfEmpty(room)
	}
	clients := h.clientsForUserLocked(uid)
	h.mu.Unlock()

	for range removed {
		h.stats.Incr(stats.Evictions)
	}

	msg := RoomRevoked(groupID, reason)
	for _, c := range clients {
		c.queueMessage(msg)
	}

	h.log.Info().
		Str("group_id", groupID).
		Str("uid", uid).
		Int("evicted", len(removed)).
		Int("notified", len(clients)).
		Msg("evicted user from room")

	return len(clients)
}

// EvictRoom empties groupID and tells every connection that was in it that the
// group is gone.
func (h *Hub) EvictRoom(groupID, reason string) int {
	h.mu.Lock()
	room, ok := h.rooms[groupID]
	var removed []*Client
	if ok {
		removed = room.removeAll()
		delete(h.rooms, groupID)
	}
	h.mu.Unlock()

	msg := RoomDeleted(groupID, reason)
	for _, c := range removed {
		h.stats.Incr(stats.Evictions)
		c.queueMessage(msg)
	}

	h.log.Info().Str("group_id", groupID).Int("evicted", len(removed)).Msg("evicted room")
	return len(removed)
}

func (h *Hub) ClientsForUser(uid string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clientsForUserLocked(uid)
}

func (h *Hub) clientsForUserLocked(uid string) []*Client {
	clients := make([]*Client, 0, len(h.clients[uid]))
	for c := range h.clients[uid] {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) NumClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, userClients := range h.clients {
		n += len(userClients)
	}
	return n
}

func (h *Hub) NumRooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Shutdown closes every connection and waits for their disconnect handling,
// which clears their presence, to finish.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	var all []*Client
	for _, userClients := range h.clients {
		for c := range userClients {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	h.log.Info().Int("clients", len(all)).Msg("shutting down hub")
	for _, c := range all {
		c.stopClient()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}
