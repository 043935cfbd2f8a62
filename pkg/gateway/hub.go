package gateway

import "sync"

// hub tracks which connections belong to which rooms and fans encoded
// frames out to them. Ordering guarantees come from the caller: operation
// broadcasts run inside the room actor, so frames for one room are enqueued
// in log order.
type hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Conn // roomID -> connID -> conn
}

func newHub() *hub {
	return &hub{rooms: make(map[string]map[string]*Conn)}
}

func (h *hub) add(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[string]*Conn)
		h.rooms[roomID] = room
	}
	room[c.ID()] = c
}

func (h *hub) remove(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
}

// removeAll detaches a connection from every room and returns the room ids
// it was in. Called on disconnect.
func (h *hub) removeAll(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var roomIDs []string
	for roomID, room := range h.rooms {
		if _, ok := room[connID]; !ok {
			continue
		}
		delete(room, connID)
		roomIDs = append(roomIDs, roomID)
		if len(room) == 0 {
			delete(h.rooms, roomID)
		}
	}
	return roomIDs
}

// broadcast enqueues an encoded frame to every member of a room, skipping
// exceptID when non-empty. Returns the number of connections reached.
func (h *hub) broadcast(roomID string, frame []byte, exceptID string) int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[roomID]))
	for connID, c := range h.rooms[roomID] {
		if connID == exceptID {
			continue
		}
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if err := c.enqueue(frame); err == nil {
			n++
		}
	}
	return n
}

func (h *hub) contains(roomID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][connID]
	return ok
}
