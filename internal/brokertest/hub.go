package brokertest

import (
	"strconv"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
)

// outbound is a MESSAGE routed to every subscriber of a destination.
type outbound struct {
	Destination string
	ContentType string
	Body        []byte
}

// hub tracks peers and routes published messages to the rooms of their
// destinations. A room maps each subscribed peer to its subscription ids.
type hub struct {
	rooms map[string]map[*peer]map[string]struct{}
	peers map[*peer]bool

	unregister chan *peer
	broadcast  chan *outbound
	quit       chan struct{}

	mu sync.RWMutex
}

func newHub() *hub {
	return &hub{
		rooms:      make(map[string]map[*peer]map[string]struct{}),
		peers:      make(map[*peer]bool),
		unregister: make(chan *peer),
		broadcast:  make(chan *outbound, 256),
		quit:       make(chan struct{}),
	}
}

// run is the hub's main loop. Only run sends MESSAGE frames to peers, which
// keeps per-destination order.
func (h *hub) run() {
	for {
		select {
		case p := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(p)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
		peers:
			for p, ids := range h.rooms[msg.Destination] {
				for id := range ids {
					f := frame.New("MESSAGE",
						"destination", msg.Destination,
						"subscription", id,
						"message-id", uuid.NewString(),
						"content-type", msg.ContentType,
						"content-length", strconv.Itoa(len(msg.Body)),
					)
					f.Body = msg.Body

					select {
					case p.send <- f:
					default:
						// send buffer full, drop the peer
						h.removeLocked(p)
						continue peers
					}
				}
			}
			h.mu.Unlock()

		case <-h.quit:
			h.mu.Lock()
			for p := range h.peers {
				h.removeLocked(p)
			}
			h.mu.Unlock()
			return
		}
	}
}

// join registers p before its pumps start so SUBSCRIBE can never race it.
func (h *hub) join(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.quit:
		return false
	default:
	}
	h.peers[p] = true
	return true
}

func (h *hub) leave(p *peer) {
	select {
	case h.unregister <- p:
	case <-h.quit:
	}
}

func (h *hub) removeLocked(p *peer) {
	if !h.peers[p] {
		return
	}
	delete(h.peers, p)
	for dest, members := range h.rooms {
		delete(members, p)
		// clean up empty rooms
		if len(members) == 0 {
			delete(h.rooms, dest)
		}
	}
	close(p.send)
}

func (h *hub) subscribe(p *peer, id, destination string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.peers[p] {
		return
	}
	if h.rooms[destination] == nil {
		h.rooms[destination] = make(map[*peer]map[string]struct{})
	}
	if h.rooms[destination][p] == nil {
		h.rooms[destination][p] = make(map[string]struct{})
	}
	h.rooms[destination][p][id] = struct{}{}
}

func (h *hub) unsubscribe(p *peer, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for dest, members := range h.rooms {
		ids, ok := members[p]
		if !ok {
			continue
		}
		delete(ids, id)
		if len(ids) == 0 {
			delete(members, p)
		}
		if len(members) == 0 {
			delete(h.rooms, dest)
		}
	}
}

// subscriptions counts subscription ids on destination across all peers.
func (h *hub) subscriptions(destination string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, ids := range h.rooms[destination] {
		n += len(ids)
	}
	return n
}

func (h *hub) live() []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		out = append(out, p)
	}
	return out
}

func (h *hub) publish(msg *outbound) {
	select {
	case h.broadcast <- msg:
	case <-h.quit:
	}
}
