package network

import "sync"

// MaxMessageSize is the largest message any transport accepts.
const MaxMessageSize = 512 * 1024

// PollGroup receives from many connections as one source. Receive visits
// connections round-robin so a busy peer cannot starve the others.
type PollGroup struct {
	mu    sync.Mutex
	conns []Connection
	next  int
}

// NewPollGroup creates an empty PollGroup.
func NewPollGroup() *PollGroup {
	return &PollGroup{}
}

// Attach adds conn to the group. Attaching twice is a no-op.
func (g *PollGroup) Attach(conn Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, c := range g.conns {
		if c == conn {
			return
		}
	}
	g.conns = append(g.conns, conn)
}

// Detach removes conn from the group.
func (g *PollGroup) Detach(conn Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, c := range g.conns {
		if c == conn {
			g.conns = append(g.conns[:i], g.conns[i+1:]...)
			if g.next > i {
				g.next--
			}
			return
		}
	}
}

// Len returns the number of attached connections.
func (g *PollGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Receive returns up to max messages from the attached connections.
func (g *PollGroup) Receive(max int) []Message {
	g.mu.Lock()
	conns := make([]Connection, len(g.conns))
	copy(conns, g.conns)
	start := g.next
	g.mu.Unlock()

	if len(conns) == 0 || max <= 0 {
		return nil
	}
	if start >= len(conns) {
		start = 0
	}

	var out []Message
	for remaining := max; remaining > 0; {
		share := remaining / len(conns)
		if share == 0 {
			share = 1
		}

		progress := false
		for i := 0; i < len(conns) && remaining > 0; i++ {
			conn := conns[(start+i)%len(conns)]
			n := share
			if n > remaining {
				n = remaining
			}
			batch := conn.Receive(n)
			if len(batch) > 0 {
				progress = true
				out = append(out, batch...)
				remaining -= len(batch)
			}
		}
		if !progress {
			break
		}
	}

	g.mu.Lock()
	if len(g.conns) > 0 {
		g.next = (start + 1) % len(g.conns)
	}
	g.mu.Unlock()

	return out
}

// CloseAll ends and detaches every connection.
func (g *PollGroup) CloseAll(reason EndReason, debug string) {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.next = 0
	g.mu.Unlock()

	for _, c := range conns {
		c.Close(reason, debug, false)
	}
}
