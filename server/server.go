// Package server implements the live location broker.
//
// Connections are observers of a single shared space: every accepted update
// fans out to all of them, a new joiner is seeded with everyone else's latest
// position, and a departure is announced once. Persistence rides behind a
// bounded queue and never holds up the fan-out.
package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"livetrack.dev/geo"
	"livetrack.dev/store"
)

const (
	// Error messages sent to the offending client only.
	ErrRateLimited = "Rate limit exceeded. Please slow down."
	ErrInvalidData = "Invalid location data"
	ErrProcessing  = "Server error processing location"

	// Per-connection event buffer. Slow readers drop events rather than
	// stalling the broadcast; clients redraw from the latest coordinate.
	eventBuffer = 64

	// Pending writes before persistence starts shedding records.
	writeBuffer = 256
)

// Event is one message on the live channel.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Position carries a connection's coordinates on the wire.
type Position struct {
	ID        string  `json:"id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Departure announces a connection leaving.
type Departure struct {
	ID string `json:"id"`
}

// Failure is a unicast error to the sender.
type Failure struct {
	Message string `json:"message"`
}

// Conn is one live connection. It exists from Connect to Disconnect; the id
// is never reused (a reconnecting browser gets a fresh one).
type Conn struct {
	ID         string
	RemoteAddr string
	UserAgent  string

	// Events delivers broadcasts to this connection's writer loop.
	Events chan *Event
	// Kill tells the transport to close the connection.
	Kill chan bool

	// latest accepted position, nil until the first update. Guarded by the
	// server mutex along with the registry itself.
	latest *Position
}

// NewConn creates a connection with a fresh id.
func NewConn(remoteAddr, userAgent string) *Conn {
	return &Conn{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
		Events:     make(chan *Event, eventBuffer),
		Kill:       make(chan bool),
	}
}

// Server is the broker. The registry and limiter are owned here and live and
// die with the server, so tests get a clean world per instance.
type Server struct {
	limiter *geo.Limiter
	store   *store.Store
	writes  chan store.Location

	mtx   sync.RWMutex
	conns map[string]*Conn
}

// New creates a broker. The store may be nil, which disables persistence but
// leaves the live channel fully functional.
func New(st *store.Store, limiter *geo.Limiter) *Server {
	return &Server{
		limiter: limiter,
		store:   st,
		writes:  make(chan store.Location, writeBuffer),
		conns:   make(map[string]*Conn),
	}
}

// Connect registers a connection and seeds it with the latest position of
// every other connection.
func (s *Server) Connect(c *Conn) {
	s.mtx.Lock()
	s.conns[c.ID] = c

	var seed []*Position
	for id, other := range s.conns {
		if id == c.ID || other.latest == nil {
			continue
		}
		seed = append(seed, other.latest)
	}
	s.mtx.Unlock()

	for _, p := range seed {
		s.send(c, &Event{Event: "receive-location", Data: *p})
	}

	log.Printf("[server] connected %s from %s (%d active)", c.ID, c.RemoteAddr, s.Active())
}

// Disconnect removes a connection, drops its limiter window and announces
// the departure to everyone left. Calling it twice for the same id is a
// no-op, so the transport close path can't double-announce.
func (s *Server) Disconnect(id string) {
	s.mtx.Lock()
	_, ok := s.conns[id]
	delete(s.conns, id)
	s.mtx.Unlock()

	if !ok {
		return
	}

	s.limiter.Forget(id)
	s.Broadcast(&Event{Event: "user-disconnected", Data: Departure{ID: id}})

	log.Printf("[server] disconnected %s (%d active)", id, s.Active())
}

// Location runs one update through the pipeline: rate limit, validate,
// update registry, enqueue persistence, fan out. Rejections go back to the
// sender only and touch nothing else.
func (s *Server) Location(id string, lat, lon float64) {
	s.mtx.RLock()
	c, ok := s.conns[id]
	s.mtx.RUnlock()
	if !ok {
		log.Printf("[server] location from unknown connection %s", id)
		return
	}

	if !s.limiter.Admit(id, time.Now()) {
		s.send(c, &Event{Event: "error", Data: Failure{Message: ErrRateLimited}})
		return
	}

	if !geo.Valid(lat, lon) {
		s.send(c, &Event{Event: "error", Data: Failure{Message: ErrInvalidData}})
		return
	}

	pos := &Position{ID: id, Latitude: lat, Longitude: lon}

	s.mtx.Lock()
	c.latest = pos
	s.mtx.Unlock()

	// Best effort: a full queue sheds the record instead of blocking the
	// broadcast. The registry keeps the position either way.
	if s.store != nil {
		select {
		case s.writes <- store.Location{
			ConnectionID: id,
			Latitude:     lat,
			Longitude:    lon,
			IPAddress:    c.RemoteAddr,
			UserAgent:    c.UserAgent,
		}:
		default:
			log.Printf("[server] persist queue full, dropping record for %s", id)
		}
	}

	s.Broadcast(&Event{Event: "receive-location", Data: *pos})
}

// Broadcast delivers an event to every connection. Sends never block; a
// connection that can't keep up misses events.
func (s *Server) Broadcast(e *Event) {
	s.mtx.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mtx.RUnlock()

	for _, c := range conns {
		s.send(c, e)
	}
}

func (s *Server) send(c *Conn, e *Event) {
	select {
	case c.Events <- e:
	default:
	}
}

// Active returns the number of open connections.
func (s *Server) Active() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.conns)
}

// Tracked returns the number of connections with a known position.
func (s *Server) Tracked() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	n := 0
	for _, c := range s.conns {
		if c.latest != nil {
			n++
		}
	}
	return n
}

// Latest returns a connection's last accepted position, nil if unknown.
func (s *Server) Latest(id string) *Position {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if c, ok := s.conns[id]; ok && c.latest != nil {
		p := *c.latest
		return &p
	}
	return nil
}

// Run consumes the persist queue until ctx is cancelled, then drains what is
// already queued. Append failures are logged inside the store and swallowed
// here; the live path never hears about them.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case loc := <-s.writes:
			s.persist(loc)
		case <-ctx.Done():
			for {
				select {
				case loc := <-s.writes:
					s.persist(loc)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) persist(loc store.Location) {
	if s.store == nil {
		return
	}
	s.store.Append(loc)
}

// Close kills every live connection.
func (s *Server) Close() {
	s.mtx.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mtx.Unlock()

	for _, c := range conns {
		close(c.Kill)
	}
}
