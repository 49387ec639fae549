package server

import (
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// Maximum message size allowed from client.
	maxMessageSize = 512
)

// envelope is the wire form of a client message.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// coordinates uses pointers so a missing or non-numeric field is
// distinguishable from zero and rejected as invalid input.
type coordinates struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// ServeWebSocket upgrades the request and runs the connection against the
// broker until either side closes.
func ServeWebSocket(w http.ResponseWriter, r *http.Request, srv *Server, upgrader websocket.Upgrader) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response
		log.Printf("[socket] upgrade failed: %v", err)
		return
	}

	c := NewConn(remoteAddr(r), r.UserAgent())

	s := &stream{
		ws:   ws,
		conn: c,
		srv:  srv,
	}
	s.run(r)
}

// remoteAddr prefers the X-Forwarded-For client when running behind a proxy.
func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type stream struct {
	ws   *websocket.Conn
	conn *Conn
	srv  *Server
}

func (s *stream) run(r *http.Request) {
	defer func() {
		s.ws.Close()
		// single place the departure notice comes from
		s.srv.Disconnect(s.conn.ID)
	}()

	s.srv.Connect(s.conn)

	done := make(chan bool)

	wg := sync.WaitGroup{}
	wg.Add(1)

	go s.writeLoop(&wg, done, r)
	s.readLoop()

	close(done)
	wg.Wait()
}

// readLoop consumes client events in order, so one connection's updates are
// processed in the sequence they were sent.
func (s *stream) readLoop() {
	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error { s.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, msg, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[socket] %s read: %v", s.conn.ID, err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Printf("[socket] %s bad frame: %v", s.conn.ID, err)
			continue
		}

		switch env.Event {
		case "send-location":
			s.location(env.Data)
		default:
			log.Printf("[socket] %s unknown event %q", s.conn.ID, env.Event)
		}
	}
}

func (s *stream) location(data json.RawMessage) {
	// nothing past this point may take the process down
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[socket] %s location dispatch panic: %v", s.conn.ID, r)
			s.srv.send(s.conn, &Event{Event: "error", Data: Failure{Message: ErrProcessing}})
		}
	}()

	var c coordinates
	if err := json.Unmarshal(data, &c); err != nil || c.Latitude == nil || c.Longitude == nil {
		s.srv.send(s.conn, &Event{Event: "error", Data: Failure{Message: ErrInvalidData}})
		return
	}

	s.srv.Location(s.conn.ID, *c.Latitude, *c.Longitude)
}

// writeLoop pushes broker events to the client and keeps the connection
// alive with pings.
func (s *stream) writeLoop(wg *sync.WaitGroup, done chan bool, r *http.Request) {
	defer func() {
		s.ws.Close()
		wg.Done()
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-s.conn.Kill:
			s.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e := <-s.conn.Events:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			b, err := json.Marshal(e)
			if err != nil {
				log.Printf("[socket] %s marshal: %v", s.conn.ID, err)
				continue
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}
