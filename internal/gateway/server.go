// Package gateway exposes the daemon to local surfaces over a Unix
// domain socket. Surfaces connect with a websocket, issue commands and
// receive pushed state; the daemon holds the single upstream connection
// and fans events out to however many surfaces are attached.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulsehq/pulse/internal/bus"
	"github.com/pulsehq/pulse/internal/feed"
	"github.com/pulsehq/pulse/internal/realtime"
	"github.com/pulsehq/pulse/internal/room"
	"github.com/pulsehq/pulse/internal/snapshot"
	"github.com/pulsehq/pulse/internal/status"
	"github.com/pulsehq/pulse/internal/token"
	"github.com/pulsehq/pulse/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The socket is a local Unix domain socket; origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const clientBuffer = 32

// Server serves the gateway socket for one profile.
type Server struct {
	profile    string
	socketPath string
	bus        *bus.Bus
	session    *realtime.Session
	mux        *room.Mux
	engine     *snapshot.Engine
	loader     *feed.Loader
	tokens     *token.Source
	logger     *zap.Logger

	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	out  chan Push
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// NewServer creates a gateway bound to the profile's Unix domain socket.
func NewServer(profileName, socketPath string, b *bus.Bus, session *realtime.Session, mux *room.Mux, engine *snapshot.Engine, loader *feed.Loader, tokens *token.Source, logger *zap.Logger) (*Server, error) {
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		profile:    profileName,
		socketPath: socketPath,
		bus:        b,
		session:    session,
		mux:        mux,
		engine:     engine,
		loader:     loader,
		tokens:     tokens,
		logger:     logger.Named("gateway"),
		clients:    make(map[string]*client),
	}

	mh := http.NewServeMux()
	mh.HandleFunc("/ws", s.handleWebsocket)
	s.httpServer = &http.Server{Handler: mh}
	s.listener = listener
	return s, nil
}

// Start begins serving and fanning out bus events. It returns once the
// listener is accepting; serving continues in the background.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.fanOut(runCtx)
	go func() {
		s.logger.Info("gateway listening", zap.String("socket", s.socketPath))
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway serve", zap.Error(err))
		}
	}()
}

// Stop shuts the gateway down and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	_ = os.Remove(s.socketPath)
	s.logger.Info("gateway stopped")
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan Push, clientBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("surface attached", zap.String("client", c.id))

	// A freshly attached surface immediately learns where things stand.
	c.send(s.statusPush())

	go s.writePump(c)
	go s.readPump(c)
}

func (c *client) send(p Push) {
	select {
	case c.out <- p:
	default:
		// Slow surface, drop.
	}
}

func (s *Server) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case p := <-c.out:
			if err := c.conn.WriteJSON(p); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.detach(c)
		_ = c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("surface read", zap.Error(err))
			}
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(noticePush("malformed request"))
			continue
		}
		s.handleRequest(c, req)
	}
}

func (s *Server) detach(c *client) {
	c.close()
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.logger.Info("surface detached", zap.String("client", c.id))
}

func (s *Server) handleRequest(c *client, req Request) {
	switch req.Op {
	case OpJoin:
		if err := s.mux.Join(req.Room); err != nil {
			c.send(noticePush(err.Error()))
			return
		}
		// Cached state is shown right away; a fresh snapshot follows
		// whenever the server sends one.
		if comments := s.engine.Visible(req.Room); comments != nil {
			seq, _ := s.engine.LastSeq(req.Room)
			c.send(snapshotPush(req.Room, seq, comments))
		}
	case OpLeave:
		s.mux.Leave(req.Room)
	case OpSend:
		if err := s.mux.SendComment(req.Room, req.Text); err != nil {
			c.send(noticePush(err.Error()))
		}
	case OpLoadMore:
		go func() {
			_ = s.loader.LoadMore(context.Background())
		}()
	case OpLoadReset:
		s.loader.Reset(req.Query)
		go func() {
			_ = s.loader.LoadMore(context.Background())
		}()
	case OpLogin:
		if req.Token == "" {
			c.send(noticePush("login requires a token"))
			return
		}
		s.tokens.Set(req.Token)
		c.send(s.statusPush())
	case OpLogout:
		s.tokens.Clear()
		c.send(s.statusPush())
	case OpStatus:
		c.send(s.statusPush())
	default:
		c.send(noticePush("unknown op: " + req.Op))
	}
}

// fanOut translates bus events into pushes for every attached surface.
func (s *Server) fanOut(ctx context.Context) {
	states, unsubStates := s.bus.Subscribe("conn.state_changed", 16)
	defer unsubStates()
	applied, unsubApplied := s.bus.Subscribe("room.snapshot_applied", 16)
	defer unsubApplied()
	pages, unsubPages := s.bus.Subscribe("feed.", 16)
	defer unsubPages()
	errors, unsubErrors := s.bus.Subscribe("rt.error", 16)
	defer unsubErrors()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-states:
			change, ok := ev.Payload.(status.Change)
			if !ok {
				continue
			}
			// Only the session's active connection is surfaced.
			m := s.session.Manager()
			if m == nil || m.ID() != change.ConnID {
				continue
			}
			s.broadcast(Push{Type: TypeState, State: &StateBody{State: string(change.To)}})
		case ev := <-applied:
			a, ok := ev.Payload.(snapshot.Applied)
			if !ok {
				continue
			}
			comments := s.engine.Visible(a.RoomID)
			if comments == nil {
				comments = []wire.Comment{}
			}
			s.broadcast(snapshotPush(a.RoomID, a.Seq, comments))
		case ev := <-pages:
			switch p := ev.Payload.(type) {
			case feed.PageLoaded:
				acc := s.loader.Accumulator()
				s.broadcast(Push{Type: TypeFeed, Feed: &FeedBody{
					Items:     acc.Items(),
					Total:     p.Total,
					HasMore:   p.HasMore,
					Remaining: p.Remaining,
				}})
			case feed.LoadFailed:
				s.broadcast(noticePush("couldn't load more conversations: " + p.Message))
			}
		case ev := <-errors:
			srvErr, ok := ev.Payload.(*wire.ServerError)
			if !ok {
				continue
			}
			s.broadcast(noticePush(srvErr.Message))
		}
	}
}

func (s *Server) broadcast(p Push) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.send(p)
	}
}

func (s *Server) statusPush() Push {
	state := status.Idle
	if m := s.session.Manager(); m != nil {
		state = m.State()
	}
	rooms := []string{}
	for _, b := range s.mux.Rooms() {
		rooms = append(rooms, b.RoomID)
	}
	return Push{Type: TypeStatus, Status: &StatusBody{
		Profile:       s.profile,
		State:         string(state),
		Authenticated: s.tokens.Current() != "",
		Rooms:         rooms,
	}}
}

func snapshotPush(roomID string, seq uint64, comments []wire.Comment) Push {
	return Push{Type: TypeSnapshot, Snapshot: &SnapshotBody{
		Room:     roomID,
		Seq:      seq,
		Comments: comments,
	}}
}

func noticePush(message string) Push {
	return Push{Type: TypeNotice, Notice: &NoticeBody{Message: message}}
}
