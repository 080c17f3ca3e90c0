package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/schema"
	"github.com/runwayhq/runway/pkg/types"
	"github.com/runwayhq/runway/pkg/view"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	maxFrameSize = 8192
)

// Frame types
const (
	FrameState = "state"
	FrameView  = "view"
	FrameError = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// tokens, not cookies, authenticate the upgrade
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StateMessage is sent by a websocket client to change its view
type StateMessage struct {
	Type    string            `json:"type"`
	Filters map[string]string `json:"filters"`
	Search  string            `json:"search"`
	Sort    string            `json:"sort"`
	Dir     string            `json:"dir"`
	Page    int               `json:"page"`
	Size    int               `json:"size"`
}

// Frame is sent to websocket clients
type Frame struct {
	Type string `json:"type"`
	*ViewResponse
	Error string `json:"error,omitempty"`
}

// viewConn streams one collection's derived view to one websocket client.
// Only the write loop writes to the connection.
type viewConn struct {
	conn     *websocket.Conn
	feed     *Feed
	schema   *schema.Schema
	pageSize int
	state    view.State
	states   chan StateMessage
	done     chan struct{} // closed by readPump
	quit     chan struct{} // closed by writePump
	logger   zerolog.Logger
}

func (s *Server) wsHandler(c *gin.Context) {
	sch, ok := s.collection(c)
	if !ok {
		return
	}
	feed, err := s.hub.Feed(sch.Name, sortOf(sch))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	vc := &viewConn{
		conn:     conn,
		feed:     feed,
		schema:   sch,
		pageSize: s.cfg.PageSize,
		state:    view.NewState(sortOf(sch), s.cfg.PageSize),
		states:   make(chan StateMessage, 8),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
		logger:   s.logger.With().Str("collection", sch.Name).Str("user_id", sessionFrom(c).UserID).Logger(),
	}
	vc.logger.Debug().Msg("View stream opened")

	go vc.readPump()
	vc.writePump()
	vc.logger.Debug().Msg("View stream closed")
}

// readPump decodes state messages until the connection fails
func (vc *viewConn) readPump() {
	defer close(vc.done)

	vc.conn.SetReadLimit(maxFrameSize)
	_ = vc.conn.SetReadDeadline(time.Now().Add(pongWait))
	vc.conn.SetPongHandler(func(string) error {
		return vc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg StateMessage
		if err := vc.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				vc.logger.Debug().Err(err).Msg("Websocket read failed")
			}
			return
		}
		select {
		case vc.states <- msg:
		case <-vc.quit:
			return
		}
	}
}

func (vc *viewConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	updates, stop := vc.feed.Watch()
	defer func() {
		stop()
		ticker.Stop()
		close(vc.quit)
		_ = vc.conn.Close()
	}()

	if err := vc.push(); err != nil {
		return
	}
	for {
		var err error
		select {
		case <-updates:
			err = vc.push()
		case msg := <-vc.states:
			if msg.Type != FrameState {
				err = vc.write(Frame{Type: FrameError, Error: "unknown message type " + msg.Type})
				break
			}
			vc.state = stateFromMessage(msg, vc.schema, vc.pageSize)
			err = vc.push()
		case <-ticker.C:
			_ = vc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = vc.conn.WriteMessage(websocket.PingMessage, nil)
		case <-vc.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// push sends the current view. Nothing is sent before the first load.
func (vc *viewConn) push() error {
	set, serr := vc.feed.Current()
	if set.Seq == 0 {
		if serr == nil {
			return nil
		}
		return vc.write(Frame{Type: FrameError, Error: serr.Error()})
	}
	resp := computeView(set, serr, vc.state)
	return vc.write(Frame{Type: FrameView, ViewResponse: &resp})
}

func (vc *viewConn) write(f Frame) error {
	_ = vc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return vc.conn.WriteJSON(f)
}

// stateFromMessage builds a fresh view state from a client message. Every
// message carries the whole state.
func stateFromMessage(m StateMessage, sch *schema.Schema, pageSize int) view.State {
	st := view.NewState(sortOf(sch), pageSize)
	for field, value := range m.Filters {
		st.SetFilter(field, value)
	}
	st.SetSearch(m.Search)
	if m.Sort != "" {
		st.SetSort(m.Sort, types.SortDirection(strings.ToLower(m.Dir)))
	}
	if m.Size > 0 {
		st.SetPageSize(m.Size)
	}
	st.SetPage(m.Page)
	return st
}
