package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/gateway"
	"github.com/runwayhq/runway/pkg/recordstore"
	"github.com/runwayhq/runway/pkg/schema"
	"github.com/runwayhq/runway/pkg/types"
)

// Collections used by the inbox
const (
	CollectionRooms    = "chatRooms"
	CollectionMessages = "messages"
)

// ErrUnknownRoom is returned when acting on a room the user is not a
// member of
var ErrUnknownRoom = errors.New("unknown chat room")

// Subscriber opens live record subscriptions. *recordstore.Client
// implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, collection string, order types.OrderSpec, handler recordstore.Handler) (*recordstore.Subscription, error)
}

// Deps are the collaborators of an Inbox
type Deps struct {
	Client   Subscriber
	Gateway  gateway.Gateway
	Schemas  *schema.Registry
	Notifier types.Notifier
	Logger   zerolog.Logger
	Session  types.Session
}

// Summary describes one room in the inbox list
type Summary struct {
	RoomID       string        `json:"roomId"`
	Name         string        `json:"name"`
	LastMessage  *types.Record `json:"lastMessage,omitempty"`
	LastActivity time.Time     `json:"lastActivity"`
	Unread       int           `json:"unread"`
}

// Inbox follows the rooms a user belongs to and the messages of each. The
// room list is a parent subscription; every room gets its own child
// subscription on messages, owned by a Group.
type Inbox struct {
	client   Subscriber
	gw       gateway.Gateway
	rooms    *schema.Schema
	messages *schema.Schema
	notifier types.Notifier
	logger   zerolog.Logger
	session  types.Session

	group *Group

	lifeMu sync.Mutex
	ctx    context.Context
	parent *recordstore.Subscription

	mu       sync.RWMutex
	roomRecs map[string]types.Record
	msgs     map[string][]types.Record
	seen     map[string]bool
	primed   map[string]bool
	storeErr *types.StoreError
}

// NewInbox creates an inbox for deps.Session. It does not subscribe until
// Open.
func NewInbox(deps Deps) (*Inbox, error) {
	if deps.Client == nil || deps.Gateway == nil || deps.Schemas == nil {
		return nil, fmt.Errorf("client, gateway and schemas are required")
	}
	if deps.Session.Anonymous() {
		return nil, fmt.Errorf("chat requires an authenticated session")
	}
	rooms, ok := deps.Schemas.Get(CollectionRooms)
	if !ok {
		return nil, fmt.Errorf("no schema for %s", CollectionRooms)
	}
	messages, ok := deps.Schemas.Get(CollectionMessages)
	if !ok {
		return nil, fmt.Errorf("no schema for %s", CollectionMessages)
	}
	if deps.Notifier == nil {
		deps.Notifier = types.NotifierFunc(func(types.Notice) {})
	}

	return &Inbox{
		client:   deps.Client,
		gw:       deps.Gateway,
		rooms:    rooms,
		messages: messages,
		notifier: deps.Notifier,
		logger:   deps.Logger.With().Str("component", "chat").Str("user_id", deps.Session.UserID).Logger(),
		session:  deps.Session,
		group:    NewGroup(),
		roomRecs: make(map[string]types.Record),
		msgs:     make(map[string][]types.Record),
		seen:     make(map[string]bool),
		primed:   make(map[string]bool),
	}, nil
}

// Open subscribes to the room list. Room subscriptions follow as rooms
// arrive.
func (in *Inbox) Open(ctx context.Context) error {
	in.lifeMu.Lock()
	defer in.lifeMu.Unlock()

	if in.parent != nil {
		return nil
	}
	in.ctx = ctx
	sub, err := in.client.Subscribe(ctx, CollectionRooms, in.rooms.Sort, in.onRooms)
	if err != nil {
		return fmt.Errorf("failed to subscribe to rooms: %w", err)
	}
	in.parent = sub
	return nil
}

// Close tears down the room subscription and then every message
// subscription
func (in *Inbox) Close() {
	in.lifeMu.Lock()
	parent := in.parent
	in.parent = nil
	in.lifeMu.Unlock()

	if parent != nil {
		parent.Unsubscribe()
	}
	in.group.Close()
}

// StoreErr returns the last room subscription error, cleared by the next
// room list
func (in *Inbox) StoreErr() *types.StoreError {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.storeErr
}

func (in *Inbox) onRooms(u recordstore.Update) {
	if u.Err != nil {
		// children keep running; they report their own failures
		in.mu.Lock()
		in.storeErr = u.Err
		in.mu.Unlock()
		in.logger.Warn().Err(u.Err).Msg("Room subscription failed")
		return
	}

	mine := make(map[string]types.Record)
	ids := make([]string, 0, len(u.Set.Records))
	for _, r := range u.Set.Records {
		if isMember(r, in.session.UserID) {
			mine[r.ID] = r
			ids = append(ids, r.ID)
		}
	}

	in.mu.Lock()
	in.roomRecs = mine
	in.storeErr = nil
	in.mu.Unlock()

	removed, err := in.group.Sync(ids, in.openRoom)
	if err != nil {
		in.logger.Warn().Err(err).Msg("Failed to follow room")
	}
	if len(removed) > 0 {
		in.mu.Lock()
		for _, id := range removed {
			for _, m := range in.msgs[id] {
				delete(in.seen, m.ID)
			}
			delete(in.msgs, id)
			delete(in.primed, id)
		}
		in.mu.Unlock()
	}
}

func isMember(room types.Record, userID string) bool {
	for _, m := range types.Strings(room.Field("members")) {
		if m == userID {
			return true
		}
	}
	return false
}

func (in *Inbox) openRoom(roomID string) (Child, error) {
	sub, err := in.client.Subscribe(in.ctx, CollectionMessages, in.messages.Sort, func(u recordstore.Update) {
		in.onMessages(roomID, u)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (in *Inbox) onMessages(roomID string, u recordstore.Update) {
	if u.Err != nil {
		in.logger.Warn().Err(u.Err).Str("room_id", roomID).Msg("Message subscription failed")
		return
	}

	var msgs []types.Record
	for _, r := range u.Set.Records {
		if types.Stringify(r.Field("roomId")) == roomID {
			msgs = append(msgs, r)
		}
	}

	var fresh []types.Record
	in.mu.Lock()
	if _, ok := in.roomRecs[roomID]; !ok {
		in.mu.Unlock()
		return
	}
	primed := in.primed[roomID]
	for _, m := range msgs {
		if in.seen[m.ID] {
			continue
		}
		in.seen[m.ID] = true
		if primed && types.Stringify(m.Field("senderId")) != in.session.UserID {
			fresh = append(fresh, m)
		}
	}
	in.msgs[roomID] = msgs
	in.primed[roomID] = true
	roomName := types.Stringify(in.roomRecs[roomID].Field("name"))
	in.mu.Unlock()

	for _, m := range fresh {
		in.notifier.Notify(types.Notice{
			Level:      types.NoticeInfo,
			Collection: CollectionMessages,
			RecordID:   m.ID,
			Title:      "New message in " + roomName,
			Message:    truncate(types.Stringify(m.Field("text")), 80),
		})
	}
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

// Rooms returns the ids of the rooms being followed
func (in *Inbox) Rooms() []string {
	return in.group.Keys()
}

// Messages returns a room's messages in send order
func (in *Inbox) Messages(roomID string) []types.Record {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return append([]types.Record(nil), in.msgs[roomID]...)
}

// Summaries lists the user's rooms with their last message and unread
// count, most recently active first
func (in *Inbox) Summaries() []Summary {
	in.mu.RLock()
	defer in.mu.RUnlock()

	out := make([]Summary, 0, len(in.roomRecs))
	for id, room := range in.roomRecs {
		s := Summary{
			RoomID:       id,
			Name:         types.Stringify(room.Field("name")),
			LastActivity: room.UpdatedAt,
		}
		if s.LastActivity.IsZero() {
			s.LastActivity = room.CreatedAt
		}
		msgs := in.msgs[id]
		if len(msgs) > 0 {
			last := lastByTime(msgs)
			s.LastMessage = &last
			if last.CreatedAt.After(s.LastActivity) {
				s.LastActivity = last.CreatedAt
			}
		}
		for _, m := range msgs {
			if in.unread(m) {
				s.Unread++
			}
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

func lastByTime(msgs []types.Record) types.Record {
	last := msgs[0]
	for _, m := range msgs[1:] {
		if !m.CreatedAt.Before(last.CreatedAt) {
			last = m
		}
	}
	return last.Clone()
}

// unread reports whether m came from someone else and the user has not
// read it
func (in *Inbox) unread(m types.Record) bool {
	if types.Stringify(m.Field("senderId")) == in.session.UserID {
		return false
	}
	for _, r := range types.Strings(m.Field("readBy")) {
		if r == in.session.UserID {
			return false
		}
	}
	return true
}

// Send posts a message to a room the user belongs to
func (in *Inbox) Send(ctx context.Context, roomID, text string) (string, error) {
	in.mu.RLock()
	_, ok := in.roomRecs[roomID]
	in.mu.RUnlock()
	if !ok {
		return "", ErrUnknownRoom
	}

	input := map[string]any{
		"roomId":   roomID,
		"text":     text,
		"senderId": in.session.UserID,
		"readBy":   []any{in.session.UserID},
	}
	if err := in.messages.Validate(input, false); err != nil {
		return "", err
	}

	res, err := in.gw.Create(ctx, in.session, CollectionMessages, "", input)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	if err := res.Check(); err != nil {
		return "", err
	}
	if err := res.Err(gateway.OpCreate, CollectionMessages, ""); err != nil {
		return "", err
	}
	return types.Stringify(res.Data[types.ColumnID]), nil
}

// MarkRead adds the user to readBy on every unread message of a room.
// Messages are updated one by one; a failure does not stop the rest and
// the first error is returned.
func (in *Inbox) MarkRead(ctx context.Context, roomID string) error {
	in.mu.RLock()
	_, ok := in.roomRecs[roomID]
	var pending []types.Record
	for _, m := range in.msgs[roomID] {
		if in.unread(m) {
			pending = append(pending, m.Clone())
		}
	}
	in.mu.RUnlock()
	if !ok {
		return ErrUnknownRoom
	}

	var firstErr error
	for _, m := range pending {
		readBy := append(types.Strings(m.Field("readBy")), in.session.UserID)
		list := make([]any, len(readBy))
		for i, r := range readBy {
			list[i] = r
		}

		res, err := in.gw.Update(ctx, in.session, CollectionMessages, m.ID, map[string]any{"readBy": list})
		if err == nil {
			if err = res.Check(); err == nil {
				err = res.Err(gateway.OpUpdate, CollectionMessages, m.ID)
			}
		}
		if err != nil {
			in.logger.Warn().Err(err).Str("record_id", m.ID).Msg("Failed to mark message read")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
