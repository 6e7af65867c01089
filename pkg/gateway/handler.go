package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/metrics"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/notify"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/push"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/store"
)

const (
	// maxLoadLimit bounds a single load-older page.
	maxLoadLimit = 200

	defaultPublishTimeout = 2 * time.Second
)

type RoomWriter interface {
	Add(ctx context.Context, msgs ...model.Message) (int64, error)
}

type MemberCache interface {
	Get(ctx context.Context, roomID int64) ([]int64, error)
	Contains(ctx context.Context, roomID, userID int64) (bool, error)
	Refresh(ctx context.Context, roomID int64) ([]int64, error)
}

type TokenCache interface {
	Invalidate(ctx context.Context, userID int64) error
}

type HistoryReader interface {
	Older(ctx context.Context, ref model.Message, n int) ([]model.Message, error)
	Since(ctx context.Context, roomID int64, ref *model.Message, all bool) ([]model.Message, error)
}

type Notifier interface {
	DispatchAsync(roomID, excludeUserID int64, n push.Notification)
}

type FlushTrigger interface {
	Trigger(roomID int64)
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Rooms       RoomWriter
	Members     MemberCache
	Tokens      TokenCache
	Directory   store.Directory
	History     HistoryReader
	Notifier    Notifier
	Flusher     FlushTrigger
	Broadcaster Broadcaster
	Hub         *Hub
	Presence    *Presence
	Logger      zerolog.Logger

	// Now stamps new messages; defaults to time.Now.
	Now func() time.Time
	// PublishTimeout bounds a broadcast inside a request.
	PublishTimeout time.Duration
}

// Handler serves the request frames of every connection.
type Handler struct {
	Deps
	logger zerolog.Logger
}

func NewHandler(deps Deps) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.PublishTimeout <= 0 {
		deps.PublishTimeout = defaultPublishTimeout
	}
	return &Handler{
		Deps:   deps,
		logger: deps.Logger.With().Str("component", "handler").Logger(),
	}
}

// Handle runs one request and builds its response. It never fails: errors
// become failure responses and the connection stays usable.
func (h *Handler) Handle(ctx context.Context, c *Client, req Request) Response {
	var (
		data any
		err  error
	)

	if req.Event != EventLogin && c.UserID() == 0 {
		return h.fail(c, req, model.Errorf(model.KindForbidden, req.Event, "login required"))
	}

	switch req.Event {
	case EventLogin:
		data, err = h.login(ctx, c, req.Payload)
	case EventLogout:
		err = h.logout(c)
	case EventChat:
		data, err = h.chat(ctx, c, req.Payload)
	case EventLoadOlder:
		data, err = h.loadOlder(ctx, c, req.Payload)
	case EventUnreadSince:
		data, err = h.unreadSince(ctx, c, req.Payload)
	case EventJoin:
		data, err = h.join(ctx, c, req.Payload)
	case EventLeave:
		data, err = h.leave(ctx, c, req.Payload)
	case EventRegisterToken:
		err = h.registerToken(ctx, c, req.Payload)
	default:
		err = model.Errorf(model.KindValidation, "dispatch", "unknown event %q", req.Event)
	}

	if err != nil {
		return h.fail(c, req, err)
	}
	return Response{ID: req.ID, Event: req.Event, Success: true, Data: data}
}

func (h *Handler) fail(c *Client, req Request, err error) Response {
	ev := h.logger.Debug()
	switch model.KindOf(err) {
	case model.KindUnavailable, model.KindInternal:
		ev = h.logger.Error()
	}
	ev.Err(err).Str("conn_id", c.id).Int64("user_id", c.UserID()).Str("event", req.Event).Msg("request failed")
	return errorResponse(req, err)
}

func errorResponse(req Request, err error) Response {
	kind := model.KindOf(err)
	msg := err.Error()
	switch kind {
	case model.KindUnavailable:
		msg = "service temporarily unavailable"
	case model.KindInternal:
		msg = "internal error"
	}
	return Response{
		ID:      req.ID,
		Event:   req.Event,
		Success: false,
		Error:   &ErrorBody{Kind: kind, Message: msg},
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return model.Errorf(model.KindValidation, "decode payload", "payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return model.Wrap(model.KindValidation, "decode payload", err)
	}
	return nil
}

func (h *Handler) login(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	const op = "login"

	var p loginPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.UserID <= 0 {
		return nil, model.Errorf(model.KindValidation, op, "userId is required")
	}
	if p.UserID != c.authUser {
		return nil, model.Errorf(model.KindForbidden, op, "token does not belong to user %d", p.UserID)
	}

	rooms, err := h.Directory.UserRooms(ctx, p.UserID)
	if err != nil {
		return nil, model.Wrap(model.KindUnavailable, op, err)
	}
	for _, room := range rooms {
		if _, err := h.Members.Refresh(ctx, room); err != nil {
			return nil, model.Wrap(model.KindUnavailable, op, err)
		}
	}

	if !h.Hub.Attach(c, p.UserID, rooms...) {
		return nil, model.Errorf(model.KindUnavailable, op, "connection %s is closed", c.id)
	}

	h.logger.Info().Int64("user_id", p.UserID).Str("conn_id", c.id).Int("rooms", len(rooms)).Msg("user logged in")
	return loginResult{UserID: p.UserID, Rooms: rooms}, nil
}

func (h *Handler) logout(c *Client) error {
	h.Hub.UnsubscribeAll(c)
	h.Presence.Release(c.id)
	c.bind(0)
	return nil
}

func (h *Handler) ensureMember(ctx context.Context, op string, roomID, userID int64) error {
	if roomID <= 0 {
		return model.Errorf(model.KindValidation, op, "roomId is required")
	}
	ok, err := h.Members.Contains(ctx, roomID, userID)
	if err != nil {
		return model.Wrap(model.KindUnavailable, op, err)
	}
	if !ok {
		return model.Errorf(model.KindForbidden, op, "user %d is not a member of room %d", userID, roomID)
	}
	return nil
}

func (h *Handler) chat(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	const op = "chat"

	var p chatPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	user := c.UserID()
	if p.SenderID != user {
		return nil, model.Errorf(model.KindForbidden, op, "cannot send as user %d", p.SenderID)
	}
	if err := h.ensureMember(ctx, op, p.RoomID, user); err != nil {
		return nil, err
	}

	m := model.Message{
		RoomID:    p.RoomID,
		SenderID:  p.SenderID,
		Body:      p.Body,
		Timestamp: h.Now().UnixMilli(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	added, err := h.Rooms.Add(ctx, m)
	if err != nil {
		return nil, model.Wrap(model.KindUnavailable, op, err)
	}
	if added == 0 {
		metrics.DuplicateMessages.Inc()
		return chatResult{Message: m, Duplicate: true}, nil
	}
	metrics.MessagesSent.Inc()

	h.broadcast(ctx, p.RoomID, c.id, Push{Event: PushChat, Data: m})
	h.Notifier.DispatchAsync(p.RoomID, user, notify.ChatMessage(m))
	h.Flusher.Trigger(p.RoomID)

	return chatResult{Message: m}, nil
}

// broadcast failures are logged only: the message is already cached and
// recipients catch up through unread-since.
func (h *Handler) broadcast(ctx context.Context, roomID int64, excludeConn string, push Push) {
	env, err := newEnvelope(roomID, excludeConn, push)
	if err == nil {
		pubCtx, cancel := context.WithTimeout(ctx, h.PublishTimeout)
		err = h.Broadcaster.Publish(pubCtx, env)
		cancel()
	}
	if err != nil {
		h.logger.Warn().Err(err).Int64("room_id", roomID).Str("event", push.Event).Msg("broadcast failed")
	}
}

func (h *Handler) loadOlder(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	const op = "load older"

	var p loadOlderPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Message == nil {
		return nil, model.Errorf(model.KindValidation, op, "message is required")
	}
	if p.Limit < 0 {
		return nil, model.Errorf(model.KindValidation, op, "limit must not be negative")
	}
	if err := h.ensureMember(ctx, op, p.Message.RoomID, c.UserID()); err != nil {
		return nil, err
	}

	msgs, err := h.History.Older(ctx, *p.Message, min(p.Limit, maxLoadLimit))
	if err != nil {
		return nil, err
	}
	return messagesResult{Messages: msgs}, nil
}

func (h *Handler) unreadSince(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	const op = "unread since"

	var p unreadSincePayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	room := p.RoomID
	if room == 0 && p.Message != nil {
		room = p.Message.RoomID
	}
	if err := h.ensureMember(ctx, op, room, c.UserID()); err != nil {
		return nil, err
	}

	msgs, err := h.History.Since(ctx, room, p.Message, p.RequestAll)
	if err != nil {
		return nil, err
	}
	return messagesResult{Messages: msgs}, nil
}

func (h *Handler) join(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	const op = "join"

	var p roomPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.RoomID <= 0 {
		return nil, model.Errorf(model.KindValidation, op, "roomId is required")
	}
	user := c.UserID()

	if err := h.Directory.AddMember(ctx, p.RoomID, user); err != nil {
		return nil, model.Wrap(model.KindUnavailable, op, err)
	}
	members, err := h.Members.Refresh(ctx, p.RoomID)
	if err != nil {
		return nil, model.Wrap(model.KindUnavailable, op, err)
	}
	if !h.Hub.Attach(c, user, p.RoomID) {
		return nil, model.Errorf(model.KindUnavailable, op, "connection %s is closed", c.id)
	}

	h.roomEvent(ctx, c, notify.EventJoin, p.RoomID)
	return roomResult{RoomID: p.RoomID, Members: members}, nil
}

func (h *Handler) leave(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	const op = "leave"

	var p roomPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.RoomID <= 0 {
		return nil, model.Errorf(model.KindValidation, op, "roomId is required")
	}
	user := c.UserID()

	if err := h.Directory.RemoveMember(ctx, p.RoomID, user); err != nil {
		return nil, model.Wrap(model.KindUnavailable, op, err)
	}
	members, err := h.Members.Refresh(ctx, p.RoomID)
	if err != nil {
		return nil, model.Wrap(model.KindUnavailable, op, err)
	}
	h.Hub.Unsubscribe(c, p.RoomID)

	h.roomEvent(ctx, c, notify.EventLeave, p.RoomID)
	return roomResult{RoomID: p.RoomID, Members: members}, nil
}

func (h *Handler) roomEvent(ctx context.Context, c *Client, kind notify.EventKind, roomID int64) {
	user := c.UserID()
	h.broadcast(ctx, roomID, c.id, Push{
		Event: PushRoom,
		Data:  RoomNotice{Kind: string(kind), RoomID: roomID, UserID: user},
	})
	h.Notifier.DispatchAsync(roomID, user, notify.RoomEvent(kind, roomID, user))
}

func (h *Handler) registerToken(ctx context.Context, c *Client, raw json.RawMessage) error {
	const op = "register token"

	var p registerTokenPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	p.Token = strings.TrimSpace(p.Token)
	if p.Token == "" {
		return model.Errorf(model.KindValidation, op, "token is required")
	}
	if !p.Platform.Valid() {
		return model.Errorf(model.KindValidation, op, "unsupported platform %q", p.Platform)
	}

	user := c.UserID()
	if err := h.Directory.SaveToken(ctx, model.PushToken{UserID: user, Token: p.Token, Platform: p.Platform}); err != nil {
		return model.Wrap(model.KindUnavailable, op, err)
	}
	if err := h.Tokens.Invalidate(ctx, user); err != nil {
		return model.Wrap(model.KindUnavailable, op, err)
	}
	return nil
}
