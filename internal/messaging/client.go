// Package messaging composes the repositories, the blob uploader and the change feed into the
// use cases a signed-in user performs: listing, opening, sending, starting and removing
// conversations. Each Client owns one user's Snapshot.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"property-messaging/internal/changefeed"
	"property-messaging/internal/models"
	"property-messaging/internal/observability"
	"property-messaging/internal/readstate"
	"property-messaging/internal/repositories"
	"property-messaging/internal/storage"
)

// ErrSuperseded is returned by OpenConversation when another selection replaced it before
// its messages arrived. The snapshot was left alone.
var ErrSuperseded = errors.New("superseded by a newer selection")

const maxConcurrentUploads = 4

// Auditor records completed actions.
type Auditor interface {
	Record(ctx context.Context, action, userID, conversationID string)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, string, string, string) {}

type Client struct {
	identity models.Identity
	store    repositories.Store
	uploader storage.Uploader
	notifier changefeed.Notifier
	audit    Auditor
	state    *State
	sends    *keyedLock
	tracer   trace.Tracer
	onChange func(Snapshot)
}

type Option func(*Client)

func WithNotifier(n changefeed.Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

func WithAuditor(a Auditor) Option {
	return func(c *Client) { c.audit = a }
}

// WithChangeHook is called with a copy of every new snapshot. It must not block.
func WithChangeHook(fn func(Snapshot)) Option {
	return func(c *Client) { c.onChange = fn }
}

func NewClient(identity models.Identity, store repositories.Store, uploader storage.Uploader, opts ...Option) *Client {
	c := &Client{
		identity: identity,
		store:    store,
		uploader: uploader,
		notifier: changefeed.NopNotifier{},
		audit:    nopAuditor{},
		sends:    newKeyedLock(),
		tracer:   otel.Tracer("property-messaging/messaging"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state = newState(c.onChange)
	return c
}

func (c *Client) Identity() models.Identity { return c.identity }

func (c *Client) Snapshot() Snapshot { return c.state.Snapshot() }

func (c *Client) userID() (string, error) {
	if !c.identity.Present() {
		return "", repositories.ErrNotAuthorized
	}
	return c.identity.ID, nil
}

func (c *Client) span(ctx context.Context, name, conversationID string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("messaging.user_id", c.identity.ID))
	if conversationID != "" {
		span.SetAttributes(attribute.String("messaging.conversation_id", conversationID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ListConversations re-reads the user's conversations, most recently active first.
func (c *Client) ListConversations(ctx context.Context) (list []models.Conversation, err error) {
	uid, err := c.userID()
	if err != nil {
		return nil, err
	}
	ctx, span := c.span(ctx, "messaging.ListConversations", "")
	defer func() { endSpan(span, err) }()

	seq := c.state.beginList()
	list, err = c.store.Conversations().ListForUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	c.state.applyList(seq, list)
	return list, nil
}

// Refresh re-reads the list and the open conversation. It is what the reconciler drives.
func (c *Client) Refresh(ctx context.Context) error {
	if _, err := c.ListConversations(ctx); err != nil {
		return err
	}
	return c.refreshCurrent(ctx)
}

func (c *Client) refreshCurrent(ctx context.Context) error {
	t, ok := c.state.currentTicket()
	if !ok {
		return nil
	}
	conv, err := c.store.Conversations().Get(ctx, t.conversationID, c.identity.ID)
	if errors.Is(err, repositories.ErrNotFound) || errors.Is(err, repositories.ErrNotAuthorized) {
		c.state.forget(t.conversationID)
		return nil
	}
	if err != nil {
		return err
	}
	msgs, err := c.store.Messages().ListForConversation(ctx, t.conversationID)
	if err != nil {
		return err
	}
	c.state.applyMessages(t, conv, msgs)
	return nil
}

// OpenConversation selects a conversation, loads its messages and, when it has unread
// messages, marks it read up to the newest fetched message from the other participant.
// Nothing is marked read unless the fetch succeeded and the selection is still active.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) (snap Snapshot, err error) {
	uid, err := c.userID()
	if err != nil {
		return Snapshot{}, err
	}
	ctx, span := c.span(ctx, "messaging.OpenConversation", conversationID)
	defer func() { endSpan(span, err) }()

	t := c.state.selectConversation(conversationID)

	conv, err := c.store.Conversations().Get(ctx, conversationID, uid)
	if err != nil {
		c.state.abandon(t)
		return Snapshot{}, err
	}
	msgs, err := c.store.Messages().ListForConversation(ctx, conversationID)
	if err != nil {
		c.state.abandon(t)
		return Snapshot{}, err
	}
	if !c.state.active(t) {
		return Snapshot{}, ErrSuperseded
	}

	marked := false
	if conv.UnreadCount > 0 {
		if asOf, ok := readstate.LatestFrom(msgs, uid); ok {
			if err := c.store.Messages().MarkRead(ctx, conversationID, uid, asOf); err != nil {
				c.state.abandon(t)
				return Snapshot{}, err
			}
			conv.UnreadCount = 0
			marked = true
		}
	}

	// a read that landed is recorded and reflected in the list even if another open took over
	// the selection meanwhile
	applied := c.state.applyMessages(t, conv, msgs)
	if marked {
		c.audit.Record(ctx, "conversation.read", uid, conversationID)
		if _, err := c.ListConversations(ctx); err != nil {
			log.Printf("messaging: list refresh after read failed user_id=%s: %v", uid, err)
		}
	}
	if !applied {
		return Snapshot{}, ErrSuperseded
	}
	return c.state.Snapshot(), nil
}

// Send uploads files, then appends the message and bumps the conversation in one transaction.
// Sends into the same conversation from this client run one at a time.
func (c *Client) Send(ctx context.Context, conversationID, content string, files []storage.File) (msg models.Message, err error) {
	uid, err := c.userID()
	if err != nil {
		return models.Message{}, err
	}
	ctx, span := c.span(ctx, "messaging.Send", conversationID)
	defer func() {
		endSpan(span, err)
		observability.IncMessageSent(sendOutcome(err))
	}()

	unlock, err := c.sends.lock(ctx, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	defer unlock()

	conv, err := c.store.Conversations().Get(ctx, conversationID, uid)
	if err != nil {
		return models.Message{}, err
	}
	if strings.TrimSpace(content) == "" && len(files) == 0 {
		return models.Message{}, repositories.ErrInvalidMessage
	}

	urls, err := c.uploadAll(ctx, files)
	if err != nil {
		return models.Message{}, err
	}

	err = c.store.InTx(ctx, func(conversations repositories.ConversationRepository, messages repositories.MessageRepository) error {
		var err error
		msg, err = messages.Append(ctx, conversationID, uid, content, urls)
		if err != nil {
			return err
		}
		return conversations.TouchOnNewMessage(ctx, conversationID, msg.CreatedAt, conv.Other(uid))
	})
	if err != nil {
		return models.Message{}, err
	}

	c.announce(ctx, "INSERT", "messages", conv)
	c.audit.Record(ctx, "message.sent", uid, conversationID)
	if err := c.Refresh(ctx); err != nil {
		log.Printf("messaging: refresh after send failed user_id=%s conversation_id=%s: %v", uid, conversationID, err)
	}
	return msg, nil
}

func sendOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrUpload):
		return "upload_failed"
	case errors.Is(err, repositories.ErrInvalidMessage):
		return "invalid"
	case errors.Is(err, repositories.ErrNotAuthorized), errors.Is(err, repositories.ErrNotFound):
		return "rejected"
	default:
		return "error"
	}
}

// uploadAll uploads concurrently and keeps the input order. The first failure cancels the rest.
func (c *Client) uploadAll(ctx context.Context, files []storage.File) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if c.uploader == nil {
		return nil, fmt.Errorf("%w: no blob service configured", storage.ErrUpload)
	}
	urls := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUploads)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			url, err := c.uploader.Upload(gctx, f)
			if err != nil {
				return err
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if !errors.Is(err, storage.ErrUpload) {
			err = fmt.Errorf("%w: %v", storage.ErrUpload, err)
		}
		return nil, err
	}
	return urls, nil
}

// StartInput describes a new conversation and its optional first message.
type StartInput struct {
	OtherUserID    string
	Subject        *string
	InitialMessage *string
	PropertyID     *string
}

// Start opens (or finds) the conversation with another user. When the initial message cannot
// be sent the conversation is still returned alongside the send error.
func (c *Client) Start(ctx context.Context, in StartInput) (conv models.Conversation, err error) {
	uid, err := c.userID()
	if err != nil {
		return models.Conversation{}, err
	}
	if strings.TrimSpace(in.OtherUserID) == "" {
		return models.Conversation{}, repositories.ErrInvalidParticipants
	}
	ctx, span := c.span(ctx, "messaging.Start", "")
	defer func() { endSpan(span, err) }()

	conv, err = c.store.Conversations().CreateOrGet(ctx, uid, in.OtherUserID, in.PropertyID, in.Subject)
	if err != nil {
		return models.Conversation{}, err
	}
	span.SetAttributes(attribute.String("messaging.conversation_id", conv.ID))
	c.announce(ctx, "INSERT", "conversations", conv)
	c.audit.Record(ctx, "conversation.started", uid, conv.ID)

	if in.InitialMessage == nil {
		if _, err := c.ListConversations(ctx); err != nil {
			log.Printf("messaging: list refresh after start failed user_id=%s: %v", uid, err)
		}
		return conv, nil
	}

	if _, err := c.Send(ctx, conv.ID, *in.InitialMessage, nil); err != nil {
		if _, lerr := c.ListConversations(ctx); lerr != nil {
			log.Printf("messaging: list refresh after start failed user_id=%s: %v", uid, lerr)
		}
		return conv, err
	}
	if fresh, err := c.store.Conversations().Get(ctx, conv.ID, uid); err == nil {
		conv = fresh
	}
	return conv, nil
}

// Remove deletes the conversation for both participants.
func (c *Client) Remove(ctx context.Context, conversationID string) (err error) {
	uid, err := c.userID()
	if err != nil {
		return err
	}
	ctx, span := c.span(ctx, "messaging.Remove", conversationID)
	defer func() { endSpan(span, err) }()

	conv, err := c.store.Conversations().Get(ctx, conversationID, uid)
	if err != nil {
		return err
	}
	if err := c.store.Conversations().Delete(ctx, conversationID, uid); err != nil {
		return err
	}
	c.state.forget(conversationID)
	c.announce(ctx, "DELETE", "conversations", conv)
	c.audit.Record(ctx, "conversation.deleted", uid, conversationID)
	if _, err := c.ListConversations(ctx); err != nil {
		log.Printf("messaging: list refresh after remove failed user_id=%s: %v", uid, err)
	}
	return nil
}

func (c *Client) announce(ctx context.Context, op, table string, conv models.Conversation) {
	err := c.notifier.Notify(ctx, models.Notification{
		Kind:           models.NotificationChange,
		Op:             op,
		Table:          table,
		ConversationID: conv.ID,
		Participants:   conv.Participants(),
	})
	if err != nil {
		log.Printf("messaging: change notify failed conversation_id=%s: %v", conv.ID, err)
	}
}
