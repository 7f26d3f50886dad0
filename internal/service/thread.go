package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"booking/internal/domain"
	"booking/internal/store"
)

const (
	DeletedNotice = "This message was deleted."

	defaultPageSize = 100
	maxPageSize     = 500
	maxContentLen   = 5000
	maxEmojiLen     = 32
)

// PostInput describes one message. System messages leave SenderID nil.
type PostInput struct {
	SenderID       *int64
	SenderRole     domain.Role
	Type           domain.MessageType
	Visibility     domain.Visibility
	Content        string
	SystemKey      string
	Action         domain.Action
	QuoteID        *int64
	AttachmentURL  string
	AttachmentMeta map[string]any
	ReplyToID      *int64
	ExpiresAt      *time.Time
}

// ThreadService is the Message Thread Engine.
type ThreadService struct {
	Store       store.Store
	Now         func() time.Time
	AfterCommit func()
	Unread      *UnreadCounter
}

func (t *ThreadService) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func (t *ThreadService) uow() unitOfWork {
	return unitOfWork{Store: t.Store, AfterCommit: t.AfterCommit, Unread: t.Unread}
}

// Post appends a message typed by a party. Parties post user messages only;
// system notices and action prompts come from the state machine. A dedup key
// is stored under domain.UserKeyPrefix. When that key already exists on the
// request the stored row is returned unchanged and created is false.
func (t *ThreadService) Post(ctx context.Context, requestID, actorID int64, in PostInput) (msg domain.Message, created bool, err error) {
	if in.Type == "" {
		in.Type = domain.MessageUser
	}
	if in.Visibility == "" {
		in.Visibility = domain.VisibleToBoth
	}
	if in.Type != domain.MessageUser {
		return domain.Message{}, false, domain.ValidationError{Field: "type", Msg: "parties may only post user messages"}
	}
	if in.Action != domain.ActionNone {
		return domain.Message{}, false, domain.ValidationError{Field: "action", Msg: "actions are set by the booking flow"}
	}
	if strings.HasPrefix(in.SystemKey, domain.TombstonePrefix) {
		return domain.Message{}, false, domain.ValidationError{Field: "system_key", Msg: "reserved prefix"}
	}
	in.SystemKey = domain.UserKey(in.SystemKey)
	if in.QuoteID != nil {
		return domain.Message{}, false, domain.ValidationError{Field: "quote_id", Msg: "quote messages are created by submitting a quote"}
	}

	err = t.uow().run(ctx, func(tx store.Tx, fx *effects) error {
		r, err := tx.GetRequest(ctx, requestID, false)
		if err != nil {
			return err
		}
		role, ok := r.RoleOf(actorID)
		if !ok {
			return domain.ForbiddenError{Action: "post", Reason: "not a party to this booking request"}
		}
		if !in.Visibility.Includes(role) {
			return domain.ValidationError{Field: "visibility", Msg: "sender must be able to see the message"}
		}
		sender := actorID
		in.SenderID = &sender
		in.SenderRole = role

		msg, created, err = postTx(ctx, tx, fx, r, in, t.now())
		return err
	})
	return msg, created, err
}

// postTx validates and writes one message inside an existing transaction.
// The state machine calls it for its system messages so the message lands
// in the same commit as the transition.
func postTx(ctx context.Context, tx store.Tx, fx *effects, r domain.BookingRequest, in PostInput, now time.Time) (domain.Message, bool, error) {
	if err := validatePost(in); err != nil {
		return domain.Message{}, false, err
	}
	if in.ReplyToID != nil {
		parent, err := tx.GetMessage(ctx, *in.ReplyToID)
		if err != nil || parent.BookingRequestID != r.ID {
			return domain.Message{}, false, domain.ValidationError{Field: "reply_to_id", Msg: "must reference a message in this thread"}
		}
	}

	m := &domain.Message{
		BookingRequestID: r.ID,
		SenderID:         in.SenderID,
		SenderRole:       in.SenderRole,
		Type:             in.Type,
		Visibility:       in.Visibility,
		Content:          in.Content,
		SystemKey:        in.SystemKey,
		Action:           in.Action,
		QuoteID:          in.QuoteID,
		AttachmentURL:    in.AttachmentURL,
		AttachmentMeta:   in.AttachmentMeta,
		ReplyToID:        in.ReplyToID,
		ExpiresAt:        in.ExpiresAt,
		CreatedAt:        now,
	}
	inserted, err := tx.InsertMessage(ctx, m)
	if err != nil {
		return domain.Message{}, false, err
	}
	if !inserted {
		return *m, false, nil
	}

	recipients := m.Visibility.Recipients(r.RequesterID, r.ProviderID)
	fx.touch(recipients...)
	if err := enqueue(ctx, tx, fx, domain.TopicMessageCreated, r.ID, recipients, m, now); err != nil {
		return domain.Message{}, false, err
	}
	return *m, true, nil
}

func validatePost(in PostInput) error {
	switch in.Type {
	case domain.MessageUser, domain.MessageQuote, domain.MessageSystem:
	default:
		return domain.ValidationError{Field: "type", Msg: "unknown message type"}
	}
	switch in.Visibility {
	case domain.VisibleToArtist, domain.VisibleToClient, domain.VisibleToBoth:
	default:
		return domain.ValidationError{Field: "visibility", Msg: "unknown visibility"}
	}
	switch in.Action {
	case domain.ActionNone, domain.ActionReviewRequest, domain.ActionReviewQuote, domain.ActionViewBooking:
	default:
		return domain.ValidationError{Field: "action", Msg: "unknown action"}
	}
	if in.Content == "" && in.AttachmentURL == "" {
		return domain.ValidationError{Field: "content", Msg: "content or attachment required"}
	}
	if utf8.RuneCountInString(in.Content) > maxContentLen {
		return domain.ValidationError{Field: "content", Msg: "too long"}
	}
	if strings.HasPrefix(in.SystemKey, domain.TombstonePrefix) {
		return domain.ValidationError{Field: "system_key", Msg: "reserved prefix"}
	}
	return nil
}

// List returns the messages the viewer may see, oldest first, strictly
// after afterID.
func (t *ThreadService) List(ctx context.Context, requestID, viewerID, afterID int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	var out []domain.Message
	err := t.Store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetRequest(ctx, requestID, false)
		if err != nil {
			return err
		}
		role, ok := r.RoleOf(viewerID)
		if !ok {
			return domain.ForbiddenError{Action: "list", Reason: "not a party to this booking request"}
		}
		out, err = tx.ListMessages(ctx, store.MessageFilter{
			RequestID: requestID,
			AfterID:   afterID,
			Limit:     limit,
			Role:      role,
			Now:       t.now(),
		})
		return err
	})
	return out, err
}

// Delete rewrites the message into a tombstone. Deleting a tombstone again
// returns it unchanged.
func (t *ThreadService) Delete(ctx context.Context, requestID, messageID, actorID int64) (domain.Message, error) {
	var out domain.Message
	err := t.uow().run(ctx, func(tx store.Tx, fx *effects) error {
		r, err := tx.GetRequest(ctx, requestID, false)
		if err != nil {
			return err
		}
		m, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if m.BookingRequestID != requestID {
			return domain.NotFoundError{Resource: "message", ID: messageID}
		}
		role, isParty := r.RoleOf(actorID)
		isSender := m.SenderID != nil && *m.SenderID == actorID
		if !isParty && !isSender {
			return domain.ForbiddenError{Action: "delete", Reason: "only the sender or a party may delete"}
		}
		// rows hidden from the actor do not exist for them
		if isParty && !isSender && !m.Visibility.Includes(role) {
			return domain.NotFoundError{Resource: "message", ID: messageID}
		}
		if m.Tombstoned() {
			out = m
			return nil
		}

		now := t.now()
		out, err = tx.TombstoneMessage(ctx, messageID, DeletedNotice, now)
		if err != nil {
			return err
		}
		recipients := out.Visibility.Recipients(r.RequesterID, r.ProviderID)
		fx.touch(recipients...)
		return enqueue(ctx, tx, fx, domain.TopicMessageDeleted, r.ID, recipients, out, now)
	})
	return out, err
}

// MarkRead marks every message the viewer can see and did not send as read.
func (t *ThreadService) MarkRead(ctx context.Context, requestID, viewerID int64) (int, error) {
	var n int
	err := t.uow().run(ctx, func(tx store.Tx, fx *effects) error {
		r, err := tx.GetRequest(ctx, requestID, false)
		if err != nil {
			return err
		}
		role, ok := r.RoleOf(viewerID)
		if !ok {
			return domain.ForbiddenError{Action: "mark_read", Reason: "not a party to this booking request"}
		}
		now := t.now()
		n, err = tx.MarkRead(ctx, requestID, viewerID, role, now)
		if err != nil || n == 0 {
			return err
		}
		fx.touch(viewerID)
		return enqueue(ctx, tx, fx, domain.TopicMessagesRead, r.ID, []int64{r.Counterparty(viewerID)}, map[string]any{
			"booking_request_id": r.ID,
			"reader_id":          viewerID,
			"count":              n,
		}, now)
	})
	return n, err
}

// AddReaction is idempotent per (message, user, emoji).
func (t *ThreadService) AddReaction(ctx context.Context, messageID, userID int64, emoji string) (bool, error) {
	return t.react(ctx, messageID, userID, emoji, true)
}

func (t *ThreadService) RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) (bool, error) {
	return t.react(ctx, messageID, userID, emoji, false)
}

func (t *ThreadService) react(ctx context.Context, messageID, userID int64, emoji string, add bool) (bool, error) {
	if emoji == "" || len(emoji) > maxEmojiLen {
		return false, domain.ValidationError{Field: "emoji", Msg: "must be 1-32 bytes"}
	}
	var changed bool
	err := t.uow().run(ctx, func(tx store.Tx, fx *effects) error {
		m, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		r, err := tx.GetRequest(ctx, m.BookingRequestID, false)
		if err != nil {
			return err
		}
		role, ok := r.RoleOf(userID)
		if !ok || !m.Visibility.Includes(role) {
			return domain.NotFoundError{Resource: "message", ID: messageID}
		}

		now := t.now()
		op := "remove"
		if add {
			if m.Tombstoned() {
				return domain.ValidationError{Field: "message_id", Msg: "message was deleted"}
			}
			op = "add"
			changed, err = tx.AddReaction(ctx, domain.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: now})
		} else {
			changed, err = tx.RemoveReaction(ctx, messageID, userID, emoji)
		}
		if err != nil || !changed {
			return err
		}
		return enqueue(ctx, tx, fx, domain.TopicMessageReaction, r.ID, m.Visibility.Recipients(r.RequesterID, r.ProviderID), map[string]any{
			"message_id": messageID,
			"user_id":    userID,
			"emoji":      emoji,
			"op":         op,
		}, now)
	})
	return changed, err
}

func (t *ThreadService) Reactions(ctx context.Context, messageID, viewerID int64) ([]domain.Reaction, error) {
	var out []domain.Reaction
	err := t.Store.WithTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		r, err := tx.GetRequest(ctx, m.BookingRequestID, false)
		if err != nil {
			return err
		}
		role, ok := r.RoleOf(viewerID)
		if !ok || !m.Visibility.Includes(role) {
			return domain.NotFoundError{Resource: "message", ID: messageID}
		}
		out, err = tx.ListReactions(ctx, messageID)
		return err
	})
	return out, err
}
