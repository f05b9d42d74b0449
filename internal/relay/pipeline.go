package relay

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/pawpal/chat-relay/internal/model"
	"github.com/pawpal/chat-relay/pkg/logger"
	"github.com/pawpal/chat-relay/pkg/metrics"
)

var tracer = otel.Tracer("chat-relay/pipeline")

// Pipeline orchestrates a send_message request: persistence, unread
// accounting, payload enrichment and fan-out, in that order. A failure before
// the message row exists aborts the send; afterwards the relay degrades and
// logs rather than dropping a persisted message.
type Pipeline struct {
	store  Store
	rooms  *Rooms
	views  *ViewTracker
	logger *logger.Logger
}

// NewPipeline creates a message pipeline.
func NewPipeline(store Store, rooms *Rooms, views *ViewTracker, log *logger.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		rooms:  rooms,
		views:  views,
		logger: log,
	}
}

// Send runs the full send_message sequence. The returned error is only ever
// surfaced to the sender's connection.
func (p *Pipeline) Send(ctx context.Context, req *model.SendMessageRequest) error {
	ctx, span := tracer.Start(ctx, "Pipeline.Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_id", req.ConversationID),
		attribute.String("sender_id", req.SenderID),
		attribute.String("receiver_id", req.ReceiverID),
	)

	// Persist the message row first; without it there is nothing to deliver.
	msg, err := p.store.CreateMessage(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create message failed")
		metrics.SendFailures.WithLabelValues("create_message").Inc()
		return fmt.Errorf("failed to persist message: %w", err)
	}

	// Advance the conversation pointer to the new message.
	if err := p.store.TouchConversation(ctx, req.ConversationID, msg.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "touch conversation failed")
		metrics.SendFailures.WithLabelValues("touch_conversation").Inc()
		return fmt.Errorf("failed to update conversation: %w", err)
	}

	// Unread accounting depends on whether the receiver currently has the
	// conversation open on any connection.
	viewing := p.views.IsViewing(req.ReceiverID, req.ConversationID)
	receiverUnread := 0
	if viewing {
		if err := p.store.ResetUnread(ctx, req.ReceiverID, req.ConversationID); err != nil {
			// The message row already exists, so this is a reconciliation
			// concern rather than a failed send.
			p.reconcileWarn("reset unread", req, msg.ID, err)
			span.RecordError(err)
		}
	} else {
		count, err := p.store.IncrementUnread(ctx, req.ReceiverID, req.ConversationID)
		if err != nil {
			p.reconcileWarn("increment unread", req, msg.ID, err)
			span.RecordError(err)
			// Deliver with the best-known value.
			if known, getErr := p.store.GetUnread(ctx, req.ReceiverID, req.ConversationID); getErr == nil {
				count = known
			}
		}
		receiverUnread = count
	}

	// Sender profile is enrichment only; a lookup failure must not block
	// delivery of a persisted message.
	profile, err := p.store.GetDisplayProfile(ctx, req.SenderID)
	if err != nil {
		p.logger.Warn("sender profile lookup failed, using placeholder",
			zap.String("sender_id", req.SenderID),
			zap.Error(err),
		)
		profile = &model.DisplayProfile{Name: "Unknown"}
	}

	payload := &model.DeliveryPayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Type:           msg.Type,
		MediaURL:       msg.MediaURL,
		Timestamp:      msg.Timestamp,
		IsRead:         msg.IsRead,
		SenderName:     profile.Name,
		SenderAvatar:   profile.Avatar,
	}

	// Fan out to both rooms so the sender's other devices see the echo.
	p.rooms.SendToUser(req.SenderID, model.EventReceiveMessage, payload)
	p.rooms.SendToUser(req.ReceiverID, model.EventReceiveMessage, payload)

	// The sender just wrote to this conversation, so their own copy is read.
	p.rooms.SendToUser(req.SenderID, model.EventUnreadUpdate, &model.UnreadUpdate{
		ConversationID: req.ConversationID,
		NewUnreadCount: 0,
	})
	p.rooms.SendToUser(req.ReceiverID, model.EventUnreadUpdate, &model.UnreadUpdate{
		ConversationID: req.ConversationID,
		NewUnreadCount: receiverUnread,
	})

	// A hidden conversation reappears in the receiver's list on any new
	// message.
	p.rooms.SendToUser(req.ReceiverID, model.EventChatListUpdate, &model.ChatListUpdate{
		ConversationID: req.ConversationID,
		Action:         model.ChatListActionShow,
	})

	metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()
	span.SetStatus(codes.Ok, "sent")
	return nil
}

func (p *Pipeline) reconcileWarn(step string, req *model.SendMessageRequest, messageID string, err error) {
	p.logger.Warn("send partially completed, needs reconciliation",
		zap.String("step", step),
		zap.String("message_id", messageID),
		zap.String("conversation_id", req.ConversationID),
		zap.String("receiver_id", req.ReceiverID),
		zap.Error(err),
	)
}
