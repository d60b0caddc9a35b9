package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PromptDesk/internal/models"
)

// ConversationView is a conversation plus its live attendance marker.
type ConversationView struct {
	*models.Conversation
	// AttendanceTTL is the remaining lifetime of the attendance marker in seconds.
	AttendanceTTL float64 `json:"attendance_ttl_seconds"`
}

// AgentSendResult reports a manual agent message.
type AgentSendResult struct {
	ConversationID string         `json:"conversation_id"`
	Message        models.Message `json:"message"`
	SendAttempted  bool           `json:"send_attempted"`
	Delivery       DeliveryStatus `json:"delivery"`
}

// Operator carries out dashboard actions on conversations. It shares the
// Orchestrator's lock so operator writes never interleave with an event.
type Operator struct {
	o *Orchestrator
}

// Operator returns the operator actions bound to this Orchestrator.
func (o *Orchestrator) Operator() *Operator {
	return &Operator{o: o}
}

// List returns conversations, optionally filtered by status.
func (op *Operator) List(ctx context.Context, status models.ConversationStatus) ([]models.Conversation, error) {
	if status != "" && !models.IsValidConversationStatus(status) {
		return nil, models.ErrInvalidStatus
	}
	convs, err := op.o.deps.Conversations.List(ctx, status)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	return convs, nil
}

// Get returns one conversation with messages and attendance TTL.
func (op *Operator) Get(ctx context.Context, id string) (*ConversationView, error) {
	conv, err := op.o.deps.Conversations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &ConversationView{Conversation: conv}
	if ttl, err := op.o.opts.Attendance.Remaining(ctx, conv.PhoneNumber); err != nil {
		slog.Warn("Operator.Get: failed to read attendance marker", "error", err, "phone", conv.PhoneNumber)
	} else {
		view.AttendanceTTL = ttl.Seconds()
	}
	return view, nil
}

// Transfer hands the conversation to a human.
func (op *Operator) Transfer(ctx context.Context, id string) error {
	return op.withConversation(ctx, id, func(conv *models.Conversation) error {
		if !conv.IsOpen() {
			return models.ErrConversationClosed
		}
		return op.o.deps.Conversations.SetFlags(ctx, id, models.ConversationFlags{
			TransferredToHuman: models.Bool(true),
			Status:             models.StatusPtr(models.ConversationStatusTransferred),
		})
	})
}

// Close closes the conversation and clears its attendance marker. The next
// message from the phone opens a new conversation.
func (op *Operator) Close(ctx context.Context, id string) error {
	return op.withConversation(ctx, id, func(conv *models.Conversation) error {
		err := op.o.deps.Conversations.SetFlags(ctx, id, models.ConversationFlags{
			Status: models.StatusPtr(models.ConversationStatusClosed),
		})
		if err != nil {
			return err
		}
		if err := op.o.opts.Attendance.Clear(ctx, conv.PhoneNumber); err != nil {
			slog.Warn("Operator.Close: failed to clear attendance marker", "error", err, "phone", conv.PhoneNumber)
		}
		return nil
	})
}

// SendAgentMessage appends an agent message to the phone's open conversation
// and sends it through the default channel without delay.
func (op *Operator) SendAgentMessage(ctx context.Context, req models.SendMessageRequest) (*AgentSendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	phone := strings.TrimSpace(req.PhoneNumber)
	unlock, err := op.o.opts.Locker.Lock(ctx, phone)
	if err != nil {
		return nil, err
	}
	conv, err := op.o.deps.Conversations.FindOpen(ctx, phone)
	if err != nil {
		unlock()
		return nil, err
	}
	msg, err := op.o.deps.Conversations.AppendMessage(ctx, conv.ID, models.SenderAgent, req.Message)
	unlock()
	if err != nil {
		return nil, err
	}

	out := &AgentSendResult{ConversationID: conv.ID, Message: msg, Delivery: DeliverySkipped}
	inst, err := op.o.deps.Channels.DefaultInstance(ctx)
	if err != nil {
		if !errors.Is(err, models.ErrInstanceNotFound) {
			slog.Error("Operator.SendAgentMessage: failed to load default channel", "error", err)
		}
		return out, nil
	}
	out.SendAttempted = true
	if op.o.deps.Dispatcher.SendText(ctx, *inst, phone, req.Message) {
		out.Delivery = DeliverySent
	} else {
		out.Delivery = DeliveryFailed
	}
	slog.Info("Operator.SendAgentMessage", "conversationID", conv.ID, "delivery", out.Delivery)
	return out, nil
}

// Stats returns today's dashboard counters.
func (op *Operator) Stats(ctx context.Context) (models.DashboardStats, error) {
	return op.o.deps.Conversations.Stats(ctx, models.StartOfDay(time.Now()))
}

// withConversation loads id and runs fn under the conversation's phone lock.
func (op *Operator) withConversation(ctx context.Context, id string, fn func(conv *models.Conversation) error) error {
	conv, err := op.o.deps.Conversations.Get(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := op.o.opts.Locker.Lock(ctx, conv.PhoneNumber)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(conv)
}

