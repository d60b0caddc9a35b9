// Package flow runs the per-message conversation pipeline: it decides, for
// each inbound WhatsApp event, whether to ignore it, hand it to a human,
// answer it through a fast path or ask the responder, and then performs the
// resulting writes and sends exactly once.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PromptDesk/internal/cache"
	"github.com/BTreeMap/PromptDesk/internal/classifier"
	"github.com/BTreeMap/PromptDesk/internal/messaging"
	"github.com/BTreeMap/PromptDesk/internal/metrics"
	"github.com/BTreeMap/PromptDesk/internal/models"
	"github.com/BTreeMap/PromptDesk/internal/responder"
	"github.com/BTreeMap/PromptDesk/internal/store"
)

// ResponderSource returns the Responder for an API key.
type ResponderSource interface {
	ForAPIKey(apiKey string) (responder.Responder, error)
}

// PromptSource resolves the system prompt template.
type PromptSource interface {
	ActivePrompt(ctx context.Context) (*models.BotPrompt, error)
	GetPrompt(ctx context.Context, id string) (*models.BotPrompt, error)
}

// ChannelSource returns the default outbound channel.
type ChannelSource interface {
	DefaultInstance(ctx context.Context) (*models.ChannelInstance, error)
}

// Deps are the collaborators of the Orchestrator. Dedup may be nil.
type Deps struct {
	Conversations store.ConversationStore
	Settings      store.SettingsProvider
	Prompts       PromptSource
	Channels      ChannelSource
	Dedup         store.DedupRepo
	Dispatcher    messaging.Dispatcher
	Responders    ResponderSource
}

// Orchestrator consumes inbound events. It is safe for concurrent use; events
// for the same phone are serialised by the configured Locker.
type Orchestrator struct {
	deps Deps
	opts Opts
	// shutdown cuts pending pre-send delays short.
	shutdown  chan struct{}
	closeOnce sync.Once
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, opts ...Option) *Orchestrator {
	cfg := Opts{
		PreSendDelay:    DefaultPreSendDelay,
		NameReply:       DefaultNameReply,
		TransferMessage: DefaultTransferMessage,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classifier.NewRuleClassifier()
	}
	if cfg.Locker == nil {
		cfg.Locker = cache.NewKeyedMutex()
	}
	if cfg.Attendance == nil {
		cfg.Attendance = cache.NopAttendance{}
	}
	slog.Debug("NewOrchestrator created",
		"preSendDelay", cfg.PreSendDelay,
		"transferOnKeyword", cfg.TransferOnKeyword,
		"fallbackAPIKey_set", cfg.FallbackAPIKey != "",
		"dedup", deps.Dedup != nil)
	return &Orchestrator{deps: deps, opts: cfg, shutdown: make(chan struct{})}
}

// Close releases every pending pre-send delay; replies are then sent at once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.shutdown)
	})
}

// pending is the outbound work decided under the lock and performed after it.
type pending struct {
	phone        string
	reply        string
	notification string
	notifyPhone  string
	// stored is set once the inbound message is appended.
	stored bool
}

// Handle runs the pipeline for one inbound event. It never returns an error:
// every branch ends in a Result.
func (o *Orchestrator) Handle(ctx context.Context, evt models.InboundEvent) (res Result) {
	start := time.Now()
	res.enter(StateReceived)
	defer func() {
		metrics.RecordEvent(string(res.Status), time.Since(start).Seconds())
	}()

	if reason := o.ignoreReason(evt); reason != "" {
		slog.Debug("Orchestrator.Handle: event ignored", "reason", reason, "phone", evt.Phone)
		res.Status, res.Reason = OutcomeIgnored, reason
		res.enter(StateIgnored)
		return res
	}

	// Once accepted the event runs to completion even if the caller goes away.
	work := context.WithoutCancel(ctx)

	settings, err := o.deps.Settings.GetSettings(work)
	if err != nil {
		return o.fail(res, "failed to load settings", err)
	}
	apiKey := settings.OpenAIAPIKey
	if apiKey == "" {
		apiKey = o.opts.FallbackAPIKey
	}
	if apiKey == "" {
		slog.Warn("Orchestrator.Handle: API key not configured", "phone", evt.Phone)
		res.Status, res.Reason = OutcomeError, "API key not configured"
		return res
	}

	claimed := false
	if evt.MessageID != "" && o.deps.Dedup != nil {
		fresh, err := o.deps.Dedup.RecordInbound(evt.MessageID, evt.Phone)
		if err != nil {
			slog.Warn("Orchestrator.Handle: dedup record failed, continuing", "error", err, "messageID", evt.MessageID)
		} else if !fresh {
			slog.Info("Orchestrator.Handle: duplicate event", "messageID", evt.MessageID, "phone", evt.Phone)
			res.Status, res.Reason = OutcomeDuplicate, "message already processed"
			res.enter(StateIgnored)
			return res
		}
		claimed = err == nil
	}

	res.enter(StateProcessing)
	unlock, err := o.opts.Locker.Lock(work, evt.Phone)
	if err != nil {
		if claimed {
			o.settleDedup(evt.MessageID, false)
		}
		return o.fail(res, "failed to lock conversation", err)
	}
	out, res, ok := o.decide(work, evt, settings, apiKey, res)
	unlock()
	if claimed {
		o.settleDedup(evt.MessageID, out.stored)
	}
	if !ok {
		return res
	}

	o.deliver(ctx, work, out, &res)
	res.enter(StateDone)
	slog.Info("Orchestrator.Handle: event processed",
		"phone", evt.Phone, "conversationID", res.ConversationID, "status", res.Status,
		"delivery", res.Delivery, "ownerNotified", res.OwnerNotified, "duration", time.Since(start))
	return res
}

// ignoreReason returns why the event must be dropped without any write, or "".
func (o *Orchestrator) ignoreReason(evt models.InboundEvent) string {
	switch {
	case evt.FromMe:
		return "message sent by this number"
	case strings.TrimSpace(evt.Phone) == "":
		return "empty phone number"
	case strings.TrimSpace(evt.Text) == "":
		return "empty message"
	case o.opts.Classifier.IsBotMessage(evt.Text):
		return "automated message detected"
	}
	return ""
}

// decide performs every store write for the event while the phone is locked.
// It reports false when the pipeline must stop with res as is.
func (o *Orchestrator) decide(ctx context.Context, evt models.InboundEvent, settings models.Settings, apiKey string, res Result) (pending, Result, bool) {
	out := pending{phone: evt.Phone}

	conv, err := o.openConversation(ctx, evt)
	if err != nil {
		return out, o.fail(res, "failed to load conversation", err), false
	}
	res.ConversationID = conv.ID

	if _, err := o.deps.Conversations.AppendMessage(ctx, conv.ID, models.SenderUser, evt.Text); err != nil {
		return out, o.fail(res, "failed to store message", err), false
	}
	out.stored = true
	o.markAttendance(ctx, evt.Phone)

	transfer := o.opts.Classifier.ShouldTransfer(evt.Text, settings.TransferKeywords)
	shouldNotify := transfer && (settings.NotifyEveryKeyword || !conv.NotifiedOwner)
	if shouldNotify {
		if !settings.NotifyEveryKeyword {
			if err := o.deps.Conversations.SetFlags(ctx, conv.ID, models.ConversationFlags{NotifiedOwner: models.Bool(true)}); err != nil {
				slog.Error("Orchestrator.decide: failed to set notified_owner", "error", err, "conversationID", conv.ID)
			}
		}
		if settings.NotificationPhone != "" {
			out.notifyPhone = settings.NotificationPhone
			out.notification = o.composeNotification(ctx, conv)
		}
	}

	if o.opts.TransferOnKeyword && transfer && !conv.TransferredToHuman {
		err := o.deps.Conversations.SetFlags(ctx, conv.ID, models.ConversationFlags{
			TransferredToHuman: models.Bool(true),
			Status:             models.StatusPtr(models.ConversationStatusTransferred),
		})
		if err != nil {
			return out, o.fail(res, "failed to transfer conversation", err), false
		}
		if _, err := o.deps.Conversations.AppendMessage(ctx, conv.ID, models.SenderBot, o.opts.TransferMessage); err != nil {
			return out, o.fail(res, "failed to store transfer message", err), false
		}
		out.reply = o.opts.TransferMessage
		res.Status, res.Reply, res.Reason = OutcomeTransferred, out.reply, "transfer keyword"
		res.enter(StateTransferred)
		return out, res, true
	}

	if conv.TransferredToHuman {
		res.Status, res.Reason = OutcomeTransferred, "conversation handled by a human"
		res.enter(StateTransferred)
		return out, res, true
	}

	reply, fastPath := o.fastPath(evt.Text)
	if fastPath != "" {
		res.Status, res.FastPath = OutcomeFastPathReplied, fastPath
		res.enter(StateFastPathReplied)
	} else {
		reply = o.generate(ctx, conv.ID, evt.Text, settings, apiKey)
		res.Status = OutcomeAIReplied
		res.enter(StateAIReplied)
	}

	if _, err := o.deps.Conversations.AppendMessage(ctx, conv.ID, models.SenderBot, reply); err != nil {
		return out, o.fail(res, "failed to store reply", err), false
	}
	out.reply = reply
	res.Reply = reply
	return out, res, true
}

// openConversation finds or creates the open conversation and upgrades its display name.
func (o *Orchestrator) openConversation(ctx context.Context, evt models.InboundEvent) (*models.Conversation, error) {
	conv, err := o.deps.Conversations.FindOpen(ctx, evt.Phone)
	if errors.Is(err, models.ErrConversationNotFound) {
		conv, err = o.deps.Conversations.Create(ctx, evt.Phone, models.ResolveDisplayName("", evt.PushName))
		if errors.Is(err, store.ErrOpenConversationExists) {
			conv, err = o.deps.Conversations.FindOpen(ctx, evt.Phone)
		}
		if err != nil {
			return nil, err
		}
		slog.Info("Orchestrator: conversation opened", "conversationID", conv.ID, "phone", evt.Phone)
		return conv, nil
	}
	if err != nil {
		return nil, err
	}
	if name := models.ResolveDisplayName(conv.UserName, evt.PushName); name != conv.UserName {
		if err := o.deps.Conversations.SetFlags(ctx, conv.ID, models.ConversationFlags{UserName: models.String(name)}); err != nil {
			slog.Warn("Orchestrator: failed to upgrade display name", "error", err, "conversationID", conv.ID)
		} else {
			conv.UserName = name
		}
	}
	return conv, nil
}

// fastPath returns a canned reply and its name, or "" when the responder must answer.
func (o *Orchestrator) fastPath(text string) (string, string) {
	if menu := o.opts.Classifier.DetectMenu(text); menu.HasSelection() {
		slog.Debug("Orchestrator: menu detected", "option", menu.BestOption, "group", menu.Group)
		return menu.Reply(), FastPathMenu
	}
	if o.opts.Classifier.IsNameRequest(text) {
		return o.opts.NameReply, FastPathName
	}
	return "", ""
}

// generate asks the responder once. History is reloaded after the append so
// it includes the current turn.
func (o *Orchestrator) generate(ctx context.Context, conversationID, text string, settings models.Settings, apiKey string) string {
	conv, err := o.deps.Conversations.Get(ctx, conversationID)
	if err != nil {
		slog.Error("Orchestrator.generate: failed to reload conversation", "error", err, "conversationID", conversationID)
		metrics.RecordResponderFallback()
		return responder.ApologyMessage
	}
	r, err := o.deps.Responders.ForAPIKey(apiKey)
	if err != nil {
		slog.Error("Orchestrator.generate: responder unavailable", "error", err)
		metrics.RecordResponderFallback()
		return responder.ApologyMessage
	}
	return r.Reply(ctx, responder.Request{
		SystemPrompt: o.systemPrompt(ctx, settings),
		History:      conv.RecentMessages(responder.HistoryWindow),
		Message:      text,
		CustomerName: conv.UserName,
	})
}

// systemPrompt resolves the pinned prompt, then the active one, then the default.
func (o *Orchestrator) systemPrompt(ctx context.Context, settings models.Settings) string {
	if o.deps.Prompts == nil {
		return models.DefaultSystemPrompt
	}
	if settings.SystemPromptID != "" {
		if p, err := o.deps.Prompts.GetPrompt(ctx, settings.SystemPromptID); err == nil {
			return p.SystemPrompt
		}
		slog.Warn("Orchestrator.systemPrompt: pinned prompt not found", "promptID", settings.SystemPromptID)
	}
	if p, err := o.deps.Prompts.ActivePrompt(ctx); err == nil {
		return p.SystemPrompt
	}
	return models.DefaultSystemPrompt
}

// composeNotification builds the owner alert from the customer's last messages.
func (o *Orchestrator) composeNotification(ctx context.Context, conv *models.Conversation) string {
	full, err := o.deps.Conversations.Get(ctx, conv.ID)
	if err != nil {
		slog.Warn("Orchestrator.composeNotification: failed to load history", "error", err)
		full = conv
	}
	var b strings.Builder
	b.WriteString("🔔 *Cliente solicitou atendimento humano*\n\n")
	fmt.Fprintf(&b, "Nome: %s\n", full.UserName)
	fmt.Fprintf(&b, "Telefone: %s\n", full.PhoneNumber)
	fmt.Fprintf(&b, "Conversa: https://wa.me/%s\n", strings.TrimPrefix(full.PhoneNumber, "+"))
	if recent := full.LastMessagesFrom(models.SenderUser, NotificationHistory); len(recent) > 0 {
		b.WriteString("\nÚltimas mensagens:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// deliver performs the side effects decided under the lock.
func (o *Orchestrator) deliver(ctx, work context.Context, out pending, res *Result) {
	if out.notification == "" && out.reply == "" {
		return
	}
	inst, err := o.deps.Channels.DefaultInstance(work)
	if err != nil {
		if !errors.Is(err, models.ErrInstanceNotFound) {
			slog.Error("Orchestrator.deliver: failed to load default channel", "error", err)
		}
		slog.Warn("Orchestrator.deliver: no default channel, sends skipped", "conversationID", res.ConversationID)
		if out.reply != "" {
			res.Delivery = DeliverySkipped
		}
		return
	}

	if out.notification != "" {
		res.OwnerNotified = o.deps.Dispatcher.SendText(work, *inst, out.notifyPhone, out.notification)
		metrics.RecordNotification(res.OwnerNotified)
		if !res.OwnerNotified {
			slog.Warn("Orchestrator.deliver: owner notification failed", "conversationID", res.ConversationID)
		}
	}

	if out.reply == "" {
		return
	}
	o.pause(ctx)
	res.SendAttempted = true
	if o.deps.Dispatcher.SendText(work, *inst, out.phone, out.reply) {
		res.Delivery = DeliverySent
	} else {
		res.Delivery = DeliveryFailed
	}
	res.enter(StateDispatched)
}

// pause waits PreSendDelay without holding any lock. A cancelled request
// context or Close ends the wait early.
func (o *Orchestrator) pause(ctx context.Context) {
	if o.opts.PreSendDelay <= 0 {
		return
	}
	timer := time.NewTimer(o.opts.PreSendDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-o.shutdown:
	}
}

// settleDedup marks a claimed message id processed once the message is
// stored. Otherwise the claim is dropped so a redelivery is handled again.
func (o *Orchestrator) settleDedup(messageID string, stored bool) {
	if stored {
		if err := o.deps.Dedup.MarkProcessed(messageID); err != nil {
			slog.Warn("Orchestrator: mark processed failed", "error", err, "messageID", messageID)
		}
		return
	}
	if err := o.deps.Dedup.ReleaseInbound(messageID); err != nil {
		slog.Error("Orchestrator: failed to release message id", "error", err, "messageID", messageID)
	}
}

func (o *Orchestrator) markAttendance(ctx context.Context, phone string) {
	if err := o.opts.Attendance.Mark(ctx, phone); err != nil {
		slog.Warn("Orchestrator: failed to set attendance marker", "error", err, "phone", phone)
	}
}

func (o *Orchestrator) fail(res Result, reason string, err error) Result {
	slog.Error("Orchestrator.Handle: "+reason, "error", err, "conversationID", res.ConversationID)
	res.Status = OutcomeError
	res.Reason = fmt.Sprintf("%s: %v", reason, err)
	return res
}
