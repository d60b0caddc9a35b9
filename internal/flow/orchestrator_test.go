package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/PromptDesk/internal/cache"
	"github.com/BTreeMap/PromptDesk/internal/models"
	"github.com/BTreeMap/PromptDesk/internal/responder"
	"github.com/BTreeMap/PromptDesk/internal/store"
)

type sentText struct {
	instance string
	phone    string
	text     string
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sentText
	fail bool
}

func (d *fakeDispatcher) SendText(ctx context.Context, instance models.ChannelInstance, phone, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentText{instance: instance.InstanceName, phone: phone, text: text})
	return !d.fail
}

func (d *fakeDispatcher) to(phone string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, s := range d.sent {
		if s.phone == phone {
			out = append(out, s.text)
		}
	}
	return out
}

type fakeResponder struct {
	src *fakeResponders
}

func (r fakeResponder) Reply(ctx context.Context, req responder.Request) string {
	r.src.mu.Lock()
	defer r.src.mu.Unlock()
	r.src.requests = append(r.src.requests, req)
	return r.src.reply
}

type fakeResponders struct {
	mu       sync.Mutex
	reply    string
	keys     []string
	requests []responder.Request
	err      error
}

func (f *fakeResponders) ForAPIKey(apiKey string) (responder.Responder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, apiKey)
	if f.err != nil {
		return nil, f.err
	}
	return fakeResponder{src: f}, nil
}

func (f *fakeResponders) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// countingStore counts conversation and dedup writes.
type countingStore struct {
	*store.InMemoryStore
	writes     atomic.Int32
	failAppend atomic.Bool
}

func (s *countingStore) Create(ctx context.Context, phone, userName string) (*models.Conversation, error) {
	s.writes.Add(1)
	return s.InMemoryStore.Create(ctx, phone, userName)
}

func (s *countingStore) AppendMessage(ctx context.Context, id string, sender models.Sender, content string) (models.Message, error) {
	s.writes.Add(1)
	if s.failAppend.Load() {
		return models.Message{}, errors.New("disk full")
	}
	return s.InMemoryStore.AppendMessage(ctx, id, sender, content)
}

func (s *countingStore) SetFlags(ctx context.Context, id string, flags models.ConversationFlags) error {
	s.writes.Add(1)
	return s.InMemoryStore.SetFlags(ctx, id, flags)
}

func (s *countingStore) RecordInbound(messageID, phone string) (bool, error) {
	s.writes.Add(1)
	return s.InMemoryStore.RecordInbound(messageID, phone)
}

// flakyLocker fails the first n Lock calls, then behaves like KeyedMutex.
type flakyLocker struct {
	fails atomic.Int32
	inner *cache.KeyedMutex
}

func (l *flakyLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l.fails.Add(-1) >= 0 {
		return nil, errors.New("redsync: failed to acquire lock")
	}
	return l.inner.Lock(ctx, key)
}

type harness struct {
	store      *countingStore
	dispatcher *fakeDispatcher
	responders *fakeResponders
	orch       *Orchestrator
}

func newHarness(t *testing.T, settings models.Settings, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	st := &countingStore{InMemoryStore: store.NewInMemoryStore()}
	if err := st.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	inst := &models.ChannelInstance{Name: "main", InstanceName: "loja", APIURL: "http://evolution", IsDefault: true}
	if err := st.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	st.writes.Store(0)

	h := &harness{
		store:      st,
		dispatcher: &fakeDispatcher{},
		responders: &fakeResponders{reply: "Olá! Como posso ajudar?"},
	}
	opts = append([]Option{WithPreSendDelay(0)}, opts...)
	h.orch = NewOrchestrator(Deps{
		Conversations: st,
		Settings:      st,
		Prompts:       st,
		Channels:      st,
		Dedup:         st,
		Dispatcher:    h.dispatcher,
		Responders:    h.responders,
	}, opts...)
	t.Cleanup(h.orch.Close)
	return h
}

func defaultSettings() models.Settings {
	return models.Settings{OpenAIAPIKey: "sk-test", NotificationPhone: "5511900000000"}
}

func event(phone, text string) models.InboundEvent {
	return models.InboundEvent{Phone: phone, PushName: "Maria", Text: text}
}

func (h *harness) conversation(t *testing.T, phone string) *models.Conversation {
	t.Helper()
	ctx := context.Background()
	head, err := h.store.FindOpen(ctx, phone)
	if err != nil {
		t.Fatalf("FindOpen(%s): %v", phone, err)
	}
	conv, err := h.store.Get(ctx, head.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return conv
}

func senders(conv *models.Conversation) []models.Sender {
	out := make([]models.Sender, len(conv.Messages))
	for i, m := range conv.Messages {
		out[i] = m.Sender
	}
	return out
}

func TestHandle_IgnoredEventsWriteNothing(t *testing.T) {
	tests := []struct {
		name string
		evt  models.InboundEvent
	}{
		{"echo", models.InboundEvent{FromMe: true, Phone: "5511999999999", Text: "oi", MessageID: "m1"}},
		{"empty text", models.InboundEvent{Phone: "5511999999999", Text: "   ", MessageID: "m2"}},
		{"empty phone", models.InboundEvent{Text: "oi", MessageID: "m3"}},
		{"automated sender", models.InboundEvent{Phone: "5511999999999", Text: "Esta é uma mensagem automática", MessageID: "m4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultSettings())
			res := h.orch.Handle(context.Background(), tt.evt)
			if res.Status != OutcomeIgnored {
				t.Errorf("expected ignored, got %s (%s)", res.Status, res.Reason)
			}
			if res.Final() != StateIgnored {
				t.Errorf("expected final state IGNORED, got %s", res.Final())
			}
			if n := h.store.writes.Load(); n != 0 {
				t.Errorf("expected no writes, got %d", n)
			}
			if len(h.dispatcher.sent) != 0 || h.responders.calls() != 0 {
				t.Error("expected no sends and no responder calls")
			}
		})
	}
}

func TestHandle_NewPhoneGetsAIReply(t *testing.T) {
	h := newHarness(t, defaultSettings())
	res := h.orch.Handle(context.Background(), event("5511988887777", "Olá, quanto custa o serviço?"))

	if res.Status != OutcomeAIReplied {
		t.Fatalf("expected ai_replied, got %s (%s)", res.Status, res.Reason)
	}
	if !res.SendAttempted || res.Delivery != DeliverySent {
		t.Errorf("expected a sent reply, got attempted=%v delivery=%s", res.SendAttempted, res.Delivery)
	}
	want := []State{StateReceived, StateProcessing, StateAIReplied, StateDispatched, StateDone}
	if strings.Join(stateStrings(res.Trace), ",") != strings.Join(stateStrings(want), ",") {
		t.Errorf("unexpected trace %v", res.Trace)
	}

	conv := h.conversation(t, "5511988887777")
	if conv.ID != res.ConversationID {
		t.Errorf("result conversation %s, store has %s", res.ConversationID, conv.ID)
	}
	if conv.UserName != "Maria" || conv.Status != models.ConversationStatusActive {
		t.Errorf("unexpected conversation header: %+v", conv)
	}
	if got := senders(conv); len(got) != 2 || got[0] != models.SenderUser || got[1] != models.SenderBot {
		t.Errorf("expected [user bot], got %v", got)
	}
	if sent := h.dispatcher.to("5511988887777"); len(sent) != 1 || sent[0] != "Olá! Como posso ajudar?" {
		t.Errorf("unexpected sends: %v", sent)
	}

	h.responders.mu.Lock()
	req := h.responders.requests[0]
	key := h.responders.keys[0]
	h.responders.mu.Unlock()
	if key != "sk-test" {
		t.Errorf("expected settings API key, got %q", key)
	}
	if req.SystemPrompt != models.DefaultSystemPrompt || req.CustomerName != "Maria" {
		t.Errorf("unexpected request: %+v", req)
	}
	if len(req.History) != 1 || req.History[0].Content != "Olá, quanto custa o serviço?" {
		t.Errorf("history must include the current turn, got %+v", req.History)
	}
}

func stateStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func TestHandle_KeywordNotifiesOwnerOnce(t *testing.T) {
	h := newHarness(t, defaultSettings())
	ctx := context.Background()
	phone := "5511977776666"

	h.orch.Handle(ctx, event(phone, "bom dia"))
	res := h.orch.Handle(ctx, event(phone, "quero falar com atendente"))
	if res.Status != OutcomeAIReplied {
		t.Fatalf("soft transfer must keep the bot replying, got %s", res.Status)
	}
	if !res.OwnerNotified {
		t.Error("expected owner notification to be sent")
	}
	notes := h.dispatcher.to("5511900000000")
	if len(notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notes))
	}
	for _, want := range []string{"Maria", phone, "https://wa.me/" + phone, "bom dia", "quero falar com atendente"} {
		if !strings.Contains(notes[0], want) {
			t.Errorf("notification missing %q:\n%s", want, notes[0])
		}
	}

	conv := h.conversation(t, phone)
	if !conv.NotifiedOwner || conv.TransferredToHuman || conv.Status != models.ConversationStatusActive {
		t.Errorf("unexpected flags: %+v", conv)
	}

	res = h.orch.Handle(ctx, event(phone, "falar com atendente por favor"))
	if res.OwnerNotified {
		t.Error("second keyword must not notify again")
	}
	if got := len(h.dispatcher.to("5511900000000")); got != 1 {
		t.Errorf("expected still one notification, got %d", got)
	}
}

func TestHandle_NotifyEveryKeyword(t *testing.T) {
	settings := defaultSettings()
	settings.NotifyEveryKeyword = true
	h := newHarness(t, settings)
	ctx := context.Background()

	h.orch.Handle(ctx, event("5511966665555", "falar com atendente"))
	h.orch.Handle(ctx, event("5511966665555", "falar com atendente"))
	if got := len(h.dispatcher.to("5511900000000")); got != 2 {
		t.Errorf("expected two notifications, got %d", got)
	}
	if h.conversation(t, "5511966665555").NotifiedOwner {
		t.Error("notified_owner must stay false when every keyword notifies")
	}
}

func TestHandle_NameRequestSkipsResponder(t *testing.T) {
	h := newHarness(t, defaultSettings())
	res := h.orch.Handle(context.Background(), event("5511955554444", "qual é o seu nome?"))
	if res.Status != OutcomeFastPathReplied || res.FastPath != FastPathName {
		t.Fatalf("expected name fast path, got %s/%s", res.Status, res.FastPath)
	}
	if res.Reply != DefaultNameReply {
		t.Errorf("unexpected reply %q", res.Reply)
	}
	if h.responders.calls() != 0 {
		t.Error("responder must not be called on the fast path")
	}
	if sent := h.dispatcher.to("5511955554444"); len(sent) != 1 || sent[0] != DefaultNameReply {
		t.Errorf("unexpected sends: %v", sent)
	}
}

func TestHandle_MenuSelection(t *testing.T) {
	h := newHarness(t, defaultSettings())
	res := h.orch.Handle(context.Background(), event("5511944443333", "Digite uma opção:\n1 - Comercial\n2 - Financeiro"))
	if res.Status != OutcomeFastPathReplied || res.FastPath != FastPathMenu {
		t.Fatalf("expected menu fast path, got %s/%s", res.Status, res.FastPath)
	}
	if res.Reply != "2" {
		t.Errorf("expected financeiro option 2, got %q", res.Reply)
	}
}

func TestHandle_HardTransfer(t *testing.T) {
	h := newHarness(t, defaultSettings(), WithTransferOnKeyword(true))
	ctx := context.Background()
	phone := "5511933332222"

	res := h.orch.Handle(ctx, event(phone, "quero falar com atendente"))
	if res.Status != OutcomeTransferred || res.Reply != DefaultTransferMessage {
		t.Fatalf("expected transfer, got %s %q", res.Status, res.Reply)
	}
	conv := h.conversation(t, phone)
	if !conv.TransferredToHuman || conv.Status != models.ConversationStatusTransferred {
		t.Errorf("expected transferred conversation, got %+v", conv)
	}

	res = h.orch.Handle(ctx, event(phone, "alô?"))
	if res.Status != OutcomeTransferred || res.SendAttempted {
		t.Errorf("transferred conversation must stay silent, got %+v", res)
	}
	if h.responders.calls() != 0 {
		t.Error("responder must not be called")
	}
	if got := senders(h.conversation(t, phone)); got[len(got)-1] != models.SenderUser {
		t.Errorf("the customer message must still be stored, got %v", got)
	}
}

func TestHandle_MissingAPIKey(t *testing.T) {
	h := newHarness(t, models.Settings{})
	res := h.orch.Handle(context.Background(), event("5511922221111", "oi"))
	if res.Status != OutcomeError || res.Reason != "API key not configured" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(h.dispatcher.sent) != 0 {
		t.Error("expected no sends")
	}

	h = newHarness(t, models.Settings{}, WithFallbackAPIKey("sk-env"))
	res = h.orch.Handle(context.Background(), event("5511922221111", "oi"))
	if res.Status != OutcomeAIReplied {
		t.Fatalf("fallback key must be used, got %s", res.Status)
	}
}

func TestHandle_DuplicateMessageID(t *testing.T) {
	h := newHarness(t, defaultSettings())
	evt := event("5511911110000", "oi")
	evt.MessageID = "ABC123"
	if res := h.orch.Handle(context.Background(), evt); res.Status != OutcomeAIReplied {
		t.Fatalf("first delivery: %s", res.Status)
	}
	res := h.orch.Handle(context.Background(), evt)
	if res.Status != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", res.Status)
	}
	if got := len(h.conversation(t, "5511911110000").Messages); got != 2 {
		t.Errorf("expected 2 messages, got %d", got)
	}
}

func TestHandle_FailedEventCanBeRedelivered(t *testing.T) {
	tests := []struct {
		name     string
		settings models.Settings
		setup    func(h *harness) []Option
		fix      func(t *testing.T, h *harness)
	}{
		{
			name:     "missing api key",
			settings: models.Settings{},
			setup: func(h *harness) []Option {
				return nil
			},
			fix: func(t *testing.T, h *harness) {
				if err := h.store.SaveSettings(context.Background(), defaultSettings()); err != nil {
					t.Fatalf("SaveSettings: %v", err)
				}
			},
		},
		{
			name:     "lock unavailable",
			settings: defaultSettings(),
			setup: func(h *harness) []Option {
				l := &flakyLocker{inner: cache.NewKeyedMutex()}
				l.fails.Store(1)
				return []Option{WithLocker(l)}
			},
			fix: func(t *testing.T, h *harness) {},
		},
		{
			name:     "store error before append",
			settings: defaultSettings(),
			setup: func(h *harness) []Option {
				h.store.failAppend.Store(true)
				return nil
			},
			fix: func(t *testing.T, h *harness) {
				h.store.failAppend.Store(false)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.settings)
			if opts := tt.setup(h); len(opts) > 0 {
				h.orch = NewOrchestrator(h.orch.deps, append([]Option{WithPreSendDelay(0)}, opts...)...)
				t.Cleanup(h.orch.Close)
			}
			phone := "5511955550000"
			evt := event(phone, "oi")
			evt.MessageID = "WAMID-1"

			if res := h.orch.Handle(context.Background(), evt); res.Status != OutcomeError {
				t.Fatalf("first delivery: expected error, got %s (%s)", res.Status, res.Reason)
			}
			tt.fix(t, h)

			res := h.orch.Handle(context.Background(), evt)
			if res.Status != OutcomeAIReplied {
				t.Fatalf("redelivery: expected ai_replied, got %s (%s)", res.Status, res.Reason)
			}
			if got := senders(h.conversation(t, phone)); len(got) != 2 {
				t.Errorf("expected user and bot message, got %v", got)
			}
			if got := h.dispatcher.to(phone); len(got) != 1 {
				t.Errorf("expected one reply sent, got %v", got)
			}
			if res := h.orch.Handle(context.Background(), evt); res.Status != OutcomeDuplicate {
				t.Errorf("third delivery: expected duplicate, got %s", res.Status)
			}
		})
	}
}

func TestHandle_ResponderSeesTrailingWindow(t *testing.T) {
	h := newHarness(t, defaultSettings())
	phone := "5511977770000"
	for i := 0; i < 9; i++ {
		h.orch.Handle(context.Background(), event(phone, fmt.Sprintf("pergunta %d", i)))
	}
	h.responders.mu.Lock()
	last := h.responders.requests[len(h.responders.requests)-1]
	h.responders.mu.Unlock()

	if got := len(last.History); got != responder.HistoryWindow {
		t.Fatalf("expected %d history entries, got %d", responder.HistoryWindow, got)
	}
	if tail := last.History[len(last.History)-1]; tail.Content != "pergunta 8" {
		t.Errorf("history must end with the current message, got %q", tail.Content)
	}
}

func TestHandle_NoDefaultChannel(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.orch.deps.Channels = store.NewInMemoryStore()
	res := h.orch.Handle(context.Background(), event("5511900001111", "oi"))
	if res.Status != OutcomeAIReplied || res.Delivery != DeliverySkipped || res.SendAttempted {
		t.Errorf("unexpected result %+v", res)
	}
	if got := len(h.conversation(t, "5511900001111").Messages); got != 2 {
		t.Errorf("reply must still be stored, got %d messages", got)
	}
}

func TestHandle_DeliveryFailure(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.dispatcher.fail = true
	res := h.orch.Handle(context.Background(), event("5511900002222", "oi"))
	if res.Delivery != DeliveryFailed || !res.SendAttempted {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandle_ResponderUnavailable(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.responders.err = errors.New("bad key")
	res := h.orch.Handle(context.Background(), event("5511900003333", "oi"))
	if res.Status != OutcomeAIReplied || res.Reply != responder.ApologyMessage {
		t.Errorf("expected apology, got %+v", res)
	}
}

func TestHandle_ActivePromptAndPinnedPrompt(t *testing.T) {
	h := newHarness(t, defaultSettings())
	ctx := context.Background()
	active := &models.BotPrompt{Name: "loja", SystemPrompt: "Você atende a loja.", IsActive: true}
	pinned := &models.BotPrompt{Name: "vip", SystemPrompt: "Você atende clientes VIP."}
	if err := h.store.SavePrompt(ctx, active); err != nil {
		t.Fatal(err)
	}
	if err := h.store.SavePrompt(ctx, pinned); err != nil {
		t.Fatal(err)
	}

	h.orch.Handle(ctx, event("5511900004444", "oi"))
	settings := defaultSettings()
	settings.SystemPromptID = pinned.ID
	if err := h.store.SaveSettings(ctx, settings); err != nil {
		t.Fatal(err)
	}
	h.orch.Handle(ctx, event("5511900004444", "oi de novo"))

	h.responders.mu.Lock()
	defer h.responders.mu.Unlock()
	if got := h.responders.requests[0].SystemPrompt; got != active.SystemPrompt {
		t.Errorf("expected active prompt, got %q", got)
	}
	if got := h.responders.requests[1].SystemPrompt; got != pinned.SystemPrompt {
		t.Errorf("expected pinned prompt, got %q", got)
	}
}

func TestHandle_DisplayNameUpgrade(t *testing.T) {
	h := newHarness(t, defaultSettings())
	ctx := context.Background()
	h.orch.Handle(ctx, models.InboundEvent{Phone: "5511900005555", Text: "oi"})
	if got := h.conversation(t, "5511900005555").UserName; got != models.DefaultDisplayName {
		t.Fatalf("expected placeholder name, got %q", got)
	}
	h.orch.Handle(ctx, models.InboundEvent{Phone: "5511900005555", PushName: "João", Text: "tudo bem?"})
	if got := h.conversation(t, "5511900005555").UserName; got != "João" {
		t.Errorf("expected upgraded name, got %q", got)
	}
	h.orch.Handle(ctx, models.InboundEvent{Phone: "5511900005555", PushName: "Unknown", Text: "?"})
	if got := h.conversation(t, "5511900005555").UserName; got != "João" {
		t.Errorf("real name must not be downgraded, got %q", got)
	}
}

func TestHandle_CloseCutsPreSendDelay(t *testing.T) {
	h := newHarness(t, defaultSettings(), WithPreSendDelay(time.Hour))
	done := make(chan Result, 1)
	go func() {
		done <- h.orch.Handle(context.Background(), event("5511900006666", "oi"))
	}()
	time.Sleep(50 * time.Millisecond)
	h.orch.Close()
	select {
	case res := <-done:
		if res.Delivery != DeliverySent {
			t.Errorf("reply must still be sent after Close, got %s", res.Delivery)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after Close")
	}
}

func TestHandle_CancelledRequestStillCompletes(t *testing.T) {
	h := newHarness(t, defaultSettings(), WithPreSendDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- h.orch.Handle(ctx, event("5511900007777", "oi"))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case res := <-done:
		if res.Status != OutcomeAIReplied || res.Delivery != DeliverySent {
			t.Errorf("unexpected result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after cancellation")
	}
}

func TestHandle_ConcurrentEventsSamePhone(t *testing.T) {
	h := newHarness(t, defaultSettings())
	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.orch.Handle(context.Background(), event("5511900008888", "oi"))
		}()
	}
	wg.Wait()

	convs, err := h.store.List(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected one conversation, got %d", len(convs))
	}
	msgs := h.conversation(t, "5511900008888").Messages
	if len(msgs) != 2*n {
		t.Fatalf("expected %d messages, got %d", 2*n, len(msgs))
	}
	for i := 0; i < len(msgs); i += 2 {
		if msgs[i].Sender != models.SenderUser || msgs[i+1].Sender != models.SenderBot {
			t.Fatalf("turns interleaved at %d: %v", i, senders(&models.Conversation{Messages: msgs}))
		}
	}
}
