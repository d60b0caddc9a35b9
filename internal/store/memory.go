package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/PromptDesk/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a process-local Store. All methods are safe for concurrent use.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	settings      models.Settings
	prompts       map[string]models.BotPrompt
	instances     map[string]models.ChannelInstance
	dedup         map[string]DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.Conversation),
		prompts:       make(map[string]models.BotPrompt),
		instances:     make(map[string]models.ChannelInstance),
		dedup:         make(map[string]DedupRecord),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func (s *InMemoryStore) FindOpen(ctx context.Context, phone string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.findOpenLocked(phone); c != nil {
		return headerCopy(c), nil
	}
	return nil, models.ErrConversationNotFound
}

func (s *InMemoryStore) findOpenLocked(phone string) *models.Conversation {
	for _, c := range s.conversations {
		if c.PhoneNumber == phone && c.IsOpen() {
			return c
		}
	}
	return nil
}

func (s *InMemoryStore) Create(ctx context.Context, phone, userName string) (*models.Conversation, error) {
	if phone == "" {
		return nil, models.ErrEmptyPhone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findOpenLocked(phone) != nil {
		return nil, ErrOpenConversationExists
	}
	now := nowUTC()
	c := &models.Conversation{
		ID:            uuid.NewString(),
		UserID:        phone,
		PhoneNumber:   phone,
		UserName:      userName,
		Status:        models.ConversationStatusActive,
		StartedAt:     now,
		LastMessageAt: now,
	}
	s.conversations[c.ID] = c
	return headerCopy(c), nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, conversationID string, sender models.Sender, content string) (models.Message, error) {
	if !models.IsValidSender(sender) {
		return models.Message{}, models.ErrInvalidSender
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return models.Message{}, models.ErrConversationNotFound
	}
	if !c.IsOpen() {
		return models.Message{}, models.ErrConversationClosed
	}
	m := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		MessageType:    "text",
		Timestamp:      nowUTC(),
	}
	c.Messages = append(c.Messages, m)
	c.LastMessageAt = laterOf(c.LastMessageAt, m.Timestamp)
	return m, nil
}

func (s *InMemoryStore) SetFlags(ctx context.Context, conversationID string, flags models.ConversationFlags) error {
	if flags.Status != nil && !models.IsValidConversationStatus(*flags.Status) {
		return models.ErrInvalidStatus
	}
	if flags.IsEmpty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return models.ErrConversationNotFound
	}
	flags.Apply(c)
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, conversationID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, models.ErrConversationNotFound
	}
	out := headerCopy(c)
	out.Messages = append([]models.Message(nil), c.Messages...)
	return out, nil
}

func (s *InMemoryStore) List(ctx context.Context, status models.ConversationStatus) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, *headerCopy(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *InMemoryStore) Stats(ctx context.Context, since time.Time) (models.DashboardStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats models.DashboardStats
	phones := make(map[string]struct{})
	for _, c := range s.conversations {
		phones[c.PhoneNumber] = struct{}{}
		switch c.Status {
		case models.ConversationStatusActive:
			stats.ActiveConversations++
		case models.ConversationStatusTransferred:
			stats.TransferredConversations++
		}
		for _, m := range c.Messages {
			if !m.Timestamp.Before(since) {
				stats.MessagesToday++
			}
		}
	}
	stats.TotalUsers = len(phones)
	return stats, nil
}

// headerCopy copies a conversation without its messages.
func headerCopy(c *models.Conversation) *models.Conversation {
	out := *c
	out.Messages = nil
	return &out
}

func (s *InMemoryStore) GetSettings(ctx context.Context) (models.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.settings
	if out.TransferKeywords != nil {
		out.TransferKeywords = append([]string{}, out.TransferKeywords...)
	}
	return out, nil
}

func (s *InMemoryStore) SaveSettings(ctx context.Context, settings models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings.TransferKeywords != nil {
		settings.TransferKeywords = append([]string{}, settings.TransferKeywords...)
	}
	settings.UpdatedAt = nowUTC()
	s.settings = settings
	return nil
}

func (s *InMemoryStore) ActivePrompt(ctx context.Context) (*models.BotPrompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.prompts {
		if p.IsActive {
			p := p
			return &p, nil
		}
	}
	return nil, models.ErrPromptNotFound
}

func (s *InMemoryStore) GetPrompt(ctx context.Context, id string) (*models.BotPrompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[id]
	if !ok {
		return nil, models.ErrPromptNotFound
	}
	return &p, nil
}

func (s *InMemoryStore) ListPrompts(ctx context.Context) ([]models.BotPrompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BotPrompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) SavePrompt(ctx context.Context, p *models.BotPrompt) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowUTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.CreatedAt = now
	} else if old, ok := s.prompts[p.ID]; ok {
		p.CreatedAt = old.CreatedAt
	} else {
		return models.ErrPromptNotFound
	}
	p.UpdatedAt = now
	if p.IsActive {
		s.deactivatePromptsLocked()
	}
	s.prompts[p.ID] = *p
	return nil
}

func (s *InMemoryStore) deactivatePromptsLocked() {
	for id, other := range s.prompts {
		other.IsActive = false
		s.prompts[id] = other
	}
}

func (s *InMemoryStore) DeletePrompt(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prompts[id]; !ok {
		return models.ErrPromptNotFound
	}
	delete(s.prompts, id)
	return nil
}

func (s *InMemoryStore) ActivatePrompt(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[id]
	if !ok {
		return models.ErrPromptNotFound
	}
	s.deactivatePromptsLocked()
	p.IsActive = true
	p.UpdatedAt = nowUTC()
	s.prompts[id] = p
	return nil
}

func (s *InMemoryStore) DefaultInstance(ctx context.Context) (*models.ChannelInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.instances {
		if c.IsDefault {
			c := c
			return &c, nil
		}
	}
	return nil, models.ErrInstanceNotFound
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*models.ChannelInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.instances[id]
	if !ok {
		return nil, models.ErrInstanceNotFound
	}
	return &c, nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context) ([]models.ChannelInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ChannelInstance, 0, len(s.instances))
	for _, c := range s.instances {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) SaveInstance(ctx context.Context, c *models.ChannelInstance) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
		c.CreatedAt = nowUTC()
	} else if old, ok := s.instances[c.ID]; ok {
		c.CreatedAt = old.CreatedAt
	} else {
		return models.ErrInstanceNotFound
	}
	if c.IsDefault {
		s.clearDefaultLocked()
	}
	s.instances[c.ID] = *c
	return nil
}

func (s *InMemoryStore) clearDefaultLocked() {
	for id, other := range s.instances {
		other.IsDefault = false
		s.instances[id] = other
	}
}

func (s *InMemoryStore) SetDefaultInstance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.instances[id]
	if !ok {
		return models.ErrInstanceNotFound
	}
	s.clearDefaultLocked()
	c.IsDefault = true
	s.instances[id] = c
	return nil
}

func (s *InMemoryStore) RecordInbound(messageID, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, Phone: phone, ReceivedAt: nowUTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := nowUTC()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

func (s *InMemoryStore) ReleaseInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok && rec.ProcessedAt == nil {
		delete(s.dedup, messageID)
	}
	return nil
}
