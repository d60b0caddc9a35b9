package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PromptDesk/internal/models"
	"github.com/google/uuid"
)

const (
	dialectSQLite   = "sqlite3"
	dialectPostgres = "postgres"
)

// sqlStore holds the queries shared by the SQLite and Postgres backends.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	dialect string
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// rebind rewrites '?' placeholders into '$n' for Postgres.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// isUniqueViolation reports whether err is a unique-constraint failure in either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

const conversationColumns = `id, user_id, phone_number, user_name, status, transferred_to_human, notified_owner, started_at, last_message_at`

func scanConversation(scan func(dest ...interface{}) error) (*models.Conversation, error) {
	var c models.Conversation
	var status string
	err := scan(&c.ID, &c.UserID, &c.PhoneNumber, &c.UserName, &status,
		&c.TransferredToHuman, &c.NotifiedOwner, &c.StartedAt, &c.LastMessageAt)
	if err != nil {
		return nil, err
	}
	c.Status = models.ConversationStatus(status)
	return &c, nil
}

func (s *sqlStore) FindOpen(ctx context.Context, phone string) (*models.Conversation, error) {
	row := s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE phone_number = ? AND status <> 'closed'
		ORDER BY started_at DESC LIMIT 1`, phone)
	c, err := scanConversation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrConversationNotFound
	}
	if err != nil {
		slog.Error("sqlStore.FindOpen failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to find open conversation: %w", err)
	}
	return c, nil
}

func (s *sqlStore) Create(ctx context.Context, phone, userName string) (*models.Conversation, error) {
	if phone == "" {
		return nil, models.ErrEmptyPhone
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
	_, err := s.exec(ctx, `INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.PhoneNumber, c.UserName, string(c.Status),
		c.TransferredToHuman, c.NotifiedOwner, c.StartedAt, c.LastMessageAt)
	if isUniqueViolation(err) {
		return nil, ErrOpenConversationExists
	}
	if err != nil {
		slog.Error("sqlStore.Create failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	slog.Debug("sqlStore.Create: conversation created", "conversationID", c.ID, "phone", phone)
	return c, nil
}

func (s *sqlStore) AppendMessage(ctx context.Context, conversationID string, sender models.Sender, content string) (models.Message, error) {
	if !models.IsValidSender(sender) {
		return models.Message{}, models.ErrInvalidSender
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var last time.Time
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT status, last_message_at FROM conversations WHERE id = ?`), conversationID).
		Scan(&status, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, models.ErrConversationNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	if models.ConversationStatus(status) == models.ConversationStatusClosed {
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
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO messages (id, conversation_id, sender, content, message_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, string(m.Sender), m.Content, m.MessageType, m.Timestamp); err != nil {
		return models.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE conversations SET last_message_at = ? WHERE id = ?`),
		laterOf(last.UTC(), m.Timestamp), conversationID); err != nil {
		return models.Message{}, fmt.Errorf("failed to update last_message_at: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("failed to commit message: %w", err)
	}
	slog.Debug("sqlStore.AppendMessage succeeded", "conversationID", conversationID, "sender", sender)
	return m, nil
}

func (s *sqlStore) SetFlags(ctx context.Context, conversationID string, flags models.ConversationFlags) error {
	if flags.Status != nil && !models.IsValidConversationStatus(*flags.Status) {
		return models.ErrInvalidStatus
	}
	if flags.IsEmpty() {
		return nil
	}
	var sets []string
	var args []interface{}
	if flags.TransferredToHuman != nil {
		sets = append(sets, "transferred_to_human = ?")
		args = append(args, *flags.TransferredToHuman)
	}
	if flags.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*flags.Status))
	}
	if flags.NotifiedOwner != nil {
		sets = append(sets, "notified_owner = ?")
		args = append(args, *flags.NotifiedOwner)
	}
	if flags.UserName != nil {
		sets = append(sets, "user_name = ?")
		args = append(args, *flags.UserName)
	}
	args = append(args, conversationID)
	res, err := s.exec(ctx, `UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if isUniqueViolation(err) {
		return ErrOpenConversationExists
	}
	if err != nil {
		slog.Error("sqlStore.SetFlags failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to update conversation flags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConversationNotFound
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, conversationID string) (*models.Conversation, error) {
	row := s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID)
	c, err := scanConversation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	rows, err := s.query(ctx, `SELECT id, conversation_id, sender, content, message_type, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m models.Message
		var sender string
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &m.MessageType, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Sender = models.Sender(sender)
		c.Messages = append(c.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return c, nil
}

func (s *sqlStore) List(ctx context.Context, status models.ConversationStatus) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY last_message_at DESC`
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()
	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *sqlStore) Stats(ctx context.Context, since time.Time) (models.DashboardStats, error) {
	var stats models.DashboardStats
	err := s.queryRow(ctx, `SELECT
		COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'transferred' THEN 1 ELSE 0 END), 0),
		COUNT(DISTINCT phone_number)
		FROM conversations`).Scan(&stats.ActiveConversations, &stats.TransferredConversations, &stats.TotalUsers)
	if err != nil {
		return stats, fmt.Errorf("failed to count conversations: %w", err)
	}
	err = s.queryRow(ctx, `SELECT COUNT(*) FROM messages WHERE created_at >= ?`, since.UTC()).Scan(&stats.MessagesToday)
	if err != nil {
		return stats, fmt.Errorf("failed to count messages: %w", err)
	}
	return stats, nil
}
