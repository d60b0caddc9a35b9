package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/PromptDesk/internal/models"
	"github.com/google/uuid"
)

// settingsRowID is the primary key of the single settings row.
const settingsRowID = 1

func (s *sqlStore) GetSettings(ctx context.Context) (models.Settings, error) {
	var out models.Settings
	var keywords sql.NullString
	err := s.queryRow(ctx, `SELECT openai_api_key, system_prompt_id, transfer_keywords, notification_phone, notify_every_keyword, updated_at
		FROM settings WHERE id = ?`, settingsRowID).
		Scan(&out.OpenAIAPIKey, &out.SystemPromptID, &keywords, &out.NotificationPhone, &out.NotifyEveryKeyword, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Settings{}, nil
	}
	if err != nil {
		slog.Error("sqlStore.GetSettings failed", "error", err)
		return out, fmt.Errorf("failed to load settings: %w", err)
	}
	if keywords.Valid {
		if err := json.Unmarshal([]byte(keywords.String), &out.TransferKeywords); err != nil {
			return out, fmt.Errorf("failed to decode transfer keywords: %w", err)
		}
		if out.TransferKeywords == nil {
			out.TransferKeywords = []string{}
		}
	}
	return out, nil
}

func (s *sqlStore) SaveSettings(ctx context.Context, settings models.Settings) error {
	var keywords interface{}
	if settings.TransferKeywords != nil {
		raw, err := json.Marshal(settings.TransferKeywords)
		if err != nil {
			return fmt.Errorf("failed to encode transfer keywords: %w", err)
		}
		keywords = string(raw)
	}
	_, err := s.exec(ctx, `INSERT INTO settings (id, openai_api_key, system_prompt_id, transfer_keywords, notification_phone, notify_every_keyword, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			openai_api_key = excluded.openai_api_key,
			system_prompt_id = excluded.system_prompt_id,
			transfer_keywords = excluded.transfer_keywords,
			notification_phone = excluded.notification_phone,
			notify_every_keyword = excluded.notify_every_keyword,
			updated_at = excluded.updated_at`,
		settingsRowID, settings.OpenAIAPIKey, settings.SystemPromptID, keywords,
		settings.NotificationPhone, settings.NotifyEveryKeyword, nowUTC())
	if err != nil {
		slog.Error("sqlStore.SaveSettings failed", "error", err)
		return fmt.Errorf("failed to save settings: %w", err)
	}
	slog.Debug("sqlStore.SaveSettings succeeded", "api_key_set", settings.OpenAIAPIKey != "", "keywords_override", settings.TransferKeywords != nil)
	return nil
}

const promptColumns = `id, name, system_prompt, is_active, created_at, updated_at`

func scanPrompt(scan func(dest ...interface{}) error) (*models.BotPrompt, error) {
	var p models.BotPrompt
	if err := scan(&p.ID, &p.Name, &p.SystemPrompt, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *sqlStore) ActivePrompt(ctx context.Context) (*models.BotPrompt, error) {
	p, err := scanPrompt(s.queryRow(ctx, `SELECT `+promptColumns+` FROM bot_prompts WHERE is_active = ? LIMIT 1`, true).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrPromptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active prompt: %w", err)
	}
	return p, nil
}

func (s *sqlStore) GetPrompt(ctx context.Context, id string) (*models.BotPrompt, error) {
	p, err := scanPrompt(s.queryRow(ctx, `SELECT `+promptColumns+` FROM bot_prompts WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrPromptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt: %w", err)
	}
	return p, nil
}

func (s *sqlStore) ListPrompts(ctx context.Context) ([]models.BotPrompt, error) {
	rows, err := s.query(ctx, `SELECT `+promptColumns+` FROM bot_prompts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()
	out := []models.BotPrompt{}
	for rows.Next() {
		p, err := scanPrompt(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prompt row: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *sqlStore) SavePrompt(ctx context.Context, p *models.BotPrompt) error {
	if err := p.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if p.IsActive {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE bot_prompts SET is_active = ?`), false); err != nil {
			return fmt.Errorf("failed to deactivate prompts: %w", err)
		}
	}
	now := nowUTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.CreatedAt = now
		p.UpdatedAt = now
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO bot_prompts (`+promptColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			p.ID, p.Name, p.SystemPrompt, p.IsActive, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert prompt: %w", err)
		}
	} else {
		p.UpdatedAt = now
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE bot_prompts SET name = ?, system_prompt = ?, is_active = ?, updated_at = ? WHERE id = ?`),
			p.Name, p.SystemPrompt, p.IsActive, p.UpdatedAt, p.ID)
		if err != nil {
			return fmt.Errorf("failed to update prompt: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrPromptNotFound
		}
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT created_at FROM bot_prompts WHERE id = ?`), p.ID).Scan(&p.CreatedAt); err != nil {
			return fmt.Errorf("failed to reload prompt: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) DeletePrompt(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM bot_prompts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrPromptNotFound
	}
	return nil
}

func (s *sqlStore) ActivatePrompt(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE bot_prompts SET is_active = ?`), false); err != nil {
		return fmt.Errorf("failed to deactivate prompts: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE bot_prompts SET is_active = ?, updated_at = ? WHERE id = ?`), true, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to activate prompt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrPromptNotFound
	}
	return tx.Commit()
}

const instanceColumns = `id, name, driver, api_url, api_key, instance_name, account_id, is_default, created_at`

func scanInstance(scan func(dest ...interface{}) error) (*models.ChannelInstance, error) {
	var c models.ChannelInstance
	var driver string
	if err := scan(&c.ID, &c.Name, &driver, &c.APIURL, &c.APIKey, &c.InstanceName, &c.AccountID, &c.IsDefault, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Driver = models.ChannelDriver(driver)
	return &c, nil
}

func (s *sqlStore) DefaultInstance(ctx context.Context) (*models.ChannelInstance, error) {
	c, err := scanInstance(s.queryRow(ctx, `SELECT `+instanceColumns+` FROM channel_instances WHERE is_default = ? LIMIT 1`, true).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load default instance: %w", err)
	}
	return c, nil
}

func (s *sqlStore) GetInstance(ctx context.Context, id string) (*models.ChannelInstance, error) {
	c, err := scanInstance(s.queryRow(ctx, `SELECT `+instanceColumns+` FROM channel_instances WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	return c, nil
}

func (s *sqlStore) ListInstances(ctx context.Context) ([]models.ChannelInstance, error) {
	rows, err := s.query(ctx, `SELECT `+instanceColumns+` FROM channel_instances ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()
	out := []models.ChannelInstance{}
	for rows.Next() {
		c, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance row: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveInstance(ctx context.Context, c *models.ChannelInstance) error {
	if err := c.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if c.IsDefault {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE channel_instances SET is_default = ?`), false); err != nil {
			return fmt.Errorf("failed to clear default instance: %w", err)
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
		c.CreatedAt = nowUTC()
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO channel_instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			c.ID, c.Name, string(c.Driver), c.APIURL, c.APIKey, c.InstanceName, c.AccountID, c.IsDefault, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert instance: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE channel_instances
			SET name = ?, driver = ?, api_url = ?, api_key = ?, instance_name = ?, account_id = ?, is_default = ?
			WHERE id = ?`),
			c.Name, string(c.Driver), c.APIURL, c.APIKey, c.InstanceName, c.AccountID, c.IsDefault, c.ID)
		if err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrInstanceNotFound
		}
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT created_at FROM channel_instances WHERE id = ?`), c.ID).Scan(&c.CreatedAt); err != nil {
			return fmt.Errorf("failed to reload instance: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) SetDefaultInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE channel_instances SET is_default = ?`), false); err != nil {
		return fmt.Errorf("failed to clear default instance: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE channel_instances SET is_default = ? WHERE id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("failed to set default instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrInstanceNotFound
	}
	return tx.Commit()
}
