package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"redforge/internal/campaign"
	"redforge/internal/logging"
)

// SaveCampaign upserts a campaign record. The stage column is kept in
// sync with the body for indexed listing.
func (s *Store) SaveCampaign(ctx context.Context, c *campaign.Campaign) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("store: campaign missing id")
	}

	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, target_url, stage, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			target_url = excluded.target_url,
			stage = excluded.stage,
			body = excluded.body,
			updated_at = CURRENT_TIMESTAMP`,
		c.ID, c.TargetURL, string(c.Stage), string(body),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("SaveCampaign %s failed: %v", c.ID, err)
		return fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
	}

	logging.StoreDebug("Saved campaign %s (stage=%s)", c.ID, c.Stage)
	return nil
}

// GetCampaign fetches a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body string
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM campaigns WHERE id = ?", id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}

	var c campaign.Campaign
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign %s: %w", id, err)
	}
	return &c, nil
}

// ListCampaigns returns campaigns newest first, optionally filtered
// by stage. Pass an empty stage for all.
func (s *Store) ListCampaigns(ctx context.Context, stage campaign.Stage) ([]*campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT body FROM campaigns ORDER BY created_at DESC"
	args := []interface{}{}
	if stage != "" {
		query = "SELECT body FROM campaigns WHERE stage = ? ORDER BY created_at DESC"
		args = append(args, string(stage))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			continue
		}
		var c campaign.Campaign
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			logging.StoreWarn("Skipping unreadable campaign row: %v", err)
			continue
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteCampaign removes a campaign record and its artifacts.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM campaigns WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete campaign %s: %w", id, err)
	}
	// Phase artifacts are keyed by scan id, which embeds the campaign
	// linkage in the body; the campaign row keeps the artifact ids.
	if _, err := tx.ExecContext(ctx, "DELETE FROM episode_vectors WHERE campaign_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete episode vectors for %s: %w", id, err)
	}

	return tx.Commit()
}
