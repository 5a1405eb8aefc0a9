package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"redforge/internal/campaign"
	"redforge/internal/logging"
)

// ErrNotFound is returned when an artifact, campaign or episode does
// not exist.
var ErrNotFound = errors.New("store: not found")

// ErrUnknownKind is returned for artifact kinds outside ValidKinds.
var ErrUnknownKind = errors.New("store: unknown artifact kind")

func validKind(kind string) bool {
	for _, k := range ValidKinds {
		if kind == k {
			return true
		}
	}
	return false
}

// PutArtifact stores body under (kind, id), overwriting any previous
// value. The write is atomic.
func (s *Store) PutArtifact(ctx context.Context, kind, id string, body []byte) error {
	if !validKind(kind) {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if id == "" {
		return fmt.Errorf("store: empty artifact id")
	}

	timer := logging.StartTimer(logging.CategoryStore, "PutArtifact")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := sha256.Sum256(body)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (kind, id, body, content_hash) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			body = excluded.body,
			content_hash = excluded.content_hash,
			updated_at = CURRENT_TIMESTAMP`,
		kind, id, string(body), hex.EncodeToString(hash[:]),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("PutArtifact %s/%s failed: %v", kind, id, err)
		return fmt.Errorf("failed to put artifact %s/%s: %w", kind, id, err)
	}

	logging.StoreDebug("Stored artifact %s/%s (%d bytes)", kind, id, len(body))
	return nil
}

// GetArtifact returns the body stored under (kind, id).
func (s *Store) GetArtifact(ctx context.Context, kind, id string) ([]byte, error) {
	if !validKind(kind) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var body string
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM artifacts WHERE kind = ? AND id = ?", kind, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s/%s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %s/%s: %w", kind, id, err)
	}

	return []byte(body), nil
}

// ArtifactExists reports whether (kind, id) is present.
func (s *Store) ArtifactExists(ctx context.Context, kind, id string) (bool, error) {
	if !validKind(kind) {
		return false, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM artifacts WHERE kind = ? AND id = ?", kind, id,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check artifact %s/%s: %w", kind, id, err)
	}
	return true, nil
}

// ListArtifacts returns the ids stored under a kind, optionally
// filtered by id prefix, sorted ascending.
func (s *Store) ListArtifacts(ctx context.Context, kind, prefix string) ([]string, error) {
	if !validKind(kind) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM artifacts WHERE kind = ? AND id LIKE ? ORDER BY id ASC",
		kind, prefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts %s: %w", kind, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteArtifact removes (kind, id). Deleting a missing artifact is
// not an error.
func (s *Store) DeleteArtifact(ctx context.Context, kind, id string) error {
	if !validKind(kind) {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM artifacts WHERE kind = ? AND id = ?", kind, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete artifact %s/%s: %w", kind, id, err)
	}
	return nil
}

// =============================================================================
// TYPED HELPERS - Phase artifacts
// =============================================================================

// SaveBlueprint persists a recon blueprint under scans/recon.
func (s *Store) SaveBlueprint(ctx context.Context, scanID string, bp *campaign.Blueprint) error {
	body, err := json.Marshal(bp)
	if err != nil {
		return fmt.Errorf("failed to marshal blueprint: %w", err)
	}
	return s.PutArtifact(ctx, KindRecon, scanID, body)
}

// LoadBlueprint fetches a recon blueprint.
func (s *Store) LoadBlueprint(ctx context.Context, scanID string) (*campaign.Blueprint, error) {
	body, err := s.GetArtifact(ctx, KindRecon, scanID)
	if err != nil {
		return nil, err
	}
	var bp campaign.Blueprint
	if err := json.Unmarshal(body, &bp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blueprint %s: %w", scanID, err)
	}
	return &bp, nil
}

// SaveReport persists a vulnerability report under scans/scan.
func (s *Store) SaveReport(ctx context.Context, scanID string, report *campaign.VulnerabilityReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return s.PutArtifact(ctx, KindScan, scanID, body)
}

// LoadReport fetches a vulnerability report.
func (s *Store) LoadReport(ctx context.Context, scanID string) (*campaign.VulnerabilityReport, error) {
	body, err := s.GetArtifact(ctx, KindScan, scanID)
	if err != nil {
		return nil, err
	}
	var report campaign.VulnerabilityReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report %s: %w", scanID, err)
	}
	return &report, nil
}

// SaveExploitResult persists an exploit result under scans/exploit.
func (s *Store) SaveExploitResult(ctx context.Context, scanID string, result *campaign.ExploitResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal exploit result: %w", err)
	}
	return s.PutArtifact(ctx, KindExploit, scanID, body)
}

// LoadExploitResult fetches an exploit result.
func (s *Store) LoadExploitResult(ctx context.Context, scanID string) (*campaign.ExploitResult, error) {
	body, err := s.GetArtifact(ctx, KindExploit, scanID)
	if err != nil {
		return nil, err
	}
	var result campaign.ExploitResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exploit result %s: %w", scanID, err)
	}
	return &result, nil
}
