package store

import (
	"context"
	"encoding/json"
	"fmt"

	"redforge/internal/campaign"
	"redforge/internal/logging"
)

// EpisodeVector pairs an episode id with its fingerprint embedding,
// used by the knowledge base for brute-force similarity recall.
type EpisodeVector struct {
	EpisodeID      string
	CampaignID     string
	Embedding      []float32
	JailbreakScore float64
	Chain          string
}

// SaveEpisode persists a bypass episode body plus its fingerprint
// embedding. The body lands in the artifact table under the bypass
// kind; the embedding goes to the episode_vectors index.
func (s *Store) SaveEpisode(ctx context.Context, ep *campaign.BypassEpisode, emb []float32) error {
	if ep == nil || ep.EpisodeID == "" {
		return fmt.Errorf("store: episode missing id")
	}
	if len(emb) == 0 {
		return fmt.Errorf("store: episode %s missing embedding", ep.EpisodeID)
	}

	body, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("failed to marshal episode: %w", err)
	}
	if err := s.PutArtifact(ctx, KindBypass, ep.EpisodeID, body); err != nil {
		return err
	}

	embJSON, err := json.Marshal(emb)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO episode_vectors
			(episode_id, campaign_id, embedding, jailbreak_score, chain)
		VALUES (?, ?, ?, ?, ?)`,
		ep.EpisodeID, ep.CampaignID, string(embJSON),
		ep.JailbreakScore, campaign.ChainKey(ep.SuccessfulTechnique.ConverterChain),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("SaveEpisode %s vector failed: %v", ep.EpisodeID, err)
		return fmt.Errorf("failed to index episode %s: %w", ep.EpisodeID, err)
	}

	logging.KnowledgeDebug("Stored episode %s (campaign=%s, score=%.3f)", ep.EpisodeID, ep.CampaignID, ep.JailbreakScore)
	return nil
}

// GetEpisode fetches a bypass episode by id.
func (s *Store) GetEpisode(ctx context.Context, episodeID string) (*campaign.BypassEpisode, error) {
	body, err := s.GetArtifact(ctx, KindBypass, episodeID)
	if err != nil {
		return nil, err
	}
	var ep campaign.BypassEpisode
	if err := json.Unmarshal(body, &ep); err != nil {
		return nil, fmt.Errorf("failed to unmarshal episode %s: %w", episodeID, err)
	}
	return &ep, nil
}

// ListEpisodes returns every stored episode id, sorted.
func (s *Store) ListEpisodes(ctx context.Context) ([]string, error) {
	return s.ListArtifacts(ctx, KindBypass, "")
}

// AllEpisodeVectors loads every episode embedding for similarity scan.
// Rows with unreadable embeddings are skipped.
func (s *Store) AllEpisodeVectors(ctx context.Context) ([]EpisodeVector, error) {
	timer := logging.StartTimer(logging.CategoryStore, "AllEpisodeVectors")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id, campaign_id, embedding, jailbreak_score, chain
		FROM episode_vectors`)
	if err != nil {
		return nil, fmt.Errorf("failed to load episode vectors: %w", err)
	}
	defer rows.Close()

	var out []EpisodeVector
	for rows.Next() {
		var ev EpisodeVector
		var embJSON string
		if err := rows.Scan(&ev.EpisodeID, &ev.CampaignID, &embJSON, &ev.JailbreakScore, &ev.Chain); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(embJSON), &ev.Embedding); err != nil {
			logging.StoreWarn("Skipping episode %s with unreadable embedding: %v", ev.EpisodeID, err)
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEpisodes returns how many episodes are indexed.
func (s *Store) CountEpisodes(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM episode_vectors").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count episodes: %w", err)
	}
	return n, nil
}
