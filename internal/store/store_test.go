package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"redforge/internal/campaign"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew(t *testing.T) {
	s := newTestStore(t)

	if s.db == nil {
		t.Error("Database connection is nil")
	}
	if s.GetDB() == nil {
		t.Error("GetDB returned nil")
	}

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	for _, table := range []string{"artifacts", "campaigns", "episode_vectors"} {
		if _, ok := stats[table]; !ok {
			t.Errorf("Stats missing table: %s", table)
		}
	}
}

func TestArtifactPutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	body := []byte(`{"hello":"world"}`)
	if err := s.PutArtifact(ctx, KindRecon, "scan_aa11bb22", body); err != nil {
		t.Fatalf("PutArtifact failed: %v", err)
	}

	got, err := s.GetArtifact(ctx, KindRecon, "scan_aa11bb22")
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("got %q, want %q", got, body)
	}

	exists, err := s.ArtifactExists(ctx, KindRecon, "scan_aa11bb22")
	if err != nil || !exists {
		t.Errorf("expected artifact to exist, got exists=%v err=%v", exists, err)
	}
}

func TestArtifactOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutArtifact(ctx, KindScan, "scan_x", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if err := s.PutArtifact(ctx, KindScan, "scan_x", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	got, err := s.GetArtifact(ctx, KindScan, "scan_x")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Errorf("expected overwrite to win, got %s", got)
	}

	ids, err := s.ListArtifacts(ctx, KindScan, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected a single row after overwrite, got %d", len(ids))
	}
}

func TestArtifactNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetArtifact(ctx, KindExploit, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	exists, err := s.ArtifactExists(ctx, KindExploit, "missing")
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if exists {
		t.Error("missing artifact reported as existing")
	}
}

func TestArtifactUnknownKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutArtifact(ctx, "scans/bogus", "id", []byte("{}")); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := s.GetArtifact(ctx, "junk", "id"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestListArtifactsSortedAndPrefixed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"scan_cc", "scan_aa", "scan_bb", "other_zz"} {
		if err := s.PutArtifact(ctx, KindRecon, id, []byte("{}")); err != nil {
			t.Fatalf("put %s failed: %v", id, err)
		}
	}

	ids, err := s.ListArtifacts(ctx, KindRecon, "scan_")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []string{"scan_aa", "scan_bb", "scan_cc"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %d: %v", len(want), len(ids), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestDeleteArtifactIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutArtifact(ctx, KindBypass, "episode_aa", []byte("{}")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.DeleteArtifact(ctx, KindBypass, "episode_aa"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	// Second delete is a no-op
	if err := s.DeleteArtifact(ctx, KindBypass, "episode_aa"); err != nil {
		t.Errorf("repeat delete should be nil, got %v", err)
	}
	if _, err := s.GetArtifact(ctx, KindBypass, "episode_aa"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCampaignRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := campaign.NewCampaign("https://target.example/api/chat", "staging")
	if err := s.SaveCampaign(ctx, c); err != nil {
		t.Fatalf("SaveCampaign failed: %v", err)
	}

	got, err := s.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign failed: %v", err)
	}
	if got.TargetURL != c.TargetURL || got.Stage != campaign.StageCreated {
		t.Errorf("campaign mismatch: %+v", got)
	}

	// Advance and re-save: listing by stage should follow
	if err := got.Advance(campaign.StageRecon); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if err := s.SaveCampaign(ctx, got); err != nil {
		t.Fatalf("re-save failed: %v", err)
	}

	inRecon, err := s.ListCampaigns(ctx, campaign.StageRecon)
	if err != nil {
		t.Fatalf("ListCampaigns failed: %v", err)
	}
	if len(inRecon) != 1 || inRecon[0].ID != c.ID {
		t.Errorf("expected campaign in recon stage, got %v", inRecon)
	}

	inCreated, err := s.ListCampaigns(ctx, campaign.StageCreated)
	if err != nil {
		t.Fatalf("ListCampaigns failed: %v", err)
	}
	if len(inCreated) != 0 {
		t.Errorf("expected no campaigns left in created stage, got %d", len(inCreated))
	}
}

func TestCampaignNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetCampaign(context.Background(), "/campaign_nothere")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEpisodePersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ep := &campaign.BypassEpisode{
		EpisodeID:  campaign.NewEpisodeID(),
		CampaignID: "/campaign_aa11bb22",
		CreatedAt:  time.Now().UTC(),
		DefenseFingerprint: campaign.DefenseFingerprint{
			DefenseResponseText:  "I cannot help with that request.",
			FailedTechniqueNames: []string{"base64", "rot13"},
			TargetDomain:         "customer support",
		},
		SuccessfulTechnique: campaign.SuccessfulTechnique{
			ConverterChain: []string{"leetspeak", "base64"},
			Framing:        "roleplay",
			FinalPrompt:    "redacted",
		},
		JailbreakScore: 0.91,
		WhyItWorked:    "encoding slipped past the keyword filter",
		KeyInsight:     "stacked encodings defeat static filters",
		IterationCount: 4,
	}

	emb := []float32{0.1, 0.2, 0.3, 0.4}
	if err := s.SaveEpisode(ctx, ep, emb); err != nil {
		t.Fatalf("SaveEpisode failed: %v", err)
	}

	got, err := s.GetEpisode(ctx, ep.EpisodeID)
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}
	if got.JailbreakScore != 0.91 || got.SuccessfulTechnique.Framing != "roleplay" {
		t.Errorf("episode mismatch: %+v", got)
	}

	vecs, err := s.AllEpisodeVectors(ctx)
	if err != nil {
		t.Fatalf("AllEpisodeVectors failed: %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(vecs))
	}
	if vecs[0].EpisodeID != ep.EpisodeID || len(vecs[0].Embedding) != 4 {
		t.Errorf("vector mismatch: %+v", vecs[0])
	}
	if vecs[0].Chain != "leetspeak+base64" {
		t.Errorf("expected chain key leetspeak+base64, got %s", vecs[0].Chain)
	}

	n, err := s.CountEpisodes(ctx)
	if err != nil || n != 1 {
		t.Errorf("expected 1 episode, got %d (err=%v)", n, err)
	}
}

func TestEpisodeRequiresEmbedding(t *testing.T) {
	s := newTestStore(t)

	ep := &campaign.BypassEpisode{EpisodeID: "/episode_bare"}
	if err := s.SaveEpisode(context.Background(), ep, nil); err == nil {
		t.Error("expected error for episode without embedding")
	}
}

func TestConcurrentPuts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("scan_%02d", i)
			if err := s.PutArtifact(ctx, KindScan, id, []byte(`{}`)); err != nil {
				t.Errorf("concurrent put %s failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	ids, err := s.ListArtifacts(ctx, KindScan, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 20 {
		t.Errorf("expected 20 artifacts, got %d", len(ids))
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    []float32
		b    []float32
		want float64
	}{
		{name: "Identical", a: []float32{1, 0, 0}, b: []float32{1, 0, 0}, want: 1.0},
		{name: "Orthogonal", a: []float32{1, 0, 0}, b: []float32{0, 1, 0}, want: 0.0},
		{name: "Opposite", a: []float32{1, 0}, b: []float32{-1, 0}, want: -1.0},
		{name: "LengthMismatch", a: []float32{1, 0}, b: []float32{1}, want: 0.0},
		{name: "ZeroVector", a: []float32{0, 0}, b: []float32{1, 1}, want: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}
