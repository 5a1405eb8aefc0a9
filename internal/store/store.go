// Package store persists campaign artifacts in SQLite.
//
// Three surfaces share one database:
//   - artifacts: a keyed blob store for phase outputs (blueprints,
//     vulnerability reports, exploit results, bypass episodes)
//   - campaigns: campaign records with indexed stage for listing
//   - episode_vectors: embedding index over bypass episodes for the
//     knowledge base's similarity recall
//
// Artifacts are addressed by (kind, id); writing the same pair twice
// overwrites, and a read after a successful write always observes
// that write.
package store

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"redforge/internal/logging"
)

// Artifact kinds. The kind names double as key prefixes, so a recon
// blueprint for scan /scan_ab12cd34 lives at scans/recon/scan_ab12cd34.
const (
	KindRecon    = "scans/recon"
	KindScan     = "scans/scan"
	KindExploit  = "scans/exploit"
	KindCampaign = "campaigns"
	KindBypass   = "bypass"
)

// ValidKinds lists every artifact kind the store accepts.
var ValidKinds = []string{KindRecon, KindScan, KindExploit, KindCampaign, KindBypass}

// Store implements the artifact store over SQLite.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool // sqlite-vec available
}

// New initializes the SQLite database at the given path.
// Use ":memory:" for tests.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "New")
	defer timer.Stop()

	logging.Store("Initializing artifact store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// PRAGMA synchronous=NORMAL provides 5-10x write speedup with WAL mode.
	// Safe because WAL already provides crash recovery.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.StoreDebug("sqlite-vec extension not available; using brute-force similarity scan")
	}

	logging.Store("Artifact store initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	artifactsTable := `
	CREATE TABLE IF NOT EXISTS artifacts (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		body TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(kind, id)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind);
	`

	campaignsTable := `
	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		target_url TEXT NOT NULL,
		stage TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_campaigns_stage ON campaigns(stage);
	CREATE INDEX IF NOT EXISTS idx_campaigns_created ON campaigns(created_at);
	`

	episodeVectorsTable := `
	CREATE TABLE IF NOT EXISTS episode_vectors (
		episode_id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		embedding TEXT NOT NULL,
		jailbreak_score REAL NOT NULL,
		chain TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_episode_vectors_campaign ON episode_vectors(campaign_id);
	`

	for _, table := range []string{artifactsTable, campaignsTable, episodeVectorsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing artifact store database connection")
	return s.db.Close()
}

// GetDB returns the underlying SQL database connection.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// HasVectorExt reports whether the sqlite-vec extension loaded.
func (s *Store) HasVectorExt() bool {
	return s.vectorExt
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// GetStats returns row counts per table.
func (s *Store) GetStats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GetStats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"artifacts", "campaigns", "episode_vectors"}

	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}

	return stats, nil
}
