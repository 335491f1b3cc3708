// Package store keeps a SQLite ledger of pipeline runs: one row per run, the
// per-image outcome of each run, and the clusters it reported.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/scenechange/internal/monitoring"
	"github.com/banshee-data/scenechange/internal/scene"
	"github.com/banshee-data/scenechange/internal/timeutil"
)

// ErrRunNotFound is returned when a run id is not in the ledger.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Image outcomes.
const (
	ImageOK      = "ok"
	ImageSkipped = "skipped"
	ImageFailed  = "failed"
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Store is the run ledger.
type Store struct {
	db     *sql.DB
	logger *monitoring.Logger
	clock  timeutil.Clock
}

// Open opens (creating if needed) the ledger at path and migrates it to the
// latest schema.
func Open(path string, logger *monitoring.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger, clock: timeutil.RealClock{}}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Diagf("ledger opened at %s", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the clock used to stamp run start and finish times.
func (s *Store) SetClock(c timeutil.Clock) {
	s.clock = c
}

// Run is one ledger row.
type Run struct {
	ID           string     `json:"run_id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       string     `json:"status"`
	DatasetsRoot string     `json:"datasets_root"`
	BeforeName   string     `json:"before_name"`
	AfterName    string     `json:"after_name"`
	ConfigJSON   string     `json:"config_json"`
	Summary      Summary    `json:"summary"`
	Error        string     `json:"error,omitempty"`
}

// Summary holds the counts recorded when a run finishes.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Warnings  int `json:"warnings"`
	Points    int `json:"points"`
	Clusters  int `json:"clusters"`
}

// RunImage is the outcome of one image identifier within a run.
type RunImage struct {
	ImageID     string `json:"image_id"`
	Status      string `json:"status"`
	Stage       string `json:"stage,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Appeared    int    `json:"appeared"`
	Disappeared int    `json:"disappeared"`
	Unchanged   int    `json:"unchanged"`
}

// StartRun inserts a running row and returns its generated id.
func (s *Store) StartRun(ctx context.Context, datasetsRoot string, config any) (string, error) {
	cfg, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("marshal run config: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, status, datasets_root, config_json) VALUES (?, ?, ?, ?, ?)`,
		id, s.clock.Now().UnixNano(), StatusRunning, datasetsRoot, string(cfg))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	s.logger.Diagf("ledger: started run %s", id)
	return id, nil
}

// SetDatasets records the resolved before and after dataset names.
func (s *Store) SetDatasets(ctx context.Context, runID string, ds scene.Datasets) error {
	return s.updateRun(ctx, runID,
		`UPDATE runs SET before_name = ?, after_name = ? WHERE run_id = ?`,
		ds.Before, ds.After, runID)
}

// FinishRun marks a run completed, or failed when runErr is non-nil.
func (s *Store) FinishRun(ctx context.Context, runID string, sum Summary, runErr error) error {
	status, msg := StatusCompleted, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	return s.updateRun(ctx, runID,
		`UPDATE runs SET finished_at = ?, status = ?, succeeded = ?, skipped = ?, failed = ?,
			warnings = ?, points = ?, clusters = ?, error = ? WHERE run_id = ?`,
		s.clock.Now().UnixNano(), status, sum.Succeeded, sum.Skipped, sum.Failed,
		sum.Warnings, sum.Points, sum.Clusters, msg, runID)
}

func (s *Store) updateRun(ctx context.Context, runID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// RecordImages stores per-image outcomes in one transaction, replacing any
// rows already recorded for the same images.
func (s *Store) RecordImages(ctx context.Context, runID string, images []RunImage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO run_images
			(run_id, image_id, status, stage, reason, appeared, disappeared, unchanged)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, im := range images {
			if _, err := stmt.ExecContext(ctx, runID, im.ImageID, im.Status, im.Stage, im.Reason,
				im.Appeared, im.Disappeared, im.Unchanged); err != nil {
				return fmt.Errorf("insert image %s: %w", im.ImageID, err)
			}
		}
		return nil
	})
}

// RecordClusters stores the final clusters of a run in one transaction.
func (s *Store) RecordClusters(ctx context.Context, runID string, clusters []scene.ChangeCluster) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO run_clusters
			(run_id, cluster_id, kind, class_id, centroid_x, centroid_y, centroid_z,
			 min_x, min_y, min_z, max_x, max_y, max_z, member_count, confidence, image_ids)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, c := range clusters {
			ids, err := json.Marshal(c.ImageIDs)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, runID, c.ID, c.Kind.String(), c.ClassID,
				c.Centroid.X, c.Centroid.Y, c.Centroid.Z,
				c.Min.X, c.Min.Y, c.Min.Z, c.Max.X, c.Max.Y, c.Max.Z,
				c.MemberCount, c.Confidence, string(ids)); err != nil {
				return fmt.Errorf("insert cluster %d: %w", c.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

const runColumns = `run_id, started_at, finished_at, status, datasets_root, before_name, after_name,
	config_json, succeeded, skipped, failed, warnings, points, clusters, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
	)
	err := row.Scan(&r.ID, &started, &finished, &r.Status, &r.DatasetsRoot, &r.BeforeName, &r.AfterName,
		&r.ConfigJSON, &r.Summary.Succeeded, &r.Summary.Skipped, &r.Summary.Failed,
		&r.Summary.Warnings, &r.Summary.Points, &r.Summary.Clusters, &r.Error)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &t
	}
	return r, nil
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("query run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListImages returns the per-image outcomes of a run ordered by image id.
func (s *Store) ListImages(ctx context.Context, runID string) ([]RunImage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT image_id, status, stage, reason, appeared, disappeared, unchanged
		FROM run_images WHERE run_id = ? ORDER BY image_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	images := []RunImage{}
	for rows.Next() {
		var im RunImage
		if err := rows.Scan(&im.ImageID, &im.Status, &im.Stage, &im.Reason,
			&im.Appeared, &im.Disappeared, &im.Unchanged); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, im)
	}
	return images, rows.Err()
}

// ListClusters returns the clusters recorded for a run ordered by id.
func (s *Store) ListClusters(ctx context.Context, runID string) ([]scene.ChangeCluster, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cluster_id, kind, class_id, centroid_x, centroid_y, centroid_z,
		min_x, min_y, min_z, max_x, max_y, max_z, member_count, confidence, image_ids
		FROM run_clusters WHERE run_id = ? ORDER BY cluster_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	clusters := []scene.ChangeCluster{}
	for rows.Next() {
		var (
			c    scene.ChangeCluster
			kind string
			ids  string
		)
		if err := rows.Scan(&c.ID, &kind, &c.ClassID, &c.Centroid.X, &c.Centroid.Y, &c.Centroid.Z,
			&c.Min.X, &c.Min.Y, &c.Min.Z, &c.Max.X, &c.Max.Y, &c.Max.Z,
			&c.MemberCount, &c.Confidence, &ids); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		if c.Kind, err = scene.ParseKind(kind); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &c.ImageIDs); err != nil {
			return nil, fmt.Errorf("cluster %d image ids: %w", c.ID, err)
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}
