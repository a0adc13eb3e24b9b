package state

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	description  TEXT,
	config_json  TEXT NOT NULL,
	goals        TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS steps (
	run_id           TEXT NOT NULL,
	t                INTEGER NOT NULL,
	marginals        BLOB NOT NULL,
	ess              REAL NOT NULL,
	log_evidence     REAL NOT NULL,
	unique_ancestors INTEGER NOT NULL,
	resampled        INTEGER NOT NULL,
	rejuvenated      INTEGER NOT NULL,
	accepted         INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	PRIMARY KEY (run_id, t),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	t             INTEGER NOT NULL,
	n             INTEGER NOT NULL,
	payload       BLOB NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS step_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id            TEXT NOT NULL,
	t                 INTEGER NOT NULL,
	resample_action   TEXT NOT NULL,
	resample_reason   TEXT,
	rejuvenate_action TEXT NOT NULL,
	rejuvenate_reason TEXT,
	eval_passed       INTEGER,
	eval_reason       TEXT,
	created_at        TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// #endregion schema

// ErrNotFound is returned when a run or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// #region store-struct
// Store persists runs, step summaries and checkpoints in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region runs
// CreateRun inserts a new run in the running state.
func (s *Store) CreateRun(description, configJSON string, goals []string) (RunRecord, error) {
	rec := RunRecord{
		RunID:       uuid.New().String(),
		Description: description,
		ConfigJSON:  configJSON,
		Goals:       goals,
		Status:      StatusRunning,
		CreatedAt:   time.Now().UTC(),
	}
	goalsJSON, err := json.Marshal(goals)
	if err != nil {
		return RunRecord{}, fmt.Errorf("marshal goals: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (run_id, description, config_json, goals, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, nullIfEmpty(description), configJSON, string(goalsJSON), rec.Status,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return RunRecord{}, fmt.Errorf("insert run: %w", err)
	}
	return rec, nil
}

// FinishRun sets the final status of a run.
func (s *Store) FinishRun(runID, status string) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ? WHERE run_id = ?`, status, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (RunRecord, error) {
	row := s.db.QueryRow(
		`SELECT run_id, description, config_json, goals, status, created_at
		 FROM runs WHERE run_id = ?`, id,
	)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, description, config_json, goals, status, created_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var desc sql.NullString
	var goalsJSON, createdStr string
	if err := row.Scan(&rec.RunID, &desc, &rec.ConfigJSON, &goalsJSON, &rec.Status, &createdStr); err != nil {
		return RunRecord{}, err
	}
	if desc.Valid {
		rec.Description = desc.String
	}
	if err := json.Unmarshal([]byte(goalsJSON), &rec.Goals); err != nil {
		return RunRecord{}, fmt.Errorf("unmarshal goals: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// #endregion runs

// #region steps
// RecordStep stores a step summary. A second record for the same (run, t),
// as produced by a same-step observation, replaces the first.
func (s *Store) RecordStep(rec StepRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO steps (run_id, t, marginals, ess, log_evidence, unique_ancestors, resampled, rejuvenated, accepted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, t) DO UPDATE SET
			marginals = excluded.marginals,
			ess = excluded.ess,
			log_evidence = excluded.log_evidence,
			unique_ancestors = excluded.unique_ancestors,
			resampled = excluded.resampled,
			rejuvenated = excluded.rejuvenated,
			accepted = excluded.accepted,
			created_at = excluded.created_at`,
		rec.RunID, rec.T, encodeVector(rec.Marginals), rec.ESS, finite(rec.LogEvidence), rec.Unique,
		boolInt(rec.Resampled), boolInt(rec.Rejuvenated), rec.Accepted,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record step t=%d: %w", rec.T, err)
	}
	return nil
}

// ListSteps returns every step of a run in time order.
func (s *Store) ListSteps(runID string) ([]StepRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, t, marginals, ess, log_evidence, unique_ancestors, resampled, rejuvenated, accepted, created_at
		 FROM steps WHERE run_id = ? ORDER BY t`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		var blob []byte
		var resampled, rejuvenated int
		var createdStr string
		if err := rows.Scan(&rec.RunID, &rec.T, &blob, &rec.ESS, &rec.LogEvidence, &rec.Unique,
			&resampled, &rejuvenated, &rec.Accepted, &createdStr); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		rec.Marginals = decodeVector(blob)
		rec.Resampled = resampled != 0
		rec.Rejuvenated = rejuvenated != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion steps

// #region checkpoints
// SaveCheckpoint stores a msgpack-encoded population and returns its ID.
func (s *Store) SaveCheckpoint(cp Checkpoint) (string, error) {
	payload, err := msgpack.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	id := uuid.New().String()
	_, err = s.db.Exec(
		`INSERT INTO checkpoints (checkpoint_id, run_id, t, n, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, cp.RunID, cp.T, len(cp.Particles), payload, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}
	return id, nil
}

// GetCheckpoint loads a checkpoint by ID.
func (s *Store) GetCheckpoint(id string) (Checkpoint, error) {
	return s.loadCheckpoint(
		`SELECT checkpoint_id, payload, created_at FROM checkpoints WHERE checkpoint_id = ?`, id)
}

// LatestCheckpoint loads the most recent checkpoint of a run.
func (s *Store) LatestCheckpoint(runID string) (Checkpoint, error) {
	return s.loadCheckpoint(
		`SELECT checkpoint_id, payload, created_at FROM checkpoints
		 WHERE run_id = ? ORDER BY t DESC, created_at DESC LIMIT 1`, runID)
}

func (s *Store) loadCheckpoint(query, arg string) (Checkpoint, error) {
	var id, createdStr string
	var payload []byte
	err := s.db.QueryRow(query, arg).Scan(&id, &payload, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", arg, err)
	}
	var cp Checkpoint
	if err := msgpack.Unmarshal(payload, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	cp.CheckpointID = id
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return cp, nil
}

// #endregion checkpoints

// #region vector-encoding
func encodeVector(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}

// #endregion vector-encoding

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// finite clamps -Inf to the lowest float64.
func finite(x float64) float64 {
	if math.IsInf(x, -1) {
		return -math.MaxFloat64
	}
	return x
}

// #endregion helpers
