// Package store holds the Ownership and ActiveJob tables: the
// conditional-write substrate the Claim Manager and Work Pump use to bind a
// worker exclusively to a (project, user) pair and to track the instruction
// currently in flight for it.
//
// The tables live in a SQLite database on shared storage. WAL journaling
// plus busy_timeout give multiple worker processes safe concurrent access
// to one database file, and single-statement UPDATE...WHERE /
// INSERT...SELECT WHERE NOT EXISTS guards provide the conditional writes
// the claim protocol depends on.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the Ownership and ActiveJob tables.
type Store struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS ownership (
	project_user TEXT PRIMARY KEY,
	owner_worker_id TEXT NOT NULL,
	acquired_at TEXT NOT NULL,
	refreshed_at TEXT NOT NULL,
	lease_expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS active_job (
	project_user TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	task_token TEXT NOT NULL,
	receipt_handle TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ttl TEXT NOT NULL
);
`

// Open opens (creating if necessary) a SQLite database at path configured
// with WAL journaling and a busy timeout so concurrent worker processes
// block briefly on contention instead of failing immediately.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}
	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// ErrLeaseHeld is returned by TryClaim when another worker already holds an
// unexpired lease on the key.
var ErrLeaseHeld = errors.New("lease held by another worker")

// ErrNotOwner is returned by Refresh when the caller is not (or is no
// longer) the recorded owner. Release by a non-owner deletes nothing and
// returns nil.
var ErrNotOwner = errors.New("caller is not the current owner")

func key(project, user string) string {
	return project + "#" + user
}

// TryClaim attempts to create an Ownership record for (project,user) with
// workerID as owner. It succeeds if no record exists, or if the existing
// record's lease has expired — the conditional-write primitive backing the
// Claim Manager's CLAIM_ATTEMPT -> OWNED transition.
func (s *Store) TryClaim(project, user, workerID string, leaseDuration time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(leaseDuration)
	k := key(project, user)

	res, err := s.conn.Exec(`
		INSERT INTO ownership (project_user, owner_worker_id, acquired_at, refreshed_at, lease_expires_at)
		SELECT ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM ownership WHERE project_user = ? AND lease_expires_at > ?
		)
		ON CONFLICT(project_user) DO UPDATE SET
			owner_worker_id = excluded.owner_worker_id,
			acquired_at = excluded.acquired_at,
			refreshed_at = excluded.refreshed_at,
			lease_expires_at = excluded.lease_expires_at
		WHERE ownership.lease_expires_at <= ?
	`, k, workerID, fmtTime(now), fmtTime(now), fmtTime(expires), k, fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("claiming %s: %w", k, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading claim result: %w", err)
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// Refresh extends the lease for (project,user), conditional on workerID
// still being the recorded owner. A failure here means the lease was lost
// to another worker — the Claim Manager's OWNED -> UNCLAIMED transition.
func (s *Store) Refresh(project, user, workerID string, leaseDuration time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(leaseDuration)
	k := key(project, user)

	res, err := s.conn.Exec(`
		UPDATE ownership SET refreshed_at = ?, lease_expires_at = ?
		WHERE project_user = ? AND owner_worker_id = ?
	`, fmtTime(now), fmtTime(expires), k, workerID)
	if err != nil {
		return fmt.Errorf("refreshing lease for %s: %w", k, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading refresh result: %w", err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Release deletes the Ownership record for (project,user), conditional on
// workerID being the current owner. Used on graceful shutdown.
func (s *Store) Release(project, user, workerID string) error {
	k := key(project, user)
	_, err := s.conn.Exec(`DELETE FROM ownership WHERE project_user = ? AND owner_worker_id = ?`, k, workerID)
	if err != nil {
		return fmt.Errorf("releasing %s: %w", k, err)
	}
	return nil
}

// Ownership is a snapshot of the Ownership record for one (project,user)
// key.
type Ownership struct {
	OwnerWorkerID  string
	AcquiredAt     time.Time
	RefreshedAt    time.Time
	LeaseExpiresAt time.Time
}

// GetOwnership returns the current Ownership record, or (Ownership{}, false)
// if none exists.
func (s *Store) GetOwnership(project, user string) (Ownership, bool, error) {
	k := key(project, user)
	row := s.conn.QueryRow(`
		SELECT owner_worker_id, acquired_at, refreshed_at, lease_expires_at
		FROM ownership WHERE project_user = ?
	`, k)

	var o Ownership
	var acquired, refreshed, expires string
	if err := row.Scan(&o.OwnerWorkerID, &acquired, &refreshed, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ownership{}, false, nil
		}
		return Ownership{}, false, fmt.Errorf("reading ownership for %s: %w", k, err)
	}
	o.AcquiredAt, _ = parseTime(acquired)
	o.RefreshedAt, _ = parseTime(refreshed)
	o.LeaseExpiresAt, _ = parseTime(expires)
	return o, true, nil
}

// ActiveJob is a snapshot of the ActiveJob record for one (project,user)
// key.
type ActiveJob struct {
	MessageID     string
	TaskToken     string
	ReceiptHandle string
	ThreadID      string
	StartedAt     time.Time
	TTL           time.Time
}

// PutActiveJob writes the ActiveJob record for (project,user), overwriting
// any prior record. Invariant upheld by the caller: at most one ActiveJob
// per key at a time.
func (s *Store) PutActiveJob(project, user string, job ActiveJob) error {
	k := key(project, user)
	_, err := s.conn.Exec(`
		INSERT INTO active_job (project_user, message_id, task_token, receipt_handle, thread_id, started_at, ttl)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_user) DO UPDATE SET
			message_id = excluded.message_id,
			task_token = excluded.task_token,
			receipt_handle = excluded.receipt_handle,
			thread_id = excluded.thread_id,
			started_at = excluded.started_at,
			ttl = excluded.ttl
	`, k, job.MessageID, job.TaskToken, job.ReceiptHandle, job.ThreadID, fmtTime(job.StartedAt), fmtTime(job.TTL))
	if err != nil {
		return fmt.Errorf("writing active job for %s: %w", k, err)
	}
	return nil
}

// GetActiveJob returns the current ActiveJob record, or (ActiveJob{}, false)
// if none exists — used by the Preemption Listener to match an incoming
// InterruptMessage.
func (s *Store) GetActiveJob(project, user string) (ActiveJob, bool, error) {
	k := key(project, user)
	row := s.conn.QueryRow(`
		SELECT message_id, task_token, receipt_handle, thread_id, started_at, ttl
		FROM active_job WHERE project_user = ?
	`, k)

	var j ActiveJob
	var started, ttl string
	if err := row.Scan(&j.MessageID, &j.TaskToken, &j.ReceiptHandle, &j.ThreadID, &started, &ttl); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ActiveJob{}, false, nil
		}
		return ActiveJob{}, false, fmt.Errorf("reading active job for %s: %w", k, err)
	}
	j.StartedAt, _ = parseTime(started)
	j.TTL, _ = parseTime(ttl)
	return j, true, nil
}

// DeleteActiveJob removes the ActiveJob record for (project,user). Called
// on normal completion, preemption, or failure.
func (s *Store) DeleteActiveJob(project, user string) error {
	k := key(project, user)
	if _, err := s.conn.Exec(`DELETE FROM active_job WHERE project_user = ?`, k); err != nil {
		return fmt.Errorf("deleting active job for %s: %w", k, err)
	}
	return nil
}

// timeLayout is fixed-width so string comparison in SQL orders the same way
// the timestamps do; RFC3339Nano's trimmed trailing zeros would not.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
