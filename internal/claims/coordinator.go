// Package claims implements the durable claim coordinator: TTL-bounded rows
// in an embedded SQLite database asserting which session is working on which
// task. At most one active claim exists per task; expired and orphaned rows
// are swept by a background sweeper.
package claims

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tasknerd/internal/events"
	"tasknerd/internal/logging"
)

// Error kinds surfaced to callers and mapped to wire codes by the control
// plane.
var (
	ErrTaskAlreadyClaimed = errors.New("task already claimed")
	ErrClaimNotFound      = errors.New("claim not found")
	ErrNotClaimOwner      = errors.New("not claim owner")
	ErrDBUnavailable      = errors.New("coordination database unavailable")
)

// DefaultTTL applies when a claim request carries no TTL.
const DefaultTTL = time.Hour

// Claim is one coordination row.
type Claim struct {
	TaskID        string    `json:"taskId"`
	SessionID     string    `json:"sessionId"`
	ClaimedAt     time.Time `json:"claimedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Pattern       string    `json:"pattern,omitempty"`
	SubtaskCount  int       `json:"subtaskCount,omitempty"`
	AgentType     string    `json:"agentType,omitempty"`
}

// Options qualify a claim request.
type Options struct {
	TTL          time.Duration `json:"-"`
	TTLMs        int64         `json:"ttlMs,omitempty"`
	Pattern      string        `json:"pattern,omitempty"`
	SubtaskCount int           `json:"subtaskCount,omitempty"`
	AgentType    string        `json:"agentType,omitempty"`
}

func (o Options) ttl() time.Duration {
	if o.TTL > 0 {
		return o.TTL
	}
	if o.TTLMs > 0 {
		return time.Duration(o.TTLMs) * time.Millisecond
	}
	return DefaultTTL
}

// Stats summarizes the claims table.
type Stats struct {
	Total     int            `json:"total"`
	Active    int            `json:"active"`
	Expired   int            `json:"expired"`
	BySession map[string]int `json:"bySession"`
}

// Coordinator owns the claims database. All operations run in transactions;
// concurrent callers are serialized by the single connection.
type Coordinator struct {
	db  *sql.DB
	bus *events.Bus
	log *logging.Logger
}

// Open opens (or creates) the claims database at path. Open failure is
// fatal to the caller: the coordinator is load-bearing for exclusivity.
func Open(path string, bus *events.Bus) (*Coordinator, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating coordination directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.ClaimsDebug("pragma failed: %s: %v", pragma, err)
		}
	}

	c := &Coordinator{db: db, bus: bus, log: logging.Get(logging.CategoryClaims)}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	c.log.Info("Claims database opened: %s (driver %s)", path, driverName)
	return c, nil
}

func (c *Coordinator) initialize() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS claims (
			task_id        TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			claimed_at     INTEGER NOT NULL,
			expires_at     INTEGER NOT NULL,
			last_heartbeat INTEGER NOT NULL,
			pattern        TEXT,
			subtask_count  INTEGER DEFAULT 0,
			agent_type     TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_claims_session ON claims(session_id);
		CREATE INDEX IF NOT EXISTS idx_claims_expiry  ON claims(expires_at);
		CREATE TABLE IF NOT EXISTS sessions (
			session_id    TEXT PRIMARY KEY,
			registered_at INTEGER NOT NULL,
			last_seen     INTEGER NOT NULL
		);`)
	return err
}

// Close closes the database.
func (c *Coordinator) Close() error {
	return c.db.Close()
}

// Claim atomically takes a task for a session. An active non-expired claim
// by someone else yields ErrTaskAlreadyClaimed; an expired row is replaced
// in the same transaction. The session row is auto-registered.
func (c *Coordinator) Claim(taskID, sessionID string, opts Options) (*Claim, error) {
	if taskID == "" || sessionID == "" {
		return nil, fmt.Errorf("taskId and sessionId required")
	}

	tx, err := c.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now()
	var holder string
	var expiresAt int64
	err = tx.QueryRow("SELECT session_id, expires_at FROM claims WHERE task_id = ?", taskID).
		Scan(&holder, &expiresAt)
	switch {
	case err == nil:
		if expiresAt > now.UnixMilli() {
			c.log.Info("Claim conflict: task %s held by %s", taskID, holder)
			return nil, ErrTaskAlreadyClaimed
		}
		// Expired row: replace it.
		if _, err := tx.Exec("DELETE FROM claims WHERE task_id = ?", taskID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		// Free to claim.
	default:
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}

	claim := &Claim{
		TaskID:        taskID,
		SessionID:     sessionID,
		ClaimedAt:     now,
		ExpiresAt:     now.Add(opts.ttl()),
		LastHeartbeat: now,
		Pattern:       opts.Pattern,
		SubtaskCount:  opts.SubtaskCount,
		AgentType:     opts.AgentType,
	}
	if _, err := tx.Exec(`
		INSERT INTO claims (task_id, session_id, claimed_at, expires_at, last_heartbeat, pattern, subtask_count, agent_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		claim.TaskID, claim.SessionID, claim.ClaimedAt.UnixMilli(), claim.ExpiresAt.UnixMilli(),
		claim.LastHeartbeat.UnixMilli(), claim.Pattern, claim.SubtaskCount, claim.AgentType,
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO sessions (session_id, registered_at, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_seen = excluded.last_seen`,
		sessionID, now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}

	c.log.Info("Task %s claimed by session %s until %s", taskID, sessionID, claim.ExpiresAt.Format(time.RFC3339))
	c.publish(events.ClaimAcquired, events.ClaimPayload{TaskID: taskID, SessionID: sessionID})
	return claim, nil
}

// Refresh extends a claim's TTL and stamps the heartbeat. Only the owning
// session may refresh.
func (c *Coordinator) Refresh(taskID, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	defer tx.Rollback()

	holder, err := claimHolder(tx, taskID)
	if err != nil {
		return err
	}
	if holder != sessionID {
		return ErrNotClaimOwner
	}

	now := time.Now()
	if _, err := tx.Exec(
		"UPDATE claims SET last_heartbeat = ?, expires_at = ? WHERE task_id = ?",
		now.UnixMilli(), now.Add(ttl).UnixMilli(), taskID,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	return nil
}

// Release deletes a claim. Only the owning session may release; the sweeper
// bypasses this check by deleting rows directly.
func (c *Coordinator) Release(taskID, sessionID, reason string) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	defer tx.Rollback()

	holder, err := claimHolder(tx, taskID)
	if err != nil {
		return err
	}
	if holder != sessionID {
		return ErrNotClaimOwner
	}
	if _, err := tx.Exec("DELETE FROM claims WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}

	c.log.Info("Task %s released by session %s: %s", taskID, sessionID, reason)
	c.publish(events.ClaimReleased, events.ClaimPayload{TaskID: taskID, SessionID: sessionID, Reason: reason})
	return nil
}

func claimHolder(tx *sql.Tx, taskID string) (string, error) {
	var holder string
	err := tx.QueryRow("SELECT session_id FROM claims WHERE task_id = ?", taskID).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrClaimNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	return holder, nil
}

// CleanupExpired deletes every claim whose expiry has passed. Returns the
// number swept.
func (c *Coordinator) CleanupExpired() (int, error) {
	res, err := c.db.Exec("DELETE FROM claims WHERE expires_at < ?", time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.log.Info("Swept %d expired claims", n)
		c.publish(events.ClaimsCleanup, events.ClaimPayload{Reason: "expired", Swept: int(n)})
	}
	return int(n), nil
}

// CleanupOrphaned deletes claims whose session is no longer live and whose
// heartbeat is older than twice the claim's own TTL. liveSessions is the
// registry's current non-ended session-id set.
func (c *Coordinator) CleanupOrphaned(liveSessions []string) (int, error) {
	now := time.Now().UnixMilli()
	query := "DELETE FROM claims WHERE (? - last_heartbeat) > 2 * (expires_at - claimed_at)"
	args := []interface{}{now}
	if len(liveSessions) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(liveSessions)), ",")
		query += " AND session_id NOT IN (" + placeholders + ")"
		for _, id := range liveSessions {
			args = append(args, id)
		}
	}

	res, err := c.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.log.Info("Swept %d orphaned claims", n)
		c.publish(events.ClaimsCleanup, events.ClaimPayload{Reason: "orphaned", Swept: int(n)})
	}
	return int(n), nil
}

// GetActiveClaims returns all non-expired claims.
func (c *Coordinator) GetActiveClaims() ([]Claim, error) {
	return c.queryClaims("SELECT task_id, session_id, claimed_at, expires_at, last_heartbeat, pattern, subtask_count, agent_type FROM claims WHERE expires_at > ? ORDER BY claimed_at",
		time.Now().UnixMilli())
}

// GetClaimsBySession returns a session's claims, active or not.
func (c *Coordinator) GetClaimsBySession(sessionID string) ([]Claim, error) {
	return c.queryClaims("SELECT task_id, session_id, claimed_at, expires_at, last_heartbeat, pattern, subtask_count, agent_type FROM claims WHERE session_id = ? ORDER BY claimed_at",
		sessionID)
}

// GetClaim returns the claim on one task, if any.
func (c *Coordinator) GetClaim(taskID string) (*Claim, error) {
	rows, err := c.queryClaims("SELECT task_id, session_id, claimed_at, expires_at, last_heartbeat, pattern, subtask_count, agent_type FROM claims WHERE task_id = ?",
		taskID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrClaimNotFound
	}
	return &rows[0], nil
}

// GetClaimStats summarizes the table.
func (c *Coordinator) GetClaimStats() (Stats, error) {
	all, err := c.queryClaims("SELECT task_id, session_id, claimed_at, expires_at, last_heartbeat, pattern, subtask_count, agent_type FROM claims")
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: len(all), BySession: make(map[string]int)}
	now := time.Now()
	for _, cl := range all {
		stats.BySession[cl.SessionID]++
		if cl.ExpiresAt.After(now) {
			stats.Active++
		} else {
			stats.Expired++
		}
	}
	return stats, nil
}

func (c *Coordinator) queryClaims(query string, args ...interface{}) ([]Claim, error) {
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	defer rows.Close()

	var out []Claim
	for rows.Next() {
		var cl Claim
		var claimedAt, expiresAt, heartbeat int64
		var pattern, agentType sql.NullString
		if err := rows.Scan(&cl.TaskID, &cl.SessionID, &claimedAt, &expiresAt, &heartbeat,
			&pattern, &cl.SubtaskCount, &agentType); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
		}
		cl.ClaimedAt = time.UnixMilli(claimedAt)
		cl.ExpiresAt = time.UnixMilli(expiresAt)
		cl.LastHeartbeat = time.UnixMilli(heartbeat)
		cl.Pattern = pattern.String
		cl.AgentType = agentType.String
		out = append(out, cl)
	}
	return out, rows.Err()
}

func (c *Coordinator) publish(kind events.Kind, payload events.ClaimPayload) {
	if c.bus != nil {
		c.bus.Publish(events.Now(kind, payload))
	}
}
