package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agent status values persisted in the agents.status column.
const (
	StatusAwaitingQR   = "awaiting_qr"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusAuthFailed   = "auth_failed"
)

// AgentRecord mirrors one row of the agents table.
type AgentRecord struct {
	UserID             int64
	AgentID            string
	AgentName          string
	APIKey             string
	EndpointURLRun     sql.NullString
	Status             string
	LastConnectedAt    sql.NullTime
	LastDisconnectedAt sql.NullTime
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Queries is the hand-written query layer over the agents and api_keys
// tables. All methods are safe for concurrent use.
type Queries struct {
	db *sql.DB
}

func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

const agentColumns = `user_id, agent_id, agent_name, api_key, endpoint_url_run, status,
	last_connected_at, last_disconnected_at, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*AgentRecord, error) {
	var rec AgentRecord
	err := row.Scan(&rec.UserID, &rec.AgentID, &rec.AgentName, &rec.APIKey,
		&rec.EndpointURLRun, &rec.Status, &rec.LastConnectedAt, &rec.LastDisconnectedAt,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertAgentParams carries the caller-provided fields of create_or_resume.
type UpsertAgentParams struct {
	UserID         int64
	AgentID        string
	AgentName      string
	APIKey         string
	EndpointURLRun string // used only on insert or while the column is null
}

// UpsertAgent inserts a new agent with status awaiting_qr, or refreshes the
// name and key of an existing one. An endpoint override already stored on
// the row wins over the computed default.
func (q *Queries) UpsertAgent(ctx context.Context, arg UpsertAgentParams) (*AgentRecord, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO agents (user_id, agent_id, agent_name, api_key, endpoint_url_run, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), '`+StatusAwaitingQR+`')
		ON CONFLICT (agent_id) DO UPDATE SET
			agent_name = EXCLUDED.agent_name,
			api_key = EXCLUDED.api_key,
			endpoint_url_run = COALESCE(agents.endpoint_url_run, EXCLUDED.endpoint_url_run),
			updated_at = now()
		RETURNING `+agentColumns+`;
	`, arg.UserID, arg.AgentID, arg.AgentName, arg.APIKey, arg.EndpointURLRun)

	rec, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}
	return rec, nil
}

// GetAgent returns the agent record for the given ID, or nil if not found.
func (q *Queries) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE agent_id = $1;
	`, agentID)

	rec, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return rec, nil
}

// SetStatusParams selects which connection timestamps to stamp alongside a
// status change.
type SetStatusParams struct {
	MarkConnected    bool
	MarkDisconnected bool
}

// SetAgentStatus updates the status column and, when requested, the
// last_connected_at / last_disconnected_at timestamps.
func (q *Queries) SetAgentStatus(ctx context.Context, agentID, status string, extras SetStatusParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE agents SET
			status = $2,
			updated_at = now(),
			last_connected_at = CASE WHEN $3 THEN now() ELSE last_connected_at END,
			last_disconnected_at = CASE WHEN $4 THEN now() ELSE last_disconnected_at END
		WHERE agent_id = $1;
	`, agentID, status, extras.MarkConnected, extras.MarkDisconnected)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return nil
}

// ListBootstrappable returns every agent whose session should be revived on
// process startup. auth_failed agents stay down until explicitly recreated.
func (q *Queries) ListBootstrappable(ctx context.Context) ([]AgentRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status IN ($1, $2, $3)
		ORDER BY created_at ASC;
	`, StatusConnected, StatusAwaitingQR, StatusDisconnected)
	if err != nil {
		return nil, fmt.Errorf("list bootstrappable agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list bootstrappable agents: iterate: %w", err)
	}
	return out, nil
}

// DeleteAgent removes the row for agentID and reports whether one existed.
func (q *Queries) DeleteAgent(ctx context.Context, agentID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = $1;`, agentID)
	if err != nil {
		return false, fmt.Errorf("delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete agent: rows affected: %w", err)
	}
	return n > 0, nil
}

// LatestActiveAPIKey returns the newest active access token for the user,
// or empty string if the user has none.
func (q *Queries) LatestActiveAPIKey(ctx context.Context, userID int64) (string, error) {
	var token string
	err := q.db.QueryRowContext(ctx, `
		SELECT access_token FROM api_keys
		WHERE user_id = $1 AND is_active
		ORDER BY updated_at DESC
		LIMIT 1;
	`, userID).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("latest active api key: %w", err)
	}
	return token, nil
}

// SyncAPIKey copies the user's latest active key onto the agent row. No-op
// when the user has no active keys.
func (q *Queries) SyncAPIKey(ctx context.Context, userID int64, agentID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE agents SET
			api_key = k.access_token,
			updated_at = now()
		FROM (
			SELECT access_token FROM api_keys
			WHERE user_id = $1 AND is_active
			ORDER BY updated_at DESC
			LIMIT 1
		) AS k
		WHERE agents.user_id = $1 AND agents.agent_id = $2;
	`, userID, agentID)
	if err != nil {
		return fmt.Errorf("sync api key: %w", err)
	}
	return nil
}
