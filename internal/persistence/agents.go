package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/hookrelay/internal/agent"
)

// CreateAgent inserts a new agent record.
func (s *Store) CreateAgent(ctx context.Context, rec agent.Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal agent metadata: %w", err)
	}
	if rec.Metadata == nil {
		meta = []byte("{}")
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (relay_id, credential_hash, workspace_id, encrypted_endpoint, metadata_json, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, rec.RelayID, rec.CredentialHash, rec.WorkspaceID, rec.EncryptedEndpoint, string(meta),
			rec.CreatedAt.UnixMilli(), now.UnixMilli())
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %s", agent.ErrExists, rec.RelayID)
			}
			return fmt.Errorf("insert agent: %w", err)
		}
		return nil
	})
}

// GetAgent returns the agent or agent.ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, relayID string) (agent.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT relay_id, credential_hash, workspace_id, encrypted_endpoint, metadata_json, created_at_ms, updated_at_ms
		FROM agents WHERE relay_id = ?;
	`, relayID)
	rec, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.Record{}, agent.ErrNotFound
	}
	return rec, err
}

// ListAgents returns all agents.
func (s *Store) ListAgents(ctx context.Context) ([]agent.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT relay_id, credential_hash, workspace_id, encrypted_endpoint, metadata_json, created_at_ms, updated_at_ms
		FROM agents ORDER BY relay_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []agent.Record
	for rows.Next() {
		rec, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

// UpdateAgentCredential replaces the stored credential hash.
func (s *Store) UpdateAgentCredential(ctx context.Context, relayID, credentialHash string) error {
	return s.updateAgent(ctx, `UPDATE agents SET credential_hash = ?, updated_at_ms = ? WHERE relay_id = ?;`, credentialHash, relayID)
}

// UpdateAgentEndpoint replaces the encrypted callback endpoint.
func (s *Store) UpdateAgentEndpoint(ctx context.Context, relayID, encryptedEndpoint string) error {
	return s.updateAgent(ctx, `UPDATE agents SET encrypted_endpoint = ?, updated_at_ms = ? WHERE relay_id = ?;`, encryptedEndpoint, relayID)
}

func (s *Store) updateAgent(ctx context.Context, query, value, relayID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, value, s.now().UnixMilli(), relayID)
		if err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return agent.ErrNotFound
		}
		return nil
	})
}

func scanAgent(scan func(dest ...any) error) (agent.Record, error) {
	var (
		rec                agent.Record
		meta               string
		createdMs, updated int64
	)
	if err := scan(&rec.RelayID, &rec.CredentialHash, &rec.WorkspaceID, &rec.EncryptedEndpoint, &meta, &createdMs, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan agent: %w", err)
	}
	if meta != "" && meta != "{}" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return rec, fmt.Errorf("decode agent metadata: %w", err)
		}
	}
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}
