package store

import (
	"context"
	"encoding/json"
	"fmt"

	"psa/internal/lifecycle"
)

// SaveProposal upserts a proposal.
func (s *LocalStore) SaveProposal(ctx context.Context, p lifecycle.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, status, data, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		p.ID, string(p.Status.Kind), string(data), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("save proposal %s: %w", p.ID, err)
	}
	return nil
}

// LoadProposals returns every stored proposal, oldest first.
func (s *LocalStore) LoadProposals(ctx context.Context) ([]lifecycle.Proposal, error) {
	var out []lifecycle.Proposal
	err := s.loadJSON(ctx, "SELECT data FROM proposals ORDER BY created_at, id", func(data []byte) error {
		var p lifecycle.Proposal
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// SaveCVE upserts a CVE record.
func (s *LocalStore) SaveCVE(ctx context.Context, c lifecycle.CVE) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cves (id, fixed, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET fixed = excluded.fixed, data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		c.ID, c.Fixed(), string(data))
	if err != nil {
		return fmt.Errorf("save CVE %s: %w", c.ID, err)
	}
	return nil
}

// LoadCVEs returns every stored CVE sorted by id.
func (s *LocalStore) LoadCVEs(ctx context.Context) ([]lifecycle.CVE, error) {
	var out []lifecycle.CVE
	err := s.loadJSON(ctx, "SELECT data FROM cves ORDER BY id", func(data []byte) error {
		var c lifecycle.CVE
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func (s *LocalStore) loadJSON(ctx context.Context, query string, fn func([]byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return err
		}
		if err := fn([]byte(data)); err != nil {
			return err
		}
	}
	return rows.Err()
}
