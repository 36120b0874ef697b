package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agoramesh/policygate/internal/domain/policy"
)

// PackStore implements policy.PackStore on SQLite. Rules are stored as
// a JSON document per pack; packs are small and always read whole, so
// relational rule rows would buy nothing.
type PackStore struct {
	db *sql.DB
}

// NewPackStore creates a pack store on an opened database.
func NewPackStore(db *sql.DB) *PackStore {
	return &PackStore{db: db}
}

// Save creates a new pack. The pack ID must be unique.
func (s *PackStore) Save(ctx context.Context, p *policy.Pack) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_packs (id, name, version, scope, rules, created_by, created_at, updated_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Version.String(), p.Scope, string(rules), p.CreatedBy,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), formatTimePtr(p.ArchivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert pack: %w", err)
	}
	return nil
}

// Get returns a pack by ID, archived or not.
func (s *PackStore) Get(ctx context.Context, id string) (*policy.Pack, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, scope, rules, created_by, created_at, updated_at, archived_at
		FROM policy_packs WHERE id = ?`, id)
	p, err := scanPack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrPackNotFound
	}
	return p, err
}

// CompareAndSwap replaces the stored pack when its version still equals
// expected. The version guard rides in the UPDATE's WHERE clause, so
// the check and the write are one atomic statement.
func (s *PackStore) CompareAndSwap(ctx context.Context, p *policy.Pack, expected policy.Version) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE policy_packs
		SET name = ?, version = ?, scope = ?, rules = ?, updated_at = ?, archived_at = ?
		WHERE id = ? AND version = ?`,
		p.Name, p.Version.String(), p.Scope, string(rules),
		formatTime(p.UpdatedAt), formatTimePtr(p.ArchivedAt),
		p.ID, expected.String(),
	)
	if err != nil {
		return fmt.Errorf("update pack: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing pack from a lost-update race.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM policy_packs WHERE id = ?`, p.ID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return policy.ErrPackNotFound
			}
			return fmt.Errorf("check pack existence: %w", err)
		}
		return policy.ErrVersionConflict
	}
	return nil
}

// ListByScope returns packs for the scope, newest first.
func (s *PackStore) ListByScope(ctx context.Context, scope string, includeArchived bool) ([]policy.Pack, error) {
	query := `
		SELECT id, name, version, scope, rules, created_by, created_at, updated_at, archived_at
		FROM policy_packs WHERE scope = ?`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, scope)
	if err != nil {
		return nil, fmt.Errorf("query packs: %w", err)
	}
	defer rows.Close()

	var packs []policy.Pack
	for rows.Next() {
		p, err := scanPack(rows)
		if err != nil {
			return nil, err
		}
		packs = append(packs, *p)
	}
	return packs, rows.Err()
}

// Archive soft-deletes a pack. Idempotent for already-archived packs.
func (s *PackStore) Archive(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE policy_packs SET archived_at = ?
		WHERE id = ? AND archived_at IS NULL`,
		formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("archive pack: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM policy_packs WHERE id = ?`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return policy.ErrPackNotFound
			}
			return fmt.Errorf("check pack existence: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPack(row rowScanner) (*policy.Pack, error) {
	var (
		p          policy.Pack
		version    string
		rules      string
		createdAt  string
		updatedAt  string
		archivedAt sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &version, &p.Scope, &rules, &p.CreatedBy, &createdAt, &updatedAt, &archivedAt); err != nil {
		return nil, err
	}

	v, err := policy.ParseVersion(version)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", p.ID, err)
	}
	p.Version = v

	if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
		return nil, fmt.Errorf("pack %s: unmarshal rules: %w", p.ID, err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("pack %s: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("pack %s: %w", p.ID, err)
	}
	if archivedAt.Valid {
		at, err := parseTime(archivedAt.String)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", p.ID, err)
		}
		p.ArchivedAt = &at
	}
	return &p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// Compile-time interface verification.
var _ policy.PackStore = (*PackStore)(nil)
