package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

const userColumns = `id, email, name, organization, COALESCE(api_key_hash, ''), is_active, created_at, updated_at`

// APIKeyPrefix marks bearer tokens issued by CreateUser.
const APIKeyPrefix = "nkm_"

// NewAPIKey returns a fresh random bearer token.
func NewAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// HashAPIKey is the only form in which a key is persisted.
func HashAPIKey(key string) string {
	return model.ContentHash(strings.TrimSpace(key))
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Organization, &u.APIKeyHash,
		&u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser registers a user and returns it together with its plaintext API
// key. The key is not recoverable afterwards.
func (s *Store) CreateUser(ctx context.Context, in model.UserInput) (*model.User, string, error) {
	if err := in.Validate(); err != nil {
		return nil, "", err
	}
	key, err := NewAPIKey()
	if err != nil {
		return nil, "", err
	}
	now := model.Now()
	u, err := scanUser(s.db.QueryRow(ctx, `
		INSERT INTO users (id, email, name, organization, api_key_hash, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
		RETURNING `+userColumns,
		uuid.New().String(), in.Email, in.Name, in.Organization, HashAPIKey(key), now,
	))
	if err != nil {
		return nil, "", wrapf(err, "create user %s", in.Email)
	}
	return u, key, nil
}

// GetUser returns the user behind t.
func (s *Store) GetUser(ctx context.Context, t tenant.Tenant) (*model.User, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	u, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, t.UserID()))
	if err != nil {
		return nil, wrapf(err, "get user %s", t.UserID())
	}
	return u, nil
}

// GetUserByEmail is used by the admin CLI.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		return nil, wrapf(err, "get user by email")
	}
	return u, nil
}

// GetUserByAPIKey resolves an active user from a bearer token.
func (s *Store) GetUserByAPIKey(ctx context.Context, key string) (*model.User, error) {
	if strings.TrimSpace(key) == "" {
		return nil, model.ErrNotFound
	}
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE api_key_hash = $1 AND is_active`, HashAPIKey(key)))
	if err != nil {
		return nil, wrapf(err, "get user by api key")
	}
	return u, nil
}

// ListActiveUsers returns every active user. It is the only cross-tenant
// read and returns user rows, never records.
func (s *Store) ListActiveUsers(ctx context.Context) ([]*model.User, error) {
	rows, err := s.db.Query(ctx, `SELECT `+userColumns+` FROM users WHERE is_active ORDER BY created_at, id`)
	if err != nil {
		return nil, classify("list users", err)
	}
	defer rows.Close()

	var out []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify("scan user", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list users", err)
	}
	return out, nil
}

// DeleteUser removes the user behind t; memories, entities and
// relationships go with it through ON DELETE CASCADE.
func (s *Store) DeleteUser(ctx context.Context, t tenant.Tenant) error {
	if !t.Valid() {
		return tenant.ErrNoTenant
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, t.UserID())
	if err != nil {
		return wrapf(err, "delete user %s", t.UserID())
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
