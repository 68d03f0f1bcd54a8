package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderq/internal/domain"
)

// DirectoryPG implements domain.Directory over the user/team tables owned by
// the surrounding CRUD layer.
type DirectoryPG struct {
	pool *pgxpool.Pool
}

// NewDirectory creates a directory reader backed by PostgreSQL.
func NewDirectory(pool *pgxpool.Pool) *DirectoryPG {
	return &DirectoryPG{pool: pool}
}

func (r *DirectoryPG) UserPlan(ctx context.Context, userID string) (domain.Plan, error) {
	var plan string
	err := r.pool.QueryRow(ctx, `SELECT plan FROM users WHERE id = $1`, userID).Scan(&plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return domain.Plan(plan), nil
}

func (r *DirectoryPG) TeamRole(ctx context.Context, teamID, userID string) (string, error) {
	var role string
	err := r.pool.QueryRow(ctx,
		`SELECT role FROM team_members WHERE team_id = $1 AND user_id = $2`,
		teamID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return role, err
}
