package repo

import (
	"context"
	"database/sql"

	"teammanage/internal/domain"
)

func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,full_name,role,verified,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET full_name=excluded.full_name, role=excluded.role, verified=excluded.verified`,
		u.ID, u.FullName, u.Role, u.Verified, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,full_name,role,verified,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.FullName, &u.Role, &u.Verified, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,full_name,role,verified,created_at FROM users ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.FullName, &u.Role, &u.Verified, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, nil
}

func (r Repo) MarkUserVerified(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET verified=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUnverifiedBefore removes accounts that never verified within the
// retention window. Returns the number of rows removed.
func (r Repo) DeleteUnverifiedBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM users WHERE verified=0 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
