package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go-callkit/internal/models"
)

// 用户存储
type UserStore struct{ DB *sql.DB }

func NewUserStore(db *sql.DB) *UserStore { return &UserStore{DB: db} }

// 创建用户
func (s *UserStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users(id, username, password, nickname, avatar_url, role, created_at, updated_at) VALUES(?,?,?,?,?,?,NOW(),NOW())`, u.ID, u.Username, u.Password, u.Nickname, u.AvatarURL, u.Role)
	return err
}

// 按用户名查询
func (s *UserStore) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, username, password, nickname, avatar_url, role, created_at, updated_at FROM users WHERE username=?`, username)
	return scanUser(row)
}

// 按 ID 查询用户
func (s *UserStore) GetByID(ctx context.Context, userID string) (*models.User, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, username, password, nickname, avatar_url, role, created_at, updated_at FROM users WHERE id=?`, userID)
	return scanUser(row)
}

// 更新用户资料
func (s *UserStore) UpdateUser(ctx context.Context, u *models.User) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET nickname=?, avatar_url=?, updated_at=? WHERE id=?`, u.Nickname, u.AvatarURL, time.Now(), u.ID)
	return err
}

// 列出客服账号（被叫选择用）
func (s *UserStore) ListByRole(ctx context.Context, role string, limit int) ([]*models.User, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, username, password, nickname, avatar_url, role, created_at, updated_at FROM users WHERE role=? ORDER BY created_at ASC LIMIT ?`, role, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u := &models.User{}
		if err := rows.Scan(&u.ID, &u.Username, &u.Password, &u.Nickname, &u.AvatarURL, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Nickname, &u.AvatarURL, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}
