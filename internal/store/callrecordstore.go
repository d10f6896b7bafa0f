package store

import (
	"context"
	"database/sql"
	"errors"

	"go-callkit/internal/models"
)

// SQLCallRecordStore 基于 SQL 的通话记录存储（MySQL/TiDB 兼容）。
// 约束：
// - call_records 表需具备 call_id 唯一键保障幂等（消费组可能重复投递）
// - idx_caller_created / idx_callee_created 支撑按用户倒序拉取
type SQLCallRecordStore struct{ DB *sql.DB }

func NewSQLCallRecordStore(db *sql.DB) *SQLCallRecordStore { return &SQLCallRecordStore{DB: db} }

// Append 插入记录；使用 INSERT IGNORE 实现幂等写入。
func (s *SQLCallRecordStore) Append(ctx context.Context, r *models.CallRecord) error {
	_, err := s.DB.ExecContext(ctx, `INSERT IGNORE INTO call_records(id, call_id, caller_id, callee_id, conversation_id, caller_role, type, status, start_time, end_time, duration, created_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.CallID, r.CallerID, r.CalleeID, r.ConversationID, r.CallerRole, r.Type, r.Status, r.StartTime, r.EndTime, r.Duration, r.CreatedAt)
	return err
}

func (s *SQLCallRecordStore) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, call_id, caller_id, callee_id, conversation_id, caller_role, type, status, start_time, end_time, duration, created_at FROM call_records WHERE call_id=?`, callID)
	r := &models.CallRecord{}
	var nt sql.NullTime
	if err := row.Scan(&r.ID, &r.CallID, &r.CallerID, &r.CalleeID, &r.ConversationID, &r.CallerRole, &r.Type, &r.Status, &r.StartTime, &nt, &r.Duration, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if nt.Valid {
		t := nt.Time
		r.EndTime = &t
	}
	return r, nil
}

// ListByUser 拉取用户参与的通话记录（主叫或被叫），按创建时间倒序。
func (s *SQLCallRecordStore) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*models.CallRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, call_id, caller_id, callee_id, conversation_id, caller_role, type, status, start_time, end_time, duration, created_at FROM call_records WHERE caller_id=? OR callee_id=? ORDER BY created_at DESC LIMIT ? OFFSET ?`, userID, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*models.CallRecord
	for rows.Next() {
		r := &models.CallRecord{}
		var nt sql.NullTime
		if err := rows.Scan(&r.ID, &r.CallID, &r.CallerID, &r.CalleeID, &r.ConversationID, &r.CallerRole, &r.Type, &r.Status, &r.StartTime, &nt, &r.Duration, &r.CreatedAt); err != nil {
			return nil, err
		}
		if nt.Valid {
			t := nt.Time
			r.EndTime = &t
		}
		res = append(res, r)
	}
	return res, nil
}

var _ CallRecordStore = (*SQLCallRecordStore)(nil)
