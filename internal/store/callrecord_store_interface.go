package store

import (
	"context"

	"go-callkit/internal/models"
)

// CallRecordStore 为通话记录存储接口，MySQL 与 MongoDB 两套实现可切换。
type CallRecordStore interface {
	// Append 幂等写入一条终态通话记录（按 call_id 去重）
	Append(ctx context.Context, r *models.CallRecord) error
	// GetByCallID 按通话 ID 查询
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	// ListByUser 按用户（主叫或被叫）倒序拉取记录
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]*models.CallRecord, error)
}
