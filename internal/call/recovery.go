package call

import (
	"encoding/json"
	"os"
	"time"
)

// ActiveCall 为崩溃恢复用的本地快照，仅供重启后判断
// “上次是否还有通话在进行”，不具权威性。
type ActiveCall struct {
	CallID    string    `json:"callId"`
	PeerID    string    `json:"peerId"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"startTime"`
}

// RecoveryCache 把活动通话快照写到本地 JSON 文件：
// 接通时写入、终态时清除。
type RecoveryCache struct {
	path string
}

func NewRecoveryCache(path string) *RecoveryCache {
	return &RecoveryCache{path: path}
}

func (r *RecoveryCache) Save(ac ActiveCall) error {
	b, err := json.Marshal(ac)
	if err != nil {
		return err
	}
	return os.WriteFile(r.path, b, 0o600)
}

// Load 返回快照；文件缺失或损坏按“无活动通话”处理。
func (r *RecoveryCache) Load() (ActiveCall, bool) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		return ActiveCall{}, false
	}
	var ac ActiveCall
	if err := json.Unmarshal(b, &ac); err != nil || ac.CallID == "" {
		return ActiveCall{}, false
	}
	return ac, true
}

// Clear 删除快照。文件不存在为空操作。
func (r *RecoveryCache) Clear() {
	_ = os.Remove(r.path)
}
