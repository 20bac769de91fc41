package progress

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// CriticalChecker 判断全部 CRITICAL 资产是否已在缓存中。
type CriticalChecker func(ctx context.Context) bool

// Reporter 将 Tracker 快照编码为消息并广播。
type Reporter struct {
	tracker *Tracker
	hub     *Hub
	check   CriticalChecker
	logger  *logrus.Logger

	// mu 串行化"修改 Tracker + 广播"，保证订阅方收到的快照按修改顺序到达。
	mu sync.Mutex
}

// NewReporter 构造 Reporter，check 可为 nil。
func NewReporter(tracker *Tracker, hub *Hub, check CriticalChecker, logger *logrus.Logger) *Reporter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reporter{tracker: tracker, hub: hub, check: check, logger: logger}
}

// Tracker 返回底层进度状态。
func (r *Reporter) Tracker() *Tracker {
	return r.tracker
}

// Hub 返回广播中心。
func (r *Reporter) Hub() *Hub {
	return r.hub
}

// Report 广播当前进度。
func (r *Reporter) Report(completed bool) ProgressMessage {
	return r.Apply(func(t *Tracker) Snapshot { return t.Snapshot() }, completed)
}

// Apply 在同一把锁内修改 Tracker 并广播修改后的快照。
// 并发下载各自调用 Apply，广播顺序与修改顺序一致，客户端看到的 total 与 current 不会回退。
func (r *Reporter) Apply(mutate func(t *Tracker) Snapshot, completed bool) ProgressMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := newProgressMessage(mutate(r.tracker), completed)
	r.hub.Broadcast(msg)
	return msg
}

func newProgressMessage(snap Snapshot, completed bool) ProgressMessage {
	return ProgressMessage{
		Type:              TypeLoadingProgress,
		Current:           snap.Downloaded,
		Total:             snap.Total,
		Completed:         completed,
		CriticalCompleted: snap.CriticalCompleted,
	}
}

// HandleMessage 处理客户端消息；仅 check_status 有应答，其余返回 nil。
func (r *Reporter) HandleMessage(ctx context.Context, msg ClientMessage) *StatusMessage {
	if msg.Type != TypeCheckStatus {
		r.logger.WithFields(logrus.Fields{
			"action": "client_message",
			"type":   msg.Type,
		}).Debug("忽略未知客户端消息")
		return nil
	}

	snap := r.tracker.Snapshot()
	if !snap.CriticalCompleted && r.check != nil && r.check(ctx) {
		r.mu.Lock()
		snap = r.tracker.MarkCriticalDone()
		r.mu.Unlock()
	}
	return &StatusMessage{Type: TypeStatus, CriticalCompleted: snap.CriticalCompleted}
}
