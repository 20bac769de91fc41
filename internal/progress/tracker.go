package progress

import "sync"

// FallbackAssetSize 是 manifest 未提供任何尺寸时每个资产的估算字节数。
const FallbackAssetSize int64 = 10000

// Snapshot 是某一时刻的进度值。
type Snapshot struct {
	Downloaded        int64
	Total             int64
	CriticalCompleted bool
}

type state struct {
	total      int64
	downloaded int64
	critical   bool
	// assumed 记录计划内资产的估算字节数，未计划的资产视为 0。
	assumed map[string]int64
	// slack 是实际尺寸小于估算时尚未计入的差额，资产结束时补记到 downloaded，保证 total 不回退。
	slack map[string]int64
}

// Tracker 是进程内唯一的进度状态。
type Tracker struct {
	mu sync.Mutex
	st state
}

// NewTracker 创建空 Tracker。
func NewTracker() *Tracker {
	return &Tracker{st: state{
		assumed: make(map[string]int64),
		slack:   make(map[string]int64),
	}}
}

// update 是唯一的修改入口，在锁内执行 fn 并保证 downloaded 不超过 total。
func (t *Tracker) update(fn func(st *state)) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn != nil {
		fn(&t.st)
	}
	if t.st.downloaded > t.st.total {
		t.st.total = t.st.downloaded
	}
	return Snapshot{
		Downloaded:        t.st.downloaded,
		Total:             t.st.total,
		CriticalCompleted: t.st.critical,
	}
}

// Plan 登记一批待预取资产的估算尺寸并累加到 total；全部为 0 时按 FallbackAssetSize 估算。
func (t *Tracker) Plan(assumed map[string]int64) Snapshot {
	var sum int64
	for _, size := range assumed {
		sum += size
	}
	fallback := sum == 0
	return t.update(func(st *state) {
		for hash, size := range assumed {
			if fallback {
				size = FallbackAssetSize
			}
			st.assumed[hash] = size
			st.total += size
		}
	})
}

// Assumed 返回资产的估算尺寸，未计划的资产返回 0。
func (t *Tracker) Assumed(hash string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.assumed[hash]
}

// Resize 用实际传输尺寸修正估算：偏大时立即抬高 total，偏小时记为 slack 待结算。
func (t *Tracker) Resize(hash string, actual int64) Snapshot {
	return t.update(func(st *state) {
		delta := actual - st.assumed[hash]
		st.assumed[hash] = actual
		switch {
		case delta > 0:
			st.total += delta
		case delta < 0:
			st.slack[hash] += -delta
		}
	})
}

// Add 累加已下载字节。
func (t *Tracker) Add(n int64) Snapshot {
	return t.update(func(st *state) {
		st.downloaded += n
	})
}

// Credit 将已缓存资产的估算尺寸计入 downloaded。
func (t *Tracker) Credit(hash string) Snapshot {
	return t.update(func(st *state) {
		st.downloaded += st.assumed[hash]
	})
}

// Settle 在资产下载结束时结算 slack。
func (t *Tracker) Settle(hash string) Snapshot {
	return t.update(func(st *state) {
		if slack, ok := st.slack[hash]; ok {
			st.downloaded += slack
			delete(st.slack, hash)
		}
	})
}

// MarkCriticalDone 标记关键资产批次完成。
func (t *Tracker) MarkCriticalDone() Snapshot {
	return t.update(func(st *state) {
		st.critical = true
	})
}

// Snapshot 返回当前进度。
func (t *Tracker) Snapshot() Snapshot {
	return t.update(nil)
}
