package progress

// 消息类型常量，与前端约定一致。
const (
	TypeLoadingProgress = "loading_progress"
	TypeStatus          = "status"
	TypeCheckStatus     = "check_status"
)

// ProgressMessage 是 worker → 客户端的进度广播。
type ProgressMessage struct {
	Type              string `json:"type"`
	Current           int64  `json:"current"`
	Total             int64  `json:"total"`
	Completed         bool   `json:"completed"`
	CriticalCompleted bool   `json:"criticalCompleted"`
}

// StatusMessage 是对 check_status 的应答。
type StatusMessage struct {
	Type              string `json:"type"`
	CriticalCompleted bool   `json:"criticalCompleted"`
}

// ClientMessage 是客户端 → worker 的消息，仅识别 type 字段。
type ClientMessage struct {
	Type string `json:"type"`
}
