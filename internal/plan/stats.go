package plan

// SessionStats 聚合了活跃会话的阶段分布，常用于仪表盘或健康检查。
type SessionStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
