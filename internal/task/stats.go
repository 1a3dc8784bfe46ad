package task

// TaskStats 汇总一组任务的状态分布。
// FailureCodes 按错误码统计失败任务，运维据此区分 ISSUANCE_SUPPLY_FAILED
// 这类需要人工续发的记录与普通的校验失败。
type TaskStats struct {
	Total           int            `json:"total"`
	Pending         int            `json:"pending"`
	Running         int            `json:"running"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	ByTool          map[string]int `json:"by_tool,omitempty"`
	FailureCodes    map[string]int `json:"failure_codes,omitempty"`
	OldestUpdatedAt int64          `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64          `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) add(task *Task) {
	s.Total++
	switch task.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
		if task.ErrorCode != "" {
			s.countFailure(task.ErrorCode, 1)
		}
	}
	if task.Tool != "" {
		s.countTool(task.Tool, 1)
	}
	if task.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = task.UpdatedAt
	}
	if task.UpdatedAt != 0 && (s.OldestUpdatedAt == 0 || task.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = task.UpdatedAt
	}
}

func (s *TaskStats) countTool(tool string, n int) {
	if s.ByTool == nil {
		s.ByTool = make(map[string]int)
	}
	s.ByTool[tool] += n
}

func (s *TaskStats) countFailure(code string, n int) {
	if s.FailureCodes == nil {
		s.FailureCodes = make(map[string]int)
	}
	s.FailureCodes[code] += n
}
