package plan

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "TxPilot-Chain/internal/errors"
)

// RunStatus 描述整个会话（而非单个步骤）所处的阶段。
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// IsValidRunStatus 检查给定的会话状态是否为支持的枚举值。
func IsValidRunStatus(status RunStatus) bool {
	switch status {
	case RunPending, RunRunning, RunSucceeded, RunFailed:
		return true
	default:
		return false
	}
}

// Session 把一个 TxPlan、它的预览数据与专属的 Executor 绑定在一起。
// 会话只存在于内存中：UI 卸载或计划被替换时即被丢弃，从不落库；
// 落库的只有执行完成后的审计记录。
type Session struct {
	ID        string         `json:"id"`
	Preview   map[string]any `json:"preview,omitempty"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`

	mu         sync.Mutex
	plan       TxPlan
	executor   *Executor
	attempts   int
	maxRetries int
}

// Plan 返回会话绑定的计划副本。
func (s *Session) Plan() TxPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(TxPlan(nil), s.plan...)
}

// Executor 返回会话专属的执行器。
func (s *Session) Executor() *Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executor
}

// Attempts 返回自动执行已经消耗的尝试次数。
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// MaxRetries 返回自动执行允许的最大尝试次数。
func (s *Session) MaxRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRetries
}

// ClaimRun 为一次自动执行领取会话。主交易已成功或尝试次数耗尽时
// 返回对应错误；在途步骤的互斥由执行器门控保证，这里不做检查。
func (s *Session) ClaimRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.executor.State()
	if state.IsTxSuccess {
		return ErrRunCompleted
	}
	if s.attempts >= s.maxRetries {
		return ErrRunExhausted
	}
	s.attempts++
	s.UpdatedAt = time.Now().Unix()
	return nil
}

// Status 根据执行器状态推导会话所处阶段。
func (s *Session) Status() RunStatus {
	state := s.Executor().State()
	return statusOf(state)
}

func statusOf(state Snapshot) RunStatus {
	switch {
	case state.IsTxSuccess:
		return RunSucceeded
	case state.IsApprovalPending || state.IsTxPending:
		return RunRunning
	case state.ApprovalError != nil || state.TxError != nil:
		return RunFailed
	default:
		return RunPending
	}
}

// Registry 以内存方式保存活跃会话，按会话 ID 索引。
// 会话的可变状态由各自的 Executor 自行同步，Registry 只负责成员关系。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry 创建 Registry。
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add 登记一个新会话。
func (r *Registry) Add(_ context.Context, session *Session) error {
	if session == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if session.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.ID]; ok {
		return ErrSessionConflict
	}
	now := time.Now().Unix()
	if session.CreatedAt == 0 {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	r.sessions[session.ID] = session
	return nil
}

// Get 返回指定会话。
func (r *Registry) Get(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Remove 丢弃会话（UI 卸载或计划被替换时调用）。
func (r *Registry) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}

// List 返回符合过滤条件的会话，按创建时间倒序。
func (r *Registry) List(_ context.Context, opts ListOptions) ([]*Session, error) {
	opts.applyDefaults()

	r.mu.RLock()
	results := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		results = append(results, session)
	}
	r.mu.RUnlock()

	if len(opts.Statuses) > 0 {
		filtered := results[:0]
		for _, session := range results {
			if matchesStatus(session.Status(), opts.Statuses) {
				filtered = append(filtered, session)
			}
		}
		results = filtered
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByCreatedAsc {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt < results[j].CreatedAt
		}
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计各阶段的会话数量。
func (r *Registry) Stats(_ context.Context) (SessionStats, error) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()

	stats := SessionStats{}
	for _, session := range sessions {
		stats.Total++
		switch session.Status() {
		case RunPending:
			stats.Pending++
		case RunRunning:
			stats.Running++
		case RunSucceeded:
			stats.Succeeded++
		case RunFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func matchesStatus(status RunStatus, wanted []RunStatus) bool {
	for _, candidate := range wanted {
		if status == candidate {
			return true
		}
	}
	return false
}
