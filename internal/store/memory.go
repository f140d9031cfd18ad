package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"eldercare-alert/internal/clock"
	"eldercare-alert/internal/models"

	"github.com/google/uuid"
)

// MemoryStore 内存报警存储
// 老人 → 按创建顺序排列的报警；订阅在追加/更新时持锁同步入队，由各自的 pump 投递
type MemoryStore struct {
	mu        sync.Mutex
	clock     clock.Clock
	alerts    map[string]*models.Alert
	bySubject map[string][]string
	subs      map[int]*memorySubscription
	nextSubID int
	newID     func() string
}

type memorySubscription struct {
	tracker *deliveryTracker
	queue   []models.Alert
	wake    chan struct{}
}

// NewMemoryStore 创建内存报警存储
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:     clk,
		alerts:    make(map[string]*models.Alert),
		bySubject: make(map[string][]string),
		subs:      make(map[int]*memorySubscription),
		newID:     func() string { return uuid.New().String() },
	}
}

// Append 追加报警，返回存储生成的 ID
func (s *MemoryStore) Append(ctx context.Context, alert models.Alert) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := prepareAppend(&alert, s.newID(), clock.NowMs(s.clock)); err != nil {
		return "", fmt.Errorf("failed to append alert: %w", err)
	}

	stored := alert
	s.alerts[alert.ID] = &stored
	s.bySubject[alert.SubjectID] = append(s.bySubject[alert.SubjectID], alert.ID)
	s.notifyLocked(stored)

	return alert.ID, nil
}

// Subscribe 打开实时订阅
func (s *MemoryStore) Subscribe(ctx context.Context, filter Filter) (<-chan models.Alert, error) {
	s.mu.Lock()
	sub := &memorySubscription{
		tracker: newDeliveryTracker(filter),
		wake:    make(chan struct{}, 1),
	}

	// 快照：按老人分组，组内保持创建顺序
	for _, subjectID := range filter.SubjectIDIn {
		for _, id := range s.bySubject[subjectID] {
			a := s.alerts[id]
			if sub.tracker.admit(a) {
				sub.queue = append(sub.queue, *a)
			}
		}
	}

	s.nextSubID++
	subID := s.nextSubID
	s.subs[subID] = sub
	s.mu.Unlock()

	out := make(chan models.Alert)
	go s.pump(ctx, subID, sub, out)
	return out, nil
}

// UpdateStatus 把 PENDING 报警更新为终态
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.AlertStatus, handledBy string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	if !a.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
	}

	a.Status = status
	a.HandledBy = handledBy
	a.HandledAtMs = clock.NowMs(s.clock)
	s.notifyLocked(*a)

	return nil
}

// Get 按 ID 获取报警
func (s *MemoryStore) Get(_ context.Context, id string) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

// History 按创建时间倒序返回这些老人的报警
func (s *MemoryStore) History(_ context.Context, subjectIDs []string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.Lock()
	var result []models.Alert
	for _, subjectID := range subjectIDs {
		for _, id := range s.bySubject[subjectID] {
			result = append(result, *s.alerts[id])
		}
	}
	s.mu.Unlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAtMs > result[j].CreatedAtMs
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// notifyLocked 把报警入队到所有相关订阅，调用方持有锁
func (s *MemoryStore) notifyLocked(a models.Alert) {
	for _, sub := range s.subs {
		if !sub.tracker.admit(&a) {
			continue
		}
		sub.queue = append(sub.queue, a)
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// pump 按入队顺序投递，ctx 结束时注销订阅并关闭 channel
func (s *MemoryStore) pump(ctx context.Context, subID int, sub *memorySubscription, out chan<- models.Alert) {
	defer func() {
		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
		close(out)
	}()

	for {
		s.mu.Lock()
		if len(sub.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-sub.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		next := sub.queue[0]
		sub.queue = sub.queue[1:]
		s.mu.Unlock()

		select {
		case out <- next:
		case <-ctx.Done():
			return
		}
	}
}
