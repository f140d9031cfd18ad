package consumer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LinkDirectory 绑定关系查询（由 repository.LinkRepository 实现）
type LinkDirectory interface {
	ApprovedSubjectsOf(ctx context.Context, observerID string) ([]string, error)
}

// LinkTarget 需要跟随绑定关系更新订阅的看护人（由 escalator.Escalator 实现）
type LinkTarget interface {
	ObserverID() string
	SetLinkedSubjects(ctx context.Context, subjectIDs []string) error
}

// LinkWatcher 轮询绑定关系，把已批准的老人列表同步给每个看护人
type LinkWatcher struct {
	directory LinkDirectory
	targets   []LinkTarget
	interval  time.Duration
	logger    *zap.Logger
}

// NewLinkWatcher 创建绑定关系轮询器
func NewLinkWatcher(directory LinkDirectory, targets []LinkTarget, interval time.Duration, logger *zap.Logger) *LinkWatcher {
	return &LinkWatcher{
		directory: directory,
		targets:   targets,
		interval:  interval,
		logger:    logger,
	}
}

// Start 启动轮询，直到 ctx 结束
func (w *LinkWatcher) Start(ctx context.Context) error {
	w.logger.Info("Link watcher started",
		zap.Int("observer_count", len(w.targets)),
		zap.Duration("poll_interval", w.interval),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// 立即执行一次
	w.SyncAll(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Link watcher stopped")
			return nil
		case <-ticker.C:
			w.SyncAll(ctx)
		}
	}
}

// SyncAll 同步所有看护人，单个失败不影响其他
func (w *LinkWatcher) SyncAll(ctx context.Context) {
	for _, target := range w.targets {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.sync(ctx, target); err != nil {
			w.logger.Error("Failed to sync linked subjects",
				zap.String("observer_id", target.ObserverID()),
				zap.Error(err),
			)
			// 继续处理下一个，不中断
		}
	}
}

func (w *LinkWatcher) sync(ctx context.Context, target LinkTarget) error {
	subjects, err := w.directory.ApprovedSubjectsOf(ctx, target.ObserverID())
	if err != nil {
		return fmt.Errorf("failed to get approved subjects: %w", err)
	}
	if err := target.SetLinkedSubjects(ctx, subjects); err != nil {
		return fmt.Errorf("failed to set linked subjects: %w", err)
	}
	return nil
}
