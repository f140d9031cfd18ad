package service

import (
	"context"
	"fmt"

	"eldercare-alert/internal/api"
	"eldercare-alert/internal/api/ws"
	"eldercare-alert/internal/clock"
	"eldercare-alert/internal/config"
	"eldercare-alert/internal/consumer"
	"eldercare-alert/internal/escalator"
	"eldercare-alert/internal/models"
	"eldercare-alert/internal/store"

	"go.uber.org/zap"
)

// CaretakerService 看护人端报警服务（每个看护人一个升级器，绑定关系轮询，应用内推送）
type CaretakerService struct {
	config *config.Config
	store  store.AlertStore
	links  consumer.LinkDirectory
	hub    *ws.Hub
	logger *zap.Logger

	escalators map[string]*escalator.Escalator
	watcher    *consumer.LinkWatcher
}

// NewCaretakerService 创建看护人端服务，hub 可以为 nil（不做应用内推送）
func NewCaretakerService(
	cfg *config.Config,
	alertStore store.AlertStore,
	links consumer.LinkDirectory,
	sink escalator.Sink,
	hub *ws.Hub,
	clk clock.Clock,
	logger *zap.Logger,
) *CaretakerService {
	var inApp escalator.InAppChannel
	if hub != nil {
		inApp = hub
	}

	// 1. 每个看护人一个升级器
	escalators := make(map[string]*escalator.Escalator, len(cfg.Caretaker.ObserverIDs))
	targets := make([]consumer.LinkTarget, 0, len(cfg.Caretaker.ObserverIDs))
	for _, observerID := range cfg.Caretaker.ObserverIDs {
		e := escalator.NewEscalator(observerID, alertStore, sink, inApp, clk, logger)
		escalators[observerID] = e
		targets = append(targets, e)
	}

	// 2. 绑定关系轮询
	watcher := consumer.NewLinkWatcher(links, targets, cfg.Caretaker.LinkPollInterval, logger)

	return &CaretakerService{
		config:     cfg,
		store:      alertStore,
		links:      links,
		hub:        hub,
		logger:     logger,
		escalators: escalators,
		watcher:    watcher,
	}
}

// Start 启动服务，阻塞直到 ctx 结束
func (s *CaretakerService) Start(ctx context.Context) error {
	s.logger.Info("Starting caretaker alert service",
		zap.Strings("observer_ids", s.config.Caretaker.ObserverIDs),
	)

	if s.hub != nil {
		go s.hub.Run(ctx)
	}

	if err := s.watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start link watcher: %w", err)
	}
	return nil
}

// Stop 关闭所有订阅
func (s *CaretakerService) Stop() {
	s.logger.Info("Stopping caretaker alert service")
	for _, e := range s.escalators {
		e.Close()
	}
}

// Acknowledge 看护人确认报警
func (s *CaretakerService) Acknowledge(ctx context.Context, observerID, alertID string) (escalator.AckResult, error) {
	e, ok := s.escalators[observerID]
	if !ok {
		return "", api.ErrUnknownObserver
	}
	return e.Acknowledge(ctx, alertID)
}

// History 看护人可见的报警历史（按创建时间倒序）
// 可见范围以绑定关系表为准，不依赖升级器当前的订阅
func (s *CaretakerService) History(ctx context.Context, observerID string, limit int) ([]models.Alert, error) {
	if _, ok := s.escalators[observerID]; !ok {
		return nil, api.ErrUnknownObserver
	}

	subjects, err := s.links.ApprovedSubjectsOf(ctx, observerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get approved subjects: %w", err)
	}
	if len(subjects) == 0 {
		return []models.Alert{}, nil
	}

	alerts, err := s.store.History(ctx, subjects, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get alert history: %w", err)
	}
	return alerts, nil
}

// Escalator 指定看护人的升级器
func (s *CaretakerService) Escalator(observerID string) (*escalator.Escalator, bool) {
	e, ok := s.escalators[observerID]
	return e, ok
}
