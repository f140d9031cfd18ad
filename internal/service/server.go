package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server HTTP 服务封装
type Server struct {
	httpServer *http.Server
	name       string
	logger     *zap.Logger
}

// NewServer 创建 HTTP 服务
func NewServer(name, addr string, handler http.Handler, logger *zap.Logger) *Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &Server{httpServer: s, name: name, logger: logger}
}

// Start 阻塞监听，正常关闭时返回 nil
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		zap.String("service", s.name),
		zap.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server",
		zap.String("service", s.name),
	)
	return s.httpServer.Shutdown(ctx)
}
