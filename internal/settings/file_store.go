package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"eldercare-alert/internal/models"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileStore 老人端本地设置，保存在 YAML 文件中
// 文件不存在时使用默认值（跌倒检测、声音检测均关闭）
type FileStore struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current models.ElderSettings
}

// NewFileStore 创建设置存储并加载文件
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		logger: logger,
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load 从文件重新加载设置
func (s *FileStore) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.mu.Lock()
		s.current = models.ElderSettings{}
		s.mu.Unlock()
		s.logger.Info("Settings file not found, using defaults",
			zap.String("path", s.path),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	var loaded models.ElderSettings
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	return nil
}

// Get 返回当前设置
func (s *FileStore) Get() models.ElderSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save 写入文件（先写临时文件再 rename），成功后更新内存中的设置
func (s *FileStore) Save(settings models.ElderSettings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}

	s.current = settings
	s.logger.Info("Settings saved",
		zap.String("path", s.path),
		zap.Bool("fall_detection_enabled", settings.FallDetectionEnabled),
		zap.Bool("sound_detection_enabled", settings.SoundDetectionEnabled),
	)
	return nil
}
