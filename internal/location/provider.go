// Package location 提供老人设备的当前位置（尽力而为，单次尝试，有超时）
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eldercare-alert/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrLocationUnavailable 无法获取位置，报警仍会创建（位置为空）
var ErrLocationUnavailable = errors.New("location unavailable")

// DefaultTimeout 位置查询超时
const DefaultTimeout = 5 * time.Second

// Provider 位置提供者
type Provider interface {
	CurrentLocation(ctx context.Context, subjectID string) (*models.GeoPoint, error)
}

// locationResponse 设备定位服务响应
type locationResponse struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
}

// HTTPProvider 通过设备本地定位服务获取位置
type HTTPProvider struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewHTTPProvider 创建定位服务客户端
// 只尝试一次，不重试
func NewHTTPProvider(baseURL string, logger *zap.Logger) *HTTPProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(DefaultTimeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &HTTPProvider{
		httpClient: client,
		logger:     logger,
	}
}

// CurrentLocation 查询老人当前位置
func (p *HTTPProvider) CurrentLocation(ctx context.Context, subjectID string) (*models.GeoPoint, error) {
	var response locationResponse
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetPathParam("subjectID", subjectID).
		SetResult(&response).
		Get("/location/{subjectID}")

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrLocationUnavailable, resp.StatusCode())
	}
	if response.Latitude == nil || response.Longitude == nil {
		return nil, fmt.Errorf("%w: no fix", ErrLocationUnavailable)
	}

	p.logger.Debug("Location fix",
		zap.String("subject_id", subjectID),
		zap.Float64("accuracy", response.Accuracy),
	)

	return &models.GeoPoint{
		Latitude:  *response.Latitude,
		Longitude: *response.Longitude,
	}, nil
}

// timeoutProvider 给任意 Provider 加上硬超时
type timeoutProvider struct {
	inner   Provider
	timeout time.Duration
}

// WithTimeout 超时后立即返回 ErrLocationUnavailable，不等待底层调用结束
func WithTimeout(inner Provider, timeout time.Duration) Provider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutProvider{inner: inner, timeout: timeout}
}

type lookupResult struct {
	point *models.GeoPoint
	err   error
}

func (p *timeoutProvider) CurrentLocation(ctx context.Context, subjectID string) (*models.GeoPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan lookupResult, 1)
	go func() {
		point, err := p.inner.CurrentLocation(ctx, subjectID)
		done <- lookupResult{point: point, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && !errors.Is(r.err, ErrLocationUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrLocationUnavailable, r.err)
		}
		return r.point, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrLocationUnavailable, ctx.Err())
	}
}
