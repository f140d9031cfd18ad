package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"eldercare-alert/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	// ErrAlertNotFound alert_id 不存在
	ErrAlertNotFound = errors.New("alert not found")
	// ErrAlertNotPending 报警已处理（ACKNOWLEDGED/RESOLVED），不能再更新
	ErrAlertNotPending = errors.New("alert is not pending")
)

const alertColumns = `
			alert_id,
			subject_id,
			subject_display_name,
			kind,
			detail,
			created_at_ms,
			status,
			latitude,
			longitude,
			map_link_url,
			handled_by,
			handled_at_ms`

// AlertRepository 报警仓库（alerts 表）
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建报警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAlert 插入报警
func (r *AlertRepository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if alert.SubjectID == "" {
		return fmt.Errorf("subject_id is required")
	}

	var lat, lng sql.NullFloat64
	if alert.Location != nil {
		lat = sql.NullFloat64{Float64: alert.Location.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: alert.Location.Longitude, Valid: true}
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		alert.ID,
		alert.SubjectID,
		alert.SubjectDisplayName,
		string(alert.Kind),
		alert.Detail,
		alert.CreatedAtMs,
		string(alert.Status),
		lat,
		lng,
		alert.MapLinkURL,
		nullString(alert.HandledBy),
		nullInt64(alert.HandledAtMs),
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// GetAlert 根据 alert_id 获取报警
func (r *AlertRepository) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE alert_id = $1
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: alert_id=%s", ErrAlertNotFound, alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// UpdateAlertStatus 把 PENDING 报警更新为终态（条件更新，保证状态单调）
// 没有行被更新时再查一次，区分不存在与已处理
func (r *AlertRepository) UpdateAlertStatus(ctx context.Context, alertID string, status models.AlertStatus, handledBy string, handledAtMs int64) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}
	if !status.Terminal() {
		return nil, fmt.Errorf("invalid target status: %s", status)
	}

	query := `
		UPDATE alerts
		SET status = $2,
			handled_by = $3,
			handled_at_ms = $4
		WHERE alert_id = $1
		  AND status = 'PENDING'
		RETURNING ` + alertColumns + `
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query,
		alertID,
		string(status),
		nullString(handledBy),
		handledAtMs,
	))
	if err == nil {
		return alert, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update alert status: %w", err)
	}

	current, getErr := r.GetAlert(ctx, alertID)
	if getErr != nil {
		return nil, getErr
	}
	return current, fmt.Errorf("%w: alert_id=%s, status=%s", ErrAlertNotPending, alertID, current.Status)
}

// ListAlerts 查询一组老人的报警，按创建时间升序（用于订阅快照）
// status 为空表示不过滤状态
func (r *AlertRepository) ListAlerts(ctx context.Context, subjectIDs []string, status models.AlertStatus) ([]models.Alert, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE subject_id = ANY($1)
		  AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at_ms ASC
	`

	return r.queryAlerts(ctx, query, pq.Array(subjectIDs), string(status))
}

// ListAlertHistory 查询一组老人的报警历史，按创建时间倒序
func (r *AlertRepository) ListAlertHistory(ctx context.Context, subjectIDs []string, limit int) ([]models.Alert, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE subject_id = ANY($1)
		ORDER BY created_at_ms DESC
		LIMIT $2
	`

	return r.queryAlerts(ctx, query, pq.Array(subjectIDs), limit)
}

func (r *AlertRepository) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]models.Alert, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var alert models.Alert
	var kind, status string
	var detail, mapLink, handledBy sql.NullString
	var lat, lng sql.NullFloat64
	var handledAt sql.NullInt64

	err := row.Scan(
		&alert.ID,
		&alert.SubjectID,
		&alert.SubjectDisplayName,
		&kind,
		&detail,
		&alert.CreatedAtMs,
		&status,
		&lat,
		&lng,
		&mapLink,
		&handledBy,
		&handledAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	alert.Kind = models.AlertKind(kind)
	alert.Status = models.AlertStatus(status)
	alert.Detail = detail.String
	alert.MapLinkURL = mapLink.String
	alert.HandledBy = handledBy.String
	alert.HandledAtMs = handledAt.Int64
	if lat.Valid && lng.Valid {
		alert.Location = &models.GeoPoint{Latitude: lat.Float64, Longitude: lng.Float64}
	}

	return &alert, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
