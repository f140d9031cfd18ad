package repository

import (
	"context"
	"database/sql"
	"fmt"

	"eldercare-alert/internal/models"

	"go.uber.org/zap"
)

// LinkRepository 老人-看护人关联仓库（caretaker_links 表）
// 只读：关联的邀请/审批流程不在本服务内
type LinkRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewLinkRepository 创建关联仓库
func NewLinkRepository(db *sql.DB, logger *zap.Logger) *LinkRepository {
	return &LinkRepository{
		db:     db,
		logger: logger,
	}
}

// ApprovedSubjectsOf 看护人已获批准关注的老人 ID（升序）
func (r *LinkRepository) ApprovedSubjectsOf(ctx context.Context, observerID string) ([]string, error) {
	if observerID == "" {
		return nil, fmt.Errorf("observer_id is required")
	}

	query := `
		SELECT subject_id
		FROM caretaker_links
		WHERE observer_id = $1
		  AND status = $2
		ORDER BY subject_id
	`
	return r.queryIDs(ctx, query, observerID)
}

// ApprovedObserversOf 已获批准关注该老人的看护人 ID（升序）
func (r *LinkRepository) ApprovedObserversOf(ctx context.Context, subjectID string) ([]string, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject_id is required")
	}

	query := `
		SELECT observer_id
		FROM caretaker_links
		WHERE subject_id = $1
		  AND status = $2
		ORDER BY observer_id
	`
	return r.queryIDs(ctx, query, subjectID)
}

func (r *LinkRepository) queryIDs(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, arg, string(models.LinkStatusApproved))
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate links: %w", err)
	}

	return ids, nil
}
