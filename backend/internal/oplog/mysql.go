package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"collabCore/backend/internal/ot/delta"
)

// 表结构：
//   document_versions(document_id PK, version)           —— 权威版本计数
//   document_operations(document_id, base_version, ...)  —— UNIQUE(document_id, base_version)
type MySQLLog struct{ db *sql.DB }

func NewMySQLLog(db *sql.DB) *MySQLLog {
	return &MySQLLog{db: db}
}

func (l *MySQLLog) LatestVersion(ctx context.Context, docID string) (uint64, error) {
	var version uint64
	err := l.db.QueryRowContext(ctx,
		`SELECT version FROM document_versions WHERE document_id = ?`,
		docID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return version, nil
}

// AppendCommitted 在一个事务里完成"版本守卫推进 + 插入操作"：
// UPDATE 带 version=? 条件，影响行数为 0 即版本已被别人推进，
// 整个事务回滚，日志与版本都不变。
func (l *MySQLLog) AppendCommitted(ctx context.Context, op CommittedOp) error {
	components, err := json.Marshal(op.Components)
	if err != nil {
		return fmt.Errorf("%w: marshal components: %v", ErrStorage, err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	// 首次追加时补种版本行（version=0）
	if _, err = tx.ExecContext(ctx,
		`INSERT IGNORE INTO document_versions (document_id, version) VALUES (?, 0)`,
		op.DocumentID,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE document_versions SET version = version + 1
		 WHERE document_id = ? AND version = ?`,
		op.DocumentID, op.BaseVersion,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO document_operations
		 (operation_id, document_id, author_id, base_version, components, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		op.OperationID, op.DocumentID, op.AuthorID, op.BaseVersion, components, op.AppliedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// UNIQUE(document_id, base_version) 撞了：并发追加走了后门
			return ErrVersionConflict
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (l *MySQLLog) OpsSince(ctx context.Context, docID string, version uint64) ([]CommittedOp, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT operation_id, author_id, base_version, components, applied_at
		 FROM document_operations
		 WHERE document_id = ? AND base_version >= ?
		 ORDER BY base_version ASC`,
		docID, version,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var ops []CommittedOp
	for rows.Next() {
		op := CommittedOp{DocumentID: docID}
		var components []byte
		if err := rows.Scan(&op.OperationID, &op.AuthorID, &op.BaseVersion, &components, &op.AppliedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		var d delta.Delta
		if err := json.Unmarshal(components, &d); err != nil {
			return nil, fmt.Errorf("%w: unmarshal components: %v", ErrStorage, err)
		}
		op.Components = d
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return ops, nil
}

func (l *MySQLLog) Documents(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT DISTINCT document_id FROM document_operations`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var docs []string
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		docs = append(docs, docID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return docs, nil
}

func (l *MySQLLog) TrimThrough(ctx context.Context, docID string, version uint64) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM document_operations
		 WHERE document_id = ? AND base_version < ?`,
		docID, version,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}
