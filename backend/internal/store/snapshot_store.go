package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// SnapshotStore 文档内容快照（document_snapshots 表）。
// 同一 (document_id, revision) 重复写入视为成功（幂等）。
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Save(ctx context.Context, docID string, version uint64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, revision, content)
		 VALUES (?, ?, ?)`,
		docID, version, content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// LoadLatest 最新快照；从无快照返回 ("", 0, nil)，
// 调用方从版本 0 开始重放操作日志。
func (s *SnapshotStore) LoadLatest(ctx context.Context, docID string) (string, uint64, error) {
	var content string
	var version uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT content, revision FROM document_snapshots
		 WHERE document_id = ?
		 ORDER BY revision DESC LIMIT 1`,
		docID,
	).Scan(&content, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return content, version, nil
}
