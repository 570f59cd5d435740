package store

import (
	"context"

	"gorm.io/gorm"
)

type Document struct {
	ID       string `gorm:"primaryKey;column:id"`
	Title    string `gorm:"column:title"`
	OwnerID  uint64 `gorm:"column:owner_id"`
	Archived bool   `gorm:"column:archived"`
}

func (Document) TableName() string { return "documents" }

type DocumentCollaborator struct {
	DocumentID string `gorm:"primaryKey;column:document_id"`
	UserID     uint64 `gorm:"primaryKey;column:user_id"`
}

func (DocumentCollaborator) TableName() string { return "document_collaborators" }

// DocumentStore 文档元数据：存在性与访问授权。
// 协作核心只消费这两个问题，其余 CRUD 不在这里。
type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) Exists(ctx context.Context, docID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("id = ? AND archived = ?", docID, false).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsAuthorizedForDocument 所有者或协作者名单里的用户可访问。
func (s *DocumentStore) IsAuthorizedForDocument(ctx context.Context, docID string, userID uint64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("id = ? AND owner_id = ?", docID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	err = s.db.WithContext(ctx).
		Model(&DocumentCollaborator{}).
		Where("document_id = ? AND user_id = ?", docID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
