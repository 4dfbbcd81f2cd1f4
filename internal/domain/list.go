package domain

import "time"

// FieldType 自定义字段类型
type FieldType string

const (
	FieldTypeText    FieldType = "text"
	FieldTypeWebsite FieldType = "website"
	FieldTypeNumber  FieldType = "number"
	FieldTypeDate    FieldType = "date"
	FieldTypeGPG     FieldType = "gpg" // 订阅者的 PGP 公钥，用于加密发给该订阅者的邮件
)

// List 邮件列表。CID 是对外公开的关联标识，与内部 ID 不同。
type List struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	CID         string    `json:"cid" gorm:"column:cid;type:varchar(64);uniqueIndex;not null"`
	Name        string    `json:"name" gorm:"type:varchar(255);not null"`
	Description string    `json:"description" gorm:"type:text"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Field 列表上声明的自定义订阅字段
type Field struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ListID    string    `json:"listId" gorm:"type:varchar(36);index;not null"`
	Key       string    `json:"key" gorm:"type:varchar(100);not null"`
	Name      string    `json:"name" gorm:"type:varchar(255)"`
	Type      FieldType `json:"type" gorm:"type:varchar(32);not null"`
	CreatedAt time.Time `json:"createdAt"`
}
