package domain

import (
	"strings"
	"time"
)

// SubscriptionStatus 订阅状态
type SubscriptionStatus string

const (
	StatusPending      SubscriptionStatus = "pending"      // 等待确认
	StatusConfirmed    SubscriptionStatus = "confirmed"    // 已确认
	StatusUnsubscribed SubscriptionStatus = "unsubscribed" // 已退订
)

// Profile 订阅者的资料数据，Fields 的键对应列表上声明的 Field.Key
type Profile struct {
	FirstName string            `json:"firstName"`
	LastName  string            `json:"lastName"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// FullName 返回 "名 姓" 形式的显示名
func (p Profile) FullName() string {
	return strings.TrimSpace(strings.Join([]string{p.FirstName, p.LastName}, " "))
}

// EncryptionKeys 返回 gpg 类型字段中填写的公钥
func (p Profile) EncryptionKeys(fields []Field) []string {
	var keys []string
	for _, f := range fields {
		if f.Type != FieldTypeGPG {
			continue
		}
		if value := strings.TrimSpace(p.Fields[f.Key]); value != "" {
			keys = append(keys, value)
		}
	}
	return keys
}

// Subscriber 列表订阅者。状态只会迁移，从不物理删除。
type Subscriber struct {
	ID                  string             `json:"id" gorm:"primaryKey;type:varchar(36)"`
	CID                 string             `json:"cid" gorm:"column:cid;type:varchar(64);uniqueIndex;not null"`
	ListID              string             `json:"listId" gorm:"type:varchar(36);uniqueIndex:idx_subscriber_list_email;not null"`
	Email               string             `json:"email" gorm:"type:varchar(255);uniqueIndex:idx_subscriber_list_email;not null"`
	FirstName           string             `json:"firstName" gorm:"type:varchar(255)"`
	LastName            string             `json:"lastName" gorm:"type:varchar(255)"`
	Fields              map[string]string  `json:"fields,omitempty" gorm:"serializer:json;type:text"`
	Status              SubscriptionStatus `json:"status" gorm:"type:varchar(20);index;not null"`
	OptInIP             string             `json:"-" gorm:"column:opt_in_ip;type:varchar(64)"`
	OptInAt             *time.Time         `json:"optInAt,omitempty"`
	ConfirmedAt         *time.Time         `json:"confirmedAt,omitempty"`
	UnsubscribedAt      *time.Time         `json:"unsubscribedAt,omitempty"`
	UnsubscribeCampaign string             `json:"unsubscribeCampaign,omitempty" gorm:"type:varchar(64)"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// Profile 返回订阅者当前资料
func (s *Subscriber) Profile() Profile {
	fields := make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		fields[k] = v
	}
	return Profile{FirstName: s.FirstName, LastName: s.LastName, Fields: fields}
}

// ApplyProfile 用给定资料覆盖订阅者资料
func (s *Subscriber) ApplyProfile(p Profile) {
	s.FirstName = p.FirstName
	s.LastName = p.LastName
	s.Fields = make(map[string]string, len(p.Fields))
	for k, v := range p.Fields {
		s.Fields[k] = v
	}
}
