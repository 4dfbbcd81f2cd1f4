package domain

import "time"

// Confirmation 双重确认令牌绑定的待确认订阅数据，只能兑换一次
type Confirmation struct {
	Token    string    `json:"token" gorm:"primaryKey;type:varchar(64)"`
	ListID   string    `json:"listId" gorm:"type:varchar(36);index;not null"`
	Email    string    `json:"email" gorm:"type:varchar(255);not null"`
	Profile  Profile   `json:"profile" gorm:"serializer:json;type:text"`
	OptInIP  string    `json:"optInIp" gorm:"column:opt_in_ip;type:varchar(64)"`
	IssuedAt time.Time `json:"issuedAt" gorm:"index"`
}

// Expired 判断令牌在 now 时刻是否已超过有效期；ttl<=0 表示永不过期
func (c *Confirmation) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.After(c.IssuedAt.Add(ttl))
}
