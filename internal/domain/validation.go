package domain

import (
	"net/mail"
	"strings"
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253

	// 资料字段长度限制
	MaxNameLength       = 255
	MaxFieldValueLength = 16 * 1024 // gpg 公钥可能较长
)

// NormalizeEmail 去除首尾空白
func NormalizeEmail(email string) string {
	return strings.TrimSpace(email)
}

// ValidateEmail 校验订阅邮箱
//
// 校验规则比较宽松：订阅者的地址只要能被 RFC 5322 解析且包含域名即可，
// 真正的有效性由双重确认流程保证。
func ValidateEmail(email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return ErrEmailRequired
	}
	if len(email) > MaxEmailLength {
		return ErrEmailInvalid
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrEmailInvalid
	}

	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ErrEmailInvalid
	}
	if at > MaxLocalPartLength || len(email)-at-1 > MaxDomainLength {
		return ErrEmailInvalid
	}
	return nil
}

// ValidateProfile 校验资料字段长度
func ValidateProfile(p Profile) error {
	if len(p.FirstName) > MaxNameLength || len(p.LastName) > MaxNameLength {
		return ErrProfileInvalid
	}
	for _, v := range p.Fields {
		if len(v) > MaxFieldValueLength {
			return ErrProfileInvalid
		}
	}
	return nil
}
