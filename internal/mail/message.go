package mail

import (
	"net/mail"
	"strings"
)

// Address 邮件地址（显示名 + 邮箱）
type Address struct {
	Name  string
	Email string
}

// String 返回 RFC 5322 格式的地址
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// Envelope 单封邮件的信封与主题
type Envelope struct {
	From           Address
	To             Address
	Subject        string
	EncryptionKeys []string // 收件人的 ASCII armored 公钥
	Headers        map[string]string
}

// TemplateRef 模板引用，名称为空表示没有该形式的正文
type TemplateRef struct {
	HTML string
	Text string
	Data map[string]any
}

// Message 已渲染、待发送的邮件
type Message struct {
	Envelope
	HTML string
	Text string
}

// HasEncryptionKeys 判断是否携带可用于加密的公钥
func (m *Message) HasEncryptionKeys() bool {
	for _, k := range m.EncryptionKeys {
		if strings.TrimSpace(k) != "" {
			return true
		}
	}
	return false
}
