package mail

import (
	"github.com/vanng822/go-premailer/premailer"
)

// HTMLPreparer 发送前对 HTML 正文做后处理（如内联 CSS）
type HTMLPreparer interface {
	Prepare(html string) (string, error)
}

// PremailerPreparer 将 <style> 中的规则内联到元素的 style 属性
type PremailerPreparer struct {
	options *premailer.Options
}

// NewPremailerPreparer 创建使用默认选项的内联处理器
func NewPremailerPreparer() *PremailerPreparer {
	return &PremailerPreparer{options: premailer.NewOptions()}
}

// Prepare 实现 HTMLPreparer
func (p *PremailerPreparer) Prepare(html string) (string, error) {
	prem, err := premailer.NewPremailerFromString(html, p.options)
	if err != nil {
		return "", err
	}
	return prem.Transform()
}
