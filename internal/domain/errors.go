package domain

import (
	"errors"
	"fmt"
)

// 错误分类。具体错误通过 %w 包装其中之一，调用方使用 errors.Is 判断类别。
var (
	// ErrValidation 输入缺失或格式错误，对用户可见
	ErrValidation = errors.New("validation failed")
	// ErrNotFound 列表、订阅者或确认令牌不存在
	ErrNotFound = errors.New("not found")
	// ErrConfiguration 无法根据设置构建邮件传输
	ErrConfiguration = errors.New("mail transport misconfigured")
	// ErrDelivery 传输已构建但单次发送失败
	ErrDelivery = errors.New("mail delivery failed")
	// ErrTemplate 模板缺失或无法编译
	ErrTemplate = errors.New("template error")
	// ErrConflict 写入违反唯一约束
	ErrConflict = errors.New("conflict")
)

var (
	ErrEmailRequired  = fmt.Errorf("%w: email address not set", ErrValidation)
	ErrEmailInvalid   = fmt.Errorf("%w: invalid email address", ErrValidation)
	ErrListRequired   = fmt.Errorf("%w: list not set", ErrValidation)
	ErrProfileInvalid = fmt.Errorf("%w: profile field too long", ErrValidation)
	ErrEmailTaken     = fmt.Errorf("%w: email address already subscribed", ErrValidation)
	ErrUnknownSetting = fmt.Errorf("%w: unknown setting", ErrValidation)

	ErrListNotFound       = fmt.Errorf("list %w", ErrNotFound)
	ErrSubscriberNotFound = fmt.Errorf("subscriber %w", ErrNotFound)
	ErrTokenNotFound      = fmt.Errorf("confirmation token %w", ErrNotFound)
	ErrSigningKeyMissing  = fmt.Errorf("signing key %w", ErrNotFound)

	ErrTemplateNotFound = fmt.Errorf("%w: template not found", ErrTemplate)

	ErrSubscriberExists = fmt.Errorf("%w: subscriber already exists in this list", ErrConflict)
)

// IsValidation 判断错误是否属于输入校验类
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound 判断错误是否属于资源不存在类
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
