package httptransport

import (
	"errors"
	"net/http"

	"listmail/backend/internal/domain"
)

// 错误消息映射表（业务错误 -> 用户可见消息），按顺序匹配
var errorMessages = []struct {
	err error
	msg string
}{
	{domain.ErrEmailRequired, "Email address not set"},
	{domain.ErrEmailInvalid, "Invalid email address"},
	{domain.ErrEmailTaken, "This email address is already subscribed"},
	{domain.ErrListRequired, "List not set"},
	{domain.ErrProfileInvalid, "One of the fields is too long"},
	{domain.ErrUnknownSetting, "Unknown setting"},

	{domain.ErrListNotFound, "Selected list not found"},
	{domain.ErrSubscriberNotFound, "Subscription not found in this list"},
	{domain.ErrTokenNotFound, "Confirmation not found"},
	{domain.ErrSigningKeyMissing, "Signing key not found"},
	{domain.ErrConflict, "This email address is already subscribed"},

	{domain.ErrConfiguration, "Mail transport is not configured"},
	{domain.ErrDelivery, "Failed to send message"},
}

// GetErrorMessage 获取错误的用户可见消息，未登记的校验错误返回原始信息
func GetErrorMessage(err error) string {
	for _, m := range errorMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	if domain.IsValidation(err) {
		return err.Error()
	}
	return MsgInternalError
}

// StatusForError 将领域错误映射为 HTTP 状态码
func StatusForError(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrDelivery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// 通用错误消息
const (
	MsgInvalidRequest = "Invalid request"
	MsgInternalError  = "Internal server error, please try again later"

	MsgConfirmNotice      = "Almost finished! We need to confirm your email address. Please check your inbox."
	MsgSubscribed         = "Subscription confirmed"
	MsgAlreadySubscribed  = "You are already subscribed to this list"
	MsgUpdatedNotice      = "Your profile has been updated"
	MsgUnsubscribedNotice = "You have been unsubscribed"
)
