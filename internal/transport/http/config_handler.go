package httptransport

import (
	"github.com/gin-gonic/gin"

	"listmail/backend/internal/middleware"
	"listmail/backend/internal/service"
)

// ConfigHandler 发信设置管理接口
type ConfigHandler struct {
	settings *service.SettingsService
}

// NewConfigHandler 创建设置处理器
func NewConfigHandler(settings *service.SettingsService) *ConfigHandler {
	return &ConfigHandler{settings: settings}
}

// GetSettings 获取当前发信设置，敏感值已隐藏
func (h *ConfigHandler) GetSettings(c *gin.Context) {
	values, err := h.settings.GetSettings(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, values)
}

// UpdateSettings 更新发信设置，传输相关设置在下次发送时生效
func (h *ConfigHandler) UpdateSettings(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil || len(req) == 0 {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.settings.UpdateSettings(c.Request.Context(), req); err != nil {
		RespondError(c, err)
		return
	}

	values, err := h.settings.GetSettings(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	SuccessWithMsg(c, "settings updated", gin.H{
		"settings":  values,
		"updatedBy": c.GetString(middleware.ContextSubject),
	})
}

// ReloadTransport 立即按当前设置重建邮件传输
func (h *ConfigHandler) ReloadTransport(c *gin.Context) {
	if err := h.settings.ReloadTransport(c.Request.Context()); err != nil {
		RespondError(c, err)
		return
	}
	SuccessWithMsg(c, "mail transport reloaded", nil)
}

type testMailRequest struct {
	To      string `json:"to" binding:"required"`
	Subject string `json:"subject"`
}

// SendTestMail 同步发送测试邮件并返回结果
func (h *ConfigHandler) SendTestMail(c *gin.Context) {
	var req testMailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.settings.SendTestMail(c.Request.Context(), req.To, req.Subject); err != nil {
		RespondError(c, err)
		return
	}
	SuccessWithMsg(c, "test message sent", gin.H{"to": req.To})
}
