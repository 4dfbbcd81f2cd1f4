package httptransport

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"listmail/backend/internal/domain"
	"listmail/backend/internal/service"
)

// SubscriptionHandler 订阅相关的公开页面与表单提交
type SubscriptionHandler struct {
	subscriptions *service.SubscriptionService
}

// NewSubscriptionHandler 创建订阅处理器
func NewSubscriptionHandler(subscriptions *service.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptions: subscriptions}
}

// subscriptionForm 订阅、资料管理与退订表单
type subscriptionForm struct {
	Email     string            `json:"email" form:"email"`
	FirstName string            `json:"firstName" form:"firstName"`
	LastName  string            `json:"lastName" form:"lastName"`
	Fields    map[string]string `json:"fields" form:"-"`
	UCID      string            `json:"ucid" form:"ucid"`
	Campaign  string            `json:"c" form:"c"`
}

func (f subscriptionForm) profile() domain.Profile {
	return domain.Profile{
		FirstName: strings.TrimSpace(f.FirstName),
		LastName:  strings.TrimSpace(f.LastName),
		Fields:    f.Fields,
	}
}

// flash 把表单内容回填到查询参数，便于出错后重新显示表单
func (f subscriptionForm) flash(err error) url.Values {
	v := url.Values{}
	v.Set("error", GetErrorMessage(err))
	if f.Email != "" {
		v.Set("email", f.Email)
	}
	if f.FirstName != "" {
		v.Set("firstName", f.FirstName)
	}
	if f.LastName != "" {
		v.Set("lastName", f.LastName)
	}
	if f.Campaign != "" {
		v.Set("c", f.Campaign)
	}
	for k, val := range f.Fields {
		if val != "" {
			v.Set(k, val)
		}
	}
	return v
}

func wantsJSON(c *gin.Context) bool {
	return c.ContentType() == gin.MIMEJSON
}

// bindForm 解析表单或 JSON 请求体，只保留列表上声明的自定义字段
func bindForm(c *gin.Context, fields []domain.Field) (subscriptionForm, error) {
	var form subscriptionForm
	if wantsJSON(c) {
		if err := c.ShouldBindJSON(&form); err != nil {
			return form, err
		}
	} else if err := c.ShouldBind(&form); err != nil {
		return form, err
	}

	values := make(map[string]string, len(fields))
	for _, f := range fields {
		var v string
		if wantsJSON(c) {
			v = form.Fields[f.Key]
		} else {
			v = c.PostForm(f.Key)
		}
		if v = strings.TrimSpace(v); v != "" {
			values[f.Key] = v
		}
	}
	form.Fields = values
	return form, nil
}

func listPayload(list *domain.List) gin.H {
	return gin.H{
		"cid":         list.CID,
		"name":        list.Name,
		"description": list.Description,
	}
}

func subscriberPayload(sub *domain.Subscriber) gin.H {
	return gin.H{
		"cid":       sub.CID,
		"email":     sub.Email,
		"firstName": sub.FirstName,
		"lastName":  sub.LastName,
		"fields":    sub.Fields,
		"status":    sub.Status,
	}
}

func listPath(cid string, parts ...string) string {
	p := "/subscription/" + url.PathEscape(cid)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// redirectBack 操作失败时带着错误信息重定向回表单；JSON 请求直接返回错误。
// 内部错误只回显通用提示。
func redirectBack(c *gin.Context, target string, form subscriptionForm, err error) {
	if wantsJSON(c) {
		RespondError(c, err)
		return
	}
	if StatusForError(err) >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.Redirect(http.StatusFound, target+"?"+form.flash(err).Encode())
}

// ShowList 订阅表单数据，回显查询参数中的字段值与错误
func (h *SubscriptionHandler) ShowList(c *gin.Context) {
	view, err := h.subscriptions.GetList(c.Request.Context(), c.Param("cid"))
	if err != nil {
		RespondError(c, err)
		return
	}

	values := gin.H{
		"email":     c.Query("email"),
		"firstName": c.Query("firstName"),
		"lastName":  c.Query("lastName"),
	}
	for _, f := range view.Fields {
		values[f.Key] = c.Query(f.Key)
	}

	Success(c, gin.H{
		"list":   listPayload(view.List),
		"fields": view.Fields,
		"values": values,
		"error":  c.Query("error"),
	})
}

// Subscribe 提交订阅申请，成功后跳转到确认提示页
func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	ctx := c.Request.Context()
	cid := c.Param("cid")

	view, err := h.subscriptions.GetList(ctx, cid)
	if err != nil {
		redirectBack(c, listPath(cid), subscriptionForm{}, err)
		return
	}
	form, err := bindForm(c, view.Fields)
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.subscriptions.RequestSubscription(ctx, service.SubscribeInput{
		ListCID: cid,
		Email:   form.Email,
		Profile: form.profile(),
		IP:      c.ClientIP(),
	})
	if err != nil {
		redirectBack(c, listPath(cid), form, err)
		return
	}

	if wantsJSON(c) {
		Accepted(c, MsgConfirmNotice, gin.H{"list": listPayload(res.List)})
		return
	}
	c.Redirect(http.StatusFound, listPath(cid, "confirm-notice"))
}

// Confirm 兑换确认链接中的令牌
func (h *SubscriptionHandler) Confirm(c *gin.Context) {
	res, err := h.subscriptions.ConfirmSubscription(c.Request.Context(), c.Param("token"), c.ClientIP())
	if err != nil {
		RespondError(c, err)
		return
	}

	msg := MsgSubscribed
	if res.AlreadyConfirmed {
		msg = MsgAlreadySubscribed
	}
	SuccessWithMsg(c, msg, gin.H{
		"list":           listPayload(res.List),
		"subscriber":     subscriberPayload(res.Subscriber),
		"preferencesUrl": listPath(res.List.CID, "manage", res.Subscriber.CID),
	})
}

// ShowManage 资料管理表单数据
func (h *SubscriptionHandler) ShowManage(c *gin.Context) {
	view, err := h.subscriptions.GetSubscription(c.Request.Context(), c.Param("cid"), c.Param("ucid"))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{
		"list":       listPayload(view.List),
		"fields":     view.Fields,
		"subscriber": subscriberPayload(view.Subscriber),
		"error":      c.Query("error"),
	})
}

// Manage 保存资料修改
func (h *SubscriptionHandler) Manage(c *gin.Context) {
	ctx := c.Request.Context()
	cid := c.Param("cid")

	view, err := h.subscriptions.GetList(ctx, cid)
	if err != nil {
		redirectBack(c, listPath(cid), subscriptionForm{UCID: c.PostForm("ucid")}, err)
		return
	}
	form, err := bindForm(c, view.Fields)
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	err = h.subscriptions.UpdateProfile(ctx, service.UpdateInput{
		ListCID:       cid,
		SubscriberCID: form.UCID,
		Email:         form.Email,
		Profile:       form.profile(),
	})
	if err != nil {
		back := listPath(cid)
		if form.UCID != "" {
			back = listPath(cid, "manage", form.UCID)
		}
		redirectBack(c, back, form, err)
		return
	}

	if wantsJSON(c) {
		SuccessWithMsg(c, MsgUpdatedNotice, nil)
		return
	}
	c.Redirect(http.StatusFound, listPath(cid, "updated-notice"))
}

// ShowUnsubscribe 退订表单数据，auto=yes 时前端可直接提交
func (h *SubscriptionHandler) ShowUnsubscribe(c *gin.Context) {
	view, err := h.subscriptions.GetSubscription(c.Request.Context(), c.Param("cid"), c.Param("ucid"))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{
		"list":       listPayload(view.List),
		"subscriber": subscriberPayload(view.Subscriber),
		"autoSubmit": c.Query("auto") == "yes",
		"campaign":   c.Query("c"),
		"error":      c.Query("error"),
	})
}

// Unsubscribe 执行退订
func (h *SubscriptionHandler) Unsubscribe(c *gin.Context) {
	cid := c.Param("cid")

	form, err := bindForm(c, nil)
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	_, err = h.subscriptions.Unsubscribe(c.Request.Context(), service.UnsubscribeInput{
		ListCID:       cid,
		SubscriberCID: form.UCID,
		Email:         form.Email,
		Campaign:      form.Campaign,
	})
	if err != nil {
		back := listPath(cid)
		if form.UCID != "" {
			back = listPath(cid, "unsubscribe", form.UCID)
		}
		redirectBack(c, back, form, err)
		return
	}

	if wantsJSON(c) {
		SuccessWithMsg(c, MsgUnsubscribedNotice, nil)
		return
	}
	c.Redirect(http.StatusFound, listPath(cid, "unsubscribed-notice"))
}

// Notice 返回各操作完成后的提示页数据
func (h *SubscriptionHandler) Notice(msg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.subscriptions.GetList(c.Request.Context(), c.Param("cid"))
		if err != nil {
			RespondError(c, err)
			return
		}
		SuccessWithMsg(c, msg, gin.H{"list": listPayload(view.List)})
	}
}

// PublicKey 下载签名公钥
func (h *SubscriptionHandler) PublicKey(c *gin.Context) {
	key, err := h.subscriptions.PublicKey(c.Request.Context())
	if err != nil {
		if errors.Is(err, domain.ErrSigningKeyMissing) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		RespondError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="public.asc"`)
	c.Data(http.StatusOK, "application/pgp-keys", key)
}
