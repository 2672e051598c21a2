package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/auth"
	clog "github.com/Arjunhubgit/Task-Manager-sub000/internal/log"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/service"
	"github.com/gin-gonic/gin"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	convSvc  *service.ConversationService
	msgSvc   *service.MessageService
	notifSvc *service.NotificationService
	userSvc  *service.UserService
}

func NewHandler(convSvc *service.ConversationService, msgSvc *service.MessageService, notifSvc *service.NotificationService, userSvc *service.UserService) *Handler {
	return &Handler{convSvc: convSvc, msgSvc: msgSvc, notifSvc: notifSvc, userSvc: userSvc}
}

// writeError 把服务层错误映射为状态码，只有基础设施错误记 error 日志。
func writeError(c *gin.Context, err error, op string) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrForbidden):
		clog.Ctx(c.Request.Context()).Warn().Err(err).Str("op", op).Msg("forbidden")
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		clog.Ctx(c.Request.Context()).Error().Err(err).Str("op", op).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// self 校验路径或请求体里的 userId 是否为当前登录用户。
func self(c *gin.Context, userID string) bool {
	if userID != "" && userID == auth.GetUserID(c) {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "cannot act on behalf of another user"})
	return false
}

// ListConversations 返回当前用户的会话列表。
func (h *Handler) ListConversations(c *gin.Context) {
	userID := c.Param("userId")
	if !self(c, userID) {
		return
	}
	out, err := h.convSvc.ListForUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListMessages 分页返回会话消息，只有参与者可以查看。
func (h *Handler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("conversationId")
	if err := h.convSvc.RequireParticipant(ctx, convID, auth.GetUserID(c)); err != nil {
		writeError(c, err, "list messages")
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultPageSize)))

	out, err := h.msgSvc.ListForConversation(ctx, convID, page, limit)
	if err != nil {
		writeError(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, out)
}

// SendMessage 持久化一条消息并推送给在线的接收者。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		SenderID       string `json:"senderId"`
		RecipientID    string `json:"recipientId"`
		Content        string `json:"content"`
		ConversationID string `json:"conversationId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.SenderID == "" {
		req.SenderID = auth.GetUserID(c)
	}
	if !self(c, req.SenderID) {
		return
	}
	msg, err := h.msgSvc.Send(c.Request.Context(), service.SendInput{
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		Content:        req.Content,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		writeError(c, err, "send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkConversationRead 把会话中发给当前用户的消息全部标记为已读。
func (h *Handler) MarkConversationRead(c *gin.Context) {
	var req struct {
		UserID string `json:"userId"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.UserID == "" {
		req.UserID = auth.GetUserID(c)
	}
	if !self(c, req.UserID) {
		return
	}
	if err := h.msgSvc.MarkAllRead(c.Request.Context(), c.Param("conversationId"), req.UserID); err != nil {
		writeError(c, err, "mark conversation read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// MarkMessageRead 把单条消息标记为已读。
func (h *Handler) MarkMessageRead(c *gin.Context) {
	if err := h.msgSvc.MarkRead(c.Request.Context(), c.Param("messageId"), auth.GetUserID(c)); err != nil {
		writeError(c, err, "mark message read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ClearConversation 清空会话消息，会话本身保留。
func (h *Handler) ClearConversation(c *gin.Context) {
	if err := h.msgSvc.Clear(c.Request.Context(), c.Param("conversationId"), auth.GetUserID(c)); err != nil {
		writeError(c, err, "clear conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteMessage 删除自己发送的一条消息。
func (h *Handler) DeleteMessage(c *gin.Context) {
	if err := h.msgSvc.Delete(c.Request.Context(), c.Param("messageId"), auth.GetUserID(c)); err != nil {
		writeError(c, err, "delete message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) ListNotifications(c *gin.Context) {
	userID := c.Param("userId")
	if !self(c, userID) {
		return
	}
	out, err := h.notifSvc.ListForUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err, "list notifications")
		return
	}
	c.JSON(http.StatusOK, out)
}

// CreateNotification 供受信任的调用方（admin/host）为指定用户创建通知。
func (h *Handler) CreateNotification(c *gin.Context) {
	var req service.CreateNotificationInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.UserID = c.Param("userId")
	out, err := h.notifSvc.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, "create notification")
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handler) MarkAllNotificationsRead(c *gin.Context) {
	userID := c.Param("userId")
	if !self(c, userID) {
		return
	}
	if err := h.notifSvc.MarkAllRead(c.Request.Context(), userID); err != nil {
		writeError(c, err, "mark all notifications read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) MarkNotificationRead(c *gin.Context) {
	userID := c.Param("userId")
	if !self(c, userID) {
		return
	}
	if err := h.notifSvc.MarkRead(c.Request.Context(), c.Param("id"), userID); err != nil {
		writeError(c, err, "mark notification read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) DeleteNotification(c *gin.Context) {
	userID := c.Param("userId")
	if !self(c, userID) {
		return
	}
	if err := h.notifSvc.Delete(c.Request.Context(), c.Param("id"), userID); err != nil {
		writeError(c, err, "delete notification")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) DeleteAllNotifications(c *gin.Context) {
	userID := c.Param("userId")
	if !self(c, userID) {
		return
	}
	if err := h.notifSvc.DeleteAll(c.Request.Context(), userID); err != nil {
		writeError(c, err, "delete all notifications")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SetStatus 更新当前用户的在线状态。
func (h *Handler) SetStatus(c *gin.Context) {
	userID := c.Param("userId")
	if !self(c, userID) {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.userSvc.SetStatus(c.Request.Context(), userID, req.Status); err != nil {
		writeError(c, err, "set status")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// GetUser 返回用户资料及在线状态。
func (h *Handler) GetUser(c *gin.Context) {
	out, err := h.userSvc.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err, "get user")
		return
	}
	c.JSON(http.StatusOK, out)
}
