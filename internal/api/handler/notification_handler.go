package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/notification-service/internal/repository"
	"github.com/d60-Lab/notification-service/internal/service"
	"github.com/d60-Lab/notification-service/pkg/middleware"
	"github.com/d60-Lab/notification-service/pkg/response"
)

// ListNotifications 当前用户的通知列表
// @Summary 通知列表（按时间倒序）
// @Tags 通知
// @Security BearerAuth
// @Produce json
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Failure 401 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/v1/notifications [get]
func (h *Handler) ListNotifications(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "unauthenticated")
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	page, pageSize = service.NormalizePage(page, pageSize)
	list, err := h.notifService.List(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"page": page, "page_size": pageSize, "list": list})
}

// UnreadCount 未读数
// @Summary 未读通知数
// @Tags 通知
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/notifications/unread-count [get]
func (h *Handler) UnreadCount(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "unauthenticated")
		return
	}
	cnt, err := h.notifService.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"unread": cnt})
}

// MarkRead 标记单条已读
// @Summary 标记已读
// @Tags 通知
// @Security BearerAuth
// @Produce json
// @Param id path string true "通知ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/notifications/{id}/read [put]
func (h *Handler) MarkRead(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "unauthenticated")
		return
	}
	err := h.notifService.MarkRead(c.Request.Context(), userID, c.Param("id"))
	switch {
	case err == nil:
		response.Success(c, nil)
	case errors.Is(err, repository.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrForbidden):
		response.Forbidden(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}

// MarkAllRead 全部已读
// @Summary 全部标记已读
// @Tags 通知
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/notifications/read-all [put]
func (h *Handler) MarkAllRead(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "unauthenticated")
		return
	}
	n, err := h.notifService.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"updated": n})
}
