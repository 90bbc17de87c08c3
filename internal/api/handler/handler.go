package handler

import (
	"github.com/d60-Lab/notification-service/internal/service"
)

// Handler 通知读取接口
type Handler struct {
	notifService service.NotificationService
}

func NewHandler(notifService service.NotificationService) *Handler {
	return &Handler{notifService: notifService}
}
