package handlers

import (
	"gorm.io/gorm"

	"chatrelay/internal/chat"
	"chatrelay/internal/config"
	"chatrelay/internal/relay"
)

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	ChatSvc *chat.Service
	Relay   *relay.Relay
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *chat.Service, rly *relay.Relay) *Handler {
	return &Handler{DB: db, Cfg: cfg, ChatSvc: svc, Relay: rly}
}
