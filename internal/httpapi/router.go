package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatrelay/internal/common"
	"chatrelay/internal/httpapi/handlers"
	"chatrelay/internal/httpapi/middleware"
)

// NewRouter wires all routes. The stream endpoint sits behind the same auth
// middleware as the rest; EventSource clients pass the token as a query
// parameter instead of a header.
func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery())
	r.Use(gin.Logger())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authed := r.Group("/")
	authed.Use(middleware.AuthRequired(h.Cfg.JWTSecret))
	{
		authed.GET("/me", h.Me)
		authed.GET("/models", h.ListModels)

		authed.POST("/chats", h.CreateChat)
		authed.GET("/chats", h.ListChats)
		authed.DELETE("/chats/:chat_id", h.DeleteChat)
		authed.GET("/chats/:chat_id/messages", h.ListChatMessages)
		authed.POST("/chats/:chat_id/messages", h.Ask)
		authed.GET("/chats/:chat_id/stream", h.StreamChat)
	}

	return r
}
