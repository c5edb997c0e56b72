package api

import (
	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, h *Handlers) {
	router.Use(CORSMiddleware())

	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.POST("/commands", h.SendCommand)
		api.GET("/stream", h.GetStream)
	}

	if h.Hub != nil {
		router.GET("/ws", func(c *gin.Context) {
			HandleWebSocket(h.Hub, c)
		})
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
