package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "Server is up and running!"})
}
