package common

import "github.com/gin-gonic/gin"

func OK(c *gin.Context, status int, data any) {
	c.JSON(status, data)
}

// Fail writes the relay's error shape: {"error": msg}.
func Fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
