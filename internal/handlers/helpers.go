// Package handlers provides the HTTP handlers of the receiver
package handlers

import "github.com/gin-gonic/gin"

// respondWithError unified error response function
func respondWithError(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, gin.H{
		"success": false,
		"error":   message,
		"code":    code,
	})
}
