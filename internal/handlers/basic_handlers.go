package handlers

import (
	"net/http"

	"cicada/internal/ledger"

	"github.com/gin-gonic/gin"
)

// HealthCheckHandler reports liveness and whether the ledger is reachable
// GET /api/health
func HealthCheckHandler(plugin ledger.Plugin) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"service":          "cicada",
			"ledger_connected": plugin.IsConnected(),
		})
	}
}
