package handlers

import (
	"net/http"
	"time"

	"cicada/internal/ledger"
	"cicada/internal/psk"

	"github.com/gin-gonic/gin"
)

// NotifierStatus is implemented by notification clients that hold a connection.
type NotifierStatus interface {
	IsConnected() bool
}

// StatusHandler exposes operational state to administrators
type StatusHandler struct {
	plugin   ledger.Plugin
	tracker  *psk.Tracker
	notifier NotifierStatus
	started  time.Time
}

// NewStatusHandler creates a StatusHandler; notifier may be nil.
func NewStatusHandler(plugin ledger.Plugin, tracker *psk.Tracker, notifier NotifierStatus) *StatusHandler {
	return &StatusHandler{
		plugin:   plugin,
		tracker:  tracker,
		notifier: notifier,
		started:  time.Now(),
	}
}

// Status GET /admin/status
func (h *StatusHandler) Status(c *gin.Context) {
	info := h.plugin.GetInfo()
	nats := gin.H{"enabled": h.notifier != nil}
	if h.notifier != nil {
		nats["connected"] = h.notifier.IsConnected()
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"ledger": gin.H{
			"connected":      h.plugin.IsConnected(),
			"account":        h.plugin.GetAccount(),
			"prefix":         info.Prefix,
			"currency_code":  info.CurrencyCode,
			"currency_scale": info.CurrencyScale,
		},
		"tracked_transfers": h.tracker.Len(),
		"nats":              nats,
	})
}
