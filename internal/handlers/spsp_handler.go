package handlers

import (
	"net/http"
	"strconv"

	"cicada/internal/config"
	"cicada/internal/ledger"
	"cicada/internal/metrics"
	"cicada/internal/psk"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SPSPResponse is the body of an SPSP query.
type SPSPResponse struct {
	DestinationAccount       string       `json:"destination_account"`
	SharedSecret             string       `json:"shared_secret"`
	MaximumDestinationAmount string       `json:"maximum_destination_amount"`
	MinimumDestinationAmount string       `json:"minimum_destination_amount"`
	LedgerInfo               LedgerInfo   `json:"ledger_info"`
	ReceiverInfo             ReceiverInfo `json:"receiver_info"`
}

type LedgerInfo struct {
	CurrencyCode  string `json:"currency_code"`
	CurrencyScale int    `json:"currency_scale"`
}

type ReceiverInfo struct {
	Name       string `json:"name"`
	ImageURL   string `json:"image_url"`
	Identifier string `json:"identifier"`
}

// SPSPHandler issues payment requests
type SPSPHandler struct {
	plugin   ledger.Plugin
	secret   psk.Secret
	receiver config.ReceiverConfig
	logger   *logrus.Logger
}

// NewSPSPHandler creates a new SPSPHandler instance
func NewSPSPHandler(plugin ledger.Plugin, secret psk.Secret, receiver config.ReceiverConfig, logger *logrus.Logger) *SPSPHandler {
	return &SPSPHandler{
		plugin:   plugin,
		secret:   secret,
		receiver: receiver,
		logger:   logger,
	}
}

// Query answers an SPSP query with a fresh destination and shared secret
// GET /
func (h *SPSPHandler) Query(c *gin.Context) {
	info := h.plugin.GetInfo()
	if info.Prefix == "" {
		metrics.SPSPQueries.WithLabelValues("unavailable").Inc()
		respondWithError(c, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "ledger plugin is not connected")
		return
	}

	nonce := uuid.New()
	req, err := psk.GenerateParams(h.plugin.GetAccount()+".", h.secret,
		psk.WithNonce(nonce[:]),
		psk.WithAmounts(h.receiver.MinimumAmount, h.receiver.MaximumAmount),
	)
	if err != nil {
		metrics.SPSPQueries.WithLabelValues("error").Inc()
		h.logger.WithError(err).Error("Failed to generate payment request")
		respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate payment request")
		return
	}

	metrics.SPSPQueries.WithLabelValues("ok").Inc()
	h.logger.WithFields(logrus.Fields{
		"destination_account": req.DestinationAccount,
		"remote_addr":         c.ClientIP(),
	}).Info("Got SPSP query")

	c.Header("Access-Control-Allow-Origin", "*")
	c.JSON(http.StatusOK, SPSPResponse{
		DestinationAccount:       req.DestinationAccount,
		SharedSecret:             psk.EncodeSharedSecret(req.SharedSecret),
		MaximumDestinationAmount: strconv.FormatUint(req.MaximumAmount, 10),
		MinimumDestinationAmount: strconv.FormatUint(req.MinimumAmount, 10),
		LedgerInfo: LedgerInfo{
			CurrencyCode:  info.CurrencyCode,
			CurrencyScale: info.CurrencyScale,
		},
		ReceiverInfo: ReceiverInfo{
			Name:       h.receiver.Name,
			ImageURL:   h.receiver.ImageURL,
			Identifier: h.receiver.Identifier,
		},
	})
}
