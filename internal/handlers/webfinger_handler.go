package handlers

import (
	"net/http"

	"cicada/internal/ledger"

	"github.com/gin-gonic/gin"
)

// Webfinger link relations
const (
	RelLedgerURI  = "https://interledger.org/rel/ledgerUri"
	RelILPAddress = "https://interledger.org/rel/ilpAddress"
	RelSPSP       = "https://interledger.org/rel/spsp/v2"
)

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebfingerLink `json:"links"`
}

// WebfingerHandler serves account discovery
type WebfingerHandler struct {
	plugin  ledger.Plugin
	spspURL string
}

func NewWebfingerHandler(plugin ledger.Plugin, spspURL string) *WebfingerHandler {
	return &WebfingerHandler{plugin: plugin, spspURL: spspURL}
}

// Lookup GET /.well-known/webfinger?resource=...
func (h *WebfingerHandler) Lookup(c *gin.Context) {
	if h.plugin.GetInfo().Prefix == "" {
		respondWithError(c, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "ledger plugin is not connected")
		return
	}
	c.Header("Access-Control-Allow-Origin", "*")
	c.JSON(http.StatusOK, WebfingerResponse{
		Subject: c.Query("resource"),
		Links: []WebfingerLink{
			{Rel: RelLedgerURI, Href: "there is no ledger"},
			{Rel: RelILPAddress, Href: h.plugin.GetAccount()},
			{Rel: RelSPSP, Href: h.spspURL},
		},
	})
}
