package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LocalhostOnly middleware - only allow localhost or whitelisted IPs access
type LocalhostOnly struct {
	logger     *logrus.Logger
	allowedIPs []string // List of allowed IP addresses or CIDR ranges
	networks   []*net.IPNet
}

// NewLocalhostOnly Create localhost access restrict middleware. Invalid CIDR
// entries are logged and skipped.
func NewLocalhostOnly(logger *logrus.Logger, allowedIPs []string) *LocalhostOnly {
	l := &LocalhostOnly{logger: logger}
	for _, allowed := range allowedIPs {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if strings.Contains(allowed, "/") {
			_, ipNet, err := net.ParseCIDR(allowed)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"allowed": allowed,
					"error":   err.Error(),
				}).Warn("Invalid CIDR in allowedIPs")
				continue
			}
			l.networks = append(l.networks, ipNet)
			continue
		}
		l.allowedIPs = append(l.allowedIPs, allowed)
	}
	return l
}

// Restrict restrict access to localhost and the whitelist
func (l *LocalhostOnly) Restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		remoteIP, _, _ := net.SplitHostPort(c.Request.RemoteAddr)

		// a direct loopback connection is allowed even if a proxy header says otherwise
		if !l.isAllowedIP(clientIP) && !(remoteIP != clientIP && isLocalhost(remoteIP)) {
			l.logger.WithFields(logrus.Fields{
				"client_ip":  clientIP,
				"remote_ip":  remoteIP,
				"path":       c.Request.URL.Path,
				"method":     c.Request.Method,
				"user_agent": c.GetHeader("User-Agent"),
			}).Warn("Reject non-whitelisted access to sensitive API")

			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "This API is only accessible from allowed IP addresses",
				"code":    "IP_NOT_ALLOWED",
			})
			return
		}

		l.logger.WithFields(logrus.Fields{
			"client_ip": clientIP,
			"path":      c.Request.URL.Path,
		}).Debug("Localhost access permission verified")
		c.Next()
	}
}

// isLocalhost Check if IP is localhost
func isLocalhost(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return ip == "localhost"
	}
	return parsedIP.IsLoopback()
}

// isAllowedIP Check if IP is localhost or in the whitelist (supports CIDR)
func (l *LocalhostOnly) isAllowedIP(ip string) bool {
	if isLocalhost(ip) {
		return true
	}
	parsedIP := net.ParseIP(ip)
	for _, allowed := range l.allowedIPs {
		if allowedIP := net.ParseIP(allowed); allowedIP != nil && parsedIP != nil {
			if allowedIP.Equal(parsedIP) {
				return true
			}
		} else if ip == allowed {
			return true
		}
	}
	if parsedIP == nil {
		return false
	}
	for _, ipNet := range l.networks {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}
	return false
}
