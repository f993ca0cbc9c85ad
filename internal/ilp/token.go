package ilp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// TokenPrefix marks an ILP credential token.
const TokenPrefix = "ilp_secret:"

var ErrInvalidToken = errors.New("invalid ILP token")

// Credentials is the content of an ILP token: an RPC endpoint plus the ledger
// prefix and auth token carried in its user info.
type Credentials struct {
	RPCURI string
	Prefix string
	Token  string
}

// MakeToken wraps rpcURI (which carries prefix:token as user info) into an
// ilp_secret: token using unpadded base64url.
func MakeToken(rpcURI string) string {
	return TokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(rpcURI))
}

// ParseToken reverses MakeToken. The ilp_secret: prefix is optional and both
// padded and standard base64 alphabets are accepted.
func ParseToken(s string) (*Credentials, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), TokenPrefix)
	raw, err := decodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	u, err := url.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute URI", ErrInvalidToken, string(raw))
	}
	if u.User == nil {
		return nil, fmt.Errorf("%w: no credentials in %s://%s", ErrInvalidToken, u.Scheme, u.Host)
	}
	c := &Credentials{Prefix: u.User.Username()}
	c.Token, _ = u.User.Password()
	u.User = nil
	c.RPCURI = u.String()
	return c, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}
