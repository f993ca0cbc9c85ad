// Package psk implements the pre-shared key payment scheme: it issues payment
// requests whose destination address lets the receiver re-derive the shared
// secret without storing anything, and it verifies incoming transfers against
// that secret.
package psk

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"cicada/internal/ilp"

	"golang.org/x/crypto/hkdf"
)

const (
	DefaultMaximumAmount uint64 = 99999999
	DefaultMinimumAmount uint64 = 1

	receiverIDLength = 8
	tokenLength      = 16
)

// HKDF info strings and HMAC labels of the derivation tree.
var (
	infoReceiverID = []byte("ilp_psk_receiver_id")
	infoToken      = []byte("ilp_psk_token")
	infoGeneration = []byte("ilp_psk_generation")
	labelCondition = []byte("ilp_psk_condition")
)

// Secret is the receiver-wide secret. It is created once per process and
// never leaves it; String redacts it so it cannot end up in logs.
type Secret [32]byte

// NewSecret reads a fresh secret from crypto/rand.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := io.ReadFull(rand.Reader, s[:]); err != nil {
		return Secret{}, fmt.Errorf("generating receiver secret: %w", err)
	}
	return s, nil
}

func (Secret) String() string   { return "[redacted]" }
func (Secret) GoString() string { return "psk.Secret([redacted])" }

// PaymentRequest is what an SPSP query hands out to a sender.
type PaymentRequest struct {
	DestinationAccount string
	SharedSecret       [32]byte
	MaximumAmount      uint64
	MinimumAmount      uint64
}

type paramsOptions struct {
	nonce            []byte
	minimum, maximum uint64
}

// ParamsOption customises GenerateParams.
type ParamsOption func(*paramsOptions)

// WithNonce mixes request specific randomness into the destination token so
// each request gets its own shared secret.
func WithNonce(nonce []byte) ParamsOption {
	return func(o *paramsOptions) { o.nonce = nonce }
}

// WithAmounts sets the advertised destination amount bounds.
func WithAmounts(minimum, maximum uint64) ParamsOption {
	return func(o *paramsOptions) { o.minimum, o.maximum = minimum, maximum }
}

// keys are the per-secret derived keys.
type keys struct {
	receiverID    [receiverIDLength]byte
	tokenKey      [32]byte
	generationKey [32]byte
}

func deriveKeys(secret Secret) keys {
	var k keys
	expand(secret, infoReceiverID, k.receiverID[:])
	expand(secret, infoToken, k.tokenKey[:])
	expand(secret, infoGeneration, k.generationKey[:])
	return k
}

func expand(secret Secret, info []byte, out []byte) {
	r := hkdf.New(sha256.New, secret[:], nil, info)
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF-SHA256 yields up to 8160 bytes
		panic(err)
	}
}

func (k *keys) sharedSecret(token []byte) [32]byte {
	return hmacSHA256(k.generationKey[:], token)
}

// GenerateParams derives a payment request below prefix. Without WithNonce the
// result is a pure function of prefix and secret.
func GenerateParams(prefix string, secret Secret, opts ...ParamsOption) (*PaymentRequest, error) {
	o := paramsOptions{minimum: DefaultMinimumAmount, maximum: DefaultMaximumAmount}
	for _, opt := range opts {
		opt(&o)
	}
	if !ilp.ValidAddress(prefix) {
		return nil, fmt.Errorf("%w: prefix %q", ilp.ErrInvalidAddress, prefix)
	}
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	if o.minimum > o.maximum {
		return nil, fmt.Errorf("minimum amount %d exceeds maximum amount %d", o.minimum, o.maximum)
	}

	k := deriveKeys(secret)
	mac := hmac.New(sha256.New, k.tokenKey[:])
	mac.Write([]byte(prefix))
	mac.Write(o.nonce)
	token := mac.Sum(nil)[:tokenLength]

	return &PaymentRequest{
		DestinationAccount: prefix + b64(k.receiverID[:]) + "." + b64(token),
		SharedSecret:       k.sharedSecret(token),
		MaximumAmount:      o.maximum,
		MinimumAmount:      o.minimum,
	}, nil
}

// FulfillmentFor derives the fulfillment of a payment from its shared secret
// and the exact ILP packet bytes carried by the transfer.
func FulfillmentFor(sharedSecret [32]byte, ilpPacket []byte) [32]byte {
	conditionKey := hmacSHA256(sharedSecret[:], labelCondition)
	return hmacSHA256(conditionKey[:], ilpPacket)
}

// ConditionFor is the execution condition a sender must use for ilpPacket.
func ConditionFor(sharedSecret [32]byte, ilpPacket []byte) [32]byte {
	f := FulfillmentFor(sharedSecret, ilpPacket)
	return sha256.Sum256(f[:])
}

// Quote builds the sender side of a payment: the serialized ILP packet for
// amount and data, and the execution condition to prepare the transfer with.
func (r *PaymentRequest) Quote(amount uint64, data []byte) (packet []byte, condition [32]byte, err error) {
	packet, err = (&ilp.Packet{Amount: amount, Account: r.DestinationAccount, Data: data}).Serialize()
	if err != nil {
		return nil, condition, err
	}
	return packet, ConditionFor(r.SharedSecret, packet), nil
}

// EncodeSharedSecret renders a shared secret the way SPSP responses carry it.
func EncodeSharedSecret(s [32]byte) string { return b64(s[:]) }

func hmacSHA256(key, data []byte) [32]byte {
	var out [32]byte
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	copy(out[:], mac.Sum(nil))
	return out
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
