// Package ledger defines the capability every ledger plugin exposes to the
// payment receiver and provides the BTP backed implementation.
package ledger

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"
)

var (
	ErrNotConnected       = errors.New("plugin is not connected")
	ErrUnknownTransfer    = errors.New("unknown incoming transfer")
	ErrAlreadyFulfilled   = errors.New("transfer already fulfilled")
	ErrAlreadyRejected    = errors.New("transfer already rejected")
	ErrInvalidFulfillment = errors.New("fulfillment does not match execution condition")
	// ErrFulfillDispatch wraps transport failures while sending a fulfillment.
	ErrFulfillDispatch = errors.New("failed to dispatch fulfillment")
)

// Info describes the ledger the plugin is attached to.
type Info struct {
	Prefix        string `json:"prefix"`
	CurrencyCode  string `json:"currencyCode"`
	CurrencyScale int    `json:"currencyScale"`
}

// ProtocolData is one named payload attached to a transfer.
type ProtocolData struct {
	Name        string
	ContentType uint8
	Data        []byte
}

// Transfer is an incoming prepared transfer. It is not modified after it has
// been handed out.
type Transfer struct {
	ID                 string
	Ledger             string
	To                 string
	Amount             uint64
	ExecutionCondition [32]byte
	ExpiresAt          time.Time
	ILPPacket          []byte
	ProtocolData       []ProtocolData
}

// Expired reports whether the transfer expired at now. Expiry is advisory,
// plugins do not enforce it.
func (t *Transfer) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Event is delivered on the plugin's event channel.
type Event interface {
	isEvent()
}

// IncomingPrepare is raised for every prepared transfer addressed to us.
type IncomingPrepare struct {
	Transfer *Transfer
}

// Disconnected is raised when the underlying connection ends.
type Disconnected struct {
	Err error
}

func (IncomingPrepare) isEvent() {}
func (Disconnected) isEvent()    {}

// Plugin is the capability interface of a ledger plugin. Any transport
// implements the same fixed method set.
type Plugin interface {
	// Connect establishes the connection. It is a no-op on a connected plugin.
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	GetInfo() Info
	GetAccount() string
	// Events returns the plugin's event channel. There is exactly one per plugin
	// instance and it stays open across reconnects.
	Events() <-chan Event
	FulfillCondition(ctx context.Context, transferID string, fulfillment [32]byte) error
	RejectIncomingTransfer(ctx context.Context, transferID string, reason string) error
}

// ConditionMatches reports whether fulfillment is the preimage of condition.
func ConditionMatches(condition, fulfillment [32]byte) bool {
	return sha256.Sum256(fulfillment[:]) == condition
}
