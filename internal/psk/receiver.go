package psk

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"cicada/internal/ilp"
	"cicada/internal/ledger"
	"cicada/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Rejection reasons passed to RejectIncomingTransfer.
const (
	ReasonConditionMismatch  = "condition does not match any known payment"
	ReasonInvalidPacket      = "transfer does not carry a valid ILP packet"
	ReasonUnknownReceiver    = "payment is not addressed to this receiver"
	ReasonInsufficientAmount = "transfer amount is less than the packet amount"
)

var (
	ErrConditionMismatch  = errors.New(ReasonConditionMismatch)
	ErrInvalidPacket      = errors.New(ReasonInvalidPacket)
	ErrUnknownReceiver    = errors.New(ReasonUnknownReceiver)
	ErrInsufficientAmount = errors.New(ReasonInsufficientAmount)
	ErrPluginDisconnected = errors.New("ledger plugin disconnected")
)

const defaultPruneInterval = time.Minute

// rejectionFor maps a verification error to its metric label and the reason
// passed to the plugin.
func rejectionFor(err error) (label, reason string) {
	switch {
	case errors.Is(err, ErrInvalidPacket):
		return "invalid_packet", ReasonInvalidPacket
	case errors.Is(err, ErrUnknownReceiver):
		return "unknown_receiver", ReasonUnknownReceiver
	case errors.Is(err, ErrInsufficientAmount):
		return "insufficient_amount", ReasonInsufficientAmount
	default:
		return "condition_mismatch", ReasonConditionMismatch
	}
}

// Notification describes a settled incoming payment.
type Notification struct {
	Status             string    `json:"status"`
	TransferID         string    `json:"transfer_id"`
	Amount             uint64    `json:"amount"`
	DestinationAccount string    `json:"destination_account,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	At                 time.Time `json:"at"`
}

const (
	StatusFulfilled = "fulfilled"
	StatusRejected  = "rejected"
)

// Notifier is told about every fulfilled or rejected payment.
type Notifier interface {
	NotifyPayment(ctx context.Context, n Notification) error
}

// PaymentHandler decides whether and when a verified payment is fulfilled.
// It runs on the receiver's event loop.
type PaymentHandler func(ctx context.Context, payment *IncomingPayment)

// DefaultPolicy fulfils every verified payment and logs failures without
// retrying.
func DefaultPolicy(logger *logrus.Logger) PaymentHandler {
	return func(ctx context.Context, payment *IncomingPayment) {
		if err := payment.Fulfill(ctx); err != nil {
			logger.WithFields(logrus.Fields{
				"transfer_id": payment.Transfer.ID,
				"amount":      payment.Transfer.Amount,
			}).WithError(err).Error("Failed to fulfill incoming payment")
			return
		}
		logger.WithFields(logrus.Fields{
			"transfer_id":         payment.Transfer.ID,
			"amount":              payment.Transfer.Amount,
			"destination_account": payment.Packet.Account,
		}).Info("Got incoming payment")
	}
}

// Option configures a Receiver.
type Option func(*Receiver)

func WithNotifier(n Notifier) Option {
	return func(r *Receiver) { r.notifier = n }
}

func WithTracker(t *Tracker) Option {
	return func(r *Receiver) { r.tracker = t }
}

// Receiver verifies incoming transfers of one plugin against the secret.
type Receiver struct {
	plugin   ledger.Plugin
	keys     keys
	handler  PaymentHandler
	tracker  *Tracker
	notifier Notifier
	log      *logrus.Logger
}

// NewReceiver binds a receiver to plugin. A nil handler means DefaultPolicy.
func NewReceiver(plugin ledger.Plugin, secret Secret, handler PaymentHandler, logger *logrus.Logger, opts ...Option) *Receiver {
	if handler == nil {
		handler = DefaultPolicy(logger)
	}
	r := &Receiver{
		plugin:  plugin,
		keys:    deriveKeys(secret),
		handler: handler,
		log:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracker == nil {
		r.tracker = NewTracker(DefaultRetention)
	}
	return r
}

// Listen consumes the plugin's events one at a time until ctx is done or the
// plugin reports a disconnect. It may be called again after a reconnect.
func (r *Receiver) Listen(ctx context.Context) error {
	ticker := time.NewTicker(defaultPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.tracker.Prune(); n > 0 {
				r.log.WithField("pruned", n).Debug("Pruned settled transfers")
			}
		case ev := <-r.plugin.Events():
			switch e := ev.(type) {
			case ledger.IncomingPrepare:
				r.handlePrepare(ctx, e.Transfer)
			case ledger.Disconnected:
				r.tracker.EndSession()
				if e.Err == nil {
					return ErrPluginDisconnected
				}
				return fmt.Errorf("%w: %w", ErrPluginDisconnected, e.Err)
			}
		}
	}
}

func (r *Receiver) handlePrepare(ctx context.Context, t *ledger.Transfer) {
	start := time.Now()
	defer func() { metrics.PaymentProcessingDuration.Observe(time.Since(start).Seconds()) }()

	if !r.tracker.Observe(t.ID, t.ExpiresAt) {
		r.log.WithField("transfer_id", t.ID).Debug("Ignoring duplicate prepare")
		return
	}
	if t.Expired(time.Now()) {
		r.log.WithFields(logrus.Fields{
			"transfer_id": t.ID,
			"expires_at":  t.ExpiresAt,
		}).Warn("Incoming transfer already expired, offering it anyway")
	}

	payment, err := r.verify(t)
	if err != nil {
		r.reject(ctx, t, err)
		return
	}
	r.handler(ctx, payment)
}

// verify checks that t pays a destination issued by this receiver: the
// packet is addressed below the plugin account, the receiver id matches, and
// the condition is the one derived from the token and packet.
func (r *Receiver) verify(t *ledger.Transfer) (*IncomingPayment, error) {
	packet, err := ilp.ParsePacket(t.ILPPacket)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}

	segments, err := ilp.Suffix(r.plugin.GetAccount(), packet.Account)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownReceiver, err)
	}
	if len(segments) < 2 {
		return nil, fmt.Errorf("%w: %q has no receiver id and token", ErrUnknownReceiver, packet.Account)
	}
	receiverID, token := segments[len(segments)-2], segments[len(segments)-1]
	if subtle.ConstantTimeCompare([]byte(receiverID), []byte(b64(r.keys.receiverID[:]))) != 1 {
		return nil, fmt.Errorf("%w: receiver id %q", ErrUnknownReceiver, receiverID)
	}
	tokenBytes, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(tokenBytes) != tokenLength {
		return nil, fmt.Errorf("%w: malformed token", ErrConditionMismatch)
	}

	fulfillment := FulfillmentFor(r.keys.sharedSecret(tokenBytes), t.ILPPacket)
	condition := sha256.Sum256(fulfillment[:])
	if subtle.ConstantTimeCompare(condition[:], t.ExecutionCondition[:]) != 1 {
		return nil, ErrConditionMismatch
	}
	if t.Amount < packet.Amount {
		return nil, fmt.Errorf("%w: got %d, packet requires %d", ErrInsufficientAmount, t.Amount, packet.Amount)
	}

	return &IncomingPayment{
		Transfer:    t,
		Packet:      packet,
		receiver:    r,
		fulfillment: fulfillment,
	}, nil
}

func (r *Receiver) reject(ctx context.Context, t *ledger.Transfer, cause error) {
	label, reason := rejectionFor(cause)
	r.tracker.MarkRejected(t.ID)
	metrics.PaymentsRejected.WithLabelValues(label).Inc()

	entry := r.log.WithFields(logrus.Fields{
		"transfer_id": t.ID,
		"amount":      t.Amount,
		"reason":      reason,
		"cause":       cause.Error(),
	})
	if err := r.plugin.RejectIncomingTransfer(ctx, t.ID, reason); err != nil {
		entry.WithError(err).Warn("Failed to reject incoming transfer")
	} else {
		entry.Info("Rejected incoming transfer")
	}
	r.notify(ctx, Notification{
		Status:     StatusRejected,
		TransferID: t.ID,
		Amount:     t.Amount,
		Reason:     reason,
	})
}

func (r *Receiver) notify(ctx context.Context, n Notification) {
	if r.notifier == nil {
		return
	}
	n.At = time.Now().UTC()
	if err := r.notifier.NotifyPayment(ctx, n); err != nil {
		r.log.WithError(err).WithField("transfer_id", n.TransferID).Warn("Failed to publish payment notification")
	}
}

// IncomingPayment is a transfer whose condition was verified against a
// payment request issued by this receiver.
type IncomingPayment struct {
	Transfer *ledger.Transfer
	Packet   *ilp.Packet

	receiver    *Receiver
	fulfillment [32]byte
}

// Fulfill releases the transfer by sending its fulfillment. It returns once
// the frame is handed to the transport and is safe to call from any
// goroutine; only the first successful call sends anything.
func (p *IncomingPayment) Fulfill(ctx context.Context) error {
	r := p.receiver
	id := p.Transfer.ID
	if err := r.tracker.BeginFulfill(id); err != nil {
		return err
	}
	err := r.plugin.FulfillCondition(ctx, id, p.fulfillment)
	r.tracker.FinishFulfill(id, err == nil)
	if err != nil {
		metrics.FulfillErrors.Inc()
		return err
	}
	metrics.PaymentsFulfilled.Inc()
	r.notify(ctx, Notification{
		Status:             StatusFulfilled,
		TransferID:         id,
		Amount:             p.Transfer.Amount,
		DestinationAccount: p.Packet.Account,
	})
	return nil
}
