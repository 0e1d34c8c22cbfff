package infrastructure

import (
	"context"
	"sync"
	"time"

	"github.com/draftea/order-system/payments-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

var _ domain.PaymentGateway = (*SimulatedGateway)(nil)

// SimulatedGatewayConfig drives the outcome of simulated charges
type SimulatedGatewayConfig struct {
	// DeclineAbove declines charges strictly above this amount; zero disables it
	DeclineAbove int64         `mapstructure:"decline_above"`
	Latency      time.Duration `mapstructure:"latency"`
}

// SimulatedGateway approves charges in process. Charges are idempotent per key.
type SimulatedGateway struct {
	config SimulatedGatewayConfig

	mu      sync.Mutex
	charges map[string]string
}

func NewSimulatedGateway(config SimulatedGatewayConfig) *SimulatedGateway {
	return &SimulatedGateway{
		config:  config,
		charges: make(map[string]string),
	}
}

func (g *SimulatedGateway) Charge(ctx context.Context, req domain.ChargeRequest) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}

	if g.config.DeclineAbove > 0 && req.Amount.Amount > g.config.DeclineAbove {
		return "", errors.Wrap(domain.ErrPaymentDeclined, "card declined")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if transactionID, ok := g.charges[req.IdempotencyKey]; ok {
		return transactionID, nil
	}
	transactionID := "txn_" + models.GenerateUUID().String()
	g.charges[req.IdempotencyKey] = transactionID
	return transactionID, nil
}

func (g *SimulatedGateway) Refund(ctx context.Context, transactionID string, amount models.Money) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	if transactionID == "" {
		return "", errors.New("transaction ID is required")
	}
	return "rfd_" + models.GenerateUUID().String(), nil
}

func (g *SimulatedGateway) wait(ctx context.Context) error {
	if g.config.Latency <= 0 {
		return nil
	}

	timer := time.NewTimer(g.config.Latency)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
