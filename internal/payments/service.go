package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nsmelov/wgfleet/internal/config"
)

// pollInterval is how often pending payments are re-checked against
// the provider.
const pollInterval = 30 * time.Second

// Provider is the subset of the payment API the service needs.
type Provider interface {
	Create(ctx context.Context, amount, currency, description, returnURL string) (*Payment, error)
	Get(ctx context.Context, id string) (*Payment, error)
}

// Service tracks orders from creation to fulfillment.
type Service struct {
	provider Provider
	store    *Store
	tariffs  []config.TariffConfig
	vpnName  string
	logger   *slog.Logger

	// OnPaid is invoked once per payment that reaches the succeeded
	// status. Set before Run is started.
	OnPaid func(ctx context.Context, rec Record)
}

func NewService(provider Provider, store *Store, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{
		provider: provider,
		store:    store,
		tariffs:  cfg.Payments.Tariffs,
		vpnName:  cfg.Telegram.VPNName,
		logger:   logger,
	}
}

// Tariffs returns the configured plan choices.
func (s *Service) Tariffs() []config.TariffConfig {
	return s.tariffs
}

// Tariff looks up a plan by its month count.
func (s *Service) Tariff(months int) (config.TariffConfig, bool) {
	for _, t := range s.tariffs {
		if t.Months == months {
			return t, true
		}
	}
	return config.TariffConfig{}, false
}

// Start creates a payment for the given tariff and records it as
// pending. The returned URL is where the user completes the payment.
func (s *Service) Start(ctx context.Context, chatID int64, username string, months int) (string, error) {
	tariff, ok := s.Tariff(months)
	if !ok {
		return "", fmt.Errorf("payments: no tariff for %d months", months)
	}

	amount := fmt.Sprintf("%d.00", tariff.Price)
	description := fmt.Sprintf("%s: %d month(s) for %s", s.vpnName, months, username)
	p, err := s.provider.Create(ctx, amount, "RUB", description, "https://t.me")
	if err != nil {
		return "", err
	}
	if p.Confirmation.ConfirmationURL == "" {
		return "", fmt.Errorf("payments: provider returned no confirmation URL for %s", p.ID)
	}

	rec := Record{
		ID:        p.ID,
		ChatID:    chatID,
		Username:  username,
		Days:      tariff.Days,
		Amount:    amount,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.Put(rec); err != nil {
		return "", err
	}
	s.logger.Info("payment started", "id", p.ID, "user", username, "amount", amount)
	return p.Confirmation.ConfirmationURL, nil
}

// Run polls pending payments until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkPending(ctx)
		}
	}
}

func (s *Service) checkPending(ctx context.Context) {
	for _, rec := range s.store.Pending() {
		p, err := s.provider.Get(ctx, rec.ID)
		if err != nil {
			s.logger.Warn("payment poll failed", "id", rec.ID, "err", err)
			continue
		}
		if p.Status == StatusPending {
			continue
		}

		if err := s.store.SetStatus(rec.ID, p.Status); err != nil {
			s.logger.Error("failed to update payment status", "id", rec.ID, "err", err)
			continue
		}
		s.logger.Info("payment settled", "id", rec.ID, "user", rec.Username, "status", p.Status)

		if p.Status == StatusSucceeded && s.OnPaid != nil {
			rec.Status = p.Status
			s.OnPaid(ctx, rec)
		}
	}
}
