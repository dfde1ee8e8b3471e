package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/bountyescrow/internal/escrow"
	"github.com/mbd888/bountyescrow/internal/logging"
	"github.com/mbd888/bountyescrow/internal/processor"
	"github.com/mbd888/bountyescrow/internal/syncutil"
)

// Service answers escrow's directory lookups and drives payout onboarding.
type Service struct {
	store       Store
	gateway     processor.Gateway
	logger      *slog.Logger
	frontendURL string
	provision   *syncutil.KeyLock // one processor provisioning call per user at a time
}

// NewService creates a new directory service.
func NewService(store Store, gateway processor.Gateway, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		gateway:     gateway,
		logger:      logging.OrDiscard(logger),
		frontendURL: "http://localhost:3000",
		provision:   syncutil.NewKeyLock(0),
	}
}

// WithFrontendURL sets the base URL onboarding links return to.
func (s *Service) WithFrontendURL(u string) *Service {
	if u != "" {
		s.frontendURL = strings.TrimRight(u, "/")
	}
	return s
}

var _ escrow.Directory = (*Service)(nil)

// Account implements escrow.Directory.
func (s *Service) Account(ctx context.Context, userID string) (*escrow.Account, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &escrow.Account{ID: u.ID, Active: u.Active}, nil
}

// Subject implements escrow.Directory.
func (s *Service) Subject(ctx context.Context, questionID string) (*escrow.Subject, error) {
	q, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	return &escrow.Subject{ID: q.ID, AuthorID: q.AuthorID, BountyAmount: q.BountyAmount}, nil
}

// EnsureCustomer returns the user's processor customer, creating it on
// first use. Customer creation is idempotent per user at the processor,
// so a lost write here is repaired by the next call.
func (s *Service) EnsureCustomer(ctx context.Context, userID string) (string, error) {
	unlock, err := s.provision.Lock(ctx, "customer:"+userID)
	if err != nil {
		return "", err
	}
	defer unlock()

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.CustomerID != "" {
		return u.CustomerID, nil
	}

	customerID, err := s.gateway.CreateCustomer(ctx, processor.CustomerParams{
		UserID: u.ID,
		Email:  u.Email,
		Name:   u.DisplayName,
	})
	if err != nil {
		return "", err
	}
	if err := s.store.SetCustomerID(ctx, u.ID, customerID); err != nil {
		if errors.Is(err, ErrRefConflict) {
			// Someone else stored one first; theirs wins.
			fresh, getErr := s.store.GetUser(ctx, u.ID)
			if getErr == nil && fresh.CustomerID != "" {
				return fresh.CustomerID, nil
			}
		}
		return "", fmt.Errorf("store customer id: %w", err)
	}
	s.logger.Info("processor customer created", "userId", u.ID, "customerId", customerID)
	return customerID, nil
}

// PayeeCapability implements escrow.Directory from the stored mirror,
// which account.updated webhooks keep current.
func (s *Service) PayeeCapability(ctx context.Context, userID string) (*escrow.PayeeCapability, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &escrow.PayeeCapability{
		PayoutAccountID:     u.PayoutAccountID,
		HasPayoutAccount:    u.PayoutAccountID != "",
		CanReceiveTransfers: u.CanReceiveTransfers,
	}, nil
}

// OnboardPayee creates the user's payout account when missing and returns
// a hosted onboarding link for it. Fully configured accounts are rejected.
func (s *Service) OnboardPayee(ctx context.Context, userID string) (*Onboarding, error) {
	unlock, err := s.provision.Lock(ctx, "payout:"+userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	accountID := u.PayoutAccountID
	if accountID != "" {
		c, err := s.gateway.AccountCapability(ctx, accountID)
		if err == nil && c.DetailsSubmitted && c.ChargesEnabled {
			return nil, ErrAlreadyOnboarded
		}
	} else {
		accountID, err = s.gateway.CreatePayoutAccount(ctx, processor.PayoutAccountParams{
			UserID:  u.ID,
			Email:   u.Email,
			Country: u.Country,
		})
		if err != nil {
			return nil, err
		}
		if err := s.store.SetPayoutAccount(ctx, u.ID, accountID); err != nil {
			return nil, fmt.Errorf("store payout account: %w", err)
		}
		s.logger.Info("payout account created", "userId", u.ID, "accountId", accountID)
	}

	link, err := s.gateway.CreateOnboardingLink(ctx, processor.OnboardingLinkParams{
		AccountID:  accountID,
		RefreshURL: s.frontendURL + "/payments/connect/refresh",
		ReturnURL:  s.frontendURL + "/payments/connect/success",
	})
	if err != nil {
		return nil, err
	}
	return &Onboarding{AccountID: accountID, OnboardingURL: link}, nil
}

// PayoutStatus reports the user's onboarding state. The processor is
// asked first and the mirror refreshed; if it cannot be reached the
// stored flags are returned.
func (s *Service) PayoutStatus(ctx context.Context, userID string) (*PayoutStatus, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.PayoutAccountID == "" {
		return &PayoutStatus{}, nil
	}

	c, err := s.gateway.AccountCapability(ctx, u.PayoutAccountID)
	if err != nil {
		logging.L(ctx).Warn("failed to fetch payout account, using stored flags",
			"userId", u.ID, "accountId", u.PayoutAccountID, "error", err)
		return statusOf(u.PayoutAccountID, u.ChargesEnabled, u.DetailsSubmitted), nil
	}
	if err := s.RefreshCapability(ctx, c); err != nil {
		logging.L(ctx).Warn("failed to refresh payout capability", "accountId", c.AccountID, "error", err)
	}
	return statusOf(u.PayoutAccountID, c.ChargesEnabled, c.DetailsSubmitted), nil
}

func statusOf(accountID string, charges, details bool) *PayoutStatus {
	return &PayoutStatus{
		AccountID:        accountID,
		IsOnboarded:      charges && details,
		ChargesEnabled:   charges,
		DetailsSubmitted: details,
	}
}

// RefreshCapability stores capability flags reported for a payout account.
// Accounts that no user owns return ErrNotFound.
func (s *Service) RefreshCapability(ctx context.Context, c *processor.Capability) error {
	if c == nil || c.AccountID == "" {
		return fmt.Errorf("%w: capability without account id", escrow.ErrInvalidInput)
	}
	return s.store.UpdateCapability(ctx, c.AccountID, Capability{
		CanReceiveTransfers: c.CanReceiveTransfers,
		ChargesEnabled:      c.ChargesEnabled,
		DetailsSubmitted:    c.DetailsSubmitted,
	})
}

// GetUser returns a user by ID.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.store.GetUser(ctx, id)
}

// PutUser creates or updates a user's profile.
func (s *Service) PutUser(ctx context.Context, u *User) error {
	u.Country = strings.ToUpper(strings.TrimSpace(u.Country))
	if u.Country == "" {
		u.Country = "US"
	}
	if len(u.Country) != 2 {
		return fmt.Errorf("%w: country must be a two-letter code", escrow.ErrInvalidInput)
	}
	return s.store.UpsertUser(ctx, u)
}

// PutQuestion creates or updates a question. The author must exist.
func (s *Service) PutQuestion(ctx context.Context, q *Question) error {
	if q.BountyAmount.Valid && !q.BountyAmount.Decimal.IsPositive() {
		return fmt.Errorf("%w: bounty amount must be positive", escrow.ErrInvalidAmount)
	}
	if _, err := s.store.GetUser(ctx, q.AuthorID); err != nil {
		return fmt.Errorf("author: %w", err)
	}
	return s.store.UpsertQuestion(ctx, q)
}

// GetQuestion returns a question by ID.
func (s *Service) GetQuestion(ctx context.Context, id string) (*Question, error) {
	return s.store.GetQuestion(ctx, id)
}
