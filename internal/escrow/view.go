package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/bountyescrow/internal/money"
)

// expiringSoonWindow is how close auto-release must be for a HELD escrow
// to be flagged as expiring soon.
const expiringSoonWindow = 24 * time.Hour

// View is an escrow as seen by one user: the record plus what that user
// may do with it and the fee split it would settle at.
type View struct {
	*Escrow
	CanRelease           bool            `json:"canRelease"`
	CanRefund            bool            `json:"canRefund"`
	CanDispute           bool            `json:"canDispute"`
	IsExpiringSoon       bool            `json:"isExpiringSoon"`
	TimeUntilAutoRelease string          `json:"timeUntilAutoRelease,omitempty"`
	PlatformFeeAmount    decimal.Decimal `json:"platformFeeAmount"`
	PayeeAmount          decimal.Decimal `json:"payeeAmount"`
}

// View loads an escrow for viewerID. Only the payer, the payee and the
// question's author may see an escrow unless admin is set.
func (s *Service) View(ctx context.Context, id, viewerID string, admin bool) (*View, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	isAuthor, err := s.isAuthor(ctx, e, viewerID)
	if err != nil {
		return nil, err
	}
	if !admin && viewerID != e.PayerID && (e.PayeeID == "" || viewerID != e.PayeeID) && !isAuthor {
		return nil, ErrForbidden
	}
	return s.view(e, viewerID, isAuthor), nil
}

// Views decorates a list of escrows already scoped to viewerID.
func (s *Service) Views(ctx context.Context, list []*Escrow, viewerID string) ([]*View, error) {
	out := make([]*View, 0, len(list))
	for _, e := range list {
		isAuthor, err := s.isAuthor(ctx, e, viewerID)
		if err != nil {
			return nil, err
		}
		out = append(out, s.view(e, viewerID, isAuthor))
	}
	return out, nil
}

func (s *Service) isAuthor(ctx context.Context, e *Escrow, viewerID string) (bool, error) {
	if viewerID == e.PayerID {
		return false, nil
	}
	return s.canRelease(ctx, e, viewerID)
}

func (s *Service) view(e *Escrow, viewerID string, isAuthor bool) *View {
	v := &View{Escrow: e}
	settleable := e.Status == StatusHeld || e.Status == StatusDisputed

	v.CanRelease = settleable && e.PayeeID != "" && (viewerID == e.PayerID || isAuthor)
	v.CanRefund = settleable && viewerID == e.PayerID
	v.CanDispute = e.Status == StatusHeld && (viewerID == e.PayerID || (e.PayeeID != "" && viewerID == e.PayeeID))

	if e.Status == StatusHeld && e.AutoReleaseAt != nil {
		left := e.AutoReleaseAt.Sub(s.now())
		v.IsExpiringSoon = left <= expiringSoonWindow
		v.TimeUntilAutoRelease = formatRemaining(left)
	}

	v.PlatformFeeAmount, v.PayeeAmount = s.quote(e)
	return v
}

// quote returns the committed fee split of a released escrow, or the split
// it would settle at under the current rate.
func (s *Service) quote(e *Escrow) (fee, payout decimal.Decimal) {
	if e.PlatformFee != nil {
		return *e.PlatformFee, e.Amount.Sub(*e.PlatformFee)
	}
	fee, err := money.Fee(e.Amount, s.feeRate, e.Currency)
	if err != nil {
		return decimal.Zero, e.Amount
	}
	return fee, e.Amount.Sub(fee)
}

// formatRemaining renders a countdown as "2d 5h", "5h" or "Expired".
func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "Expired"
	}
	days := int(d / (24 * time.Hour))
	hours := int((d % (24 * time.Hour)) / time.Hour)
	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}
	return fmt.Sprintf("%dh", hours)
}
