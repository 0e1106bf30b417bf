// Package policy holds the pure pricing rules of the engine: how a price is
// split between wallet and card, and when a paid registration may be refunded.
package policy

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
)

// ErrCardRequired is returned when the wallet cannot cover the price and no
// card instrument was supplied.
var ErrCardRequired = errors.New("card payment required for the remaining amount")

// ErrNegativeAmount is returned for a negative price or balance.
var ErrNegativeAmount = errors.New("amount must not be negative")

// Allocation is the split of a price between the wallet and the card.
type Allocation struct {
	WalletPortion decimal.Decimal
	CardPortion   decimal.Decimal
	Method        model.PaymentMethod
}

// Total returns WalletPortion + CardPortion.
func (a Allocation) Total() decimal.Decimal {
	return a.WalletPortion.Add(a.CardPortion)
}

// NeedsCard reports whether any part of the price is charged to a card.
func (a Allocation) NeedsCard() bool {
	return a.CardPortion.IsPositive()
}

// Allocate splits price between wallet and card. The wallet covers as much
// as it can when wantsWallet is set; the card covers the rest.
func Allocate(price, walletBalance decimal.Decimal, wantsWallet, cardSupplied bool) (Allocation, error) {
	if price.IsNegative() || walletBalance.IsNegative() {
		return Allocation{}, ErrNegativeAmount
	}

	if price.IsZero() {
		return Allocation{
			WalletPortion: decimal.Zero,
			CardPortion:   decimal.Zero,
			Method:        model.MethodFree,
		}, nil
	}

	wallet := decimal.Zero
	if wantsWallet {
		wallet = decimal.Min(walletBalance, price)
	}
	card := price.Sub(wallet)

	alloc := Allocation{
		WalletPortion: wallet,
		CardPortion:   card,
		Method:        methodFor(wallet, card),
	}
	if card.IsPositive() && !cardSupplied {
		return alloc, ErrCardRequired
	}
	return alloc, nil
}

// MethodFor labels a split that was computed elsewhere, such as one recovered
// from gateway intent metadata.
func MethodFor(wallet, card decimal.Decimal) model.PaymentMethod {
	if wallet.IsZero() && card.IsZero() {
		return model.MethodFree
	}
	return methodFor(wallet, card)
}

func methodFor(wallet, card decimal.Decimal) model.PaymentMethod {
	switch {
	case card.IsZero():
		return model.MethodWallet
	case wallet.IsZero():
		return model.MethodCard
	default:
		return model.MethodMixed
	}
}
