package main

import "github.com/shopspring/decimal"

// Changes smaller than one øre are rounding noise from the page, not real
// balance movement.
var changeThreshold = decimal.New(1, -2)

type balanceChange struct {
	Notify   bool
	Current  decimal.Decimal
	Previous decimal.Decimal
	Delta    decimal.Decimal
}

// detectChange decides whether a new reading warrants a notification. An
// absent current balance never notifies, and neither does the first reading
// ever taken for a subscriber: it just becomes the baseline.
func detectChange(prev, cur decimal.NullDecimal) balanceChange {
	if !cur.Valid || !prev.Valid {
		return balanceChange{}
	}
	delta := cur.Decimal.Sub(prev.Decimal)
	if delta.Abs().GreaterThan(changeThreshold) {
		return balanceChange{
			Notify:   true,
			Current:  cur.Decimal,
			Previous: prev.Decimal,
			Delta:    delta,
		}
	}
	return balanceChange{}
}
