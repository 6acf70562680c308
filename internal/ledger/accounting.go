package ledger

// AverageCost returns the weighted average cost after buying qty shares at
// price on top of an existing position of heldQty shares at heldAvg.
func AverageCost(heldQty int, heldAvg float64, qty int, price float64) float64 {
	total := heldQty + qty
	if total == 0 {
		return 0
	}
	return (float64(heldQty)*heldAvg + float64(qty)*price) / float64(total)
}

// RemainingAfterSell returns how many shares are left after selling qty out
// of heldQty, or ErrInsufficientShares.
func RemainingAfterSell(heldQty, qty int) (int, error) {
	if heldQty < qty {
		return heldQty, ErrInsufficientShares
	}
	return heldQty - qty, nil
}
