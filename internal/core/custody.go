package core

import "context"

// Custody moves collateral between external token accounts. The engine
// calls it for deposits (owner to treasury) and withdrawals (treasury to
// owner) only; everything else is internal accounting.
type Custody interface {
	Transfer(ctx context.Context, from, to string, amount uint64) error
}
