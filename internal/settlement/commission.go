package settlement

import (
	"github.com/tipfolio-app/tipfolio/internal/config"
)

const bpsDenominator = 10000

// CommissionAt returns the platform commission for a gross amount at the
// given rate in basis points, rounded up so the platform never undercollects
// by a fraction of a minor unit.
func CommissionAt(gross int64, rateBps int) int64 {
	if gross <= 0 || rateBps <= 0 {
		return 0
	}
	return (gross*int64(rateBps) + bpsDenominator - 1) / bpsDenominator
}

// Commission applies the configured platform rate.
func Commission(gross int64) int64 {
	return CommissionAt(gross, config.CommissionRateBps())
}
