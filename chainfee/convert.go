// Package chainfee converts between the fee-rate units used by the
// indexer's fee-estimate API (BTC/kB, the Bitcoin Core convention) and the
// sat/vB unit the backup and CPFP transaction builders size their outputs
// against.
package chainfee

// SatsPerVByteFromBTCPerKB converts a BTC/kB fee-rate estimate into
// sats/vByte using truncating integer division, matching the reference
// client's own `(fee_rate_btc_per_kb * 100000.0) as u64` conversion. This
// must never round up: overestimating the fee rate here would be masked as
// "the wallet padded the fee", but underestimating by rounding down is the
// behavior every other statecoin client in the network also exhibits, and
// the two must agree for the cooperative multi-party fee math in transfers
// to reconcile.
func SatsPerVByteFromBTCPerKB(btcPerKB float64) uint64 {
	if btcPerKB <= 0 {
		return 0
	}
	return uint64(btcPerKB * 100000.0)
}

// BTCPerKBFromSatsPerVByte is the inverse conversion, used when a caller
// needs to hand a sat/vB override back through an API shaped around BTC/kB.
func BTCPerKBFromSatsPerVByte(satsPerVByte uint64) float64 {
	return float64(satsPerVByte) / 100000.0
}

// Clamp caps a fee rate at a client-configured ceiling, mirroring the
// reference client's `client_config.max_fee_rate` guard applied during
// transfer receipt before any signature is requested.
func Clamp(satsPerVByte, max uint64) uint64 {
	if max > 0 && satsPerVByte > max {
		return max
	}
	return satsPerVByte
}
