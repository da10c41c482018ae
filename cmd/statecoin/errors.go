package main

import (
	"errors"

	"github.com/statecoin/walletd/statecoin"
)

// Exit codes. 0 is success; everything else identifies which error kind
// (statecoin/errors.go) aborted the command, so scripts driving the CLI can
// branch without scraping stderr text.
const (
	exitGeneric            = 1
	exitNotFound           = 2
	exitChainValidation    = 3
	exitSEProtocol         = 4
	exitCryptoInvalid      = 5
	exitNetworkUnavailable = 6
	exitLocktimeExhausted  = 7
)

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	var notFound *statecoin.NotFound
	if errors.As(err, &notFound) {
		return exitNotFound
	}
	var chainErr *statecoin.ChainValidationFailed
	if errors.As(err, &chainErr) {
		return exitChainValidation
	}
	var seErr *statecoin.SEProtocolError
	if errors.As(err, &seErr) {
		return exitSEProtocol
	}
	var cryptoErr *statecoin.CryptoInvalid
	if errors.As(err, &cryptoErr) {
		return exitCryptoInvalid
	}
	if errors.Is(err, statecoin.ErrNetworkUnavailable) {
		return exitNetworkUnavailable
	}
	if errors.Is(err, statecoin.ErrLocktimeExhausted) {
		return exitLocktimeExhausted
	}
	return exitGeneric
}
