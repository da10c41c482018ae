package statecoin

import (
	"fmt"
)

// transitions enumerates every legal (from, event) -> to edge in the coin
// lifecycle. CoinStateMachine is the only component permitted to advance
// Coin.Status, and every advance goes through one of these named events so
// the legal-transition table stays in one place.
type event string

const (
	eventFundingSeen  event = "funding-seen"
	eventTipInclusion event = "tip-inclusion"
	eventKConfs       event = "k-confs"
	eventTransferSent event = "transfer-sent"
	eventReceiverAcks event = "receiver-acks"
	eventWithdraw     event = "withdraw"
	eventBroadcastSeen event = "broadcast-seen"
	eventReceiveOK    event = "receive-ok"
)

type edge struct {
	from Status
	on   event
}

var transitions = map[edge]Status{
	{StatusInitialised, eventFundingSeen}:  StatusInMempool,
	{StatusInMempool, eventTipInclusion}:   StatusUnconfirmed,
	{StatusUnconfirmed, eventKConfs}:       StatusConfirmed,
	{StatusConfirmed, eventTransferSent}:   StatusInTransfer,
	{StatusInTransfer, eventReceiverAcks}:  StatusWithdrawn,
	{StatusConfirmed, eventWithdraw}:       StatusWithdrawing,
	{StatusWithdrawing, eventBroadcastSeen}: StatusWithdrawn,
	// receive-ok is special-cased in TransitionReceiveOK below since its
	// destination depends on confirmation count, not just the event.
}

// ErrInvalidTransition is returned when an event does not apply to a coin's
// current status.
type ErrInvalidTransition struct {
	From Status
	On   event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("statecoin: invalid transition %q from status %q", e.On, e.From)
}

func apply(c *Coin, on event) error {
	next, ok := transitions[edge{c.Status, on}]
	if !ok {
		return &ErrInvalidTransition{From: c.Status, On: on}
	}
	c.Status = next
	return nil
}

// TransitionFundingSeen moves a coin from INITIALISED to IN_MEMPOOL once its
// funding UTXO has been observed unconfirmed on the network.
func TransitionFundingSeen(c *Coin) error { return apply(c, eventFundingSeen) }

// TransitionTipInclusion moves a coin from IN_MEMPOOL to UNCONFIRMED once
// its funding transaction is included in a block.
func TransitionTipInclusion(c *Coin) error { return apply(c, eventTipInclusion) }

// TransitionKConfs moves a coin from UNCONFIRMED to CONFIRMED once its
// funding transaction has accumulated the wallet's confirmation target.
func TransitionKConfs(c *Coin) error { return apply(c, eventKConfs) }

// TransitionSent moves a coin from CONFIRMED to IN_TRANSFER after a
// transfer-send completes.
func TransitionSent(c *Coin) error { return apply(c, eventTransferSent) }

// TransitionReceiverAcks moves a coin from IN_TRANSFER to WITHDRAWN from the
// sender's point of view, once the receiver has installed it.
func TransitionReceiverAcks(c *Coin) error { return apply(c, eventReceiverAcks) }

// TransitionWithdraw moves a coin from CONFIRMED to WITHDRAWING when a
// withdrawal is initiated.
func TransitionWithdraw(c *Coin) error { return apply(c, eventWithdraw) }

// TransitionBroadcastSeen moves a coin from WITHDRAWING to WITHDRAWN once
// its backup (and CPFP, if any) have been observed broadcast.
func TransitionBroadcastSeen(c *Coin) error { return apply(c, eventBroadcastSeen) }

// TransitionReceiveOK installs a freshly received coin, landing on CONFIRMED
// if its funding outpoint already has the wallet's confirmation target, or
// UNCONFIRMED otherwise. confirmed is the caller's pre-computed answer to
// "does tx0 already have >= ConfirmationTarget confirmations".
func TransitionReceiveOK(c *Coin, confirmed bool) error {
	if c.Status != StatusInitialised {
		return &ErrInvalidTransition{From: c.Status, On: eventReceiveOK}
	}
	if confirmed {
		c.Status = StatusConfirmed
	} else {
		c.Status = StatusUnconfirmed
	}
	return nil
}

// IsExpired is a derived view, not a stored state: a coin whose locktime
// has reached the current chain tip can no longer be safely held off-chain
// and should be settled.
func IsExpired(c *Coin, tip uint32) bool {
	return c.Locktime <= tip
}
