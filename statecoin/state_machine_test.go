package statecoin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCoin(status Status) *Coin {
	return &Coin{StatechainID: "sc1", Status: status, Locktime: 1000}
}

func TestDepositHappyPath(t *testing.T) {
	t.Parallel()

	c := newTestCoin(StatusInitialised)

	require.NoError(t, TransitionFundingSeen(c))
	require.Equal(t, StatusInMempool, c.Status)

	require.NoError(t, TransitionTipInclusion(c))
	require.Equal(t, StatusUnconfirmed, c.Status)

	require.NoError(t, TransitionKConfs(c))
	require.Equal(t, StatusConfirmed, c.Status)
}

func TestTransferSenderPath(t *testing.T) {
	t.Parallel()

	c := newTestCoin(StatusConfirmed)

	require.NoError(t, TransitionSent(c))
	require.Equal(t, StatusInTransfer, c.Status)

	require.NoError(t, TransitionReceiverAcks(c))
	require.Equal(t, StatusWithdrawn, c.Status)
}

func TestWithdrawPath(t *testing.T) {
	t.Parallel()

	c := newTestCoin(StatusConfirmed)

	require.NoError(t, TransitionWithdraw(c))
	require.Equal(t, StatusWithdrawing, c.Status)

	require.NoError(t, TransitionBroadcastSeen(c))
	require.Equal(t, StatusWithdrawn, c.Status)
}

func TestReceiveOKBranchesOnConfirmations(t *testing.T) {
	t.Parallel()

	already := newTestCoin(StatusInitialised)
	require.NoError(t, TransitionReceiveOK(already, true))
	require.Equal(t, StatusConfirmed, already.Status)

	pending := newTestCoin(StatusInitialised)
	require.NoError(t, TransitionReceiveOK(pending, false))
	require.Equal(t, StatusUnconfirmed, pending.Status)
}

func TestIllegalTransitionsRejected(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		run  func(c *Coin) error
		from Status
	}{
		{"funding-seen from confirmed", TransitionFundingSeen, StatusConfirmed},
		{"k-confs from initialised", TransitionKConfs, StatusInitialised},
		{"transfer-sent from withdrawn", TransitionSent, StatusWithdrawn},
		{"withdraw from in-transfer", TransitionWithdraw, StatusInTransfer},
		{"broadcast-seen from confirmed", TransitionBroadcastSeen, StatusConfirmed},
		{"receiver-acks from confirmed", TransitionReceiverAcks, StatusConfirmed},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestCoin(tc.from)
			err := tc.run(c)
			require.Error(t, err)
			var invalid *ErrInvalidTransition
			require.ErrorAs(t, err, &invalid)
			require.Equal(t, tc.from, c.Status, "status must not change on a rejected transition")
		})
	}
}

func TestReceiveOKOnlyFromInitialised(t *testing.T) {
	t.Parallel()

	c := newTestCoin(StatusConfirmed)
	err := TransitionReceiveOK(c, true)
	require.Error(t, err)
	require.Equal(t, StatusConfirmed, c.Status)
}

func TestIsExpired(t *testing.T) {
	t.Parallel()

	c := newTestCoin(StatusConfirmed)
	c.Locktime = 800

	require.False(t, IsExpired(c, 799))
	require.True(t, IsExpired(c, 800))
	require.True(t, IsExpired(c, 900))
}
