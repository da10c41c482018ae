package walletdb

import "errors"

// ErrWalletNotFound means no row exists yet for the given wallet name.
var ErrWalletNotFound = errors.New("walletdb: wallet not found")

// ErrBackupNotFound means no backup_tx row exists for the given
// (statechain_id, tx_n) pair.
var ErrBackupNotFound = errors.New("walletdb: backup transaction not found")
