package walletdb

const schema = `
CREATE TABLE IF NOT EXISTS wallet (
	name       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS backup_tx (
	statechain_id       TEXT NOT NULL,
	tx_n                INTEGER NOT NULL,
	raw_tx              BLOB NOT NULL,
	blinding_factor     BLOB NOT NULL,
	locktime            INTEGER NOT NULL,
	fee_rate_sats_vbyte INTEGER NOT NULL,
	PRIMARY KEY (statechain_id, tx_n)
);

CREATE INDEX IF NOT EXISTS idx_backup_tx_statechain ON backup_tx(statechain_id);
`
