package sqlite

import "database/sql"

// migrations contains the SQL statements to set up the database schema.
// These run on startup to ensure tables exist.
// Monetary columns are TEXT: amounts are stored as exact decimal strings,
// never floats. The unique index on payouts(invoice_id) is the payout
// idempotency key.
const schema = `
CREATE TABLE IF NOT EXISTS invoices (
    id INTEGER PRIMARY KEY,
    client_id INTEGER NOT NULL,
    trainer_id INTEGER NOT NULL,
    total_amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    status TEXT NOT NULL,
    payment_method TEXT,
    transaction_id TEXT,
    commission_amount TEXT,
    net_amount TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    invoice_id INTEGER NOT NULL,
    client_id INTEGER NOT NULL,
    trainer_id INTEGER NOT NULL,
    gateway_id TEXT NOT NULL,
    gateway TEXT NOT NULL,
    provider_ref TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    status TEXT NOT NULL,
    response BLOB,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (invoice_id) REFERENCES invoices(id)
);

CREATE TABLE IF NOT EXISTS payment_gateways (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 0,
    is_default INTEGER NOT NULL DEFAULT 0,
    secret_key TEXT NOT NULL DEFAULT '',
    public_key TEXT NOT NULL DEFAULT '',
    webhook_secret TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS payouts (
    id TEXT PRIMARY KEY,
    trainer_id INTEGER NOT NULL,
    invoice_id INTEGER NOT NULL,
    amount TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (invoice_id) REFERENCES invoices(id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_invoice_id ON transactions(invoice_id);
CREATE INDEX IF NOT EXISTS idx_transactions_provider_ref ON transactions(provider_ref);
CREATE INDEX IF NOT EXISTS idx_invoices_client_id ON invoices(client_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_payouts_invoice_id ON payouts(invoice_id);
CREATE INDEX IF NOT EXISTS idx_payouts_trainer_id ON payouts(trainer_id);
`

// runMigrations executes the schema setup statements.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
