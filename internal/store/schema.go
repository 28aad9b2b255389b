package store

// schema is applied at open. Append-only semantics on credit_ledger are an
// application contract: nothing in this codebase issues UPDATE or DELETE
// against committed ledger rows except the is_reversed flag set by Reverse.
const schema = `
CREATE TABLE IF NOT EXISTS retailers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	phone TEXT NOT NULL DEFAULT '',
	credit_limit TEXT NOT NULL,
	outstanding_debt TEXT NOT NULL DEFAULT '0',
	risk_score INTEGER NOT NULL DEFAULT 0,
	is_approved INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	risk_override INTEGER NOT NULL DEFAULT 0,
	wh_start INTEGER NOT NULL DEFAULT 0,
	wh_end INTEGER NOT NULL DEFAULT 24,
	wh_tz TEXT NOT NULL DEFAULT 'UTC',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS vendors (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	phone TEXT NOT NULL DEFAULT '',
	is_approved INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	reliability_score INTEGER NOT NULL DEFAULT 50,
	wh_start INTEGER NOT NULL DEFAULT 0,
	wh_end INTEGER NOT NULL DEFAULT 24,
	wh_tz TEXT NOT NULL DEFAULT 'UTC',
	max_active_orders INTEGER NOT NULL DEFAULT 10,
	max_pending_orders INTEGER NOT NULL DEFAULT 5,
	delivery_zones TEXT NOT NULL DEFAULT '[]',
	district TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	sku TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	unit TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	aliases TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS vendor_products (
	vendor_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	price TEXT NOT NULL,
	stock TEXT NOT NULL DEFAULT '0',
	is_available INTEGER NOT NULL DEFAULT 1,
	min_order_qty TEXT NOT NULL DEFAULT '0',
	max_order_qty TEXT NOT NULL DEFAULT '0',
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (vendor_id, product_id)
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	order_number TEXT NOT NULL UNIQUE,
	retailer_id TEXT NOT NULL,
	vendor_id TEXT NOT NULL,
	total TEXT NOT NULL,
	credit_used TEXT NOT NULL,
	status TEXT NOT NULL,
	payment_status TEXT NOT NULL DEFAULT 'UNPAID',
	created_at TIMESTAMP NOT NULL,
	delivered_at TIMESTAMP,
	cancelled_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_retailer ON orders(retailer_id);
CREATE INDEX IF NOT EXISTS idx_orders_vendor ON orders(vendor_id, status);

CREATE TABLE IF NOT EXISTS order_items (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	product_name TEXT NOT NULL,
	sku TEXT NOT NULL,
	quantity TEXT NOT NULL,
	unit TEXT NOT NULL,
	unit_price TEXT NOT NULL,
	tax_rate TEXT NOT NULL DEFAULT '0',
	line_total TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id);

CREATE TABLE IF NOT EXISTS credit_ledger (
	id TEXT PRIMARY KEY,
	retailer_id TEXT NOT NULL,
	vendor_id TEXT NOT NULL,
	transaction_type TEXT NOT NULL,
	amount TEXT NOT NULL,
	previous_balance TEXT NOT NULL,
	running_balance TEXT NOT NULL,
	linked_order_id TEXT NOT NULL DEFAULT '',
	is_reversed INTEGER NOT NULL DEFAULT 0,
	reversal_of_entry_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_pair ON credit_ledger(retailer_id, vendor_id, created_at);

CREATE TABLE IF NOT EXISTS webhook_events (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	payload BLOB NOT NULL,
	headers TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	received_at TIMESTAMP NOT NULL,
	processed_at TIMESTAMP,
	next_retry_at TIMESTAMP,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_webhooks_status ON webhook_events(status, next_retry_at);

CREATE TABLE IF NOT EXISTS workflow_states (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	entity_ref TEXT NOT NULL,
	current_step TEXT NOT NULL,
	step_data BLOB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'in_progress',
	last_heartbeat TIMESTAMP NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflow_states(status, last_heartbeat);
CREATE INDEX IF NOT EXISTS idx_workflows_entity ON workflow_states(entity_ref);

CREATE TABLE IF NOT EXISTS vendor_assignment_retries (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	vendor_id TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	response_deadline TIMESTAMP NOT NULL,
	next_retry_at TIMESTAMP,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assignment_retries ON vendor_assignment_retries(status, next_retry_at);

CREATE TABLE IF NOT EXISTS order_recovery_states (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL UNIQUE,
	original_status TEXT NOT NULL,
	recovery_status TEXT NOT NULL DEFAULT 'pending',
	failure_point TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	operation_type TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	response_payload BLOB,
	status TEXT NOT NULL DEFAULT 'processing',
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS parse_sessions (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	retailer_id TEXT NOT NULL,
	raw_input TEXT NOT NULL,
	result BLOB NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS rejected_orders (
	id TEXT PRIMARY KEY,
	retailer_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	requested_amount TEXT NOT NULL,
	available_credit TEXT NOT NULL,
	shortfall TEXT NOT NULL,
	raw_input TEXT NOT NULL DEFAULT '',
	reviewed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS order_status_log (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT 'system',
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_status_log_order ON order_status_log(order_id, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	old_value BLOB,
	new_value BLOB,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS price_history (
	id TEXT PRIMARY KEY,
	vendor_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	old_price TEXT NOT NULL,
	new_price TEXT NOT NULL,
	change_pct TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history ON price_history(product_id, created_at);

CREATE TABLE IF NOT EXISTS vendor_decisions (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	order_id TEXT NOT NULL DEFAULT '',
	selected_vendor TEXT NOT NULL,
	shortlist BLOB NOT NULL,
	config_snapshot BLOB NOT NULL,
	reason TEXT NOT NULL,
	strategy TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_product ON vendor_decisions(product_id, created_at);

CREATE TABLE IF NOT EXISTS dead_letter_jobs (
	job_id TEXT PRIMARY KEY,
	original_queue TEXT NOT NULL,
	job_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	last_error TEXT NOT NULL,
	last_stack TEXT NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL,
	failed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS uploaded_orders (
	id TEXT PRIMARY KEY,
	retailer_id TEXT NOT NULL,
	image_url TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'processing',
	parse_session_id TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`
