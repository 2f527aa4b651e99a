package db

import (
	"database/sql"
	"log"
)

// SQL for the federation tables
const (
	// Remote actor cache table
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		public_key_pem TEXT NOT NULL,
		raw_document TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	// Follow edges table
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_uri TEXT NOT NULL,
		following_uri TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(follower_uri, following_uri)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_follower_uri ON follows(follower_uri);
		CREATE INDEX IF NOT EXISTS idx_follows_following_uri ON follows(following_uri);
	`

	// Like edges table
	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, object_uri)
	)`

	sqlCreateLikesIndices = `
		CREATE INDEX IF NOT EXISTS idx_likes_object_uri ON likes(object_uri);
	`

	// Announce edges table
	sqlCreateAnnouncesTable = `CREATE TABLE IF NOT EXISTS announces (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, object_uri)
	)`

	sqlCreateAnnouncesIndices = `
		CREATE INDEX IF NOT EXISTS idx_announces_object_uri ON announces(object_uri);
	`

	// Notifications table
	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications (
		id TEXT NOT NULL PRIMARY KEY,
		ntype TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		read_at TIMESTAMP
	)`

	sqlCreateNotificationsIndices = `
		CREATE INDEX IF NOT EXISTS idx_notifications_created_at ON notifications(created_at DESC);
	`

	// Inbox audit log (one row per inbound POST, whatever the outcome)
	sqlCreateInboxAuditTable = `CREATE TABLE IF NOT EXISTS inbox_audit (
		id TEXT NOT NULL PRIMARY KEY,
		activity_type TEXT NOT NULL,
		actor_uri TEXT,
		raw_activity TEXT,
		signature_verified INTEGER DEFAULT 0,
		signature_error TEXT,
		received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		processed_at TIMESTAMP,
		error TEXT
	)`

	sqlCreateInboxAuditIndices = `
		CREATE INDEX IF NOT EXISTS idx_inbox_audit_received_at ON inbox_audit(received_at DESC);
		CREATE INDEX IF NOT EXISTS idx_inbox_audit_type ON inbox_audit(activity_type);
	`

	// Delivery queue table
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_attempt_at TIMESTAMP,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		error TEXT
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_completed ON delivery_queue(completed_at);
	`

	// Rate limit samples table
	sqlCreateRateLimitTable = `CREATE TABLE IF NOT EXISTS rate_limit_samples (
		key TEXT NOT NULL,
		ts TIMESTAMP NOT NULL
	)`

	sqlCreateRateLimitIndices = `
		CREATE INDEX IF NOT EXISTS idx_rate_limit_key_ts ON rate_limit_samples(key, ts);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if err := db.createTableIfNotExists(tx, sqlCreateAccountsTable, "accounts"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateRemoteAccountsTable, "remote_accounts"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateFollowsTable, "follows"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateLikesTable, "likes"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateAnnouncesTable, "announces"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateNotificationsTable, "notifications"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateInboxAuditTable, "inbox_audit"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateDeliveryQueueTable, "delivery_queue"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateRateLimitTable, "rate_limit_samples"); err != nil {
			return err
		}

		// Create indices
		if _, err := tx.Exec(sqlCreateRemoteAccountsIndices); err != nil {
			log.Printf("Warning: Failed to create remote_accounts indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateFollowsIndices); err != nil {
			log.Printf("Warning: Failed to create follows indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateLikesIndices); err != nil {
			log.Printf("Warning: Failed to create likes indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateAnnouncesIndices); err != nil {
			log.Printf("Warning: Failed to create announces indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateNotificationsIndices); err != nil {
			log.Printf("Warning: Failed to create notifications indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateInboxAuditIndices); err != nil {
			log.Printf("Warning: Failed to create inbox_audit indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateDeliveryQueueIndices); err != nil {
			log.Printf("Warning: Failed to create delivery_queue indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateRateLimitIndices); err != nil {
			log.Printf("Warning: Failed to create rate_limit_samples indices: %v", err)
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log.Printf("Error creating table %s: %v", tableName, err)
		return err
	}
	return nil
}
