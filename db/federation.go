package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/anancus/domain"
	"github.com/google/uuid"
)

// Remote account queries
const (
	sqlUpsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, public_key_pem, raw_document, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			public_key_pem = excluded.public_key_pem,
			raw_document = excluded.raw_document,
			last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteAccountByURI = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, public_key_pem, raw_document, last_fetched_at FROM remote_accounts WHERE actor_uri = ?`
)

// UpsertRemoteAccount inserts or refreshes a cached remote actor, keyed on
// actor_uri.
func (db *DB) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.RawDocument,
			acc.LastFetchedAt)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountByURI, uri)
	var acc domain.RemoteAccount
	var id string
	err := row.Scan(&id, &acc.Username, &acc.Domain, &acc.ActorURI, &acc.DisplayName, &acc.Summary, &acc.InboxURI, &acc.SharedInboxURI, &acc.PublicKeyPem, &acc.RawDocument, &acc.LastFetchedAt)
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(id)
	return nil, &acc
}

// Follow edge queries
const (
	sqlUpsertFollow = `INSERT INTO follows(id, follower_uri, following_uri, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(follower_uri, following_uri) DO UPDATE SET status = excluded.status`
	sqlSelectFollow       = `SELECT id, follower_uri, following_uri, status, created_at FROM follows WHERE follower_uri = ? AND following_uri = ?`
	sqlUpdateFollowStatus = `UPDATE follows SET status = ? WHERE follower_uri = ? AND following_uri = ?`
	sqlDeleteFollow       = `DELETE FROM follows WHERE follower_uri = ? AND following_uri = ?`
)

// UpsertFollow creates a follow edge or updates the status of an existing
// one. Duplicate Follow activities collapse into a status upsert.
func (db *DB) UpsertFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollow, follow.Id.String(), follow.FollowerURI, follow.FollowingURI, follow.Status, follow.CreatedAt)
		return err
	})
}

func (db *DB) ReadFollow(followerURI, followingURI string) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollow, followerURI, followingURI)
	var follow domain.Follow
	var id string
	err := row.Scan(&id, &follow.FollowerURI, &follow.FollowingURI, &follow.Status, &follow.CreatedAt)
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(id)
	return nil, &follow
}

func (db *DB) UpdateFollowStatus(followerURI, followingURI, status string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateFollowStatus, status, followerURI, followingURI)
		return err
	})
}

// DeleteFollow removes a follow edge. Deleting a non-existent edge is a
// no-op.
func (db *DB) DeleteFollow(followerURI, followingURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollow, followerURI, followingURI)
		return err
	})
}

const sqlSelectFollowersByFollowingURI = `SELECT id, follower_uri, following_uri, status, created_at FROM follows WHERE following_uri = ? AND status = 'accepted'`

// ReadFollowersByFollowingURI returns the accepted followers of an actor.
func (db *DB) ReadFollowersByFollowingURI(followingURI string) (error, *[]domain.Follow) {
	rows, err := db.db.Query(sqlSelectFollowersByFollowingURI, followingURI)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		var follow domain.Follow
		var id string
		if err := rows.Scan(&id, &follow.FollowerURI, &follow.FollowingURI, &follow.Status, &follow.CreatedAt); err != nil {
			return err, &follows
		}
		follow.Id, _ = uuid.Parse(id)
		follows = append(follows, follow)
	}
	if err = rows.Err(); err != nil {
		return err, &follows
	}

	return nil, &follows
}

// Like and announce edge queries
const (
	sqlInsertLike     = `INSERT OR IGNORE INTO likes(id, actor_uri, object_uri, created_at) VALUES (?, ?, ?, ?)`
	sqlSelectLike     = `SELECT id, actor_uri, object_uri, created_at FROM likes WHERE actor_uri = ? AND object_uri = ?`
	sqlDeleteLike     = `DELETE FROM likes WHERE actor_uri = ? AND object_uri = ?`
	sqlInsertAnnounce = `INSERT OR IGNORE INTO announces(id, actor_uri, object_uri, created_at) VALUES (?, ?, ?, ?)`
	sqlSelectAnnounce = `SELECT id, actor_uri, object_uri, created_at FROM announces WHERE actor_uri = ? AND object_uri = ?`
	sqlDeleteAnnounce = `DELETE FROM announces WHERE actor_uri = ? AND object_uri = ?`
)

// CreateLike inserts a like edge, ignoring duplicates on (actor, object).
func (db *DB) CreateLike(actorURI, objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertLike, uuid.New().String(), actorURI, objectURI, time.Now())
		return err
	})
}

func (db *DB) ReadLike(actorURI, objectURI string) (error, *domain.Like) {
	row := db.db.QueryRow(sqlSelectLike, actorURI, objectURI)
	var like domain.Like
	var id string
	err := row.Scan(&id, &like.ActorURI, &like.ObjectURI, &like.CreatedAt)
	if err != nil {
		return err, nil
	}
	like.Id, _ = uuid.Parse(id)
	return nil, &like
}

func (db *DB) DeleteLike(actorURI, objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteLike, actorURI, objectURI)
		return err
	})
}

// CreateAnnounce inserts an announce edge, ignoring duplicates.
func (db *DB) CreateAnnounce(actorURI, objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAnnounce, uuid.New().String(), actorURI, objectURI, time.Now())
		return err
	})
}

func (db *DB) ReadAnnounce(actorURI, objectURI string) (error, *domain.Announce) {
	row := db.db.QueryRow(sqlSelectAnnounce, actorURI, objectURI)
	var announce domain.Announce
	var id string
	err := row.Scan(&id, &announce.ActorURI, &announce.ObjectURI, &announce.CreatedAt)
	if err != nil {
		return err, nil
	}
	announce.Id, _ = uuid.Parse(id)
	return nil, &announce
}

func (db *DB) DeleteAnnounce(actorURI, objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteAnnounce, actorURI, objectURI)
		return err
	})
}

// Notification queries
const (
	sqlInsertNotification       = `INSERT INTO notifications(id, ntype, actor_uri, object_uri, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectNotifications      = `SELECT id, ntype, actor_uri, object_uri, created_at, read_at FROM notifications ORDER BY created_at DESC LIMIT ?`
	sqlUpdateNotificationReadAt = `UPDATE notifications SET read_at = ? WHERE id = ?`
)

func (db *DB) CreateNotification(ntype, actorURI, objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertNotification, uuid.New().String(), ntype, actorURI, objectURI, time.Now())
		return err
	})
}

func (db *DB) ReadNotifications(limit int) (error, *[]domain.Notification) {
	rows, err := db.db.Query(sqlSelectNotifications, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var notifications []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var id string
		var readAt sql.NullTime
		if err := rows.Scan(&id, &n.Ntype, &n.ActorURI, &n.ObjectURI, &n.CreatedAt, &readAt); err != nil {
			return err, &notifications
		}
		n.Id, _ = uuid.Parse(id)
		if readAt.Valid {
			n.ReadAt = &readAt.Time
		}
		notifications = append(notifications, n)
	}
	if err = rows.Err(); err != nil {
		return err, &notifications
	}

	return nil, &notifications
}

func (db *DB) MarkNotificationRead(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateNotificationReadAt, time.Now(), id.String())
		return err
	})
}

// Inbox audit queries
const (
	sqlInsertInboxAudit     = `INSERT INTO inbox_audit(id, activity_type, actor_uri, raw_activity, signature_verified, signature_error, received_at, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateInboxAudit     = `UPDATE inbox_audit SET processed_at = ?, error = ? WHERE id = ?`
	sqlSelectInboxAudit     = `SELECT id, activity_type, actor_uri, raw_activity, signature_verified, signature_error, received_at, processed_at, IFNULL(error, '') FROM inbox_audit WHERE id = ?`
	sqlSelectVerifiedByType = `SELECT id, activity_type, actor_uri, raw_activity, signature_verified, signature_error, received_at, processed_at, IFNULL(error, '') FROM inbox_audit
		WHERE activity_type = ? AND signature_verified = 1 AND IFNULL(error, '') = '' ORDER BY received_at DESC LIMIT ?`
)

// CreateInboxAudit writes the audit row for an inbound POST. Exactly one row
// exists per request; later pipeline stages only annotate it.
func (db *DB) CreateInboxAudit(entry *domain.InboxAudit) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		verified := 0
		if entry.SignatureVerified {
			verified = 1
		}
		_, err := tx.Exec(sqlInsertInboxAudit, entry.Id.String(), entry.ActivityType, entry.ActorURI, entry.RawActivity, verified, entry.SignatureError, entry.ReceivedAt, entry.Error)
		return err
	})
}

// AnnotateInboxAudit sets processed_at and the handler error on an existing
// audit row.
func (db *DB) AnnotateInboxAudit(id uuid.UUID, processedAt time.Time, errMsg string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateInboxAudit, processedAt, errMsg, id.String())
		return err
	})
}

func (db *DB) ReadInboxAudit(id uuid.UUID) (error, *domain.InboxAudit) {
	return scanInboxAudit(db.db.QueryRow(sqlSelectInboxAudit, id.String()))
}

// ReadVerifiedAuditsByType returns processed, signature-verified audits of
// the given activity type, newest first. Backs the federated timeline feed.
func (db *DB) ReadVerifiedAuditsByType(activityType string, limit int) (error, *[]domain.InboxAudit) {
	rows, err := db.db.Query(sqlSelectVerifiedByType, activityType, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var entries []domain.InboxAudit
	for rows.Next() {
		var entry domain.InboxAudit
		var id string
		var verified int
		var processedAt sql.NullTime
		if err := rows.Scan(&id, &entry.ActivityType, &entry.ActorURI, &entry.RawActivity, &verified, &entry.SignatureError, &entry.ReceivedAt, &processedAt, &entry.Error); err != nil {
			return err, &entries
		}
		entry.Id, _ = uuid.Parse(id)
		entry.SignatureVerified = verified == 1
		if processedAt.Valid {
			entry.ProcessedAt = &processedAt.Time
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return err, &entries
	}

	return nil, &entries
}

func scanInboxAudit(row *sql.Row) (error, *domain.InboxAudit) {
	var entry domain.InboxAudit
	var id string
	var verified int
	var processedAt sql.NullTime
	err := row.Scan(&id, &entry.ActivityType, &entry.ActorURI, &entry.RawActivity, &verified, &entry.SignatureError, &entry.ReceivedAt, &processedAt, &entry.Error)
	if err != nil {
		return err, nil
	}
	entry.Id, _ = uuid.Parse(id)
	entry.SignatureVerified = verified == 1
	if processedAt.Valid {
		entry.ProcessedAt = &processedAt.Time
	}
	return nil, &entry
}

// Delivery queue queries
const (
	sqlInsertDelivery          = `INSERT INTO delivery_queue(id, inbox_uri, activity_json, attempts, created_at, next_retry_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, inbox_uri, activity_json, attempts, created_at, last_attempt_at, next_retry_at, completed_at, error FROM delivery_queue
		WHERE completed_at IS NULL AND next_retry_at <= ? ORDER BY next_retry_at LIMIT ?`
	sqlSelectDeliveryById      = `SELECT id, inbox_uri, activity_json, attempts, created_at, last_attempt_at, next_retry_at, completed_at, error FROM delivery_queue WHERE id = ?`
	sqlSelectDeliveriesByInbox = `SELECT id, inbox_uri, activity_json, attempts, created_at, last_attempt_at, next_retry_at, completed_at, error FROM delivery_queue WHERE inbox_uri = ? ORDER BY created_at`
	sqlUpdateDeliveryAttempt   = `UPDATE delivery_queue SET attempts = ?, last_attempt_at = ?, next_retry_at = ? WHERE id = ? AND completed_at IS NULL`
	sqlCompleteDelivery        = `UPDATE delivery_queue SET completed_at = ?, error = ? WHERE id = ? AND completed_at IS NULL`
)

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDelivery, item.Id.String(), item.InboxURI, item.ActivityJSON, item.Attempts, item.CreatedAt, item.NextRetryAt)
		return err
	})
}

// ReadPendingDeliveries returns uncompleted entries due at or before now,
// oldest due first.
func (db *DB) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func (db *DB) ReadDeliveryById(id uuid.UUID) (error, *domain.DeliveryQueueItem) {
	row := db.db.QueryRow(sqlSelectDeliveryById, id.String())
	var item domain.DeliveryQueueItem
	var idStr string
	var lastAttempt, completedAt sql.NullTime
	var errMsg sql.NullString
	err := row.Scan(&idStr, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &item.CreatedAt, &lastAttempt, &item.NextRetryAt, &completedAt, &errMsg)
	if err != nil {
		return err, nil
	}
	item.Id, _ = uuid.Parse(idStr)
	if lastAttempt.Valid {
		item.LastAttemptAt = &lastAttempt.Time
	}
	if completedAt.Valid {
		item.CompletedAt = &completedAt.Time
	}
	item.Error = errMsg.String
	return nil, &item
}

func (db *DB) ReadDeliveriesByInbox(inboxURI string) (error, *[]domain.DeliveryQueueItem) {
	rows, err := db.db.Query(sqlSelectDeliveriesByInbox, inboxURI)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

// UpdateDeliveryAttempt persists the retry bookkeeping after a failed
// attempt. The completed_at guard makes concurrent drains atomic per row.
func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, lastAttempt, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, lastAttempt, nextRetry, id.String())
		return err
	})
}

// CompleteDelivery marks an entry terminal, either delivered (empty errMsg)
// or given up.
func (db *DB) CompleteDelivery(id uuid.UUID, errMsg string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlCompleteDelivery, time.Now(), errMsg, id.String())
		return err
	})
}

func scanDeliveries(rows *sql.Rows) (error, *[]domain.DeliveryQueueItem) {
	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr string
		var lastAttempt, completedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&idStr, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &item.CreatedAt, &lastAttempt, &item.NextRetryAt, &completedAt, &errMsg); err != nil {
			return err, &items
		}
		item.Id, _ = uuid.Parse(idStr)
		if lastAttempt.Valid {
			item.LastAttemptAt = &lastAttempt.Time
		}
		if completedAt.Valid {
			item.CompletedAt = &completedAt.Time
		}
		item.Error = errMsg.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return err, &items
	}

	return nil, &items
}

// Rate limit queries
const (
	sqlDeleteOldSamples = `DELETE FROM rate_limit_samples WHERE key = ? AND ts < ?`
	sqlCountSamples     = `SELECT COUNT(*) FROM rate_limit_samples WHERE key = ?`
	sqlOldestSample     = `SELECT ts FROM rate_limit_samples WHERE key = ? ORDER BY ts LIMIT 1`
	sqlInsertSample     = `INSERT INTO rate_limit_samples(key, ts) VALUES (?, ?)`
)

func (db *DB) PurgeRateLimitSamples(key string, cutoff time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteOldSamples, key, cutoff)
		return err
	})
}

func (db *DB) CountRateLimitSamples(key string) (error, int) {
	var count int
	err := db.db.QueryRow(sqlCountSamples, key).Scan(&count)
	return err, count
}

func (db *DB) OldestRateLimitSample(key string) (error, time.Time) {
	var ts time.Time
	err := db.db.QueryRow(sqlOldestSample, key).Scan(&ts)
	return err, ts
}

func (db *DB) InsertRateLimitSample(key string, ts time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertSample, key, ts)
		return err
	})
}
