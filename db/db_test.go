package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/deemkeen/anancus/domain"
	"github.com/google/uuid"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestEnsureAccount(t *testing.T) {
	database := setupTestDB(t)

	err, acc := database.EnsureAccount("alice")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if acc.Username != "alice" {
		t.Errorf("Username = %s", acc.Username)
	}
	if acc.WebPublicKey == "" || acc.WebPrivateKey == "" {
		t.Error("Expected generated keypair")
	}

	// Second call must return the same account without regenerating keys
	err, again := database.EnsureAccount("alice")
	if err != nil {
		t.Fatalf("Second EnsureAccount failed: %v", err)
	}
	if again.Id != acc.Id {
		t.Error("EnsureAccount created a duplicate account")
	}
	if again.WebPrivateKey != acc.WebPrivateKey {
		t.Error("EnsureAccount replaced the signing key")
	}
}

func TestReadAccByUsernameNotFound(t *testing.T) {
	database := setupTestDB(t)

	err, acc := database.ReadAccByUsername("ghost")
	if err != sql.ErrNoRows {
		t.Errorf("Expected sql.ErrNoRows, got %v", err)
	}
	if acc != nil {
		t.Error("Expected nil account")
	}
}

func TestUpsertRemoteAccount(t *testing.T) {
	database := setupTestDB(t)

	acc := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      "https://remote.example/users/bob",
		InboxURI:      "https://remote.example/users/bob/inbox",
		PublicKeyPem:  "key-v1",
		RawDocument:   `{"id":"https://remote.example/users/bob"}`,
		LastFetchedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := database.UpsertRemoteAccount(acc); err != nil {
		t.Fatalf("UpsertRemoteAccount failed: %v", err)
	}

	// Refetch replaces the row keyed on actor_uri
	refreshed := *acc
	refreshed.Id = uuid.New()
	refreshed.PublicKeyPem = "key-v2"
	refreshed.LastFetchedAt = time.Now()
	if err := database.UpsertRemoteAccount(&refreshed); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	err, got := database.ReadRemoteAccountByURI(acc.ActorURI)
	if err != nil {
		t.Fatalf("ReadRemoteAccountByURI failed: %v", err)
	}
	if got.PublicKeyPem != "key-v2" {
		t.Errorf("PublicKeyPem = %s, want key-v2", got.PublicKeyPem)
	}
}

func TestUpsertFollowUpdatesStatus(t *testing.T) {
	database := setupTestDB(t)

	follow := &domain.Follow{
		Id:           uuid.New(),
		FollowerURI:  "https://remote.example/users/bob",
		FollowingURI: "https://local.example/users/admin",
		Status:       domain.FollowPending,
		CreatedAt:    time.Now(),
	}
	if err := database.UpsertFollow(follow); err != nil {
		t.Fatalf("UpsertFollow failed: %v", err)
	}

	follow.Status = domain.FollowAccepted
	if err := database.UpsertFollow(follow); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	err, got := database.ReadFollow(follow.FollowerURI, follow.FollowingURI)
	if err != nil {
		t.Fatalf("ReadFollow failed: %v", err)
	}
	if got.Status != domain.FollowAccepted {
		t.Errorf("Status = %s, want accepted", got.Status)
	}
}

func TestReadFollowersByFollowingURI(t *testing.T) {
	database := setupTestDB(t)

	local := "https://local.example/users/admin"
	for i, status := range []string{domain.FollowAccepted, domain.FollowPending, domain.FollowAccepted} {
		follow := &domain.Follow{
			Id:           uuid.New(),
			FollowerURI:  "https://remote.example/users/u" + string(rune('a'+i)),
			FollowingURI: local,
			Status:       status,
			CreatedAt:    time.Now(),
		}
		if err := database.UpsertFollow(follow); err != nil {
			t.Fatalf("UpsertFollow failed: %v", err)
		}
	}

	err, followers := database.ReadFollowersByFollowingURI(local)
	if err != nil {
		t.Fatalf("ReadFollowersByFollowingURI failed: %v", err)
	}
	if len(*followers) != 2 {
		t.Errorf("len = %d, want 2 accepted followers", len(*followers))
	}
}

func TestDeleteFollow(t *testing.T) {
	database := setupTestDB(t)

	follow := &domain.Follow{
		Id:           uuid.New(),
		FollowerURI:  "https://remote.example/users/bob",
		FollowingURI: "https://local.example/users/admin",
		Status:       domain.FollowAccepted,
		CreatedAt:    time.Now(),
	}
	if err := database.UpsertFollow(follow); err != nil {
		t.Fatalf("UpsertFollow failed: %v", err)
	}

	if err := database.DeleteFollow(follow.FollowerURI, follow.FollowingURI); err != nil {
		t.Fatalf("DeleteFollow failed: %v", err)
	}

	err, got := database.ReadFollow(follow.FollowerURI, follow.FollowingURI)
	if err == nil && got != nil {
		t.Error("Expected follow to be gone")
	}

	// Deleting a missing edge is a no-op
	if err := database.DeleteFollow("https://x.example/u", "https://y.example/v"); err != nil {
		t.Errorf("DeleteFollow on missing edge failed: %v", err)
	}
}

func TestLikesIdempotent(t *testing.T) {
	database := setupTestDB(t)

	actor := "https://remote.example/users/bob"
	object := "https://local.example/notes/1"

	if err := database.CreateLike(actor, object); err != nil {
		t.Fatalf("CreateLike failed: %v", err)
	}
	// Duplicate insert is ignored
	if err := database.CreateLike(actor, object); err != nil {
		t.Fatalf("Duplicate CreateLike failed: %v", err)
	}

	err, like := database.ReadLike(actor, object)
	if err != nil || like == nil {
		t.Fatalf("ReadLike failed: %v", err)
	}

	if err := database.DeleteLike(actor, object); err != nil {
		t.Fatalf("DeleteLike failed: %v", err)
	}
	err, like = database.ReadLike(actor, object)
	if err == nil && like != nil {
		t.Error("Expected like to be gone")
	}
}

func TestAnnouncesIdempotent(t *testing.T) {
	database := setupTestDB(t)

	actor := "https://remote.example/users/bob"
	object := "https://local.example/notes/1"

	if err := database.CreateAnnounce(actor, object); err != nil {
		t.Fatalf("CreateAnnounce failed: %v", err)
	}
	if err := database.CreateAnnounce(actor, object); err != nil {
		t.Fatalf("Duplicate CreateAnnounce failed: %v", err)
	}

	err, announce := database.ReadAnnounce(actor, object)
	if err != nil || announce == nil {
		t.Fatalf("ReadAnnounce failed: %v", err)
	}
}

func TestNotifications(t *testing.T) {
	database := setupTestDB(t)

	if err := database.CreateNotification(domain.NotifyFollow, "https://remote.example/users/bob", "https://local.example/users/admin"); err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	err, notifications := database.ReadNotifications(10)
	if err != nil || len(*notifications) != 1 {
		t.Fatalf("Expected one notification: %v", err)
	}

	n := (*notifications)[0]
	if n.Ntype != domain.NotifyFollow {
		t.Errorf("Ntype = %s", n.Ntype)
	}
	if n.ReadAt != nil {
		t.Error("New notification must be unread")
	}

	if err := database.MarkNotificationRead(n.Id); err != nil {
		t.Fatalf("MarkNotificationRead failed: %v", err)
	}

	err, notifications = database.ReadNotifications(10)
	if err != nil || len(*notifications) != 1 {
		t.Fatalf("Expected one notification after marking read: %v", err)
	}
	if (*notifications)[0].ReadAt == nil {
		t.Error("Expected ReadAt to be set")
	}
}

func TestInboxAuditLifecycle(t *testing.T) {
	database := setupTestDB(t)

	audit := &domain.InboxAudit{
		Id:                uuid.New(),
		ActivityType:      "Create",
		ActorURI:          "https://remote.example/users/bob",
		RawActivity:       `{"type":"Create"}`,
		SignatureVerified: true,
		ReceivedAt:        time.Now(),
	}
	if err := database.CreateInboxAudit(audit); err != nil {
		t.Fatalf("CreateInboxAudit failed: %v", err)
	}

	err, got := database.ReadInboxAudit(audit.Id)
	if err != nil {
		t.Fatalf("ReadInboxAudit failed: %v", err)
	}
	if !got.SignatureVerified || got.ProcessedAt != nil {
		t.Error("Unexpected audit state before annotation")
	}

	if err := database.AnnotateInboxAudit(audit.Id, time.Now(), ""); err != nil {
		t.Fatalf("AnnotateInboxAudit failed: %v", err)
	}

	err, got = database.ReadInboxAudit(audit.Id)
	if err != nil {
		t.Fatalf("ReadInboxAudit failed: %v", err)
	}
	if got.ProcessedAt == nil {
		t.Error("Expected ProcessedAt after annotation")
	}
}

func TestReadVerifiedAuditsByType(t *testing.T) {
	database := setupTestDB(t)

	clean := &domain.InboxAudit{
		Id: uuid.New(), ActivityType: "Create", ActorURI: "a",
		RawActivity: "{}", SignatureVerified: true, ReceivedAt: time.Now(),
	}
	unverified := &domain.InboxAudit{
		Id: uuid.New(), ActivityType: "Create", ActorURI: "b",
		RawActivity: "{}", SignatureVerified: false, ReceivedAt: time.Now(),
	}
	failed := &domain.InboxAudit{
		Id: uuid.New(), ActivityType: "Create", ActorURI: "c",
		RawActivity: "{}", SignatureVerified: true, ReceivedAt: time.Now(),
	}
	otherType := &domain.InboxAudit{
		Id: uuid.New(), ActivityType: "Follow", ActorURI: "d",
		RawActivity: "{}", SignatureVerified: true, ReceivedAt: time.Now(),
	}

	for _, a := range []*domain.InboxAudit{clean, unverified, failed, otherType} {
		if err := database.CreateInboxAudit(a); err != nil {
			t.Fatalf("CreateInboxAudit failed: %v", err)
		}
	}
	if err := database.AnnotateInboxAudit(failed.Id, time.Now(), "rejected by rule"); err != nil {
		t.Fatalf("AnnotateInboxAudit failed: %v", err)
	}

	err, audits := database.ReadVerifiedAuditsByType("Create", 10)
	if err != nil {
		t.Fatalf("ReadVerifiedAuditsByType failed: %v", err)
	}
	if len(*audits) != 1 {
		t.Fatalf("len = %d, want 1 (verified, error-free, Create)", len(*audits))
	}
	if (*audits)[0].Id != clean.Id {
		t.Error("Wrong audit entry returned")
	}
}

func TestDeliveryQueueCompletedGuard(t *testing.T) {
	database := setupTestDB(t)

	item := &domain.DeliveryQueueItem{
		Id:           uuid.New(),
		InboxURI:     "https://remote.example/inbox",
		ActivityJSON: "{}",
		CreatedAt:    time.Now(),
		NextRetryAt:  time.Now(),
	}
	if err := database.EnqueueDelivery(item); err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}

	if err := database.CompleteDelivery(item.Id, ""); err != nil {
		t.Fatalf("CompleteDelivery failed: %v", err)
	}

	// Updates after completion must not resurrect the entry
	if err := database.UpdateDeliveryAttempt(item.Id, 3, time.Now(), time.Now()); err != nil {
		t.Fatalf("UpdateDeliveryAttempt failed: %v", err)
	}

	err, got := database.ReadDeliveryById(item.Id)
	if err != nil {
		t.Fatalf("ReadDeliveryById failed: %v", err)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, completed row was modified", got.Attempts)
	}
	if got.CompletedAt == nil {
		t.Error("Expected CompletedAt to stay set")
	}
}

func TestReadPendingDeliveriesOrdering(t *testing.T) {
	database := setupTestDB(t)

	later := &domain.DeliveryQueueItem{
		Id: uuid.New(), InboxURI: "https://b.example/inbox", ActivityJSON: "{}",
		CreatedAt: time.Now(), NextRetryAt: time.Now().Add(-time.Minute),
	}
	sooner := &domain.DeliveryQueueItem{
		Id: uuid.New(), InboxURI: "https://a.example/inbox", ActivityJSON: "{}",
		CreatedAt: time.Now(), NextRetryAt: time.Now().Add(-time.Hour),
	}
	future := &domain.DeliveryQueueItem{
		Id: uuid.New(), InboxURI: "https://c.example/inbox", ActivityJSON: "{}",
		CreatedAt: time.Now(), NextRetryAt: time.Now().Add(time.Hour),
	}

	for _, item := range []*domain.DeliveryQueueItem{later, sooner, future} {
		if err := database.EnqueueDelivery(item); err != nil {
			t.Fatalf("EnqueueDelivery failed: %v", err)
		}
	}

	err, pending := database.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(*pending) != 2 {
		t.Fatalf("len = %d, want 2 due entries", len(*pending))
	}
	if (*pending)[0].Id != sooner.Id {
		t.Error("Expected oldest due entry first")
	}
}

func TestRateLimitSamples(t *testing.T) {
	database := setupTestDB(t)

	key := "instance:remote.example"
	now := time.Now()

	for _, ts := range []time.Time{now.Add(-2 * time.Hour), now.Add(-30 * time.Minute), now} {
		if err := database.InsertRateLimitSample(key, ts); err != nil {
			t.Fatalf("InsertRateLimitSample failed: %v", err)
		}
	}

	if err := database.PurgeRateLimitSamples(key, now.Add(-time.Hour)); err != nil {
		t.Fatalf("PurgeRateLimitSamples failed: %v", err)
	}

	err, count := database.CountRateLimitSamples(key)
	if err != nil {
		t.Fatalf("CountRateLimitSamples failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2 after purge", count)
	}

	err, oldest := database.OldestRateLimitSample(key)
	if err != nil {
		t.Fatalf("OldestRateLimitSample failed: %v", err)
	}
	if oldest.After(now.Add(-29 * time.Minute)) {
		t.Errorf("Unexpected oldest sample: %s", oldest)
	}
}
