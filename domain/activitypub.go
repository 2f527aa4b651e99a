package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow edge statuses.
const (
	FollowPending  = "pending"
	FollowAccepted = "accepted"
	FollowRejected = "rejected"
)

// Notification types.
const (
	NotifyFollow   = "follow"
	NotifyLike     = "like"
	NotifyAnnounce = "announce"
	NotifyReply    = "reply"
	NotifyMention  = "mention"
)

// RemoteAccount represents a cached federated actor document.
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	PublicKeyPem   string
	RawDocument    string
	LastFetchedAt  time.Time
}

// Follow represents a follow edge between two actors, local or remote.
// Unique on (FollowerURI, FollowingURI).
type Follow struct {
	Id           uuid.UUID
	FollowerURI  string
	FollowingURI string
	Status       string // pending, accepted, rejected
	CreatedAt    time.Time
}

// Like is an existence-flag edge created by a Like activity and removed by
// a matching Undo.
type Like struct {
	Id        uuid.UUID
	ActorURI  string
	ObjectURI string
	CreatedAt time.Time
}

// Announce is the boost counterpart of Like.
type Announce struct {
	Id        uuid.UUID
	ActorURI  string
	ObjectURI string
	CreatedAt time.Time
}

// Notification is an append-only record produced as a side effect of inbox
// processing. Only ReadAt is ever mutated.
type Notification struct {
	Id        uuid.UUID
	Ntype     string
	ActorURI  string
	ObjectURI string
	CreatedAt time.Time
	ReadAt    *time.Time
}

// InboxAudit is the forensic log of inbound activity. Every POST to an inbox
// produces exactly one entry, whatever the outcome.
type InboxAudit struct {
	Id                uuid.UUID
	ActivityType      string
	ActorURI          string
	RawActivity       string
	SignatureVerified bool
	SignatureError    string
	ReceivedAt        time.Time
	ProcessedAt       *time.Time
	Error             string
}

// DeliveryQueueItem represents an item in the outbound delivery queue.
// Completed rows (success or give-up) keep CompletedAt set and are retained
// for inspection.
type DeliveryQueueItem struct {
	Id            uuid.UUID
	InboxURI      string
	ActivityJSON  string
	Attempts      int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	NextRetryAt   time.Time
	CompletedAt   *time.Time
	Error         string
}

// RateLimitSample is one counted request within a sliding window.
type RateLimitSample struct {
	Key string
	Ts  time.Time
}
