package activitypub

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/anancus/db"
)

// RateLimitPolicy describes a sliding-window limit.
type RateLimitPolicy struct {
	Namespace   string
	MaxRequests int
	Window      time.Duration
}

// Default policies for the federation surfaces.
var (
	// Inbound activities per remote instance
	InstanceInboxPolicy = RateLimitPolicy{Namespace: "instance", MaxRequests: 100, Window: time.Hour}
	// Inbound activities per remote actor
	ActorInboxPolicy = RateLimitPolicy{Namespace: "actor", MaxRequests: 20, Window: time.Hour}
	// WebFinger lookups per client IP
	WebFingerPolicy = RateLimitPolicy{Namespace: "webfinger", MaxRequests: 60, Window: time.Minute}
)

// RateLimitResult is returned for every checked request so the HTTP layer
// can always emit X-RateLimit headers.
type RateLimitResult struct {
	Allowed   bool
	Namespace string
	Key       string
	Limit     int
	Remaining int
	Reset     time.Time
}

// RetryAfterSeconds returns the whole seconds until the window frees up,
// for the Retry-After header.
func (r *RateLimitResult) RetryAfterSeconds() int {
	secs := int(time.Until(r.Reset).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// CheckRateLimit purges samples older than the window, counts the survivors
// and either rejects the request or records a new sample. Storage errors
// fail open: delivery correctness beats strict limiting during an
// infrastructure incident.
func CheckRateLimit(database *db.DB, identifier string, policy RateLimitPolicy) *RateLimitResult {
	key := fmt.Sprintf("%s:%s", policy.Namespace, identifier)
	now := time.Now()

	result := &RateLimitResult{
		Allowed:   true,
		Namespace: policy.Namespace,
		Key:       key,
		Limit:     policy.MaxRequests,
		Remaining: policy.MaxRequests,
		Reset:     now.Add(policy.Window),
	}

	if err := database.PurgeRateLimitSamples(key, now.Add(-policy.Window)); err != nil {
		log.Printf("RateLimit: Failed to purge samples for %s, failing open: %v", key, err)
		return result
	}

	err, count := database.CountRateLimitSamples(key)
	if err != nil {
		log.Printf("RateLimit: Failed to count samples for %s, failing open: %v", key, err)
		return result
	}

	if count >= policy.MaxRequests {
		result.Allowed = false
		result.Remaining = 0
		err, oldest := database.OldestRateLimitSample(key)
		if err == nil {
			result.Reset = oldest.Add(policy.Window)
		} else if err != sql.ErrNoRows {
			log.Printf("RateLimit: Failed to read oldest sample for %s: %v", key, err)
		}
		return result
	}

	if err := database.InsertRateLimitSample(key, now); err != nil {
		log.Printf("RateLimit: Failed to record sample for %s, failing open: %v", key, err)
		return result
	}

	result.Remaining = policy.MaxRequests - count - 1
	return result
}
