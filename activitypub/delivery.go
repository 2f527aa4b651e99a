package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/util"
)

const (
	// DeliveryBatchSize bounds how many due entries one drain pass picks up,
	// which also bounds burst HTTP egress.
	DeliveryBatchSize = 10

	// MaxDeliveryAttempts is the give-up threshold. An entry that failed
	// this often is marked completed with an error and never retried.
	MaxDeliveryAttempts = 10

	// DeliveryTimeout bounds a single delivery POST.
	DeliveryTimeout = 10 * time.Second

	// BackoffCap is the longest allowed retry delay.
	BackoffCap = 86400 * time.Second
)

// StartDeliveryWorker starts a background worker that drains the delivery
// queue on a fixed tick.
func StartDeliveryWorker(conf *util.AppConfig, database *db.DB) {
	log.Println("Starting ActivityPub delivery worker...")

	ticker := time.NewTicker(10 * time.Second)
	go func() {
		for range ticker.C {
			ProcessDeliveryQueue(conf, database)
		}
	}()
}

// ProcessDeliveryQueue drains one batch of due deliveries. Each queue-row
// update is an atomic conditional write, so concurrent invocations are
// tolerated; within one pass the batch is selected once, so a row is never
// delivered twice by the same call.
func ProcessDeliveryQueue(conf *util.AppConfig, database *db.DB) {
	err, items := database.ReadPendingDeliveries(DeliveryBatchSize)
	if err != nil {
		log.Printf("DeliveryWorker: Failed to read queue: %v", err)
		return
	}

	if items == nil || len(*items) == 0 {
		return
	}

	log.Printf("DeliveryWorker: Processing %d pending deliveries", len(*items))

	for _, item := range *items {
		if err := deliverActivity(&item, conf, database); err != nil {
			recordDeliveryFailure(&item, err, database)
		} else {
			log.Printf("DeliveryWorker: Successfully delivered to %s", item.InboxURI)
			if err := database.CompleteDelivery(item.Id, ""); err != nil {
				log.Printf("DeliveryWorker: Failed to mark delivery complete: %v", err)
			}
		}
	}
}

// recordDeliveryFailure applies the retry schedule: exponential backoff
// capped at a day, permanent failure after the attempt budget is spent.
func recordDeliveryFailure(item *domain.DeliveryQueueItem, cause error, database *db.DB) {
	item.Attempts++

	if item.Attempts >= MaxDeliveryAttempts {
		log.Printf("DeliveryWorker: Giving up on delivery to %s after %d attempts: %v", item.InboxURI, item.Attempts, cause)
		if err := database.CompleteDelivery(item.Id, "Max attempts reached"); err != nil {
			log.Printf("DeliveryWorker: Failed to mark delivery failed: %v", err)
		}
		return
	}

	delay := BackoffDelay(item.Attempts)
	nextRetry := time.Now().Add(delay)
	log.Printf("DeliveryWorker: Delivery to %s failed (attempt %d), retry in %s: %v", item.InboxURI, item.Attempts, delay, cause)

	if err := database.UpdateDeliveryAttempt(item.Id, item.Attempts, time.Now(), nextRetry); err != nil {
		log.Printf("DeliveryWorker: Failed to record delivery attempt: %v", err)
	}
}

// BackoffDelay returns the retry delay after the given attempt count:
// 2^attempts minutes, capped at 24 hours.
func BackoffDelay(attempts int) time.Duration {
	seconds := int64(60)
	for i := 0; i < attempts && seconds < int64(BackoffCap/time.Second); i++ {
		seconds *= 2
	}

	delay := time.Duration(seconds) * time.Second
	if delay > BackoffCap {
		delay = BackoffCap
	}
	return delay
}

// deliverActivity signs and POSTs a single queued activity to its target
// inbox. The signing key belongs to the local account named by the
// activity's actor field.
func deliverActivity(item *domain.DeliveryQueueItem, conf *util.AppConfig, database *db.DB) error {
	var activity map[string]interface{}
	if err := json.Unmarshal([]byte(item.ActivityJSON), &activity); err != nil {
		return fmt.Errorf("failed to parse activity JSON: %w", err)
	}

	actor, ok := activity["actor"].(string)
	if !ok {
		return fmt.Errorf("activity missing actor field")
	}

	// actor format: "https://example.com/users/alice"
	parts := strings.Split(actor, "/")
	if len(parts) < 2 {
		return fmt.Errorf("invalid actor URI: %s", actor)
	}
	username := parts[len(parts)-1]

	err, localAccount := database.ReadAccByUsername(username)
	if err != nil {
		return fmt.Errorf("failed to get local account: %w", err)
	}

	privateKey, err := ParsePrivateKey(localAccount.WebPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	body := []byte(item.ActivityJSON)

	req, err := http.NewRequest("POST", item.InboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "anancus/1.0 ActivityPub")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", util.Digest(body))

	keyID := fmt.Sprintf("https://%s/users/%s#main-key", conf.Conf.SslDomain, username)
	if err := SignRequest(req, privateKey, keyID); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	client := &http.Client{Timeout: DeliveryTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}

	return nil
}
