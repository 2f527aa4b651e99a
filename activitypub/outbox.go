package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/util"
	"github.com/google/uuid"
)

// EnqueueActivity durably queues an activity for delivery to a remote inbox.
// Entries start with zero attempts and are due immediately; the delivery
// worker picks them up on its next tick.
func EnqueueActivity(database *db.DB, activity interface{}, inboxURI string) error {
	activityJSON, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	item := &domain.DeliveryQueueItem{
		Id:           uuid.New(),
		InboxURI:     inboxURI,
		ActivityJSON: string(activityJSON),
		Attempts:     0,
		CreatedAt:    time.Now(),
		NextRetryAt:  time.Now(),
	}

	if err := database.EnqueueDelivery(item); err != nil {
		return fmt.Errorf("failed to queue delivery: %w", err)
	}

	log.Printf("Outbox: Queued delivery to %s", inboxURI)
	return nil
}

// SendAccept queues an Accept activity in response to a Follow.
func SendAccept(localActorURI string, follow *domain.NormalizedActivity, remoteActor *domain.RemoteAccount, conf *util.AppConfig, database *db.DB) error {
	accept := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       newActivityID(conf),
		"type":     "Accept",
		"actor":    localActorURI,
		"object": map[string]interface{}{
			"id":     follow.ID,
			"type":   "Follow",
			"actor":  remoteActor.ActorURI,
			"object": localActorURI,
		},
	}

	return EnqueueActivity(database, accept, remoteActor.InboxURI)
}

// SendFollow records a pending follow edge and queues a Follow activity to
// the remote actor. The edge stays pending until their Accept arrives.
func SendFollow(localAccount *domain.Account, remoteActorURI string, conf *util.AppConfig, database *db.DB) error {
	remoteActor, err := GetOrFetchActor(database, remoteActorURI)
	if err != nil {
		return fmt.Errorf("failed to fetch remote actor: %w", err)
	}

	localActorURI := fmt.Sprintf("https://%s/users/%s", conf.Conf.SslDomain, localAccount.Username)

	follow := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       newActivityID(conf),
		"type":     "Follow",
		"actor":    localActorURI,
		"object":   remoteActorURI,
	}

	followRecord := &domain.Follow{
		Id:           uuid.New(),
		FollowerURI:  localActorURI,
		FollowingURI: remoteActorURI,
		Status:       domain.FollowPending,
		CreatedAt:    time.Now(),
	}

	if err := database.UpsertFollow(followRecord); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}

	return EnqueueActivity(database, follow, remoteActor.InboxURI)
}

// SendUndoFollow removes the local follow edge and queues an Undo(Follow)
// to the remote actor.
func SendUndoFollow(localAccount *domain.Account, remoteActorURI string, conf *util.AppConfig, database *db.DB) error {
	remoteActor, err := GetOrFetchActor(database, remoteActorURI)
	if err != nil {
		return fmt.Errorf("failed to fetch remote actor: %w", err)
	}

	localActorURI := fmt.Sprintf("https://%s/users/%s", conf.Conf.SslDomain, localAccount.Username)

	undo := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       newActivityID(conf),
		"type":     "Undo",
		"actor":    localActorURI,
		"object": map[string]interface{}{
			"type":   "Follow",
			"actor":  localActorURI,
			"object": remoteActorURI,
		},
	}

	if err := database.DeleteFollow(localActorURI, remoteActorURI); err != nil {
		return fmt.Errorf("failed to delete follow: %w", err)
	}

	return EnqueueActivity(database, undo, remoteActor.InboxURI)
}

func newActivityID(conf *util.AppConfig) string {
	return fmt.Sprintf("https://%s/activities/%s", conf.Conf.SslDomain, uuid.New().String())
}
