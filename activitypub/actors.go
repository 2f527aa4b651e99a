package activitypub

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/domain"
	"github.com/google/uuid"
)

// ActorCacheTTL is how long a cached remote actor document is considered
// fresh. Stale rows are refetched lazily on the next lookup.
const ActorCacheTTL = time.Hour

// FetchTimeout bounds remote actor fetches so an unreachable peer cannot
// stall an inbound request.
const FetchTimeout = 10 * time.Second

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// FetchRemoteActor fetches an actor from a remote server and stores it in
// the cache. Fetch failures never mutate the cache.
func FetchRemoteActor(database *db.DB, actorURI string) (*domain.RemoteAccount, error) {
	req, err := http.NewRequest("GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/activity+json, application/ld+json")
	req.Header.Set("User-Agent", "anancus/1.0 ActivityPub")

	client := &http.Client{Timeout: FetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}

	// An actor without an inbox is unresolvable; a missing sharedInbox is
	// fine (optional endpoint).
	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}

	domainName, err := ExtractDomain(actor.ID)
	if err != nil {
		return nil, err
	}

	remoteAcc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       actor.PreferredUsername,
		Domain:         domainName,
		ActorURI:       actor.ID,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		RawDocument:    string(body),
		LastFetchedAt:  time.Now(),
	}

	if err := database.UpsertRemoteAccount(remoteAcc); err != nil {
		return nil, fmt.Errorf("failed to store remote account: %w", err)
	}

	return remoteAcc, nil
}

// GetOrFetchActor returns the actor from cache when fresh, refetching it
// otherwise. When the refetch fails but a stale cached copy exists, the
// stale copy is returned so transient peer outages do not break
// verification.
func GetOrFetchActor(database *db.DB, actorURI string) (*domain.RemoteAccount, error) {
	err, cached := database.ReadRemoteAccountByURI(actorURI)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	if cached != nil && time.Since(cached.LastFetchedAt) < ActorCacheTTL {
		return cached, nil
	}

	fresh, fetchErr := FetchRemoteActor(database, actorURI)
	if fetchErr != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, fetchErr
	}

	return fresh, nil
}

// ExtractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func ExtractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid actor URI: %s", actorURI)
	}

	return parsed.Host, nil
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(uri, "/")
	if len(parts) > 0 {
		username := parts[len(parts)-1]
		return strings.TrimPrefix(username, "@")
	}
	return ""
}
