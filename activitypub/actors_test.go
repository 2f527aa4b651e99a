package activitypub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/anancus/domain"
	"github.com/google/uuid"
)

const testPublicKeyPem = "-----BEGIN PUBLIC KEY-----\nMIIBIjANBg...\n-----END PUBLIC KEY-----"

// actorServer serves an actor document and counts how often it was hit
func actorServer(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	pemJSON, err := json.Marshal(testPublicKeyPem)
	if err != nil {
		t.Fatalf("Failed to encode test key: %v", err)
	}
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		w.Header().Set("Content-Type", "application/activity+json")
		fmt.Fprintf(w, `{
			"id": "%s/users/alice",
			"type": "Person",
			"preferredUsername": "alice",
			"name": "Alice",
			"inbox": "%s/users/alice/inbox",
			"endpoints": {"sharedInbox": "%s/inbox"},
			"publicKey": {
				"id": "%s/users/alice#main-key",
				"owner": "%s/users/alice",
				"publicKeyPem": %s
			}
		}`, srv.URL, srv.URL, srv.URL, srv.URL, srv.URL, pemJSON)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRemoteActor(t *testing.T) {
	database := setupTestDB(t)

	var hits int64
	srv := actorServer(t, &hits)

	actor, err := FetchRemoteActor(database, srv.URL+"/users/alice")
	if err != nil {
		t.Fatalf("FetchRemoteActor failed: %v", err)
	}

	if actor.Username != "alice" {
		t.Errorf("Username = %s, want alice", actor.Username)
	}
	if actor.InboxURI != srv.URL+"/users/alice/inbox" {
		t.Errorf("Unexpected inbox URI: %s", actor.InboxURI)
	}
	if actor.SharedInboxURI != srv.URL+"/inbox" {
		t.Errorf("Unexpected shared inbox URI: %s", actor.SharedInboxURI)
	}
	if actor.PublicKeyPem != testPublicKeyPem {
		t.Error("Public key not stored")
	}
	if actor.RawDocument == "" {
		t.Error("Raw document not stored")
	}

	// The fetch must populate the cache
	err, cached := database.ReadRemoteAccountByURI(srv.URL + "/users/alice")
	if err != nil {
		t.Fatalf("Expected actor in cache: %v", err)
	}
	if cached.ActorURI != srv.URL+"/users/alice" {
		t.Errorf("Unexpected cached actor URI: %s", cached.ActorURI)
	}
}

func TestFetchRemoteActorMissingFields(t *testing.T) {
	database := setupTestDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "https://x.example/users/bob", "type": "Person"}`)
	}))
	defer srv.Close()

	_, err := FetchRemoteActor(database, srv.URL+"/users/bob")
	if err == nil {
		t.Fatal("Expected error for actor without inbox and key")
	}
}

func TestFetchRemoteActorServerError(t *testing.T) {
	database := setupTestDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := FetchRemoteActor(database, srv.URL+"/users/bob")
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}
}

func TestGetOrFetchActorUsesFreshCache(t *testing.T) {
	database := setupTestDB(t)

	var hits int64
	srv := actorServer(t, &hits)
	actorURI := srv.URL + "/users/alice"

	if _, err := GetOrFetchActor(database, actorURI); err != nil {
		t.Fatalf("First lookup failed: %v", err)
	}
	if _, err := GetOrFetchActor(database, actorURI); err != nil {
		t.Fatalf("Second lookup failed: %v", err)
	}

	if hits != 1 {
		t.Errorf("Expected 1 remote fetch, got %d", hits)
	}
}

func TestGetOrFetchActorRefetchesStale(t *testing.T) {
	database := setupTestDB(t)

	var hits int64
	srv := actorServer(t, &hits)
	actorURI := srv.URL + "/users/alice"

	stale := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "alice",
		Domain:        "x.example",
		ActorURI:      actorURI,
		InboxURI:      "https://x.example/users/alice/inbox",
		PublicKeyPem:  "old key",
		LastFetchedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := database.UpsertRemoteAccount(stale); err != nil {
		t.Fatalf("Failed to seed cache: %v", err)
	}

	actor, err := GetOrFetchActor(database, actorURI)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	if hits != 1 {
		t.Errorf("Expected stale entry to trigger a refetch, got %d fetches", hits)
	}
	if actor.PublicKeyPem != testPublicKeyPem {
		t.Error("Expected refreshed public key")
	}
}

func TestGetOrFetchActorStaleFallback(t *testing.T) {
	database := setupTestDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	actorURI := srv.URL + "/users/alice"

	stale := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "alice",
		Domain:        "x.example",
		ActorURI:      actorURI,
		InboxURI:      "https://x.example/users/alice/inbox",
		PublicKeyPem:  "stale key",
		LastFetchedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := database.UpsertRemoteAccount(stale); err != nil {
		t.Fatalf("Failed to seed cache: %v", err)
	}

	actor, err := GetOrFetchActor(database, actorURI)
	if err != nil {
		t.Fatalf("Expected stale fallback, got error: %v", err)
	}
	if actor.PublicKeyPem != "stale key" {
		t.Error("Expected the stale cached copy")
	}
}

func TestGetOrFetchActorUnreachableNoCache(t *testing.T) {
	database := setupTestDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := GetOrFetchActor(database, srv.URL+"/users/nobody")
	if err == nil {
		t.Fatal("Expected error when peer is down and nothing is cached")
	}
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		uri     string
		domain  string
		wantErr bool
	}{
		{"https://mastodon.social/users/alice", "mastodon.social", false},
		{"https://sub.example.com/@bob", "sub.example.com", false},
		{"not a uri", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ExtractDomain(tt.uri)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExtractDomain(%q) error = %v, wantErr %t", tt.uri, err, tt.wantErr)
			continue
		}
		if got != tt.domain {
			t.Errorf("ExtractDomain(%q) = %q, want %q", tt.uri, got, tt.domain)
		}
	}
}
