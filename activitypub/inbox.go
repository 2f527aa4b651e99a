package activitypub

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/util"
	"github.com/google/uuid"
)

// HandleInbox processes an incoming ActivityPub activity POSTed to a local
// actor's inbox. Every request produces exactly one audit row, whatever the
// outcome; state-machine side effects only happen after the HTTP signature
// verified.
func HandleInbox(w http.ResponseWriter, r *http.Request, username string, conf *util.AppConfig, database *db.DB) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("Inbox: Failed to read body: %v", err)
		writeJSONError(w, http.StatusBadRequest, "Failed to read body")
		return
	}
	defer r.Body.Close()

	audit := &domain.InboxAudit{
		Id:          uuid.New(),
		RawActivity: string(body),
		ReceivedAt:  time.Now(),
	}

	localActorURI := fmt.Sprintf("https://%s/users/%s", conf.Conf.SslDomain, username)

	if !json.Valid(body) {
		log.Printf("Inbox: Failed to parse activity from %s", r.RemoteAddr)
		audit.ActivityType = "InvalidJSON"
		recordAudit(database, audit)
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	activity, err := domain.NormalizeActivity(body)
	audit.ActivityType = activity.Type
	if audit.ActivityType == "" {
		audit.ActivityType = "Unknown"
	}
	audit.ActorURI = activity.ActorURI
	if err != nil {
		log.Printf("Inbox: %v", err)
		audit.Error = err.Error()
		recordAudit(database, audit)
		writeJSONError(w, http.StatusBadRequest, "Invalid actor")
		return
	}

	log.Printf("Inbox: Received %s from %s", activity.Type, activity.ActorURI)

	actorDomain, err := ExtractDomain(activity.ActorURI)
	if err != nil {
		audit.Error = err.Error()
		recordAudit(database, audit)
		writeJSONError(w, http.StatusBadRequest, "Invalid actor")
		return
	}

	if actorDomain != conf.Conf.SslDomain && !DomainAllowed(&conf.Federation, actorDomain) {
		log.Printf("Inbox: Federation not allowed for domain %s", actorDomain)
		audit.Error = "Federation not allowed for this domain"
		recordAudit(database, audit)
		writeJSONError(w, http.StatusForbidden, "Federation not allowed for this domain")
		return
	}

	if limited := enforceRateLimit(w, database, audit, actorDomain, InstanceInboxPolicy); limited {
		return
	}
	if limited := enforceRateLimit(w, database, audit, activity.ActorURI, ActorInboxPolicy); limited {
		return
	}

	remoteActor, ok := verifyInboxSignature(w, r, body, activity, conf, database, audit)
	if !ok {
		return
	}

	audit.SignatureVerified = true
	recordAudit(database, audit)

	var handlerErr error
	switch activity.Type {
	case "Follow":
		handlerErr = processFollow(activity, localActorURI, remoteActor, conf, database)
	case "Undo":
		handlerErr = processUndo(activity, database)
	case "Like":
		handlerErr = processLike(activity, conf, database)
	case "Announce":
		handlerErr = processAnnounce(activity, conf, database)
	case "Create":
		handlerErr = processCreate(activity, localActorURI, actorDomain, conf, database)
	case "Delete":
		handlerErr = processDelete(activity)
	case "Accept":
		handlerErr = processAccept(activity, localActorURI, conf, database)
	case "Reject":
		handlerErr = processReject(activity, localActorURI, conf, database)
	default:
		// Unknown vocabulary is acknowledged, never hard-failed
		log.Printf("Inbox: Unsupported activity type %q, acknowledging", activity.Type)
	}

	errMsg := ""
	if handlerErr != nil {
		errMsg = handlerErr.Error()
		log.Printf("Inbox: Failed to handle %s: %v", activity.Type, handlerErr)
	}
	if err := database.AnnotateInboxAudit(audit.Id, time.Now(), errMsg); err != nil {
		log.Printf("Inbox: Failed to annotate audit entry: %v", err)
	}

	// Local business-rule rejections are still acknowledged so peers do
	// not retry on moderation decisions.
	writeAccepted(w)
}

// verifyInboxSignature runs the signature leg of the pipeline. On failure it
// records the audit row with signature_verified=false and answers 401.
func verifyInboxSignature(w http.ResponseWriter, r *http.Request, body []byte, activity *domain.NormalizedActivity, conf *util.AppConfig, database *db.DB, audit *domain.InboxAudit) (*domain.RemoteAccount, bool) {
	if r.Header.Get("Signature") == "" {
		log.Printf("Inbox: Missing HTTP signature from %s", activity.ActorURI)
		audit.SignatureError = "missing Signature header"
		recordAudit(database, audit)
		writeJSONError(w, http.StatusUnauthorized, "Missing signature")
		return nil, false
	}

	remoteActor, err := GetOrFetchActor(database, activity.ActorURI)
	if err != nil {
		log.Printf("Inbox: Failed to fetch actor %s: %v", activity.ActorURI, err)
		audit.SignatureError = fmt.Sprintf("failed to resolve actor: %v", err)
		recordAudit(database, audit)
		writeJSONError(w, http.StatusUnauthorized, "Failed to verify actor")
		return nil, false
	}

	if remoteActor.PublicKeyPem == "" {
		audit.SignatureError = "actor has no public key"
		recordAudit(database, audit)
		writeJSONError(w, http.StatusUnauthorized, "Failed to verify actor")
		return nil, false
	}

	result, err := VerifyRequestStrict(r, body, remoteActor.PublicKeyPem, conf.Federation.StrictSignatures)
	if err != nil {
		log.Printf("Inbox: Signature verification failed for %s: %v", activity.ActorURI, err)
		audit.SignatureError = err.Error()
		recordAudit(database, audit)
		writeJSONError(w, http.StatusUnauthorized, "Invalid signature")
		return nil, false
	}

	// The keyId must belong to the actor that claims to have sent the
	// activity.
	if !strings.HasPrefix(result.KeyId, activity.ActorURI) {
		log.Printf("Inbox: keyId %s does not match actor %s", result.KeyId, activity.ActorURI)
		audit.SignatureError = fmt.Sprintf("keyId %q does not match actor", result.KeyId)
		recordAudit(database, audit)
		writeJSONError(w, http.StatusUnauthorized, "Invalid signature")
		return nil, false
	}

	return remoteActor, true
}

// enforceRateLimit applies one policy, writes the X-RateLimit headers and,
// when the limit is exceeded, records the audit row and answers 429.
func enforceRateLimit(w http.ResponseWriter, database *db.DB, audit *domain.InboxAudit, identifier string, policy RateLimitPolicy) bool {
	result := CheckRateLimit(database, identifier, policy)
	SetRateLimitHeaders(w, result)

	if result.Allowed {
		return false
	}

	log.Printf("Inbox: Rate limit exceeded for %s", result.Key)
	audit.Error = fmt.Sprintf("rate limit exceeded for %s", result.Key)
	recordAudit(database, audit)
	WriteRateLimited(w, result)
	return true
}

// SetRateLimitHeaders emits the X-RateLimit headers carried on every checked
// response, not only on rejection.
func SetRateLimitHeaders(w http.ResponseWriter, result *RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
}

// WriteRateLimited answers 429 with Retry-After and machine-readable limit
// details.
func WriteRateLimited(w http.ResponseWriter, result *RateLimitResult) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds()))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     "Rate limit exceeded",
		"namespace": result.Namespace,
		"key":       result.Key,
		"limit":     result.Limit,
		"remaining": result.Remaining,
		"reset":     result.Reset.Unix(),
	})
}

func recordAudit(database *db.DB, audit *domain.InboxAudit) {
	if err := database.CreateInboxAudit(audit); err != nil {
		log.Printf("Inbox: Failed to store audit entry: %v", err)
	}
}

func writeAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// processFollow handles an inbound follow request. The edge is keyed on
// (follower, following) so a repeated Follow collapses into a status upsert.
func processFollow(activity *domain.NormalizedActivity, localActorURI string, remoteActor *domain.RemoteAccount, conf *util.AppConfig, database *db.DB) error {
	if activity.Object.ID != localActorURI {
		return fmt.Errorf("follow object %q does not address this actor", activity.Object.ID)
	}

	status := domain.FollowPending
	if conf.Federation.AutoAcceptFollows {
		status = domain.FollowAccepted
	}

	follow := &domain.Follow{
		Id:           uuid.New(),
		FollowerURI:  activity.ActorURI,
		FollowingURI: localActorURI,
		Status:       status,
		CreatedAt:    time.Now(),
	}
	if err := database.UpsertFollow(follow); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}

	if err := database.CreateNotification(domain.NotifyFollow, activity.ActorURI, localActorURI); err != nil {
		log.Printf("Inbox: Failed to write follow notification: %v", err)
	}

	if conf.Federation.AutoAcceptFollows {
		if err := SendAccept(localActorURI, activity, remoteActor, conf, database); err != nil {
			return fmt.Errorf("failed to queue Accept: %w", err)
		}
		log.Printf("Inbox: Auto-accepted follow from %s", activity.ActorURI)
	}

	return nil
}

// processUndo reverses an earlier Follow, Like or Announce. Undoing an edge
// that does not exist is a no-op.
func processUndo(activity *domain.NormalizedActivity, database *db.DB) error {
	inner := activity.Object
	if inner.Object == "" {
		return fmt.Errorf("Undo object missing inner target")
	}

	switch inner.Type {
	case "Follow":
		return database.DeleteFollow(activity.ActorURI, inner.Object)
	case "Like":
		return database.DeleteLike(activity.ActorURI, inner.Object)
	case "Announce":
		return database.DeleteAnnounce(activity.ActorURI, inner.Object)
	}

	return fmt.Errorf("unsupported Undo object type: %q", inner.Type)
}

func processLike(activity *domain.NormalizedActivity, conf *util.AppConfig, database *db.DB) error {
	objectURI := activity.Object.ID
	if !isLocalObject(objectURI, conf) {
		return fmt.Errorf("liked object %q is not hosted on this instance", objectURI)
	}

	// Redelivered Likes keep the edge and produce no duplicate notification
	if err, existing := database.ReadLike(activity.ActorURI, objectURI); err == nil && existing != nil {
		return nil
	}

	if err := database.CreateLike(activity.ActorURI, objectURI); err != nil {
		return fmt.Errorf("failed to store like: %w", err)
	}

	return database.CreateNotification(domain.NotifyLike, activity.ActorURI, objectURI)
}

func processAnnounce(activity *domain.NormalizedActivity, conf *util.AppConfig, database *db.DB) error {
	objectURI := activity.Object.ID
	if !isLocalObject(objectURI, conf) {
		return fmt.Errorf("announced object %q is not hosted on this instance", objectURI)
	}

	if err, existing := database.ReadAnnounce(activity.ActorURI, objectURI); err == nil && existing != nil {
		return nil
	}

	if err := database.CreateAnnounce(activity.ActorURI, objectURI); err != nil {
		return fmt.Errorf("failed to store announce: %w", err)
	}

	return database.CreateNotification(domain.NotifyAnnounce, activity.ActorURI, objectURI)
}

// Attachment is a normalized media attachment of a Create object.
type Attachment struct {
	URL       string
	MediaType string
	Name      string
}

// processCreate validates an inbound post against the content rules and
// produces reply/mention notifications. Post storage itself lives outside
// the federation engine.
func processCreate(activity *domain.NormalizedActivity, localActorURI, actorDomain string, conf *util.AppConfig, database *db.DB) error {
	obj := activity.Object
	if !obj.IsEmbedded() {
		return fmt.Errorf("Create without an embedded object")
	}

	content, _ := obj.Raw["content"].(string)
	attachments := NormalizeAttachments(obj.Raw["attachment"], &conf.Federation)

	if content == "" && len(attachments) == 0 {
		return fmt.Errorf("Create requires content or at least one attachment")
	}

	mediaType := ""
	if len(attachments) > 0 {
		mediaType = attachments[0].MediaType
	}

	result := EvaluateRules(&conf.Federation, &RuleInput{
		Content:   content,
		Actor:     activity.ActorURI,
		Domain:    actorDomain,
		MediaType: mediaType,
		Language:  contentLanguage(obj.Raw),
	})

	switch result.Action {
	case ActionReject, ActionSilence:
		message := result.Message
		if message == "" {
			message = fmt.Sprintf("content %sed by rule %s", result.Action, result.MatchedRule)
		}
		return fmt.Errorf("%s", message)
	case ActionWarn:
		log.Printf("Inbox: Content rule %s warned on post from %s: %s", result.MatchedRule, activity.ActorURI, result.Message)
	}

	if inReplyTo, ok := obj.Raw["inReplyTo"].(string); ok && isLocalObject(inReplyTo, conf) {
		if err := database.CreateNotification(domain.NotifyReply, activity.ActorURI, inReplyTo); err != nil {
			log.Printf("Inbox: Failed to write reply notification: %v", err)
		}
	}

	if mentionsActor(obj.Raw["tag"], localActorURI) {
		if err := database.CreateNotification(domain.NotifyMention, activity.ActorURI, obj.ID); err != nil {
			log.Printf("Inbox: Failed to write mention notification: %v", err)
		}
	}

	return nil
}

// processDelete acknowledges object deletion without touching local caches.
// Cache invalidation on Delete is intentionally not implemented in this
// version.
func processDelete(activity *domain.NormalizedActivity) error {
	log.Printf("Inbox: Acknowledging Delete from %s for %s", activity.ActorURI, activity.Object.ID)
	return nil
}

func processAccept(activity *domain.NormalizedActivity, localActorURI string, conf *util.AppConfig, database *db.DB) error {
	return resolveFollowResponse(activity, localActorURI, domain.FollowAccepted, conf, database)
}

func processReject(activity *domain.NormalizedActivity, localActorURI string, conf *util.AppConfig, database *db.DB) error {
	return resolveFollowResponse(activity, localActorURI, domain.FollowRejected, conf, database)
}

// resolveFollowResponse applies an Accept or Reject to the outstanding
// follow request we sent to the responding actor. The enclosed object must
// actually identify that follow request: an embedded Follow has to name our
// actor and the responder, and a bare ID string has to be our actor URL or
// one of our URIs. Anything else is rejected so a peer cannot resolve an
// edge it did not originate.
func resolveFollowResponse(activity *domain.NormalizedActivity, localActorURI, status string, conf *util.AppConfig, database *db.DB) error {
	remoteURI := activity.ActorURI

	err, follow := database.ReadFollow(localActorURI, remoteURI)
	if err != nil || follow == nil {
		return fmt.Errorf("no outstanding follow request for %s", remoteURI)
	}

	obj := activity.Object
	if obj.IsEmbedded() {
		if obj.Type != "" && obj.Type != "Follow" {
			return fmt.Errorf("unexpected %s object type: %q", status, obj.Type)
		}
		innerActor := innerActorURI(obj.Raw)
		if innerActor != "" && innerActor != localActorURI {
			return fmt.Errorf("%s names a different follower: %s", status, innerActor)
		}
		if obj.Object != "" && obj.Object != remoteURI {
			return fmt.Errorf("%s names a different followee: %s", status, obj.Object)
		}
	} else if obj.ID != "" {
		localPrefix := fmt.Sprintf("https://%s/", conf.Conf.SslDomain)
		if obj.ID != localActorURI && !strings.HasPrefix(obj.ID, localPrefix) {
			return fmt.Errorf("%s references a foreign object: %s", status, obj.ID)
		}
	}

	if err := database.UpdateFollowStatus(localActorURI, remoteURI, status); err != nil {
		return fmt.Errorf("failed to update follow status: %w", err)
	}

	log.Printf("Inbox: Follow request to %s was %s", remoteURI, status)
	return nil
}

func innerActorURI(raw map[string]interface{}) string {
	switch actor := raw["actor"].(type) {
	case string:
		return actor
	case map[string]interface{}:
		if id, ok := actor["id"].(string); ok {
			return id
		}
	}
	return ""
}

// NormalizeAttachments flattens the attachment field into {url, mediaType,
// name} entries, deduplicated by URL, filtered by the allowed media types
// and capped at the configured maximum.
func NormalizeAttachments(v interface{}, fed *util.FederationConfig) []Attachment {
	var entries []interface{}
	switch a := v.(type) {
	case []interface{}:
		entries = a
	case map[string]interface{}:
		entries = []interface{}{a}
	default:
		return nil
	}

	max := fed.MaxAttachments
	if max <= 0 {
		max = 4
	}

	seen := make(map[string]bool)
	var out []Attachment

	for _, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}

		att := Attachment{}
		if u, ok := m["url"].(string); ok {
			att.URL = u
		}
		if mt, ok := m["mediaType"].(string); ok {
			att.MediaType = mt
		}
		if n, ok := m["name"].(string); ok {
			att.Name = n
		}

		if att.URL == "" || seen[att.URL] {
			continue
		}
		if !mediaTypeAllowed(att.MediaType, fed.AllowedMediaTypes) {
			continue
		}

		seen[att.URL] = true
		out = append(out, att)

		if len(out) >= max {
			break
		}
	}

	return out
}

func mediaTypeAllowed(mediaType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, mediaType) {
			return true
		}
	}
	return false
}

// mentionsActor reports whether any Mention tag targets the local actor.
// Only the first match matters; one mention yields one notification.
func mentionsActor(tags interface{}, localActorURI string) bool {
	list, ok := tags.([]interface{})
	if !ok {
		return false
	}

	for _, entry := range list {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t != "Mention" {
			continue
		}
		if href, _ := m["href"].(string); href == localActorURI {
			return true
		}
	}

	return false
}

func contentLanguage(raw map[string]interface{}) string {
	contentMap, ok := raw["contentMap"].(map[string]interface{})
	if !ok {
		return ""
	}
	for lang := range contentMap {
		return lang
	}
	return ""
}

func isLocalObject(objectURI string, conf *util.AppConfig) bool {
	return objectURI != "" && strings.HasPrefix(objectURI, fmt.Sprintf("https://%s/", conf.Conf.SslDomain))
}
