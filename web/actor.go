package web

import (
	"fmt"
	"strings"

	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/util"
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
)

// GetActor renders the public actor document for a local account,
// including the signing key and the shared inbox endpoint.
func GetActor(actor string, conf *util.AppConfig, database *db.DB) (error, string) {
	err, acc := database.ReadAccByUsername(actor)
	if err != nil {
		return err, "{}"
	}

	username := acc.Username
	pubKey := strings.Replace(acc.WebPublicKey, "\n", "\\n", -1)

	displayName := acc.DisplayName
	if displayName == "" {
		displayName = username
	}

	// Escape quotes and newlines in summary for JSON
	summary := strings.Replace(acc.Summary, "\"", "\\\"", -1)
	summary = strings.Replace(summary, "\n", "\\n", -1)

	return nil, fmt.Sprintf(
		`{
					"@context": [
						"https://www.w3.org/ns/activitystreams",
						"https://w3id.org/security/v1"
					],

					"id": "%s",
					"type": "Person",
					"preferredUsername": "%s",
					"name" : "%s",
					"summary": "%s",
					"inbox": "%s",
					"outbox": "%s",
					"followers": "%s",
					"following": "%s",
					"url": "%s",
  					"manuallyApprovesFollowers": %t,
					"discoverable": true,
  					"endpoints": {
    					"sharedInbox": "%s"
  					},
					"publicKey": {
						"id": "%s#main-key",
						"owner": "%s",
						"publicKeyPem": "%s"
					}
				}`,
		getIRI(conf.Conf.SslDomain, username, id),
		username, displayName, summary,
		getIRI(conf.Conf.SslDomain, username, inbox),
		getIRI(conf.Conf.SslDomain, username, outbox),
		getIRI(conf.Conf.SslDomain, username, followers),
		getIRI(conf.Conf.SslDomain, username, following),
		getIRI(conf.Conf.SslDomain, username, id),
		!conf.Federation.AutoAcceptFollows,
		getIRI(conf.Conf.SslDomain, username, sharedInbox),
		getIRI(conf.Conf.SslDomain, username, id),
		getIRI(conf.Conf.SslDomain, username, id), pubKey)
}

func getIRI(domain string, username string, action action) string {

	prefix := fmt.Sprintf("https://%s/users/%s", domain, username)
	switch action {
	case inbox:
		return fmt.Sprintf("%s/inbox", prefix)
	case outbox:
		return fmt.Sprintf("%s/outbox", prefix)
	case followers:
		return fmt.Sprintf("%s/followers", prefix)
	case following:
		return fmt.Sprintf("%s/following", prefix)
	case id:
		return prefix
	case sharedInbox:
		return fmt.Sprintf("https://%s/inbox", domain)
	default:
		return ""
	}
}

// GetFollowersCollection renders the accepted followers of a local
// account as an ActivityPub OrderedCollection.
func GetFollowersCollection(actor string, conf *util.AppConfig, database *db.DB) (error, string) {
	localActorURI := getIRI(conf.Conf.SslDomain, actor, id)

	err, follows := database.ReadFollowersByFollowingURI(localActorURI)
	if err != nil {
		return err, "{}"
	}

	var items []string
	if follows != nil {
		for _, f := range *follows {
			items = append(items, fmt.Sprintf("%q", f.FollowerURI))
		}
	}

	collection := fmt.Sprintf(
		`{
					"@context": "https://www.w3.org/ns/activitystreams",
					"id": "%s",
					"type": "OrderedCollection",
					"totalItems": %d,
					"orderedItems": [%s]
				}`,
		getIRI(conf.Conf.SslDomain, actor, followers),
		len(items), strings.Join(items, ", "))

	return nil, collection
}
