package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/deemkeen/anancus/activitypub"
	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

func Router(conf *util.AppConfig) error {
	log.Printf("Starting federation server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	database := db.GetDB()

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewIPRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Federated timeline feed
	g.GET("/feed", func(c *gin.Context) {

		c.Header("Content-Type", "application/xml; charset=utf-8")

		rss, err := GetTimelineRSS(conf, database)
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rss})
		}
	})

	g.GET("/feed/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		name := c.Param("id")
		feedId, err := uuid.Parse(name)
		if err != nil {
			c.Render(404, render.String{Format: ""})
			return
		}

		rssItem, err := GetTimelineRSSItem(conf, database, feedId)
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rssItem})
		}
	})

	if conf.Conf.WithAp {
		// Stricter rate limit for ActivityPub endpoints: 5 req/sec per IP
		apLimiter := NewIPRateLimiter(rate.Limit(5), 10)

		// Max 1MB request body size for ActivityPub activities
		maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024) // 1MB

		g.GET("/users/:actor", func(c *gin.Context) {

			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			err, actor := GetActor(c.Param("actor"), conf, database)
			if err != nil {
				c.Render(404, render.String{Format: actor})
			} else {
				c.Render(200, render.String{Format: actor})
			}
		})

		g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
			log.Println("POST /inbox (shared inbox)")
			body, err := c.GetRawData()
			if err != nil {
				log.Printf("Shared inbox: Failed to read body: %v", err)
				c.Status(400)
				return
			}

			targetUsername := resolveSharedInboxTarget(body, conf, database)
			if targetUsername == "" {
				log.Println("Shared inbox: Could not determine target user")
				c.Status(202) // Accept anyway to be nice
				return
			}

			log.Printf("Shared inbox: Routing to user %s", targetUsername)
			// Replay the consumed body for the per-user inbox handler
			req := c.Request.Clone(c.Request.Context())
			req.Body = io.NopCloser(bytes.NewReader(body))
			activitypub.HandleInbox(c.Writer, req, targetUsername, conf, database)
		})

		g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
			actor := c.Param("actor")
			log.Printf("POST /users/%s/inbox", actor)
			activitypub.HandleInbox(c.Writer, c.Request, actor, conf, database)
		})

		g.GET("/users/:actor/outbox", func(c *gin.Context) {
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			c.Render(200, render.String{Format: emptyOrderedCollection(
				fmt.Sprintf("https://%s/users/%s/outbox", conf.Conf.SslDomain, c.Param("actor")))})
		})

		g.GET("/users/:actor/followers", func(c *gin.Context) {
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			err, collection := GetFollowersCollection(c.Param("actor"), conf, database)
			if err != nil {
				c.Render(404, render.String{Format: "{}"})
			} else {
				c.Render(200, render.String{Format: collection})
			}
		})

		g.GET("/users/:actor/following", func(c *gin.Context) {
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			c.Render(200, render.String{Format: emptyOrderedCollection(
				fmt.Sprintf("https://%s/users/%s/following", conf.Conf.SslDomain, c.Param("actor")))})
		})

		g.GET("/.well-known/webfinger", func(c *gin.Context) {
			result := activitypub.CheckRateLimit(database, c.ClientIP(), activitypub.WebFingerPolicy)
			activitypub.SetRateLimitHeaders(c.Writer, result)
			if !result.Allowed {
				activitypub.WriteRateLimited(c.Writer, result)
				c.Abort()
				return
			}

			c.Header("Content-Type", "application/json; charset=utf-8")

			resource := c.Query("resource")
			if resource == "" || !strings.HasPrefix(resource, "acct:") {
				c.Render(404, render.String{Format: GetWebFingerNotFound()})
			} else {
				resource = strings.TrimPrefix(resource, "acct:")
				resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", conf.Conf.SslDomain))
				err, resp := GetWebfinger(resource, conf, database)
				if err != nil {
					c.Render(404, render.String{Format: GetWebFingerNotFound()})
				} else {
					c.Render(200, render.String{Format: resp})
				}
			}
		})

	}
	err := g.Run(fmt.Sprintf(":%d", conf.Conf.HttpPort))
	if err != nil {
		return err
	}
	return nil
}

// resolveSharedInboxTarget picks the local user a shared-inbox activity
// should be routed to: explicit addressing first, then the Follow object,
// then any local follower of the sending actor.
func resolveSharedInboxTarget(body []byte, conf *util.AppConfig, database *db.DB) string {
	var activity map[string]interface{}
	if err := json.Unmarshal(body, &activity); err != nil {
		log.Printf("Shared inbox: Failed to parse activity: %v", err)
		return ""
	}

	// Try the "to" field first
	if username := usernameFromAddressing(activity["to"], conf); username != "" {
		return username
	}

	// Then "cc" (followers collections)
	if username := usernameFromAddressing(activity["cc"], conf); username != "" {
		return username
	}

	// For Follow activities the target is the object
	if objStr, ok := activity["object"].(string); ok {
		if username := localUsernameFromURI(objStr, conf); username != "" {
			return username
		}
	}

	// For Create/Delete, route to a local user who follows the sender
	actorURI, _ := activity["actor"].(string)
	if actorURI == "" {
		return ""
	}

	err, accounts := database.ReadAllAccounts()
	if err != nil || accounts == nil {
		return ""
	}

	for _, acc := range *accounts {
		localActorURI := fmt.Sprintf("https://%s/users/%s", conf.Conf.SslDomain, acc.Username)
		err, follow := database.ReadFollow(localActorURI, actorURI)
		if err == nil && follow != nil {
			log.Printf("Shared inbox: Routing to follower %s of %s", acc.Username, actorURI)
			return acc.Username
		}
	}

	log.Printf("Shared inbox: No local followers found for %s", actorURI)
	return ""
}

func usernameFromAddressing(v interface{}, conf *util.AppConfig) string {
	addresses, ok := v.([]interface{})
	if !ok {
		return ""
	}
	for _, addr := range addresses {
		if uri, ok := addr.(string); ok {
			if username := localUsernameFromURI(uri, conf); username != "" {
				return username
			}
		}
	}
	return ""
}

// localUsernameFromURI extracts the username from a local actor URI like
// https://domain/users/username, tolerating /followers style suffixes.
func localUsernameFromURI(uri string, conf *util.AppConfig) string {
	if !strings.Contains(uri, conf.Conf.SslDomain) || !strings.Contains(uri, "/users/") {
		return ""
	}
	parts := strings.Split(uri, "/")
	for i, part := range parts {
		if part == "users" && i+1 < len(parts) {
			username := parts[i+1]
			if slashIdx := strings.Index(username, "/"); slashIdx > 0 {
				username = username[:slashIdx]
			}
			return username
		}
	}
	return ""
}

func emptyOrderedCollection(id string) string {
	return fmt.Sprintf(
		`{
				"@context": "https://www.w3.org/ns/activitystreams",
				"id": "%s",
				"type": "OrderedCollection",
				"totalItems": 0,
				"orderedItems": []
			}`, id)
}
