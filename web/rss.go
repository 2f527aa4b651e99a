package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/util"
	"github.com/google/uuid"
	"github.com/gorilla/feeds"
)

const timelineFeedSize = 50

// GetTimelineRSS renders the federated timeline as RSS: the most recent
// Create activities that arrived with a verified signature and were
// accepted by the policy engine.
func GetTimelineRSS(conf *util.AppConfig, database *db.DB) (string, error) {

	err, audits := database.ReadVerifiedAuditsByType("Create", timelineFeedSize)
	if err != nil || audits == nil {
		log.Println("Could not get timeline entries!", err)
		return "", errors.New("error retrieving federated timeline")
	}

	link := fmt.Sprintf("https://%s/feed", conf.Conf.SslDomain)

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("Federated Timeline - %s", conf.Conf.SslDomain),
		Link:        &feeds.Link{Href: link},
		Description: "posts received from the fediverse",
		Author:      &feeds.Author{Name: conf.Conf.SslDomain},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, audit := range *audits {
		content, published := timelineEntry(&audit)
		if content == "" {
			continue
		}
		feedItems = append(feedItems,
			&feeds.Item{
				Id:      audit.Id.String(),
				Title:   published.Format(util.DateTimeFormat()),
				Link:    &feeds.Link{Href: fmt.Sprintf("https://%s/feed/%s", conf.Conf.SslDomain, audit.Id)},
				Content: content,
				Author:  &feeds.Author{Name: audit.ActorURI},
				Created: published,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}

// GetTimelineRSSItem renders a single timeline entry by its audit id.
func GetTimelineRSSItem(conf *util.AppConfig, database *db.DB, id uuid.UUID) (string, error) {
	err, audit := database.ReadInboxAudit(id)
	if err != nil || audit == nil {
		log.Println("Could not get timeline entry!", err)
		return "", errors.New("error retrieving timeline entry by id")
	}

	if !audit.SignatureVerified || audit.Error != "" || audit.ActivityType != "Create" {
		return "", errors.New("entry is not part of the timeline")
	}

	content, published := timelineEntry(audit)
	if content == "" {
		return "", errors.New("entry has no content")
	}

	url := fmt.Sprintf("https://%s/feed/%s", conf.Conf.SslDomain, audit.Id)

	feed := &feeds.Feed{
		Title:       "Federated Timeline Entry",
		Link:        &feeds.Link{Href: url},
		Description: "single post from the fediverse",
		Author:      &feeds.Author{Name: audit.ActorURI},
		Created:     time.Now(),
	}

	feed.Items = []*feeds.Item{
		{
			Id:      audit.Id.String(),
			Title:   published.Format(util.DateTimeFormat()),
			Link:    &feeds.Link{Href: url},
			Content: content,
			Author:  &feeds.Author{Name: audit.ActorURI},
			Created: published,
		},
	}

	return feed.ToRss()
}

// timelineEntry pulls the object content and publication time out of the
// stored raw activity. Falls back to the audit receive time when the
// object carries no parseable published field.
func timelineEntry(audit *domain.InboxAudit) (string, time.Time) {
	published := audit.ReceivedAt

	var activity map[string]interface{}
	if err := json.Unmarshal([]byte(audit.RawActivity), &activity); err != nil {
		return "", published
	}

	obj, ok := activity["object"].(map[string]interface{})
	if !ok {
		return "", published
	}

	content, _ := obj["content"].(string)

	if pubStr, ok := obj["published"].(string); ok {
		if t, err := time.Parse(time.RFC3339, pubStr); err == nil {
			published = t
		}
	}

	return content, published
}
