package web

import (
	"encoding/json"
	"fmt"

	"github.com/deemkeen/lightpub/activitypub"
	"github.com/deemkeen/lightpub/db"
	"github.com/deemkeen/lightpub/domain"
	"github.com/deemkeen/lightpub/util"
	"github.com/google/uuid"
)

const outboxPageSize = 20

// GetOutboxCollection returns the paged OrderedCollection head for a local
// user's public posts.
func GetOutboxCollection(userId uuid.UUID, conf *util.AppConfig) (error, string) {
	database := db.GetDB()
	count := 0
	for offset := 0; ; offset += outboxPageSize {
		err, posts := database.ReadPublicPostsByUser(userId, outboxPageSize, offset)
		if err != nil {
			return err, "{}"
		}
		if posts == nil || len(*posts) == 0 {
			break
		}
		count += len(*posts)
		if len(*posts) < outboxPageSize {
			break
		}
	}

	outboxURI := activitypub.LocalUserURI(conf, userId) + "/outbox"
	collection := map[string]any{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         outboxURI,
		"type":       "OrderedCollection",
		"totalItems": count,
		"first":      fmt.Sprintf("%s?page=1", outboxURI),
	}
	jsonBytes, err := json.Marshal(collection)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

// GetOutboxPage returns one page of Create activities for a local user's
// public posts.
func GetOutboxPage(userId uuid.UUID, page int, conf *util.AppConfig) (error, string) {
	if page < 1 {
		page = 1
	}

	database := db.GetDB()
	err, user := database.ReadUserById(userId)
	if err != nil || user == nil {
		return err, "{}"
	}

	err, posts := database.ReadPublicPostsByUser(userId, outboxPageSize, (page-1)*outboxPageSize)
	if err != nil {
		return err, "{}"
	}

	items := []any{}
	if posts != nil {
		for i := range *posts {
			post := &(*posts)[i]
			err, rendered := renderCreateActivity(post, user, conf, database)
			if err != nil {
				continue
			}
			items = append(items, rendered)
		}
	}

	outboxURI := activitypub.LocalUserURI(conf, userId) + "/outbox"
	pageDoc := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s?page=%d", outboxURI, page),
		"type":         "OrderedCollectionPage",
		"partOf":       outboxURI,
		"orderedItems": items,
	}
	if len(items) == outboxPageSize {
		pageDoc["next"] = fmt.Sprintf("%s?page=%d", outboxURI, page+1)
	}

	jsonBytes, err := json.Marshal(pageDoc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

func renderCreateActivity(post *domain.Post, author *domain.User, conf *util.AppConfig, database *db.DB) (error, map[string]any) {
	err, plan := planForDocument(post, author, conf, database)
	if err != nil {
		return err, nil
	}
	err, hashtags := database.ReadPostHashtags(post.Id)
	if err != nil {
		hashtags = nil
	}
	note := activitypub.BuildNoteObject(post, author, plan, hashtags, nil, conf)
	return nil, activitypub.BuildCreateActivity(note, post, author, plan, conf)
}
