package web

import (
	"encoding/json"
	"time"

	"github.com/deemkeen/lightpub/activitypub"
	"github.com/deemkeen/lightpub/db"
	"github.com/deemkeen/lightpub/domain"
	"github.com/deemkeen/lightpub/util"
	"github.com/google/uuid"
)

// GetActor renders a local user as its ActivityPub Person document.
func GetActor(userId uuid.UUID, conf *util.AppConfig) (error, string) {
	err, user := db.GetDB().ReadUserById(userId)
	if err != nil || user == nil || !user.IsLocal() {
		return err, "{}"
	}

	actorURI := activitypub.LocalUserURI(conf, user.Id)

	displayName := user.DisplayName
	if displayName == "" {
		displayName = user.Username
	}

	actor := map[string]any{
		"@context": []any{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        actorURI,
		"type":                      "Person",
		"preferredUsername":         user.Username,
		"name":                      displayName,
		"summary":                   user.Summary,
		"inbox":                     activitypub.LocalUserInboxURI(conf, user.Id),
		"outbox":                    actorURI + "/outbox",
		"followers":                 activitypub.LocalUserFollowersURI(conf, user.Id),
		"following":                 actorURI + "/following",
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"endpoints": map[string]any{
			"sharedInbox": activitypub.SharedInboxURI(conf),
		},
		"publicKey": map[string]any{
			"id":           activitypub.LocalKeyId(conf, user.Id),
			"type":         "Key",
			"owner":        actorURI,
			"publicKeyPem": user.PublicKey,
		},
	}

	jsonBytes, err := json.Marshal(actor)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

// GetPostObject renders a post as its Note document, or a Tombstone when
// the post was deleted.
func GetPostObject(postId uuid.UUID, conf *util.AppConfig) (error, bool, string) {
	database := db.GetDB()
	err, post := database.ReadPostById(postId)
	if err != nil || post == nil {
		return err, false, "{}"
	}

	postURI := activitypub.LocalPostURI(conf, post.Id)

	if post.DeletedAt != nil {
		tombstone := map[string]any{
			"@context": "https://www.w3.org/ns/activitystreams",
			"id":       postURI,
			"type":     "Tombstone",
			"deleted":  post.DeletedAt.UTC().Format(time.RFC3339),
		}
		jsonBytes, _ := json.Marshal(tombstone)
		return nil, true, string(jsonBytes)
	}

	err, author := database.ReadUserById(post.PosterId)
	if err != nil || author == nil {
		return err, false, "{}"
	}

	err, plan := planForDocument(post, author, conf, database)
	if err != nil {
		return err, false, "{}"
	}

	err, hashtags := database.ReadPostHashtags(post.Id)
	if err != nil {
		hashtags = nil
	}
	var mentioned []domain.User
	if err, users := database.ReadMentionedUsers(post.Id); err == nil && users != nil {
		mentioned = *users
	}

	note := activitypub.BuildNoteObject(post, author, plan, hashtags, mentioned, conf)
	note["@context"] = "https://www.w3.org/ns/activitystreams"
	if post.ReplyToId != nil {
		if err, parent := database.ReadPostById(*post.ReplyToId); err == nil && parent != nil {
			note["inReplyTo"] = activitypub.PostURI(conf, parent)
		}
	}

	jsonBytes, err := json.Marshal(note)
	if err != nil {
		return err, false, "{}"
	}
	return nil, false, string(jsonBytes)
}

func planForDocument(post *domain.Post, author *domain.User, conf *util.AppConfig, database *db.DB) (error, *activitypub.DeliveryPlan) {
	followersURI := activitypub.LocalUserFollowersURI(conf, author.Id)
	plan := &activitypub.DeliveryPlan{}
	switch post.Privacy {
	case domain.PrivacyPublic:
		plan.To = []string{activitypub.PublicAudience}
		plan.CC = []string{followersURI}
	case domain.PrivacyUnlisted:
		plan.To = []string{followersURI}
		plan.CC = []string{activitypub.PublicAudience}
	case domain.PrivacyFollowers:
		plan.To = []string{followersURI}
	}
	return nil, plan
}

// GetFollowersCollection returns an OrderedCollection of an actor's followers.
func GetFollowersCollection(userId uuid.UUID, conf *util.AppConfig) (error, string) {
	database := db.GetDB()
	err, followers := database.ReadFollowersOfUser(userId)
	if err != nil {
		return err, "{}"
	}

	var items []string
	if followers != nil {
		for i := range *followers {
			items = append(items, activitypub.ActorURI(conf, &(*followers)[i]))
		}
	}

	return nil, orderedCollection(activitypub.LocalUserFollowersURI(conf, userId), items)
}

// GetFollowingCollection returns an OrderedCollection of the actors a user follows.
func GetFollowingCollection(userId uuid.UUID, conf *util.AppConfig) (error, string) {
	database := db.GetDB()
	err, following := database.ReadFollowingOfUser(userId)
	if err != nil {
		return err, "{}"
	}

	var items []string
	if following != nil {
		for i := range *following {
			items = append(items, activitypub.ActorURI(conf, &(*following)[i]))
		}
	}

	return nil, orderedCollection(activitypub.LocalUserURI(conf, userId)+"/following", items)
}

func orderedCollection(collectionURI string, items []string) string {
	if items == nil {
		items = []string{}
	}
	collection := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           collectionURI,
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	}
	jsonBytes, err := json.Marshal(collection)
	if err != nil {
		return "{}"
	}
	return string(jsonBytes)
}
