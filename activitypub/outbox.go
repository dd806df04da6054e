package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/lightpub/domain"
	"github.com/deemkeen/lightpub/util"
	"github.com/google/uuid"
)

// BuildNoteObject renders a post as its wire Note representation.
func BuildNoteObject(post *domain.Post, author *domain.User, plan *DeliveryPlan, hashtags []string, mentioned []domain.User, conf *util.AppConfig) map[string]any {
	content := ""
	if post.Content != nil {
		content = *post.Content
	}

	note := map[string]any{
		"id":           PostURI(conf, post),
		"type":         "Note",
		"attributedTo": ActorURI(conf, author),
		"content":      content,
		"published":    post.CreatedAt.UTC().Format(time.RFC3339),
		"sensitive":    false,
		"to":           plan.To,
		"cc":           plan.CC,
	}

	var tags []map[string]any
	for _, tag := range hashtags {
		tags = append(tags, map[string]any{
			"type": "Hashtag",
			"href": fmt.Sprintf("%s/tags/%s", conf.BaseURL(), tag),
			"name": "#" + tag,
		})
	}
	for i := range mentioned {
		target := &mentioned[i]
		tags = append(tags, map[string]any{
			"type": "Mention",
			"href": ActorURI(conf, target),
			"name": "@" + target.Acct(),
		})
	}
	if len(tags) > 0 {
		note["tag"] = tags
	}

	return note
}

// BuildCreateActivity wraps a note in its Create envelope.
func BuildCreateActivity(note map[string]any, post *domain.Post, author *domain.User, plan *DeliveryPlan, conf *util.AppConfig) map[string]any {
	return map[string]any{
		"@context":  []any{ActivityStreamsContext},
		"id":        NewActivityURI(conf),
		"type":      "Create",
		"actor":     ActorURI(conf, author),
		"published": post.CreatedAt.UTC().Format(time.RFC3339),
		"to":        plan.To,
		"cc":        plan.CC,
		"object":    note,
	}
}

// BuildAnnounceActivity wraps a repost target in its Announce envelope.
func BuildAnnounceActivity(repost *domain.Post, targetURI string, author *domain.User, plan *DeliveryPlan, conf *util.AppConfig) map[string]any {
	return map[string]any{
		"@context":  []any{ActivityStreamsContext},
		"id":        NewActivityURI(conf),
		"type":      "Announce",
		"actor":     ActorURI(conf, author),
		"published": repost.CreatedAt.UTC().Format(time.RFC3339),
		"to":        plan.To,
		"cc":        plan.CC,
		"object":    targetURI,
	}
}

// BuildDeleteActivity renders a post deletion as a Tombstone Delete.
func BuildDeleteActivity(postURI string, author *domain.User, deletedAt time.Time, conf *util.AppConfig) map[string]any {
	return map[string]any{
		"@context":  []any{ActivityStreamsContext},
		"id":        NewActivityURI(conf),
		"type":      "Delete",
		"actor":     ActorURI(conf, author),
		"published": deletedAt.UTC().Format(time.RFC3339),
		"to":        []string{PublicAudience},
		"object": map[string]any{
			"id":   postURI,
			"type": "Tombstone",
		},
	}
}

// BuildAcceptActivity answers a Follow activity.
func BuildAcceptActivity(localUser *domain.User, followURI string, conf *util.AppConfig) map[string]any {
	return map[string]any{
		"@context": []any{ActivityStreamsContext},
		"id":       NewActivityURI(conf),
		"type":     "Accept",
		"actor":    LocalUserURI(conf, localUser.Id),
		"object":   followURI,
	}
}

// BuildRejectActivity refuses a Follow activity.
func BuildRejectActivity(localUser *domain.User, followURI string, conf *util.AppConfig) map[string]any {
	return map[string]any{
		"@context": []any{ActivityStreamsContext},
		"id":       NewActivityURI(conf),
		"type":     "Reject",
		"actor":    LocalUserURI(conf, localUser.Id),
		"object":   followURI,
	}
}

// SendActivity delivers an activity to a single inbox synchronously.
// This is the production wrapper that uses the default HTTP client.
func SendActivity(activity any, inboxURI string, signer *domain.User, conf *util.AppConfig) error {
	return SendActivityWithDeps(activity, inboxURI, signer, conf, defaultHTTPClient)
}

// SendActivityWithDeps delivers an activity to a single inbox: signed POST
// with the ActivityPub content type. Used for the synchronous protocol
// answers (Accept, Follow, Undo); fan-out goes through the delivery queue.
func SendActivityWithDeps(activity any, inboxURI string, signer *domain.User, conf *util.AppConfig, client HTTPClient) error {
	activityJSON, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	req, err := http.NewRequest("POST", inboxURI, bytes.NewReader(activityJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", ContentTypeActivityJSON)
	req.Header.Set("Accept", ContentTypeActivityJSON)
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	privateKey, err := ParsePrivateKey(signer.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	if err := SignRequest(req, privateKey, LocalKeyId(conf, signer.Id), activityJSON); err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}

	log.Printf("Outbox: Sent activity to %s (status: %d)", inboxURI, resp.StatusCode)
	return nil
}

// enqueueToInboxes splits one activity into independent queue jobs, one per
// inbox, so a slow peer cannot starve the others.
func enqueueToInboxes(activity map[string]any, inboxes []string, signer *domain.User, conf *util.AppConfig, database Database) error {
	activityJSON, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	now := time.Now().UTC()
	deadline := now.Add(conf.DeliveryBackoffBase() * time.Duration(1<<uint(conf.Conf.DeliveryMaxAttempts)))

	for _, inboxURI := range inboxes {
		item := &domain.DeliveryQueueItem{
			Id:           uuid.New(),
			InboxURI:     inboxURI,
			ActivityJSON: string(activityJSON),
			SignerId:     signer.Id,
			KeyId:        LocalKeyId(conf, signer.Id),
			Attempts:     0,
			NextRetryAt:  now,
			DeadlineAt:   deadline,
			CreatedAt:    now,
		}
		if err := database.EnqueueDelivery(item); err != nil {
			log.Printf("Outbox: Failed to queue delivery to %s: %v", inboxURI, err)
		}
	}
	return nil
}

// PublishPost persists a local post and schedules its federation.
// This is the production wrapper that uses the default HTTP client and database.
func PublishPost(message string, privacy domain.Privacy, replyToURI string, author *domain.User, conf *util.AppConfig) (*domain.Post, error) {
	return PublishPostWithDeps(message, privacy, replyToURI, author, conf, defaultHTTPClient, NewDBWrapper())
}

// PublishPostWithDeps persists a local post with its hashtags and mentions,
// computes the delivery plan and enqueues one Create job per target inbox.
func PublishPostWithDeps(message string, privacy domain.Privacy, replyToURI string, author *domain.User, conf *util.AppConfig, client HTTPClient, database Database) (*domain.Post, error) {
	var replyToId *uuid.UUID
	if replyToURI != "" {
		parent, err := ResolvePostWithDeps(replyToURI, 0, author, conf, client, database)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve reply target: %w", err)
		}
		replyToId = &parent.Id
	}

	post := &domain.Post{
		Id:        uuid.New(),
		PosterId:  author.Id,
		Content:   &message,
		Privacy:   privacy,
		ReplyToId: replyToId,
		CreatedAt: time.Now().UTC(),
	}

	hashtags := util.ParseHashtags(message)

	var mentionIds []uuid.UUID
	var mentioned []domain.User
	for _, mention := range util.ParseMentions(message) {
		target, err := ResolveHandleWithDeps(mention.Username, mention.Domain, author, conf, client, database)
		if err != nil {
			log.Printf("Outbox: Could not resolve mention @%s@%s: %v", mention.Username, mention.Domain, err)
			continue
		}
		mentionIds = append(mentionIds, target.Id)
		mentioned = append(mentioned, *target)
	}

	if err := database.CreatePost(post, hashtags, mentionIds); err != nil {
		return nil, fmt.Errorf("failed to store post: %w", err)
	}

	plan, err := PlanDeliveryWithDeps(post, author, conf, database)
	if err != nil {
		return nil, err
	}

	note := BuildNoteObject(post, author, plan, hashtags, mentioned, conf)
	if replyToURI != "" {
		note["inReplyTo"] = replyToURI
	}
	create := BuildCreateActivity(note, post, author, plan, conf)

	if len(plan.Inboxes) == 0 {
		log.Printf("Outbox: No inboxes to deliver post %s to", post.Id)
		return post, nil
	}

	if err := enqueueToInboxes(create, plan.Inboxes, author, conf, database); err != nil {
		return nil, err
	}

	log.Printf("Outbox: Queued Create for post %s to %d inboxes", post.Id, len(plan.Inboxes))
	return post, nil
}

// PublishRepost persists a pure repost and schedules its Announce.
// This is the production wrapper that uses the default HTTP client and database.
func PublishRepost(targetURI string, author *domain.User, conf *util.AppConfig) (*domain.Post, error) {
	return PublishRepostWithDeps(targetURI, author, conf, defaultHTTPClient, NewDBWrapper())
}

// PublishRepostWithDeps persists a pure repost of the target post and
// enqueues an Announce. A second repost of the same target is refused;
// reposting a repost announces its original instead.
func PublishRepostWithDeps(targetURI string, author *domain.User, conf *util.AppConfig, client HTTPClient, database Database) (*domain.Post, error) {
	target, err := ResolvePostWithDeps(targetURI, 0, author, conf, client, database)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repost target: %w", err)
	}

	if target.IsRepost() {
		err, original := database.ReadPostById(*target.RepostOfId)
		if err != nil || original == nil {
			return nil, fmt.Errorf("repost target %s has no original", targetURI)
		}
		target = original
	}

	if err, existing := database.ReadRepostByUsers(author.Id, target.Id); err == nil && existing != nil {
		return nil, fmt.Errorf("post %s is already reposted", targetURI)
	}

	targetId := target.Id
	repost := &domain.Post{
		Id:         uuid.New(),
		PosterId:   author.Id,
		Content:    nil,
		Privacy:    domain.PrivacyPublic,
		RepostOfId: &targetId,
		CreatedAt:  time.Now().UTC(),
	}

	if err := database.CreatePost(repost, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to store repost: %w", err)
	}

	plan, err := PlanDeliveryWithDeps(repost, author, conf, database)
	if err != nil {
		return nil, err
	}

	// The original author hears about the boost even without following
	if err, origAuthor := database.ReadUserById(target.PosterId); err == nil && origAuthor != nil && !origAuthor.IsLocal() {
		inbox := origAuthor.InboxURI
		if origAuthor.SharedInboxURI != "" {
			inbox = origAuthor.SharedInboxURI
		}
		seen := false
		for _, existing := range plan.Inboxes {
			if existing == inbox {
				seen = true
				break
			}
		}
		if inbox != "" && !seen {
			plan.Inboxes = append(plan.Inboxes, inbox)
		}
	}

	announce := BuildAnnounceActivity(repost, PostURI(conf, target), author, plan, conf)

	if len(plan.Inboxes) > 0 {
		if err := enqueueToInboxes(announce, plan.Inboxes, author, conf, database); err != nil {
			return nil, err
		}
	}

	log.Printf("Outbox: Queued Announce for post %s to %d inboxes", target.Id, len(plan.Inboxes))
	return repost, nil
}

// DeletePost soft-deletes a local post and federates the Tombstone.
// This is the production wrapper that uses the default database.
func DeletePost(post *domain.Post, author *domain.User, conf *util.AppConfig) error {
	return DeletePostWithDeps(post, author, conf, NewDBWrapper())
}

// DeletePostWithDeps soft-deletes a local post and enqueues Delete jobs to
// the same audience the post was delivered to.
func DeletePostWithDeps(post *domain.Post, author *domain.User, conf *util.AppConfig, database Database) error {
	deletedAt := time.Now().UTC()
	if err := database.SoftDeletePost(post.Id, deletedAt); err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}

	plan, err := PlanDeliveryWithDeps(post, author, conf, database)
	if err != nil {
		return err
	}
	if len(plan.Inboxes) == 0 {
		return nil
	}

	deleteActivity := BuildDeleteActivity(PostURI(conf, post), author, deletedAt, conf)
	if err := enqueueToInboxes(deleteActivity, plan.Inboxes, author, conf, database); err != nil {
		return err
	}

	log.Printf("Outbox: Queued Delete for post %s to %d inboxes", post.Id, len(plan.Inboxes))
	return nil
}

// SendAccept answers an incoming follow request and, when the peer confirms
// receipt, makes the follow effective.
// This is the production wrapper that uses the default HTTP client and database.
func SendAccept(localUser *domain.User, remoteActor *domain.User, req *domain.FollowRequest, conf *util.AppConfig) error {
	return SendAcceptWithDeps(localUser, remoteActor, req, conf, defaultHTTPClient, NewDBWrapper())
}

// SendAcceptWithDeps sends the Accept for a follow request. On a 2xx from
// the peer the Follow row is materialized and the request deleted in one
// transaction.
func SendAcceptWithDeps(localUser *domain.User, remoteActor *domain.User, req *domain.FollowRequest, conf *util.AppConfig, client HTTPClient, database Database) error {
	accept := BuildAcceptActivity(localUser, req.URI, conf)

	if err := SendActivityWithDeps(accept, remoteActor.InboxURI, localUser, conf, client); err != nil {
		return fmt.Errorf("failed to send Accept: %w", err)
	}

	if err := database.AcceptFollowRequest(req); err != nil {
		return fmt.Errorf("failed to accept follow request: %w", err)
	}

	log.Printf("Outbox: Accepted follow %s from %s@%s", req.URI, remoteActor.Username, remoteActor.Host)
	return nil
}

// SendFollow asks a remote actor for a follow on behalf of a local user.
// This is the production wrapper that uses the default HTTP client and database.
func SendFollow(localUser *domain.User, remoteActorURI string, conf *util.AppConfig) error {
	return SendFollowWithDeps(localUser, remoteActorURI, conf, defaultHTTPClient, NewDBWrapper())
}

// SendFollowWithDeps records an outgoing follow request and sends the Follow
// activity. The follow becomes effective when the peer's Accept arrives.
func SendFollowWithDeps(localUser *domain.User, remoteActorURI string, conf *util.AppConfig, client HTTPClient, database Database) error {
	remoteActor, err := ResolveActorWithDeps(remoteActorURI, false, localUser, conf, client, database)
	if err != nil {
		return fmt.Errorf("failed to resolve remote actor: %w", err)
	}
	if remoteActor.IsLocal() {
		return fmt.Errorf("cannot federate a follow of local user %s", remoteActor.Username)
	}

	if err, existing := database.ReadFollow(localUser.Id, remoteActor.Id); err == nil && existing != nil {
		return fmt.Errorf("already following %s@%s", remoteActor.Username, remoteActor.Host)
	}
	if err, pending := database.ReadFollowRequestByUsers(localUser.Id, remoteActor.Id); err == nil && pending != nil {
		return fmt.Errorf("follow of %s@%s is pending", remoteActor.Username, remoteActor.Host)
	}

	followURI := NewActivityURI(conf)
	req := &domain.FollowRequest{
		Id:         uuid.New(),
		URI:        followURI,
		FollowerId: localUser.Id,
		FolloweeId: remoteActor.Id,
		Incoming:   false,
		CreatedAt:  time.Now().UTC(),
	}
	if err := database.UpsertFollowRequest(req); err != nil {
		return fmt.Errorf("failed to store follow request: %w", err)
	}

	follow := map[string]any{
		"@context": []any{ActivityStreamsContext},
		"id":       followURI,
		"type":     "Follow",
		"actor":    LocalUserURI(conf, localUser.Id),
		"object":   remoteActor.URI,
	}

	return SendActivityWithDeps(follow, remoteActor.InboxURI, localUser, conf, client)
}

// SendUndoFollow revokes a follow of a remote actor.
// This is the production wrapper that uses the default HTTP client and database.
func SendUndoFollow(localUser *domain.User, remoteActor *domain.User, conf *util.AppConfig) error {
	return SendUndoFollowWithDeps(localUser, remoteActor, conf, defaultHTTPClient, NewDBWrapper())
}

// SendUndoFollowWithDeps deletes the local follow state and sends the Undo.
func SendUndoFollowWithDeps(localUser *domain.User, remoteActor *domain.User, conf *util.AppConfig, client HTTPClient, database Database) error {
	followURI := ""
	if err, pending := database.ReadFollowRequestByUsers(localUser.Id, remoteActor.Id); err == nil && pending != nil {
		followURI = pending.URI
		if err := database.DeleteFollowRequest(pending.Id); err != nil {
			return fmt.Errorf("failed to delete follow request: %w", err)
		}
	}
	if err := database.DeleteFollow(localUser.Id, remoteActor.Id); err != nil {
		return fmt.Errorf("failed to delete follow: %w", err)
	}
	if followURI == "" {
		followURI = NewActivityURI(conf)
	}

	actorURI := LocalUserURI(conf, localUser.Id)
	undo := map[string]any{
		"@context": []any{ActivityStreamsContext},
		"id":       NewActivityURI(conf),
		"type":     "Undo",
		"actor":    actorURI,
		"object": map[string]any{
			"id":     followURI,
			"type":   "Follow",
			"actor":  actorURI,
			"object": remoteActor.URI,
		},
	}

	log.Printf("Outbox: Sending Undo Follow from %s to %s@%s", localUser.Username, remoteActor.Username, remoteActor.Host)
	return SendActivityWithDeps(undo, remoteActor.InboxURI, localUser, conf, client)
}
