package activitypub

import (
	"log"

	"github.com/deemkeen/lightpub/domain"
	"github.com/deemkeen/lightpub/util"
)

// DeliveryPlan is the addressing and target set for one outbound post:
// the to/cc audiences that go on the wire, and the deduplicated inbox URIs
// the activity is delivered to.
type DeliveryPlan struct {
	To      []string
	CC      []string
	Inboxes []string
}

// PlanDelivery computes the delivery plan for a post.
// This is the production wrapper that uses the default database.
func PlanDelivery(post *domain.Post, author *domain.User, conf *util.AppConfig) (*DeliveryPlan, error) {
	return PlanDeliveryWithDeps(post, author, conf, NewDBWrapper())
}

// PlanDeliveryWithDeps computes to/cc and the minimal inbox set for a post.
//
//	public    → to {as:Public},  cc {followers}, follower fan-out
//	unlisted  → to {followers},  cc {as:Public}, follower fan-out
//	followers → to {followers},  cc ∅,           follower fan-out
//	private   → to ∅,            cc ∅,           no fan-out
//
// Mentioned actors are always added to `to` and to the target set. Shared
// inboxes are preferred and the result is deduplicated in first-seen order.
// Local recipients are never delivered over the wire.
func PlanDeliveryWithDeps(post *domain.Post, author *domain.User, conf *util.AppConfig, database Database) (*DeliveryPlan, error) {
	followersURI := LocalUserFollowersURI(conf, author.Id)

	plan := &DeliveryPlan{}
	switch post.Privacy {
	case domain.PrivacyPublic:
		plan.To = []string{PublicAudience}
		plan.CC = []string{followersURI}
	case domain.PrivacyUnlisted:
		plan.To = []string{followersURI}
		plan.CC = []string{PublicAudience}
	case domain.PrivacyFollowers:
		plan.To = []string{followersURI}
	case domain.PrivacyPrivate:
		// mentions only
	}

	seenInbox := make(map[string]bool)
	addInbox := func(user *domain.User) {
		if user.IsLocal() {
			// local actors are reconciled in-process, not over the wire
			return
		}
		inbox := user.InboxURI
		if user.SharedInboxURI != "" {
			inbox = user.SharedInboxURI
		}
		if inbox == "" || seenInbox[inbox] {
			return
		}
		seenInbox[inbox] = true
		plan.Inboxes = append(plan.Inboxes, inbox)
	}

	if post.Privacy != domain.PrivacyPrivate {
		err, followers := database.ReadFollowersOfUser(author.Id)
		if err != nil {
			log.Printf("Planner: Failed to read followers of %s: %v", author.Username, err)
		} else if followers != nil {
			for i := range *followers {
				addInbox(&(*followers)[i])
			}
		}
	}

	err, mentioned := database.ReadMentionedUsers(post.Id)
	if err == nil && mentioned != nil {
		seenTo := make(map[string]bool, len(plan.To))
		for _, uri := range plan.To {
			seenTo[uri] = true
		}
		for i := range *mentioned {
			target := &(*mentioned)[i]
			uri := ActorURI(conf, target)
			if !seenTo[uri] {
				seenTo[uri] = true
				plan.To = append(plan.To, uri)
			}
			addInbox(target)
		}
	}

	return plan, nil
}
