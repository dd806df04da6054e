package domain

import (
	"time"

	"github.com/google/uuid"
)

// Privacy is the visibility level of a post. The levels are totally
// ordered: public ⊃ unlisted ⊃ followers ⊃ private.
type Privacy int

const (
	PrivacyPublic Privacy = iota
	PrivacyUnlisted
	PrivacyFollowers
	PrivacyPrivate
)

func (p Privacy) String() string {
	switch p {
	case PrivacyPublic:
		return "public"
	case PrivacyUnlisted:
		return "unlisted"
	case PrivacyFollowers:
		return "followers"
	case PrivacyPrivate:
		return "private"
	}
	return "unknown"
}

// Post represents a note authored locally or received over federation.
// Content is nil for a pure repost; RepostOfId set with non-nil Content
// makes a quote. A repost target must itself not be a repost.
type Post struct {
	Id        uuid.UUID
	URI       string // canonical URI, remote posts only (local URIs are derived)
	PosterId  uuid.UUID
	Content   *string
	Privacy   Privacy
	ReplyToId *uuid.UUID
	RepostOfId *uuid.UUID
	CreatedAt time.Time
	DeletedAt *time.Time
}

// IsRepost reports whether the post is a pure repost (no content of its own).
func (p *Post) IsRepost() bool {
	return p.Content == nil && p.RepostOfId != nil
}

// PostHashtag links a post to a hashtag it carries.
type PostHashtag struct {
	Id     uuid.UUID
	PostId uuid.UUID
	Name   string
}

// PostMention links a post to a mentioned user.
type PostMention struct {
	Id           uuid.UUID
	PostId       uuid.UUID
	TargetUserId uuid.UUID
}

// UploadedFile is a media file stored by a local user.
type UploadedFile struct {
	Id        uuid.UUID
	UserId    uuid.UUID
	FileName  string
	MediaType string
	CreatedAt time.Time
}

// PostAttachment links an uploaded file to a post.
type PostAttachment struct {
	Id     uuid.UUID
	PostId uuid.UUID
	FileId uuid.UUID
}
