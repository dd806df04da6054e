package db

import (
	"log"
)

// SQL for the persistent schema. Everything is keyed by UUID text columns;
// uniqueness constraints carry the idempotency invariants of the federation
// engine (re-delivery by peers must not duplicate rows).
const (
	// Users: local and remote actors in one table. host = '' marks a local
	// user; remote users carry a canonical actor URI.
	sqlCreateUsersTable = `CREATE TABLE IF NOT EXISTS users (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		display_name TEXT,
		summary TEXT,
		private_key TEXT,
		public_key TEXT,
		uri TEXT UNIQUE,
		inbox_uri TEXT,
		outbox_uri TEXT,
		shared_inbox_uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, host)
	)`

	sqlCreateUsersIndices = `
		CREATE INDEX IF NOT EXISTS idx_users_uri ON users(uri);
		CREATE INDEX IF NOT EXISTS idx_users_host ON users(host);
	`

	// Fetch bookkeeping for remote users
	sqlCreateRemoteUserInfoTable = `CREATE TABLE IF NOT EXISTS remote_user_info (
		user_id TEXT NOT NULL PRIMARY KEY,
		last_fetched_at TIMESTAMP NOT NULL
	)`

	// Public keys advertised by actors, upserted by (owner, key id)
	sqlCreatePublicKeysTable = `CREATE TABLE IF NOT EXISTS public_keys (
		id TEXT NOT NULL PRIMARY KEY,
		key_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		public_key_pem TEXT NOT NULL,
		last_fetched_at TIMESTAMP NOT NULL,
		UNIQUE(owner_id, key_id)
	)`

	sqlCreatePublicKeysIndices = `
		CREATE INDEX IF NOT EXISTS idx_public_keys_key_id ON public_keys(key_id);
	`

	// Effective follow relationships
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_id TEXT NOT NULL,
		followee_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(follower_id, followee_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_follower_id ON follows(follower_id);
		CREATE INDEX IF NOT EXISTS idx_follows_followee_id ON follows(followee_id);
	`

	// Follow activities that are not yet effective; deleted on Accept/Reject
	sqlCreateFollowRequestsTable = `CREATE TABLE IF NOT EXISTS follow_requests (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		follower_id TEXT NOT NULL,
		followee_id TEXT NOT NULL,
		incoming INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateFollowRequestsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follow_requests_followee ON follow_requests(followee_id);
		CREATE INDEX IF NOT EXISTS idx_follow_requests_pair ON follow_requests(follower_id, followee_id);
	`

	// Posts: content NULL marks a pure repost. The partial unique index
	// enforces one pure repost per (poster, target).
	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE,
		poster_id TEXT NOT NULL,
		content TEXT,
		privacy INTEGER NOT NULL DEFAULT 0,
		reply_to_id TEXT,
		repost_of_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		deleted_at TIMESTAMP
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_poster_id ON posts(poster_id);
		CREATE INDEX IF NOT EXISTS idx_posts_uri ON posts(uri);
		CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_posts_unique_repost ON posts(poster_id, repost_of_id) WHERE content IS NULL AND repost_of_id IS NOT NULL;
	`

	sqlCreatePostHashtagsTable = `CREATE TABLE IF NOT EXISTS post_hashtags (
		id TEXT NOT NULL PRIMARY KEY,
		post_id TEXT NOT NULL,
		name TEXT NOT NULL,
		UNIQUE(post_id, name)
	)`

	sqlCreatePostHashtagsIndices = `
		CREATE INDEX IF NOT EXISTS idx_post_hashtags_name ON post_hashtags(name);
	`

	sqlCreatePostMentionsTable = `CREATE TABLE IF NOT EXISTS post_mentions (
		id TEXT NOT NULL PRIMARY KEY,
		post_id TEXT NOT NULL,
		target_user_id TEXT NOT NULL,
		UNIQUE(post_id, target_user_id)
	)`

	// Bearer tokens for local API consumers
	sqlCreateUserTokensTable = `CREATE TABLE IF NOT EXISTS user_tokens (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		token TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Media metadata
	sqlCreateUploadedFilesTable = `CREATE TABLE IF NOT EXISTS uploaded_files (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		media_type TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreatePostAttachmentsTable = `CREATE TABLE IF NOT EXISTS post_attachments (
		id TEXT NOT NULL PRIMARY KEY,
		post_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		UNIQUE(post_id, file_id)
	)`

	// Inbound activity log (deduplication & debugging)
	sqlCreateInboundActivitiesTable = `CREATE TABLE IF NOT EXISTS inbound_activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateInboundActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_inbound_activities_uri ON inbound_activities(activity_uri);
		CREATE INDEX IF NOT EXISTS idx_inbound_activities_object_uri ON inbound_activities(object_uri);
	`

	// Outbound delivery queue
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		signer_id TEXT NOT NULL,
		key_id TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		deadline_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`
)

// RunMigrations creates all tables and indices if they don't exist
func (db *DB) RunMigrations() error {
	statements := []struct {
		name string
		sql  string
	}{
		{"users", sqlCreateUsersTable},
		{"users indices", sqlCreateUsersIndices},
		{"remote_user_info", sqlCreateRemoteUserInfoTable},
		{"public_keys", sqlCreatePublicKeysTable},
		{"public_keys indices", sqlCreatePublicKeysIndices},
		{"follows", sqlCreateFollowsTable},
		{"follows indices", sqlCreateFollowsIndices},
		{"follow_requests", sqlCreateFollowRequestsTable},
		{"follow_requests indices", sqlCreateFollowRequestsIndices},
		{"posts", sqlCreatePostsTable},
		{"posts indices", sqlCreatePostsIndices},
		{"post_hashtags", sqlCreatePostHashtagsTable},
		{"post_hashtags indices", sqlCreatePostHashtagsIndices},
		{"post_mentions", sqlCreatePostMentionsTable},
		{"user_tokens", sqlCreateUserTokensTable},
		{"uploaded_files", sqlCreateUploadedFilesTable},
		{"post_attachments", sqlCreatePostAttachmentsTable},
		{"inbound_activities", sqlCreateInboundActivitiesTable},
		{"inbound_activities indices", sqlCreateInboundActivitiesIndices},
		{"delivery_queue", sqlCreateDeliveryQueueTable},
		{"delivery_queue indices", sqlCreateDeliveryQueueIndices},
	}

	for _, stmt := range statements {
		if _, err := db.db.Exec(stmt.sql); err != nil {
			log.Printf("Migration %s failed: %v", stmt.name, err)
			return err
		}
	}

	log.Printf("Migrations complete (%d statements)", len(statements))
	return nil
}
