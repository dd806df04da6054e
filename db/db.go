package db

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/lightpub/domain"
	"github.com/deemkeen/lightpub/util"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct. It is the only writer of persistent records on
// behalf of the federation engine; every multi-row operation runs inside a
// single transaction and is idempotent with respect to its natural keys.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

func GetDB() *DB {
	dbOnce.Do(func() {
		dbPath := util.ResolveFilePath("lightpub.db")
		log.Printf("Using database at: %s", dbPath)

		instance, err := Open(dbPath)
		if err != nil {
			panic(err)
		}
		dbInstance = instance
	})

	return dbInstance
}

// Open opens a sqlite database at the given path and runs the schema
// migrations. Used by GetDB and by tests running against temp files.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Connection pool for concurrent inbox/delivery/resolver access
	sqldb.SetMaxOpenConns(25)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqldb.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	sqldb.Exec("PRAGMA synchronous = NORMAL")
	sqldb.Exec("PRAGMA cache_size = -64000")
	sqldb.Exec("PRAGMA temp_store = MEMORY")
	sqldb.Exec("PRAGMA busy_timeout = 5000")
	sqldb.Exec("PRAGMA foreign_keys = ON")

	database := &DB{db: sqldb}
	if err := database.RunMigrations(); err != nil {
		return nil, err
	}
	return database, nil
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

// IsUniqueConstraintErr reports whether err is a sqlite uniqueness violation.
// Re-delivered activities and duplicate reposts surface as these.
func IsUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Users
const (
	sqlUserColumns = `id, username, host, display_name, summary, private_key, public_key, uri, inbox_uri, outbox_uri, shared_inbox_uri, created_at`

	sqlInsertUser = `INSERT INTO users(id, username, host, display_name, summary, private_key, public_key, uri, inbox_uri, outbox_uri, shared_inbox_uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpdateRemoteUser = `UPDATE users SET username = ?, host = ?, display_name = ?, summary = ?, public_key = ?, inbox_uri = ?, outbox_uri = ?, shared_inbox_uri = ? WHERE id = ?`

	sqlSelectUserById       = `SELECT ` + sqlUserColumns + ` FROM users WHERE id = ?`
	sqlSelectUserByURI      = `SELECT ` + sqlUserColumns + ` FROM users WHERE uri = ?`
	sqlSelectUserByHandle   = `SELECT ` + sqlUserColumns + ` FROM users WHERE username = ? AND host = ?`
	sqlSelectUserIdByURI    = `SELECT id FROM users WHERE uri = ?`
	sqlCountLocalUsers      = `SELECT COUNT(*) FROM users WHERE host = ''`
	sqlCountLocalPosts      = `SELECT COUNT(*) FROM posts p INNER JOIN users u ON u.id = p.poster_id WHERE u.host = '' AND p.deleted_at IS NULL`
	sqlSelectLocalUsernames = `SELECT username FROM users WHERE host = '' ORDER BY username ASC`
)

func scanUser(row interface{ Scan(...any) error }) (error, *domain.User) {
	var u domain.User
	var displayName, summary, privateKey, publicKey, uri, inboxURI, outboxURI, sharedInboxURI sql.NullString
	var idStr string
	err := row.Scan(&idStr, &u.Username, &u.Host, &displayName, &summary, &privateKey, &publicKey, &uri, &inboxURI, &outboxURI, &sharedInboxURI, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	u.Id, _ = uuid.Parse(idStr)
	u.DisplayName = displayName.String
	u.Summary = summary.String
	u.PrivateKey = privateKey.String
	u.PublicKey = publicKey.String
	u.URI = uri.String
	u.InboxURI = inboxURI.String
	u.OutboxURI = outboxURI.String
	u.SharedInboxURI = sharedInboxURI.String
	return nil, &u
}

// CreateAccount creates a local user with a freshly generated 4096-bit RSA
// keypair. Fails if the username is taken.
func (db *DB) CreateAccount(username string, displayName string) (error, *domain.User) {
	if displayName == "" {
		displayName = username
	}

	keypair := util.GeneratePemKeypair()
	user := &domain.User{
		Id:          uuid.New(),
		Username:    username,
		Host:        "",
		DisplayName: displayName,
		PrivateKey:  keypair.Private,
		PublicKey:   keypair.Public,
		CreatedAt:   time.Now().UTC(),
	}

	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertUser,
			user.Id.String(),
			user.Username,
			user.Host,
			user.DisplayName,
			user.Summary,
			user.PrivateKey,
			user.PublicKey,
			nil, // uri: local users derive theirs
			nil,
			nil,
			nil,
			user.CreatedAt,
		)
		return err
	})
	if err != nil {
		return err, nil
	}
	return nil, user
}

func (db *DB) ReadUserById(id uuid.UUID) (error, *domain.User) {
	return scanUser(db.db.QueryRow(sqlSelectUserById, id.String()))
}

func (db *DB) ReadUserByURI(uri string) (error, *domain.User) {
	return scanUser(db.db.QueryRow(sqlSelectUserByURI, uri))
}

// ReadLocalUserByUsername looks up a local user (host = '').
func (db *DB) ReadLocalUserByUsername(username string) (error, *domain.User) {
	return scanUser(db.db.QueryRow(sqlSelectUserByHandle, username, ""))
}

func (db *DB) ReadUserByHandle(username string, host string) (error, *domain.User) {
	return scanUser(db.db.QueryRow(sqlSelectUserByHandle, username, host))
}

func (db *DB) CountLocalUsers() (int, error) {
	var count int
	err := db.db.QueryRow(sqlCountLocalUsers).Scan(&count)
	return count, err
}

func (db *DB) CountLocalPosts() (int, error) {
	var count int
	err := db.db.QueryRow(sqlCountLocalPosts).Scan(&count)
	return count, err
}

func (db *DB) ReadLocalUsernames() (error, []string) {
	rows, err := db.db.Query(sqlSelectLocalUsernames)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return err, usernames
		}
		usernames = append(usernames, username)
	}
	return rows.Err(), usernames
}

// UpsertRemoteUserWithKeys materializes a fetched remote actor, its fetch
// bookkeeping and its public keys in one transaction. The user is matched by
// canonical URI; an existing row keeps its id.
func (db *DB) UpsertRemoteUserWithKeys(user *domain.User, keys []domain.PublicKey) (error, *domain.User) {
	now := time.Now().UTC()

	err := db.wrapTransaction(func(tx *sql.Tx) error {
		var existingId string
		err := tx.QueryRow(sqlSelectUserIdByURI, user.URI).Scan(&existingId)
		switch {
		case err == sql.ErrNoRows:
			if user.Id == uuid.Nil {
				user.Id = uuid.New()
			}
			user.CreatedAt = now
			_, err = tx.Exec(sqlInsertUser,
				user.Id.String(),
				user.Username,
				user.Host,
				user.DisplayName,
				user.Summary,
				nil, // remote users never carry a private key
				user.PublicKey,
				user.URI,
				user.InboxURI,
				user.OutboxURI,
				nullable(user.SharedInboxURI),
				user.CreatedAt,
			)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			user.Id, _ = uuid.Parse(existingId)
			_, err = tx.Exec(sqlUpdateRemoteUser,
				user.Username,
				user.Host,
				user.DisplayName,
				user.Summary,
				user.PublicKey,
				user.InboxURI,
				user.OutboxURI,
				nullable(user.SharedInboxURI),
				user.Id.String(),
			)
			if err != nil {
				return err
			}
		}

		_, err = tx.Exec(`INSERT INTO remote_user_info(user_id, last_fetched_at) VALUES (?, ?)
			ON CONFLICT(user_id) DO UPDATE SET last_fetched_at = excluded.last_fetched_at`,
			user.Id.String(), now)
		if err != nil {
			return err
		}

		for _, key := range keys {
			_, err = tx.Exec(`INSERT INTO public_keys(id, key_id, owner_id, public_key_pem, last_fetched_at) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(owner_id, key_id) DO UPDATE SET public_key_pem = excluded.public_key_pem, last_fetched_at = excluded.last_fetched_at`,
				uuid.New().String(), key.KeyId, user.Id.String(), key.PublicKeyPem, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err, nil
	}
	return nil, user
}

func (db *DB) ReadRemoteUserInfo(userId uuid.UUID) (error, *domain.RemoteUserInfo) {
	row := db.db.QueryRow(`SELECT user_id, last_fetched_at FROM remote_user_info WHERE user_id = ?`, userId.String())
	var info domain.RemoteUserInfo
	var idStr string
	err := row.Scan(&idStr, &info.LastFetchedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	info.UserId, _ = uuid.Parse(idStr)
	return nil, &info
}

// ReadPublicKeyByKeyId resolves a signature keyId to its stored key and owner.
func (db *DB) ReadPublicKeyByKeyId(keyId string) (error, *domain.PublicKey) {
	row := db.db.QueryRow(`SELECT id, key_id, owner_id, public_key_pem, last_fetched_at FROM public_keys WHERE key_id = ?`, keyId)
	var key domain.PublicKey
	var idStr, ownerStr string
	err := row.Scan(&idStr, &key.KeyId, &ownerStr, &key.PublicKeyPem, &key.LastFetchedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	key.Id, _ = uuid.Parse(idStr)
	key.OwnerId, _ = uuid.Parse(ownerStr)
	return nil, &key
}

// Follows
const (
	sqlUpsertFollow = `INSERT INTO follows(id, follower_id, followee_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(follower_id, followee_id) DO NOTHING`
	sqlSelectFollow = `SELECT id, follower_id, followee_id, created_at FROM follows WHERE follower_id = ? AND followee_id = ?`
	sqlDeleteFollow = `DELETE FROM follows WHERE follower_id = ? AND followee_id = ?`

	sqlSelectFollowersOfUser = `SELECT ` + sqlUserColumnsPrefixed + ` FROM users u
		INNER JOIN follows f ON f.follower_id = u.id
		WHERE f.followee_id = ?
		ORDER BY f.created_at ASC`
	sqlSelectFollowingOfUser = `SELECT ` + sqlUserColumnsPrefixed + ` FROM users u
		INNER JOIN follows f ON f.followee_id = u.id
		WHERE f.follower_id = ?
		ORDER BY f.created_at ASC`

	sqlUserColumnsPrefixed = `u.id, u.username, u.host, u.display_name, u.summary, u.private_key, u.public_key, u.uri, u.inbox_uri, u.outbox_uri, u.shared_inbox_uri, u.created_at`
)

// UpsertFollow records an effective follow; a duplicate is a no-op.
func (db *DB) UpsertFollow(followerId, followeeId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollow, uuid.New().String(), followerId.String(), followeeId.String(), time.Now().UTC())
		return err
	})
}

func (db *DB) ReadFollow(followerId, followeeId uuid.UUID) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollow, followerId.String(), followeeId.String())
	var follow domain.Follow
	var idStr, followerStr, followeeStr string
	err := row.Scan(&idStr, &followerStr, &followeeStr, &follow.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.FollowerId, _ = uuid.Parse(followerStr)
	follow.FolloweeId, _ = uuid.Parse(followeeStr)
	return nil, &follow
}

// DeleteFollow removes a follow if present; absence is not an error.
func (db *DB) DeleteFollow(followerId, followeeId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollow, followerId.String(), followeeId.String())
		return err
	})
}

func (db *DB) readUsers(query string, args ...any) (error, *[]domain.User) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		err, u := scanUser(rows)
		if err != nil {
			return err, &users
		}
		users = append(users, *u)
	}
	if err = rows.Err(); err != nil {
		return err, &users
	}
	return nil, &users
}

func (db *DB) ReadFollowersOfUser(userId uuid.UUID) (error, *[]domain.User) {
	return db.readUsers(sqlSelectFollowersOfUser, userId.String())
}

func (db *DB) ReadFollowingOfUser(userId uuid.UUID) (error, *[]domain.User) {
	return db.readUsers(sqlSelectFollowingOfUser, userId.String())
}

// Follow requests
const (
	sqlUpsertFollowRequest = `INSERT INTO follow_requests(id, uri, follower_id, followee_id, incoming, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO NOTHING`
	sqlSelectFollowRequestByURI   = `SELECT id, uri, follower_id, followee_id, incoming, created_at FROM follow_requests WHERE uri = ?`
	sqlSelectFollowRequestByUsers = `SELECT id, uri, follower_id, followee_id, incoming, created_at FROM follow_requests WHERE follower_id = ? AND followee_id = ?`
	sqlDeleteFollowRequest        = `DELETE FROM follow_requests WHERE id = ?`
)

// UpsertFollowRequest records a not-yet-effective Follow activity, keyed by
// its activity URI; re-delivery is a no-op.
func (db *DB) UpsertFollowRequest(req *domain.FollowRequest) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		incoming := 0
		if req.Incoming {
			incoming = 1
		}
		_, err := tx.Exec(sqlUpsertFollowRequest,
			req.Id.String(),
			req.URI,
			req.FollowerId.String(),
			req.FolloweeId.String(),
			incoming,
			req.CreatedAt,
		)
		return err
	})
}

func scanFollowRequest(row interface{ Scan(...any) error }) (error, *domain.FollowRequest) {
	var req domain.FollowRequest
	var idStr, followerStr, followeeStr string
	var incoming int
	err := row.Scan(&idStr, &req.URI, &followerStr, &followeeStr, &incoming, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	req.Id, _ = uuid.Parse(idStr)
	req.FollowerId, _ = uuid.Parse(followerStr)
	req.FolloweeId, _ = uuid.Parse(followeeStr)
	req.Incoming = incoming == 1
	return nil, &req
}

func (db *DB) ReadFollowRequestByURI(uri string) (error, *domain.FollowRequest) {
	return scanFollowRequest(db.db.QueryRow(sqlSelectFollowRequestByURI, uri))
}

func (db *DB) ReadFollowRequestByUsers(followerId, followeeId uuid.UUID) (error, *domain.FollowRequest) {
	return scanFollowRequest(db.db.QueryRow(sqlSelectFollowRequestByUsers, followerId.String(), followeeId.String()))
}

func (db *DB) DeleteFollowRequest(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowRequest, id.String())
		return err
	})
}

// AcceptFollowRequest materializes the follow and removes the request in one
// transaction. Safe to replay: the follow insert is conflict-free and the
// request delete tolerates absence.
func (db *DB) AcceptFollowRequest(req *domain.FollowRequest) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollow, uuid.New().String(), req.FollowerId.String(), req.FolloweeId.String(), time.Now().UTC())
		if err != nil {
			return err
		}
		_, err = tx.Exec(sqlDeleteFollowRequest, req.Id.String())
		return err
	})
}

// Posts
const (
	sqlInsertPost = `INSERT INTO posts(id, uri, poster_id, content, privacy, reply_to_id, repost_of_id, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`
	sqlPostColumns        = `id, uri, poster_id, content, privacy, reply_to_id, repost_of_id, created_at, deleted_at`
	sqlSelectPostById     = `SELECT ` + sqlPostColumns + ` FROM posts WHERE id = ?`
	sqlSelectPostByURI    = `SELECT ` + sqlPostColumns + ` FROM posts WHERE uri = ?`
	sqlSelectRepostByPair = `SELECT ` + sqlPostColumns + ` FROM posts WHERE poster_id = ? AND repost_of_id = ? AND content IS NULL`
	sqlSoftDeletePost     = `UPDATE posts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`

	sqlSelectPublicPostsByUser = `SELECT ` + sqlPostColumns + ` FROM posts
		WHERE poster_id = ? AND privacy = 0 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT ? OFFSET ?`
)

func scanPost(row interface{ Scan(...any) error }) (error, *domain.Post) {
	var p domain.Post
	var idStr, posterStr string
	var uri, content, replyTo, repostOf sql.NullString
	var privacy int
	var deletedAt sql.NullTime
	err := row.Scan(&idStr, &uri, &posterStr, &content, &privacy, &replyTo, &repostOf, &p.CreatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	p.Id, _ = uuid.Parse(idStr)
	p.PosterId, _ = uuid.Parse(posterStr)
	p.URI = uri.String
	p.Privacy = domain.Privacy(privacy)
	if content.Valid {
		c := content.String
		p.Content = &c
	}
	if replyTo.Valid {
		id, err := uuid.Parse(replyTo.String)
		if err == nil {
			p.ReplyToId = &id
		}
	}
	if repostOf.Valid {
		id, err := uuid.Parse(repostOf.String)
		if err == nil {
			p.RepostOfId = &id
		}
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		p.DeletedAt = &t
	}
	return nil, &p
}

// CreatePost persists a post with its hashtags and mentions in one
// transaction. Re-delivery of a remote post (same URI) and duplicate pure
// reposts resolve to a silent no-op.
func (db *DB) CreatePost(post *domain.Post, hashtags []string, mentionUserIds []uuid.UUID) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPost,
			post.Id.String(),
			nullable(post.URI),
			post.PosterId.String(),
			nullableStringPtr(post.Content),
			int(post.Privacy),
			nullableUUIDPtr(post.ReplyToId),
			nullableUUIDPtr(post.RepostOfId),
			post.CreatedAt,
		)
		if err != nil {
			return err
		}

		for _, tag := range hashtags {
			_, err = tx.Exec(`INSERT INTO post_hashtags(id, post_id, name) VALUES (?, ?, ?)
				ON CONFLICT(post_id, name) DO NOTHING`,
				uuid.New().String(), post.Id.String(), tag)
			if err != nil {
				return err
			}
		}

		for _, target := range mentionUserIds {
			_, err = tx.Exec(`INSERT INTO post_mentions(id, post_id, target_user_id) VALUES (?, ?, ?)
				ON CONFLICT(post_id, target_user_id) DO NOTHING`,
				uuid.New().String(), post.Id.String(), target.String())
			if err != nil {
				return err
			}
		}
		return nil
	})
	if IsUniqueConstraintErr(err) {
		// Same URI or same (poster, repost target): already applied
		return nil
	}
	return err
}

func (db *DB) ReadPostById(id uuid.UUID) (error, *domain.Post) {
	return scanPost(db.db.QueryRow(sqlSelectPostById, id.String()))
}

func (db *DB) ReadPostByURI(uri string) (error, *domain.Post) {
	return scanPost(db.db.QueryRow(sqlSelectPostByURI, uri))
}

// ReadRepostByUsers finds an existing pure repost of a target by a poster.
func (db *DB) ReadRepostByUsers(posterId, repostOfId uuid.UUID) (error, *domain.Post) {
	return scanPost(db.db.QueryRow(sqlSelectRepostByPair, posterId.String(), repostOfId.String()))
}

// SoftDeletePost marks a post deleted; replaying the delete keeps the first
// deletion timestamp.
func (db *DB) SoftDeletePost(id uuid.UUID, deletedAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSoftDeletePost, deletedAt, id.String())
		return err
	})
}

func (db *DB) ReadPublicPostsByUser(userId uuid.UUID, limit, offset int) (error, *[]domain.Post) {
	rows, err := db.db.Query(sqlSelectPublicPostsByUser, userId.String(), limit, offset)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		err, p := scanPost(rows)
		if err != nil {
			return err, &posts
		}
		posts = append(posts, *p)
	}
	if err = rows.Err(); err != nil {
		return err, &posts
	}
	return nil, &posts
}

func (db *DB) ReadPostHashtags(postId uuid.UUID) (error, []string) {
	rows, err := db.db.Query(`SELECT name FROM post_hashtags WHERE post_id = ? ORDER BY name ASC`, postId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return err, tags
		}
		tags = append(tags, tag)
	}
	return rows.Err(), tags
}

// ReadMentionedUsers returns the users mentioned by a post.
func (db *DB) ReadMentionedUsers(postId uuid.UUID) (error, *[]domain.User) {
	return db.readUsers(`SELECT `+sqlUserColumnsPrefixed+` FROM users u
		INNER JOIN post_mentions m ON m.target_user_id = u.id
		WHERE m.post_id = ?`, postId.String())
}

// Tokens
func (db *DB) CreateUserToken(userId uuid.UUID) (error, *domain.UserToken) {
	token := &domain.UserToken{
		Id:        uuid.New(),
		UserId:    userId,
		Token:     util.RandomString(64),
		CreatedAt: time.Now().UTC(),
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO user_tokens(id, user_id, token, created_at) VALUES (?, ?, ?, ?)`,
			token.Id.String(), token.UserId.String(), token.Token, token.CreatedAt)
		return err
	})
	if err != nil {
		return err, nil
	}
	return nil, token
}

func (db *DB) ReadUserByToken(token string) (error, *domain.User) {
	return scanUser(db.db.QueryRow(`SELECT `+sqlUserColumnsPrefixed+` FROM users u
		INNER JOIN user_tokens t ON t.user_id = u.id
		WHERE t.token = ?`, token))
}

// Media
func (db *DB) CreateUploadedFile(file *domain.UploadedFile) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO uploaded_files(id, user_id, file_name, media_type, created_at) VALUES (?, ?, ?, ?, ?)`,
			file.Id.String(), file.UserId.String(), file.FileName, file.MediaType, file.CreatedAt)
		return err
	})
}

func (db *DB) CreatePostAttachment(attachment *domain.PostAttachment) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO post_attachments(id, post_id, file_id) VALUES (?, ?, ?)`,
			attachment.Id.String(), attachment.PostId.String(), attachment.FileId.String())
		return err
	})
	if IsUniqueConstraintErr(err) {
		return nil
	}
	return err
}

// Inbound activity log
const (
	sqlInsertInboundActivity = `INSERT INTO inbound_activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
)

// CreateInboundActivity logs a received activity. A uniqueness violation on
// the activity URI signals a re-delivered duplicate; callers detect it with
// IsUniqueConstraintErr.
func (db *DB) CreateInboundActivity(activity *domain.InboundActivity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertInboundActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.CreatedAt,
		)
		return err
	})
}

// Delivery queue
const (
	sqlInsertDeliveryQueue     = `INSERT INTO delivery_queue(id, inbox_uri, activity_json, signer_id, key_id, attempts, next_retry_at, deadline_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, inbox_uri, activity_json, signer_id, key_id, attempts, next_retry_at, deadline_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt   = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery          = `DELETE FROM delivery_queue WHERE id = ?`
)

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryQueue,
			item.Id.String(),
			item.InboxURI,
			item.ActivityJSON,
			item.SignerId.String(),
			item.KeyId,
			item.Attempts,
			item.NextRetryAt,
			item.DeadlineAt,
			item.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, time.Now().UTC(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr, signerStr string
		if err := rows.Scan(&idStr, &item.InboxURI, &item.ActivityJSON, &signerStr, &item.KeyId, &item.Attempts, &item.NextRetryAt, &item.DeadlineAt, &item.CreatedAt); err != nil {
			return err, &items
		}
		item.Id, _ = uuid.Parse(idStr)
		item.SignerId, _ = uuid.Parse(signerStr)
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return err, &items
	}
	return nil, &items
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableUUIDPtr(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}
