package activitypub

import (
	"time"

	"github.com/deemkeen/lightpub/db"
	"github.com/deemkeen/lightpub/domain"
	"github.com/google/uuid"
)

// DBWrapper adapts the db package to the Database interface.
type DBWrapper struct {
	db *db.DB
}

func NewDBWrapper() *DBWrapper {
	return &DBWrapper{db: db.GetDB()}
}

func (w *DBWrapper) ReadUserById(id uuid.UUID) (error, *domain.User) {
	return w.db.ReadUserById(id)
}

func (w *DBWrapper) ReadUserByURI(uri string) (error, *domain.User) {
	return w.db.ReadUserByURI(uri)
}

func (w *DBWrapper) ReadLocalUserByUsername(username string) (error, *domain.User) {
	return w.db.ReadLocalUserByUsername(username)
}

func (w *DBWrapper) ReadUserByHandle(username string, host string) (error, *domain.User) {
	return w.db.ReadUserByHandle(username, host)
}

func (w *DBWrapper) UpsertRemoteUserWithKeys(user *domain.User, keys []domain.PublicKey) (error, *domain.User) {
	return w.db.UpsertRemoteUserWithKeys(user, keys)
}

func (w *DBWrapper) ReadRemoteUserInfo(userId uuid.UUID) (error, *domain.RemoteUserInfo) {
	return w.db.ReadRemoteUserInfo(userId)
}

func (w *DBWrapper) ReadPublicKeyByKeyId(keyId string) (error, *domain.PublicKey) {
	return w.db.ReadPublicKeyByKeyId(keyId)
}

func (w *DBWrapper) UpsertFollow(followerId, followeeId uuid.UUID) error {
	return w.db.UpsertFollow(followerId, followeeId)
}

func (w *DBWrapper) ReadFollow(followerId, followeeId uuid.UUID) (error, *domain.Follow) {
	return w.db.ReadFollow(followerId, followeeId)
}

func (w *DBWrapper) DeleteFollow(followerId, followeeId uuid.UUID) error {
	return w.db.DeleteFollow(followerId, followeeId)
}

func (w *DBWrapper) ReadFollowersOfUser(userId uuid.UUID) (error, *[]domain.User) {
	return w.db.ReadFollowersOfUser(userId)
}

func (w *DBWrapper) UpsertFollowRequest(req *domain.FollowRequest) error {
	return w.db.UpsertFollowRequest(req)
}

func (w *DBWrapper) ReadFollowRequestByURI(uri string) (error, *domain.FollowRequest) {
	return w.db.ReadFollowRequestByURI(uri)
}

func (w *DBWrapper) ReadFollowRequestByUsers(followerId, followeeId uuid.UUID) (error, *domain.FollowRequest) {
	return w.db.ReadFollowRequestByUsers(followerId, followeeId)
}

func (w *DBWrapper) DeleteFollowRequest(id uuid.UUID) error {
	return w.db.DeleteFollowRequest(id)
}

func (w *DBWrapper) AcceptFollowRequest(req *domain.FollowRequest) error {
	return w.db.AcceptFollowRequest(req)
}

func (w *DBWrapper) CreatePost(post *domain.Post, hashtags []string, mentionUserIds []uuid.UUID) error {
	return w.db.CreatePost(post, hashtags, mentionUserIds)
}

func (w *DBWrapper) ReadPostById(id uuid.UUID) (error, *domain.Post) {
	return w.db.ReadPostById(id)
}

func (w *DBWrapper) ReadPostByURI(uri string) (error, *domain.Post) {
	return w.db.ReadPostByURI(uri)
}

func (w *DBWrapper) ReadRepostByUsers(posterId, repostOfId uuid.UUID) (error, *domain.Post) {
	return w.db.ReadRepostByUsers(posterId, repostOfId)
}

func (w *DBWrapper) SoftDeletePost(id uuid.UUID, deletedAt time.Time) error {
	return w.db.SoftDeletePost(id, deletedAt)
}

func (w *DBWrapper) ReadPostHashtags(postId uuid.UUID) (error, []string) {
	return w.db.ReadPostHashtags(postId)
}

func (w *DBWrapper) ReadMentionedUsers(postId uuid.UUID) (error, *[]domain.User) {
	return w.db.ReadMentionedUsers(postId)
}

func (w *DBWrapper) CreateInboundActivity(activity *domain.InboundActivity) error {
	return w.db.CreateInboundActivity(activity)
}

func (w *DBWrapper) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return w.db.EnqueueDelivery(item)
}

func (w *DBWrapper) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	return w.db.ReadPendingDeliveries(limit)
}

func (w *DBWrapper) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return w.db.UpdateDeliveryAttempt(id, attempts, nextRetry)
}

func (w *DBWrapper) DeleteDelivery(id uuid.UUID) error {
	return w.db.DeleteDelivery(id)
}
