package activitypub

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/deemkeen/lightpub/domain"
	"github.com/google/uuid"
)

// MockDatabase is an in-memory implementation of the Database interface for
// testing. It mirrors the idempotency behavior of the real store: conflicting
// natural keys resolve to no-ops, duplicate activity URIs surface as
// uniqueness errors.
type MockDatabase struct {
	mu sync.RWMutex

	Users          map[uuid.UUID]*domain.User
	UsersByURI     map[string]*domain.User
	RemoteInfo     map[uuid.UUID]*domain.RemoteUserInfo
	Keys           map[string]*domain.PublicKey
	Follows        map[string]*domain.Follow
	FollowRequests map[uuid.UUID]*domain.FollowRequest
	Posts          map[uuid.UUID]*domain.Post
	PostsByURI     map[string]*domain.Post
	PostHashtags   map[uuid.UUID][]string
	PostMentions   map[uuid.UUID][]uuid.UUID
	Activities     map[string]*domain.InboundActivity
	DeliveryQueue  map[uuid.UUID]*domain.DeliveryQueueItem

	ForceError error
}

// NewMockDatabase creates a new mock database with initialized maps
func NewMockDatabase() *MockDatabase {
	return &MockDatabase{
		Users:          make(map[uuid.UUID]*domain.User),
		UsersByURI:     make(map[string]*domain.User),
		RemoteInfo:     make(map[uuid.UUID]*domain.RemoteUserInfo),
		Keys:           make(map[string]*domain.PublicKey),
		Follows:        make(map[string]*domain.Follow),
		FollowRequests: make(map[uuid.UUID]*domain.FollowRequest),
		Posts:          make(map[uuid.UUID]*domain.Post),
		PostsByURI:     make(map[string]*domain.Post),
		PostHashtags:   make(map[uuid.UUID][]string),
		PostMentions:   make(map[uuid.UUID][]uuid.UUID),
		Activities:     make(map[string]*domain.InboundActivity),
		DeliveryQueue:  make(map[uuid.UUID]*domain.DeliveryQueueItem),
	}
}

func followKey(follower, followee uuid.UUID) string {
	return follower.String() + "/" + followee.String()
}

// AddUser adds a user (local or remote) to the mock database
func (m *MockDatabase) AddUser(user *domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Users[user.Id] = user
	if user.URI != "" {
		m.UsersByURI[user.URI] = user
	}
}

// AddPublicKey registers a signing key for a user
func (m *MockDatabase) AddPublicKey(key *domain.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Keys[key.KeyId] = key
}

func (m *MockDatabase) ReadUserById(id uuid.UUID) (error, *domain.User) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return m.ForceError, nil
	}
	user, ok := m.Users[id]
	if !ok {
		return sql.ErrNoRows, nil
	}
	return nil, user
}

func (m *MockDatabase) ReadUserByURI(uri string) (error, *domain.User) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return m.ForceError, nil
	}
	user, ok := m.UsersByURI[uri]
	if !ok {
		return sql.ErrNoRows, nil
	}
	return nil, user
}

func (m *MockDatabase) ReadLocalUserByUsername(username string) (error, *domain.User) {
	return m.ReadUserByHandle(username, "")
}

func (m *MockDatabase) ReadUserByHandle(username string, host string) (error, *domain.User) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ForceError != nil {
		return m.ForceError, nil
	}
	for _, user := range m.Users {
		if user.Username == username && user.Host == host {
			return nil, user
		}
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) UpsertRemoteUserWithKeys(user *domain.User, keys []domain.PublicKey) (error, *domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError, nil
	}
	if existing, ok := m.UsersByURI[user.URI]; ok {
		user.Id = existing.Id
	} else if user.Id == uuid.Nil {
		user.Id = uuid.New()
	}
	m.Users[user.Id] = user
	m.UsersByURI[user.URI] = user
	m.RemoteInfo[user.Id] = &domain.RemoteUserInfo{UserId: user.Id, LastFetchedAt: time.Now()}
	for i := range keys {
		key := keys[i]
		key.OwnerId = user.Id
		m.Keys[key.KeyId] = &key
	}
	return nil, user
}

func (m *MockDatabase) ReadRemoteUserInfo(userId uuid.UUID) (error, *domain.RemoteUserInfo) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.RemoteInfo[userId]
	if !ok {
		return sql.ErrNoRows, nil
	}
	return nil, info
}

func (m *MockDatabase) ReadPublicKeyByKeyId(keyId string) (error, *domain.PublicKey) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.Keys[keyId]
	if !ok {
		return sql.ErrNoRows, nil
	}
	return nil, key
}

func (m *MockDatabase) UpsertFollow(followerId, followeeId uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	key := followKey(followerId, followeeId)
	if _, ok := m.Follows[key]; ok {
		return nil
	}
	m.Follows[key] = &domain.Follow{
		Id:         uuid.New(),
		FollowerId: followerId,
		FolloweeId: followeeId,
		CreatedAt:  time.Now(),
	}
	return nil
}

func (m *MockDatabase) ReadFollow(followerId, followeeId uuid.UUID) (error, *domain.Follow) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	follow, ok := m.Follows[followKey(followerId, followeeId)]
	if !ok {
		return sql.ErrNoRows, nil
	}
	return nil, follow
}

func (m *MockDatabase) DeleteFollow(followerId, followeeId uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	delete(m.Follows, followKey(followerId, followeeId))
	return nil
}

func (m *MockDatabase) ReadFollowersOfUser(userId uuid.UUID) (error, *[]domain.User) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var followers []domain.User
	for _, follow := range m.Follows {
		if follow.FolloweeId == userId {
			if user, ok := m.Users[follow.FollowerId]; ok {
				followers = append(followers, *user)
			}
		}
	}
	return nil, &followers
}

func (m *MockDatabase) UpsertFollowRequest(req *domain.FollowRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	for _, existing := range m.FollowRequests {
		if existing.URI == req.URI {
			return nil
		}
	}
	m.FollowRequests[req.Id] = req
	return nil
}

func (m *MockDatabase) ReadFollowRequestByURI(uri string) (error, *domain.FollowRequest) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.FollowRequests {
		if req.URI == uri {
			return nil, req
		}
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) ReadFollowRequestByUsers(followerId, followeeId uuid.UUID) (error, *domain.FollowRequest) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.FollowRequests {
		if req.FollowerId == followerId && req.FolloweeId == followeeId {
			return nil, req
		}
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) DeleteFollowRequest(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.FollowRequests, id)
	return nil
}

func (m *MockDatabase) AcceptFollowRequest(req *domain.FollowRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	key := followKey(req.FollowerId, req.FolloweeId)
	if _, ok := m.Follows[key]; !ok {
		m.Follows[key] = &domain.Follow{
			Id:         uuid.New(),
			FollowerId: req.FollowerId,
			FolloweeId: req.FolloweeId,
			CreatedAt:  time.Now(),
		}
	}
	delete(m.FollowRequests, req.Id)
	return nil
}

func (m *MockDatabase) CreatePost(post *domain.Post, hashtags []string, mentionUserIds []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	if post.URI != "" {
		if _, ok := m.PostsByURI[post.URI]; ok {
			return nil
		}
	}
	if post.Content == nil && post.RepostOfId != nil {
		for _, existing := range m.Posts {
			if existing.PosterId == post.PosterId && existing.Content == nil &&
				existing.RepostOfId != nil && *existing.RepostOfId == *post.RepostOfId {
				return nil
			}
		}
	}
	m.Posts[post.Id] = post
	if post.URI != "" {
		m.PostsByURI[post.URI] = post
	}
	m.PostHashtags[post.Id] = hashtags
	m.PostMentions[post.Id] = mentionUserIds
	return nil
}

func (m *MockDatabase) ReadPostById(id uuid.UUID) (error, *domain.Post) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	post, ok := m.Posts[id]
	if !ok {
		return sql.ErrNoRows, nil
	}
	return nil, post
}

func (m *MockDatabase) ReadPostByURI(uri string) (error, *domain.Post) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	post, ok := m.PostsByURI[uri]
	if !ok {
		return sql.ErrNoRows, nil
	}
	return nil, post
}

func (m *MockDatabase) ReadRepostByUsers(posterId, repostOfId uuid.UUID) (error, *domain.Post) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, post := range m.Posts {
		if post.PosterId == posterId && post.Content == nil &&
			post.RepostOfId != nil && *post.RepostOfId == repostOfId {
			return nil, post
		}
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) SoftDeletePost(id uuid.UUID, deletedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.Posts[id]
	if !ok {
		return nil
	}
	if post.DeletedAt == nil {
		post.DeletedAt = &deletedAt
	}
	return nil
}

func (m *MockDatabase) ReadPostHashtags(postId uuid.UUID) (error, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return nil, m.PostHashtags[postId]
}

func (m *MockDatabase) ReadMentionedUsers(postId uuid.UUID) (error, *[]domain.User) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var users []domain.User
	for _, id := range m.PostMentions[postId] {
		if user, ok := m.Users[id]; ok {
			users = append(users, *user)
		}
	}
	return nil, &users
}

func (m *MockDatabase) CreateInboundActivity(activity *domain.InboundActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	if _, ok := m.Activities[activity.ActivityURI]; ok {
		return fmt.Errorf("constraint failed: UNIQUE constraint failed: inbound_activities.activity_uri")
	}
	m.Activities[activity.ActivityURI] = activity
	return nil
}

func (m *MockDatabase) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceError != nil {
		return m.ForceError
	}
	m.DeliveryQueue[item.Id] = item
	return nil
}

func (m *MockDatabase) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []domain.DeliveryQueueItem
	now := time.Now()
	for _, item := range m.DeliveryQueue {
		if !item.NextRetryAt.After(now) && len(items) < limit {
			items = append(items, *item)
		}
	}
	return nil, &items
}

func (m *MockDatabase) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.DeliveryQueue[id]; ok {
		item.Attempts = attempts
		item.NextRetryAt = nextRetry
	}
	return nil
}

func (m *MockDatabase) DeleteDelivery(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.DeliveryQueue, id)
	return nil
}
