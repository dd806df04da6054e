package web

import (
	"encoding/json"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/deemkeen/lightpub/activitypub"
	"github.com/deemkeen/lightpub/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const maxActivitySize = 1 * 1024 * 1024 // 1MB inbox cap

// Router builds the HTTP surface of the node: the federation endpoints,
// the well-known discovery documents and the RSS feed.
func Router(conf *util.AppConfig) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = util.GetLogWriter()
	gin.DefaultErrorWriter = util.GetLogWriter()

	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for the inbox endpoints: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(maxActivitySize)

	g.GET("/api/users/:id", func(c *gin.Context) {
		userId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(404, gin.H{"error": "invalid user id"})
			return
		}
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, actor := GetActor(userId, conf)
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
		} else {
			c.Render(200, render.String{Format: actor})
		}
	})

	g.POST("/api/users/:id/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		userId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Status(404)
			return
		}
		handleInboxPost(c, userId, conf)
	})

	// Shared inbox: the recipient is derived from the activity itself
	g.POST("/api/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(400)
			return
		}
		restoreBody(c, body)

		recipientId, ok := sharedInboxRecipient(body, conf)
		if !ok {
			log.Printf("Shared inbox: No local recipient found")
			c.Status(400)
			return
		}
		handleInboxPost(c, recipientId, conf)
	})

	g.GET("/api/users/:id/outbox", func(c *gin.Context) {
		userId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Status(404)
			return
		}
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		if pageStr := c.Query("page"); pageStr != "" {
			page, _ := strconv.Atoi(pageStr)
			err, doc := GetOutboxPage(userId, page, conf)
			renderDocument(c, err, doc)
			return
		}
		err, doc := GetOutboxCollection(userId, conf)
		renderDocument(c, err, doc)
	})

	g.GET("/api/users/:id/followers", func(c *gin.Context) {
		userId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Status(404)
			return
		}
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, doc := GetFollowersCollection(userId, conf)
		renderDocument(c, err, doc)
	})

	g.GET("/api/users/:id/following", func(c *gin.Context) {
		userId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Status(404)
			return
		}
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, doc := GetFollowingCollection(userId, conf)
		renderDocument(c, err, doc)
	})

	g.GET("/api/posts/:id", func(c *gin.Context) {
		postId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(404, gin.H{"error": "invalid post id"})
			return
		}
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, deleted, doc := GetPostObject(postId, conf)
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
			return
		}
		if deleted {
			c.Render(410, render.String{Format: doc})
			return
		}
		c.Render(200, render.String{Format: doc})
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/jrd+json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
			return
		}
		resource = strings.TrimPrefix(resource, "acct:")
		err, resp := GetWebfinger(resource, conf)
		if err != nil {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})

	// NodeInfo endpoints for server discovery and statistics
	g.GET("/.well-known/nodeinfo", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")
		c.Render(200, render.String{Format: GetWellKnownNodeInfo(conf)})
	})

	g.GET("/nodeinfo/2.0", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")
		c.Render(200, render.String{Format: GetNodeInfo("2.0", conf)})
	})

	g.GET("/nodeinfo/2.1", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")
		c.Render(200, render.String{Format: GetNodeInfo("2.1", conf)})
	})

	// RSS Feed
	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		username := c.Query("username")
		rss, err := GetRSS(conf, username)
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rss})
		}
	})

	return g, nil
}

func renderDocument(c *gin.Context, err error, doc string) {
	if err != nil {
		c.Render(404, render.String{Format: "{}"})
	} else {
		c.Render(200, render.String{Format: doc})
	}
}

// handleInboxPost reads the body and hands the request to the dispatcher,
// translating its typed error into the status the peer sees.
func handleInboxPost(c *gin.Context, recipientId uuid.UUID, conf *util.AppConfig) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Printf("Inbox: Failed to read body: %v", err)
		c.Status(400)
		return
	}
	restoreBody(c, body)

	if inboxErr := activitypub.ProcessInbox(c.Request, body, recipientId, conf); inboxErr != nil {
		log.Printf("Inbox: %s", inboxErr.Error())
		c.Status(inboxErr.Status)
		return
	}
	c.Status(204)
}

func restoreBody(c *gin.Context, body []byte) {
	c.Request.Body = io.NopCloser(strings.NewReader(string(body)))
}

// sharedInboxRecipient extracts the local user an activity is addressed to:
// the Follow object, an addressee in to/cc, or the inner followee of an
// Undo/Accept/Reject.
func sharedInboxRecipient(body []byte, conf *util.AppConfig) (uuid.UUID, bool) {
	var activity struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(body, &activity); err != nil {
		return uuid.Nil, false
	}

	// Follow/Delete style: object is a bare local actor URI
	var objectURI string
	if err := json.Unmarshal(activity.Object, &objectURI); err == nil {
		if id, ok := activitypub.LocalUserIdFromURI(conf, objectURI); ok {
			return id, true
		}
	}

	var inner struct {
		Object string   `json:"object"`
		To     []string `json:"to"`
		CC     []string `json:"cc"`
	}
	if err := json.Unmarshal(activity.Object, &inner); err == nil {
		if id, ok := activitypub.LocalUserIdFromURI(conf, inner.Object); ok {
			return id, true
		}
		for _, uri := range append(inner.To, inner.CC...) {
			if id, ok := activitypub.LocalUserIdFromURI(conf, uri); ok {
				return id, true
			}
		}
	}

	var envelope struct {
		To []string `json:"to"`
		CC []string `json:"cc"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		for _, uri := range append(envelope.To, envelope.CC...) {
			if id, ok := activitypub.LocalUserIdFromURI(conf, uri); ok {
				return id, true
			}
		}
	}

	return uuid.Nil, false
}
