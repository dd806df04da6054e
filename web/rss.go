package web

import (
	"fmt"
	"time"

	"github.com/deemkeen/lightpub/activitypub"
	"github.com/deemkeen/lightpub/db"
	"github.com/deemkeen/lightpub/util"
	"github.com/gorilla/feeds"
)

const rssItemLimit = 30

// GetRSS renders a local user's public posts as an RSS feed.
func GetRSS(conf *util.AppConfig, username string) (string, error) {
	database := db.GetDB()

	err, user := database.ReadLocalUserByUsername(username)
	if err != nil || user == nil {
		return "", fmt.Errorf("no local user %s", username)
	}

	err, posts := database.ReadPublicPostsByUser(user.Id, rssItemLimit, 0)
	if err != nil {
		return "", err
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s@%s", user.Username, conf.Conf.Hostname),
		Link:        &feeds.Link{Href: activitypub.LocalUserURI(conf, user.Id)},
		Description: user.Summary,
		Created:     time.Now(),
	}

	if posts != nil {
		for i := range *posts {
			post := &(*posts)[i]
			if post.Content == nil {
				// pure reposts carry no content of their own
				continue
			}
			feed.Items = append(feed.Items, &feeds.Item{
				Id:          activitypub.LocalPostURI(conf, post.Id),
				Title:       truncate(*post.Content, 80),
				Link:        &feeds.Link{Href: activitypub.LocalPostURI(conf, post.Id)},
				Description: *post.Content,
				Created:     post.CreatedAt,
			})
		}
	}

	return feed.ToRss()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
