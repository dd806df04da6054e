package web

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deemkeen/lightpub/activitypub"
	"github.com/deemkeen/lightpub/db"
	"github.com/deemkeen/lightpub/util"
)

// GetWebfinger resolves an acct: resource to the local user's descriptor.
// The resource arrives already stripped of the acct: prefix.
func GetWebfinger(resource string, conf *util.AppConfig) (error, string) {
	username := resource
	if idx := strings.Index(username, "@"); idx >= 0 {
		host := username[idx+1:]
		if host != conf.Conf.Hostname {
			return fmt.Errorf("unknown host %s", host), "{}"
		}
		username = username[:idx]
	}

	err, user := db.GetDB().ReadLocalUserByUsername(username)
	if err != nil || user == nil {
		return fmt.Errorf("no local user %s", username), "{}"
	}

	actorURI := activitypub.LocalUserURI(conf, user.Id)
	response := map[string]any{
		"subject": fmt.Sprintf("acct:%s@%s", user.Username, conf.Conf.Hostname),
		"aliases": []string{actorURI},
		"links": []map[string]any{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": actorURI,
			},
		},
	}

	jsonBytes, err := json.Marshal(response)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

// GetWebFingerNotFound returns the body for unresolvable resources.
func GetWebFingerNotFound() string {
	return `{"error": "not found"}`
}
