package web

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/deemkeen/lightpub/db"
	"github.com/deemkeen/lightpub/util"
)

// NodeInfo represents the NodeInfo 2.x schema
// See: https://nodeinfo.diaspora.software/schema.html
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          NodeInfoServices `json:"services"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Usage             NodeInfoUsage    `json:"usage"`
	Metadata          NodeInfoMetadata `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Repository string `json:"repository,omitempty"` // 2.1 only
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users      NodeInfoUsers `json:"users"`
	LocalPosts int           `json:"localPosts"`
}

type NodeInfoUsers struct {
	Total int `json:"total"`
}

type NodeInfoMetadata struct {
	NodeName        string `json:"nodeName"`
	NodeDescription string `json:"nodeDescription"`
}

// WellKnownNodeInfo represents the /.well-known/nodeinfo response
type WellKnownNodeInfo struct {
	Links []NodeInfoLink `json:"links"`
}

type NodeInfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// GetWellKnownNodeInfo returns the nodeinfo discovery document.
func GetWellKnownNodeInfo(conf *util.AppConfig) string {
	wellKnown := WellKnownNodeInfo{
		Links: []NodeInfoLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: fmt.Sprintf("%s/nodeinfo/2.0", conf.BaseURL()),
			},
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				Href: fmt.Sprintf("%s/nodeinfo/2.1", conf.BaseURL()),
			},
		},
	}

	jsonBytes, err := json.Marshal(wellKnown)
	if err != nil {
		return "{}"
	}
	return string(jsonBytes)
}

// GetNodeInfo returns the canonical NodeInfo object for schema version
// "2.0" or "2.1".
func GetNodeInfo(schemaVersion string, conf *util.AppConfig) string {
	database := db.GetDB()

	totalUsers, err := database.CountLocalUsers()
	if err != nil {
		log.Printf("Failed to count users: %v", err)
		totalUsers = 0
	}

	localPosts, err := database.CountLocalPosts()
	if err != nil {
		log.Printf("Failed to count local posts: %v", err)
		localPosts = 0
	}

	info := NodeInfo{
		Version: schemaVersion,
		Software: NodeInfoSoftware{
			Name:    util.Name,
			Version: util.GetVersion(),
		},
		Protocols: []string{"activitypub"},
		Services: NodeInfoServices{
			Inbound:  []string{},
			Outbound: []string{},
		},
		OpenRegistrations: conf.Conf.AllowRegister,
		Usage: NodeInfoUsage{
			Users:      NodeInfoUsers{Total: totalUsers},
			LocalPosts: localPosts,
		},
		Metadata: NodeInfoMetadata{
			NodeName:        conf.Conf.InstanceName,
			NodeDescription: conf.Conf.InstanceDescription,
		},
	}

	if schemaVersion == "2.1" {
		info.Software.Repository = "https://github.com/deemkeen/lightpub"
	}

	jsonBytes, err := json.Marshal(info)
	if err != nil {
		return "{}"
	}
	return string(jsonBytes)
}
