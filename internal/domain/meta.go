package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// MetaContent is the content of an entity's meta post: the entity URI it
// speaks for and the servers willing to serve it.
type MetaContent struct {
	Entity  string       `json:"entity"`
	Profile *MetaProfile `json:"profile,omitempty"`
	Servers []MetaServer `json:"servers"`
}

// MetaProfile is the optional human-facing profile block.
type MetaProfile struct {
	Name   string `json:"name,omitempty"`
	Bio    string `json:"bio,omitempty"`
	Avatar string `json:"avatar_digest,omitempty"`
}

// MetaServer describes one server and its URL templates. Lower preference
// ranks are more preferred.
type MetaServer struct {
	Version    string            `json:"version,omitempty"`
	Preference int               `json:"preference"`
	URLs       map[string]string `json:"urls"`
}

// PostURL is the URL template for fetching a single post.
func (s MetaServer) PostURL() string { return s.URLs["post"] }

// AttachmentURL is the URL template for fetching attachment bytes.
func (s MetaServer) AttachmentURL() string { return s.URLs["attachment"] }

// ParseMetaContent decodes the content block of a meta post.
func ParseMetaContent(raw json.RawMessage) (*MetaContent, error) {
	var c MetaContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode meta content: %w", err)
	}
	return &c, nil
}

// PreferredServers returns the servers sorted ascending by preference.
func (c *MetaContent) PreferredServers() []MetaServer {
	servers := make([]MetaServer, len(c.Servers))
	copy(servers, c.Servers)
	sort.SliceStable(servers, func(i, j int) bool {
		return servers[i].Preference < servers[j].Preference
	})
	return servers
}

// PreferredServer returns the most preferred server, or false when the
// meta post declares none.
func (c *MetaContent) PreferredServer() (MetaServer, bool) {
	servers := c.PreferredServers()
	if len(servers) == 0 {
		return MetaServer{}, false
	}
	return servers[0], true
}
