package domain

import "fmt"

// User is the local entity a server hosts, with its published meta post
// and the server credentials used to sign outbound URLs.
type User struct {
	Entity            string
	MetaPost          *Post
	Meta              *MetaContent
	ServerCredentials Credential
}

// PreferredServer returns the user's own most preferred server.
func (u *User) PreferredServer() (MetaServer, error) {
	if u.Meta == nil {
		return MetaServer{}, fmt.Errorf("user %s has no meta post", u.Entity)
	}
	server, ok := u.Meta.PreferredServer()
	if !ok {
		return MetaServer{}, fmt.Errorf("user %s declares no servers", u.Entity)
	}
	return server, nil
}
