package resource

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Kind selects which Graph collection a Resource watches.
type Kind string

const (
	KindChannel     Kind = "channel"      // one team channel
	KindChat        Kind = "chat"         // one chat
	KindAllChannels Kind = "all-channels" // tenant-wide channel messages
	KindAllChats    Kind = "all-chats"    // tenant-wide chat messages
)

// Addressing is how the poller tracks its position in a resource.
type Addressing int

const (
	// AddressTimestamp filters by lastModifiedDateTime.
	AddressTimestamp Addressing = iota
	// AddressToken follows an opaque delta token.
	AddressToken
)

func (a Addressing) String() string {
	if a == AddressToken {
		return "token"
	}
	return "timestamp"
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

// Resource describes one watched message collection. Name doubles as the
// subscription instance: it scopes the scratch store and the notification URL.
type Resource struct {
	Name      string `yaml:"name"`
	Kind      Kind   `yaml:"kind"`
	TeamID    string `yaml:"team_id,omitempty"`
	ChannelID string `yaml:"channel_id,omitempty"`
	ChatID    string `yaml:"chat_id,omitempty"`
	// Push disables the push subscription for this resource when false,
	// leaving it on polling only. Nil means "use the global default".
	Push *bool `yaml:"push,omitempty"`
}

// Validate checks that the identifiers required by Kind are present.
func (r Resource) Validate() error {
	if !namePattern.MatchString(r.Name) {
		return fmt.Errorf("resource name %q must match %s", r.Name, namePattern.String())
	}
	switch r.Kind {
	case KindChannel:
		if strings.TrimSpace(r.TeamID) == "" || strings.TrimSpace(r.ChannelID) == "" {
			return fmt.Errorf("resource %s: team_id and channel_id are required for kind %s", r.Name, r.Kind)
		}
	case KindChat:
		if strings.TrimSpace(r.ChatID) == "" {
			return fmt.Errorf("resource %s: chat_id is required for kind %s", r.Name, r.Kind)
		}
	case KindAllChannels, KindAllChats:
	default:
		return fmt.Errorf("resource %s: unknown kind %q", r.Name, r.Kind)
	}
	return nil
}

// SubscriptionPath is the Graph resource string registered with the
// subscription (without the API version prefix).
func (r Resource) SubscriptionPath() string {
	switch r.Kind {
	case KindChannel:
		return fmt.Sprintf("/teams/%s/channels/%s/messages", url.PathEscape(r.TeamID), url.PathEscape(r.ChannelID))
	case KindChat:
		return fmt.Sprintf("/chats/%s/messages", url.PathEscape(r.ChatID))
	case KindAllChannels:
		return "/teams/getAllMessages"
	case KindAllChats:
		return "/chats/getAllMessages"
	}
	return ""
}

// PollPath is the path listed by the poller, again without the API version.
// Channel messages expose a delta function; the other collections only
// support lastModifiedDateTime filtering.
func (r Resource) PollPath() string {
	if r.Kind == KindChannel {
		return r.SubscriptionPath() + "/delta"
	}
	return r.SubscriptionPath()
}

// Addressing reports the cursor mode the poller uses for this resource.
func (r Resource) Addressing() Addressing {
	if r.Kind == KindChannel {
		return AddressToken
	}
	return AddressTimestamp
}

// PushEnabled resolves the per-resource push override against the default.
func (r Resource) PushEnabled(defaultPush bool) bool {
	if r.Push == nil {
		return defaultPush
	}
	return *r.Push
}

// Versioned prefixes a Graph path with the API version ("v1.0", "beta").
func Versioned(version, path string) string {
	version = strings.Trim(strings.TrimSpace(version), "/")
	if version == "" {
		version = "v1.0"
	}
	return "/" + version + "/" + strings.TrimLeft(path, "/")
}
