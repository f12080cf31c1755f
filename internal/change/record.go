// Package change defines the normalized change record both delivery paths
// produce, and the sinks that consume them.
package change

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zeebo/blake3"
)

// Via names the delivery path a record arrived on.
type Via string

const (
	ViaPush Via = "push"
	ViaPoll Via = "poll"
)

// Kind separates resource changes from subscription lifecycle events and
// unencrypted passthrough deliveries.
type Kind string

const (
	KindResource    Kind = "resource"
	KindLifecycle   Kind = "lifecycle"
	KindPassthrough Kind = "passthrough"
)

// Record is one normalized change. Push and poll produce the same shape.
type Record struct {
	Instance        string          `json:"instance"`
	Resource        string          `json:"resource,omitempty"`
	Kind            Kind            `json:"kind"`
	ReceivedVia     Via             `json:"receivedVia"`
	SourceTimestamp time.Time       `json:"sourceTimestamp"`
	SubscriptionID  string          `json:"subscriptionId,omitempty"`
	ChangeType      string          `json:"changeType,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// DedupeKey identifies the underlying change independently of how it was
// delivered. When the payload carries an id, the key covers the id and its
// modification time; otherwise it covers the compacted payload.
func (r Record) DedupeKey() string {
	h := blake3.New()
	_, _ = h.WriteString(r.Instance)
	_, _ = h.Write([]byte{0})

	var ident struct {
		ID                   string `json:"id"`
		ETag                 string `json:"etag"`
		LastModifiedDateTime string `json:"lastModifiedDateTime"`
	}
	if err := json.Unmarshal(r.Payload, &ident); err == nil && ident.ID != "" {
		_, _ = h.WriteString(ident.ID)
		_, _ = h.Write([]byte{0})
		if ident.LastModifiedDateTime != "" {
			_, _ = h.WriteString(ident.LastModifiedDateTime)
		} else {
			_, _ = h.WriteString(ident.ETag)
		}
	} else {
		var compact bytes.Buffer
		if json.Compact(&compact, r.Payload) == nil {
			_, _ = h.Write(compact.Bytes())
		} else {
			_, _ = h.Write(r.Payload)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SourceTime reads lastModifiedDateTime, then createdDateTime, from a
// payload. It returns fallback when neither parses.
func SourceTime(payload json.RawMessage, fallback time.Time) time.Time {
	var stamps struct {
		LastModifiedDateTime string `json:"lastModifiedDateTime"`
		CreatedDateTime      string `json:"createdDateTime"`
	}
	if err := json.Unmarshal(payload, &stamps); err != nil {
		return fallback
	}
	for _, s := range []string{stamps.LastModifiedDateTime, stamps.CreatedDateTime} {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
