package change

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/NissesSenap/teams-changefeed/internal/retry"
)

// Encoding selects the Pub/Sub message body format.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// ParseEncoding accepts "", "json" and "cbor".
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingCBOR:
		return EncodingCBOR, nil
	default:
		return "", fmt.Errorf("unknown sink encoding %q (want json or cbor)", s)
	}
}

func (e Encoding) contentType() string {
	if e == EncodingCBOR {
		return "application/cbor"
	}
	return "application/json"
}

var cborMode = func() cbor.EncMode {
	mode, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// EncodeRecord serializes r in the given encoding.
func EncodeRecord(r Record, enc Encoding) ([]byte, error) {
	if enc == EncodingCBOR {
		return cborMode.Marshal(r)
	}
	return json.Marshal(r)
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(data []byte, enc Encoding) (Record, error) {
	var r Record
	var err error
	if enc == EncodingCBOR {
		err = cbor.Unmarshal(data, &r)
	} else {
		err = json.Unmarshal(data, &r)
	}
	return r, err
}

// PubSubSink publishes each record as one message. Messages of a group share
// the instance as ordering key so subscribers see them in order.
type PubSubSink struct {
	publisher *pubsub.Publisher
	encoding  Encoding
	policy    retry.Policy
	logger    zerolog.Logger
}

func NewPubSubSink(client *pubsub.Client, topic string, enc Encoding, policy retry.Policy, logger zerolog.Logger) (*PubSubSink, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("pubsub sink requires a topic")
	}
	p := client.Publisher(topic)
	p.EnableMessageOrdering = true
	return &PubSubSink{publisher: p, encoding: enc, policy: policy, logger: logger}, nil
}

func (s *PubSubSink) Emit(ctx context.Context, records []Record) error {
	pending := make([]*pubsub.Message, 0, len(records))
	for _, r := range records {
		data, err := EncodeRecord(r, s.encoding)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		pending = append(pending, &pubsub.Message{
			Data:        data,
			OrderingKey: r.Instance,
			Attributes: map[string]string{
				"instance":     r.Instance,
				"kind":         string(r.Kind),
				"received_via": string(r.ReceivedVia),
				"dedupe_key":   r.DedupeKey(),
				"content_type": s.encoding.contentType(),
			},
		})
	}

	return retry.Do(ctx, s.policy, func() error {
		results := make([]*pubsub.PublishResult, len(pending))
		for i, msg := range pending {
			results[i] = s.publisher.Publish(ctx, msg)
		}

		var failed []*pubsub.Message
		var lastErr error
		for i, res := range results {
			id, err := res.Get(ctx)
			if err != nil {
				failed = append(failed, pending[i])
				lastErr = err
				continue
			}
			s.logger.Debug().Str("message_id", id).Str("instance", pending[i].OrderingKey).Msg("published change")
		}
		if len(failed) == 0 {
			return nil
		}
		for _, msg := range failed {
			s.publisher.ResumePublish(msg.OrderingKey)
		}
		n := len(pending)
		pending = failed
		return fmt.Errorf("%d of %d publishes failed: %w", len(failed), n, lastErr)
	})
}

// Stop flushes outstanding messages.
func (s *PubSubSink) Stop() { s.publisher.Stop() }
