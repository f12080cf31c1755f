// Package poller lists changes directly from Graph when push delivery is
// unavailable, keeping a durable cursor per watched resource.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/NissesSenap/teams-changefeed/internal/change"
	"github.com/NissesSenap/teams-changefeed/internal/clock"
	"github.com/NissesSenap/teams-changefeed/internal/graph"
	"github.com/NissesSenap/teams-changefeed/internal/resource"
	"github.com/NissesSenap/teams-changefeed/internal/storage"
)

// KeyCursor is the scratch key of the persisted Cursor.
const KeyCursor = "poll/cursor"

const (
	DefaultPageSize = 50
	DefaultMaxPages = 500
)

var (
	ErrNoDataFound  = errors.New("no data found")
	ErrDeltaExpired = errors.New("delta token expired")
)

// Mode selects between a scheduled cycle and a one-off diagnostic request.
type Mode int

const (
	ModeScheduled Mode = iota
	ModeManual
)

func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "scheduled"
}

// Cursor is the position of the poller in its resource. Timestamp mode
// uses LastCheckedAt. Token mode follows DeltaToken and keeps LastCheckedAt
// as the point to resync from when the token expires.
type Cursor struct {
	LastCheckedAt time.Time `json:"lastCheckedAt,omitempty"`
	DeltaToken    string    `json:"deltaToken,omitempty"`
}

type Options struct {
	APIVersion string
	PageSize   int
	// MaxPages bounds one cycle's page chain.
	MaxPages int
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// Poller runs poll cycles for one resource. Cycles are serialized.
type Poller struct {
	api      graph.Requester
	scratch  storage.Scratch
	resource resource.Resource
	opts     Options
	logger   zerolog.Logger

	mu sync.Mutex
}

func New(api graph.Requester, scratch storage.Scratch, res resource.Resource, opts Options) *Poller {
	if opts.APIVersion == "" {
		opts.APIVersion = "v1.0"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Poller{
		api:      api,
		scratch:  scratch,
		resource: res,
		opts:     opts,
		logger: opts.Logger.With().
			Str("instance", scratch.Instance()).
			Str("addressing", res.Addressing().String()).
			Logger(),
	}
}

// Cursor returns the persisted cursor; a missing one is the zero Cursor.
func (p *Poller) Cursor(ctx context.Context) (Cursor, error) {
	var c Cursor
	err := p.scratch.GetJSON(ctx, KeyCursor, &c)
	if errors.Is(err, storage.ErrNotFound) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("loading poll cursor: %w", err)
	}
	return c, nil
}

// Reset forgets the cursor. The next scheduled cycle starts from its own
// start time.
func (p *Poller) Reset(ctx context.Context) error {
	if err := p.scratch.Delete(ctx, KeyCursor); err != nil {
		return fmt.Errorf("resetting poll cursor: %w", err)
	}
	return nil
}

// Poll runs one cycle. Records come back in page order. When a page fails
// mid-chain the records gathered so far are returned with the error and
// the cursor is left where it was.
func (p *Poller) Poll(ctx context.Context, mode Mode) ([]change.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.opts.Clock.Now().UTC()
	if mode == ModeManual {
		return p.manual(ctx, start)
	}

	cursor, err := p.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	if p.resource.Addressing() == resource.AddressToken {
		return p.pollToken(ctx, cursor, start)
	}
	return p.pollTimestamp(ctx, cursor, start)
}

func (p *Poller) manual(ctx context.Context, start time.Time) ([]change.Record, error) {
	query := url.Values{"$top": []string{"1"}}
	path := resource.Versioned(p.opts.APIVersion, p.resource.SubscriptionPath())

	resp, err := p.api.Request(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, err
	}
	var page graph.Page
	if err := resp.Decode(&page); err != nil {
		return nil, err
	}
	if len(page.Value) == 0 {
		return nil, ErrNoDataFound
	}
	return p.records(page.Value[:1], start), nil
}

func (p *Poller) pollTimestamp(ctx context.Context, cursor Cursor, start time.Time) ([]change.Record, error) {
	since := cursor.LastCheckedAt
	if since.IsZero() {
		since = start
	}

	path := resource.Versioned(p.opts.APIVersion, p.resource.PollPath())
	recs, _, err := p.chain(ctx, path, p.firstQuery(since), start)
	if err != nil {
		return recs, err
	}

	if err := p.scratch.SetJSON(ctx, KeyCursor, Cursor{LastCheckedAt: start}); err != nil {
		return recs, fmt.Errorf("saving poll cursor: %w", err)
	}
	p.logger.Debug().Int("records", len(recs)).Time("since", since).Time("cursor", start).Msg("poll cycle done")
	return recs, nil
}

func (p *Poller) pollToken(ctx context.Context, cursor Cursor, start time.Time) ([]change.Record, error) {
	// A token cursor without a time position resyncs unfiltered.
	since := cursor.LastCheckedAt
	if cursor.DeltaToken == "" && since.IsZero() {
		since = start
	}

	base := resource.Versioned(p.opts.APIVersion, p.resource.PollPath())
	path, query := base, p.firstQuery(since)
	if cursor.DeltaToken != "" {
		var err error
		if path, query, err = graph.SplitLink(cursor.DeltaToken); err != nil {
			p.logger.Warn().Err(err).Msg("stored delta link unusable, resyncing")
			path, query = base, p.firstQuery(since)
		}
	}

	recs, deltaLink, err := p.chain(ctx, path, query, start)
	if err != nil && cursor.DeltaToken != "" && graph.IsGone(err) {
		p.logger.Warn().Time("since", since).Msg("delta token expired, resyncing")
		// Drop the dead token but keep the time position for a failed resync.
		if serr := p.scratch.SetJSON(ctx, KeyCursor, Cursor{LastCheckedAt: cursor.LastCheckedAt}); serr != nil {
			return nil, errors.Join(ErrDeltaExpired, serr)
		}
		recs, deltaLink, err = p.chain(ctx, base, p.firstQuery(since), start)
		if err != nil {
			return recs, errors.Join(ErrDeltaExpired, err)
		}
	}
	if err != nil {
		return recs, err
	}
	if deltaLink == "" {
		return recs, errors.New("delta page chain ended without a delta link")
	}

	if err := p.scratch.SetJSON(ctx, KeyCursor, Cursor{LastCheckedAt: start, DeltaToken: deltaLink}); err != nil {
		return recs, fmt.Errorf("saving poll cursor: %w", err)
	}
	p.logger.Debug().Int("records", len(recs)).Msg("delta cycle done")
	return recs, nil
}

// firstQuery starts a chain at since; the zero time lists without a filter.
func (p *Poller) firstQuery(since time.Time) url.Values {
	q := url.Values{"$top": []string{strconv.Itoa(p.opts.PageSize)}}
	if !since.IsZero() {
		q.Set("$filter", "lastModifiedDateTime gt "+since.UTC().Format(time.RFC3339Nano))
	}
	return q
}

// chain follows @odata.nextLink until it runs out and returns the records
// of every page together with the final @odata.deltaLink, if any.
func (p *Poller) chain(ctx context.Context, path string, query url.Values, start time.Time) ([]change.Record, string, error) {
	var recs []change.Record
	for pages := 0; ; pages++ {
		if pages == p.opts.MaxPages {
			return recs, "", fmt.Errorf("page chain longer than %d pages", p.opts.MaxPages)
		}
		resp, err := p.api.Request(ctx, http.MethodGet, path, nil, query)
		if err != nil {
			return recs, "", err
		}
		var page graph.Page
		if err := resp.Decode(&page); err != nil {
			return recs, "", err
		}
		recs = append(recs, p.records(page.Value, start)...)

		if page.NextLink == "" {
			return recs, page.DeltaLink, nil
		}
		if path, query, err = graph.SplitLink(page.NextLink); err != nil {
			return recs, "", fmt.Errorf("following next link: %w", err)
		}
	}
}

func (p *Poller) records(items []json.RawMessage, start time.Time) []change.Record {
	out := make([]change.Record, 0, len(items))
	for _, item := range items {
		var buf bytes.Buffer
		payload := json.RawMessage(item)
		if json.Compact(&buf, item) == nil {
			payload = buf.Bytes()
		}
		out = append(out, change.Record{
			Instance:        p.scratch.Instance(),
			Resource:        p.resource.SubscriptionPath(),
			Kind:            change.KindResource,
			ReceivedVia:     change.ViaPoll,
			SourceTimestamp: change.SourceTime(payload, start),
			ChangeType:      changeTypeOf(payload),
			Payload:         payload,
		})
	}
	return out
}

// changeTypeOf infers what a listed item represents: delta responses mark
// deletions with @removed, and untouched items still carry their creation
// time as last modification.
func changeTypeOf(payload json.RawMessage) string {
	var item struct {
		Removed              json.RawMessage `json:"@removed"`
		CreatedDateTime      string          `json:"createdDateTime"`
		LastModifiedDateTime string          `json:"lastModifiedDateTime"`
	}
	if json.Unmarshal(payload, &item) != nil {
		return ""
	}
	switch {
	case len(item.Removed) > 0:
		return "deleted"
	case item.CreatedDateTime != "" && item.CreatedDateTime == item.LastModifiedDateTime:
		return "created"
	default:
		return "updated"
	}
}
