package mango

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
)

// FeedMode selects how a _changes feed is drained: Normal fetches one batch
// and closes, LongPoll waits for at least one change before returning,
// Continuous streams indefinitely.
type FeedMode int

const (
	FeedNormal FeedMode = iota
	FeedLongPoll
	FeedContinuous
)

func (m FeedMode) wireName() string {
	switch m {
	case FeedLongPoll:
		return "longpoll"
	case FeedContinuous:
		return "continuous"
	default:
		return "normal"
	}
}

// ChangesOptions configures one Changes call. At most one of Selector,
// DocIDs, (View, DesignDoc), Filter, or DesignOnly may be set — these are
// CouchDB's built-in filter mechanisms and the server itself rejects more
// than one at a time, so negotiation happens here rather than on the wire.
type ChangesOptions struct {
	Since       string
	Mode        FeedMode
	IncludeDocs bool
	Limit       int
	Descending  bool

	Selector   Expr
	DocIDs     []string
	View       string
	DesignDoc  string
	Filter     string
	DesignOnly bool // filter=_design: only design-document changes

	Conflicts       bool
	Attachments     bool
	AttEncodingInfo bool
	FullHistory     bool // style=all_docs: report all leaf revs, not just the winner

	HeartbeatMillis int
	TimeoutMillis   int // sent as the server-side timeout parameter; 0 omits it, leaving CouchDB's default
}

// ChangeEvent is one row of a _changes feed.
type ChangeEvent struct {
	Seq     string
	ID      string
	Deleted bool
	Revs    []string
	Doc     json.RawMessage
}

func (o ChangesOptions) negotiateFilter(resolver *pathResolver) (map[string]interface{}, error) {
	count := 0
	if o.Selector != nil {
		count++
	}
	if len(o.DocIDs) > 0 {
		count++
	}
	if o.View != "" {
		count++
	}
	if o.Filter != "" {
		count++
	}
	if o.DesignOnly {
		count++
	}
	if count > 1 {
		return nil, unsupportedQueryError("Changes", "at most one of Selector, DocIDs, View, Filter, or DesignOnly may be set")
	}

	params := make(map[string]interface{})
	switch {
	case o.Selector != nil:
		selector, err := buildSelector(Optimize(o.Selector), resolver)
		if err != nil {
			return nil, err
		}
		selectorJSON, err := json.Marshal(selector)
		if err != nil {
			return nil, decodeError("Changes", err)
		}
		params["filter"] = "_selector"
		params["selector"] = string(selectorJSON)
	case len(o.DocIDs) > 0:
		params["filter"] = "_doc_ids"
		params["doc_ids"] = o.DocIDs
	case o.View != "":
		if o.DesignDoc == "" {
			return nil, unsupportedQueryError("Changes", "View filter requires DesignDoc")
		}
		params["filter"] = "_view"
		params["view"] = o.DesignDoc + "/" + o.View
	case o.Filter != "":
		params["filter"] = o.Filter
	case o.DesignOnly:
		params["filter"] = "_design"
	}
	return params, nil
}

func (o ChangesOptions) params(resolver *pathResolver) (map[string]interface{}, error) {
	params, err := o.negotiateFilter(resolver)
	if err != nil {
		return nil, err
	}
	if o.Since != "" {
		params["since"] = o.Since
	}
	params["feed"] = o.Mode.wireName()
	if o.IncludeDocs {
		params["include_docs"] = true
	}
	if o.Limit > 0 {
		params["limit"] = o.Limit
	}
	if o.Descending {
		params["descending"] = true
	}
	if o.Conflicts {
		params["conflicts"] = true
	}
	if o.Attachments {
		params["attachments"] = true
	}
	if o.AttEncodingInfo {
		params["att_encoding_info"] = true
	}
	if o.FullHistory {
		params["style"] = "all_docs"
	}
	if o.HeartbeatMillis > 0 {
		params["heartbeat"] = o.HeartbeatMillis
	}
	if o.TimeoutMillis > 0 {
		params["timeout"] = o.TimeoutMillis
	}
	return params, nil
}

// Changes starts draining d's _changes feed per opts and returns an
// unbuffered event channel, an error channel, and a cancel function. The
// event channel is a single-slot hand-off, not a buffer: the producing
// goroutine blocks on sending each event until the caller receives it, so a
// slow consumer throttles the feed instead of letting events pile up in
// memory. Calling cancel (or cancelling ctx) stops the feed promptly — the
// producer selects on ctx.Done() around every send and every row.
//
// A feed that ends because the server or transport failed delivers exactly
// one classified error on the error channel before both channels close; a
// feed that ends by cancellation or by reaching its natural end (normal and
// longpoll modes) closes both channels without an error. An Unauthorized
// failure on the feed's opening request triggers one re-auth and one
// reopen; once events have been delivered the feed is never reopened, since
// a blind retry would replay them.
func (d *Database) Changes(ctx context.Context, opts ChangesOptions) (<-chan ChangeEvent, <-chan error, func(), error) {
	params, err := opts.params(d.client.compiler.resolver)
	if err != nil {
		return nil, nil, nil, err
	}
	if opts.Mode == FeedContinuous && opts.HeartbeatMillis == 0 {
		if hb := d.client.cfg.ChangesHeartbeat; hb > 0 {
			params["heartbeat"] = int(hb / time.Millisecond)
		}
	}

	feedCtx, cancel := context.WithCancel(ctx)
	out := make(chan ChangeEvent)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		delivered := false
		reauthed := false
		for {
			rows := d.client.kivik.DB(d.name).Changes(feedCtx, kivik.Params(params))
			for rows.Next() {
				select {
				case out <- scanChangeEvent(rows, opts.IncludeDocs):
					delivered = true
				case <-feedCtx.Done():
					rows.Close()
					return
				}
			}
			err := rows.Err()
			rows.Close()
			if err == nil || feedCtx.Err() != nil {
				return
			}
			mangoErr := classify("Changes", err)
			if mangoErr.IsUnauthorized() && !delivered && !reauthed {
				reauthed = true
				if _, _, rerr := d.client.session.ensureFresh(feedCtx, d.client.redial); rerr == nil {
					continue
				}
			}
			errc <- mangoErr
			return
		}
	}()

	return out, errc, cancel, nil
}

// ChangesPage is the complete payload of a normal or longpoll feed: the
// batch of events plus the terminal last_seq/pending fields CouchDB appends
// after the last row, which a poller passes back as the next call's Since
// to resume without gaps.
type ChangesPage struct {
	Events  []ChangeEvent
	LastSeq string
	Pending int64
}

// GetChanges drains a non-continuous feed in one call, the polling
// counterpart to Changes. opts.Mode is honored for FeedNormal and
// FeedLongPoll; FeedContinuous is rejected — a stream with no natural end
// has no terminal last_seq, so it only makes sense through Changes.
func (d *Database) GetChanges(ctx context.Context, opts ChangesOptions) (*ChangesPage, error) {
	if opts.Mode == FeedContinuous {
		return nil, unsupportedQueryError("GetChanges", "continuous feeds must be consumed through Changes")
	}
	params, err := opts.params(d.client.compiler.resolver)
	if err != nil {
		return nil, err
	}

	page := &ChangesPage{}
	err = d.client.withFreshSession(ctx, "GetChanges", func(kc *kivik.Client) error {
		rows := kc.DB(d.name).Changes(ctx, kivik.Params(params))
		defer rows.Close()

		page.Events = nil
		for rows.Next() {
			page.Events = append(page.Events, scanChangeEvent(rows, opts.IncludeDocs))
		}
		if err := rows.Err(); err != nil {
			return err
		}
		meta, err := rows.Metadata()
		if err != nil {
			return err
		}
		page.LastSeq = meta.LastSeq
		page.Pending = meta.Pending
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// scanChangeEvent reads one row of a changes feed into a ChangeEvent. The
// rev list comes straight from the driver's per-row changes array; the
// embedded document (when include_docs was requested) is scanned out of the
// row's doc field.
func scanChangeEvent(rows *kivik.Changes, includeDocs bool) ChangeEvent {
	event := ChangeEvent{
		Seq:     rows.Seq(),
		ID:      rows.ID(),
		Deleted: rows.Deleted(),
		Revs:    rows.Changes(),
	}
	if includeDocs && !event.Deleted {
		var doc json.RawMessage
		if err := rows.ScanDoc(&doc); err == nil {
			event.Doc = doc
		}
	}
	return event
}

// GetLastSequence returns the database's current update sequence, the value
// a fresh continuous Changes call should use for Since to skip history.
func (d *Database) GetLastSequence(ctx context.Context) (string, error) {
	stats, err := d.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("mango: get last sequence: %w", err)
	}
	return stats.UpdateSeq, nil
}
