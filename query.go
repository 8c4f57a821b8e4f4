package mango

import (
	"context"
	"encoding/json"
	"fmt"

	kivik "github.com/go-kivik/kivik/v4"
)

// Find compiles p and executes it against d, returning each matching
// document as raw JSON. The compiled selector is passed as the driver's
// primary query argument and every other Mango field (fields, sort, paging,
// bookmark, execution hints) rides along as request parameters. Every
// returned row has any _attachments stub hydrated with its download uri.
func (d *Database) Find(ctx context.Context, p Pipeline) ([]json.RawMessage, error) {
	doc, err := d.client.compiler.Compile(p)
	if err != nil {
		return nil, err
	}
	return d.runFind(ctx, "Find", doc.Selector, docParams(doc))
}

// FindRawQuery posts a pre-built Mango selector directly to /{db}/_find,
// bypassing the optimizer and translator entirely. params carries the rest
// of the Mango document (sort, fields, skip, limit, bookmark, …) exactly as
// docParams would for a compiled pipeline. Rows are hydrated the same as
// Find's.
func (d *Database) FindRawQuery(ctx context.Context, selector map[string]interface{}, params map[string]interface{}) ([]json.RawMessage, error) {
	return d.runFind(ctx, "FindRawQuery", selector, params)
}

// FindRawJSON posts a literal Mango query document (the full JSON body, not
// just the selector) directly to /{db}/_find. This is the "raw-string"
// variant of the posting path: callers who already have a hand-assembled
// Mango document as a JSON string can send it unmodified.
func (d *Database) FindRawJSON(ctx context.Context, rawQuery string) ([]json.RawMessage, error) {
	var body struct {
		Selector map[string]interface{} `json:"selector"`
	}
	if err := json.Unmarshal([]byte(rawQuery), &body); err != nil {
		return nil, decodeError("FindRawJSON", err)
	}
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(rawQuery), &params); err != nil {
		return nil, decodeError("FindRawJSON", err)
	}
	delete(params, "selector")
	return d.runFind(ctx, "FindRawJSON", body.Selector, params)
}

// findContext applies the configured FindTimeout as a per-query deadline.
// The returned cancel is a no-op when no timeout is configured.
func (d *Database) findContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := d.client.cfg.FindTimeout; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return ctx, func() {}
}

func (d *Database) runFind(ctx context.Context, op string, selector map[string]interface{}, params map[string]interface{}) ([]json.RawMessage, error) {
	ctx, cancel := d.findContext(ctx)
	defer cancel()

	var results []json.RawMessage
	err := d.client.withFreshSession(ctx, op, func(kc *kivik.Client) error {
		rows := kc.DB(d.name).Find(ctx, selector, kivik.Params(params))
		defer rows.Close()

		results = nil
		for rows.Next() {
			var raw json.RawMessage
			if scanErr := rows.ScanDoc(&raw); scanErr != nil {
				return fmt.Errorf("scan document: %w", scanErr)
			}
			hydrated, hydrateErr := hydrateRowAttachments(d.ctx, raw)
			if hydrateErr != nil {
				return hydrateErr
			}
			results = append(results, hydrated)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// hydrateRowAttachments fills every _attachments stub in a raw Find result
// row with its download uri and owning document id/rev, leaving rows with
// no _attachments untouched.
func hydrateRowAttachments(qctx QueryContext, raw json.RawMessage) (json.RawMessage, error) {
	var row map[string]interface{}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, decodeError("Find", err)
	}
	attachments, ok := row["_attachments"].(map[string]interface{})
	if !ok || len(attachments) == 0 {
		return raw, nil
	}
	id, _ := row["_id"].(string)
	rev, _ := row["_rev"].(string)
	for name, v := range attachments {
		stub, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		stub["uri"] = attachmentURI(qctx, id, name)
		stub["document_id"] = id
		stub["document_rev"] = rev
		stub["state"] = "clean"
	}
	out, err := json.Marshal(row)
	if err != nil {
		return nil, decodeError("Find", err)
	}
	return out, nil
}

// FindTyped compiles p and decodes each result row directly into T.
func FindTyped[T any](ctx context.Context, d *Database, p Pipeline) ([]T, error) {
	doc, err := d.client.compiler.Compile(p)
	if err != nil {
		return nil, err
	}

	ctx, cancel := d.findContext(ctx)
	defer cancel()

	var results []T
	err = d.client.withFreshSession(ctx, "FindTyped", func(kc *kivik.Client) error {
		rows := kc.DB(d.name).Find(ctx, doc.Selector, kivik.Params(docParams(doc)))
		defer rows.Close()

		results = nil
		for rows.Next() {
			var item T
			if scanErr := rows.ScanDoc(&item); scanErr != nil {
				return fmt.Errorf("scan document: %w", scanErr)
			}
			results = append(results, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// docParams flattens every MangoQueryDoc field beyond the selector itself
// into the parameter map kivik.Params expects: fields, sort, paging,
// bookmark, use_index, read quorum, update mode, and stable.
func docParams(doc MangoQueryDoc) map[string]interface{} {
	params := make(map[string]interface{})
	if len(doc.Fields) > 0 {
		params["fields"] = doc.Fields
	}
	if len(doc.Sort) > 0 {
		params["sort"] = doc.Sort
	}
	if doc.Limit != nil {
		params["limit"] = *doc.Limit
	}
	if doc.Skip != nil {
		params["skip"] = *doc.Skip
	}
	if doc.UseIndex != "" {
		params["use_index"] = doc.UseIndex
	}
	if doc.Bookmark != "" {
		params["bookmark"] = doc.Bookmark
	}
	if doc.ReadQuorum != nil {
		params["r"] = *doc.ReadQuorum
	}
	if doc.UpdateIndex != nil {
		params["update"] = doc.UpdateIndex
	}
	if doc.Stable != nil {
		params["stable"] = *doc.Stable
	}
	return params
}

// Count runs p purely for its matching-row count, discarding document
// bodies by forcing Fields to ["_id"].
func (d *Database) Count(ctx context.Context, p Pipeline) (int, error) {
	rows, err := d.Find(ctx, p.Select("_id"))
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
