package mango

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	kivik "github.com/go-kivik/kivik/v4"
)

// checkIDPrefix enforces ClientConfig.DocumentsMustHaveIDPrefix before any
// network call is made, the same fail-before-the-request posture the
// optimizer and translator take for local validation errors.
func checkIDPrefix(cfg ClientConfig, op, id string) error {
	if cfg.DocumentsMustHaveIDPrefix == "" {
		return nil
	}
	if !strings.HasPrefix(id, cfg.DocumentsMustHaveIDPrefix) {
		return unsupportedQueryError(op, fmt.Sprintf("document id %q must start with %q", id, cfg.DocumentsMustHaveIDPrefix))
	}
	return nil
}

// GetDocument loads id into a fresh Document[T], hydrating its AttachmentSet
// from the document's _attachments stubs. A 404 here is a genuine error —
// GetDocument's semantics require the resource to exist; FindByID is the one
// path that treats "not found" as a legitimate, non-error outcome.
func GetDocument[T any](ctx context.Context, d *Database, id string) (*Document[T], error) {
	body, err := fetchDocumentBody(ctx, d, "GetDocument", id)
	if err != nil {
		return nil, err
	}
	return decodeDocumentBody[T](d, id, body)
}

// FindByID loads id into a fresh Document[T], exactly like GetDocument,
// except a clean 404 maps to (nil, nil) instead of an error. No other
// operation gets this carve-out.
func FindByID[T any](ctx context.Context, d *Database, id string) (*Document[T], error) {
	body, err := fetchDocumentBody(ctx, d, "FindByID", id)
	if err != nil {
		var mangoErr *Error
		if errors.As(err, &mangoErr) && mangoErr.IsNotFound() {
			return nil, nil
		}
		return nil, err
	}
	return decodeDocumentBody[T](d, id, body)
}

func fetchDocumentBody(ctx context.Context, d *Database, op, id string) (json.RawMessage, error) {
	var body json.RawMessage
	err := d.client.withFreshSession(ctx, op, func(kc *kivik.Client) error {
		row := kc.DB(d.name).Get(ctx, id)
		if row.Err() != nil {
			return row.Err()
		}
		return row.ScanDoc(&body)
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return body, nil
}

func decodeDocumentBody[T any](d *Database, id string, body json.RawMessage) (*Document[T], error) {
	var payload T
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, decodeError("GetDocument", err)
	}

	var meta struct {
		Rev         string `json:"_rev"`
		Attachments map[string]struct {
			ContentType string `json:"content_type"`
			Data        []byte `json:"data"`
			Digest      string `json:"digest"`
			Length      int64  `json:"length"`
		} `json:"_attachments"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, decodeError("GetDocument", err)
	}

	doc := &Document[T]{ID: id, Rev: meta.Rev, Payload: payload, Attachments: NewAttachmentSet()}
	for name, att := range meta.Attachments {
		doc.Attachments.hydrate(name, att.ContentType, att.Data, att.Digest, att.Length)
		doc.Attachments.setURI(name, attachmentURI(d.ctx, id, name), id, meta.Rev)
	}
	return doc, nil
}

// PutDocument writes doc's current payload and reconciles its attachment
// set against the server. Additions and modifications are written before
// deletions — if a caller both replaces and removes attachments in the
// same call and the write fails partway through, the surviving
// attachments are the newly-written ones, never a half-deleted state. doc.Rev
// is updated after every successful sub-step so a failure midway still
// leaves the caller with the correct current revision to retry from.
func PutDocument[T any](ctx context.Context, d *Database, doc *Document[T]) error {
	if err := checkIDPrefix(d.client.cfg, "PutDocument", doc.ID); err != nil {
		return err
	}
	body, err := json.Marshal(doc.Payload)
	if err != nil {
		return decodeError("PutDocument", err)
	}
	var bodyMap map[string]interface{}
	if err := json.Unmarshal(body, &bodyMap); err != nil {
		return decodeError("PutDocument", err)
	}
	bodyMap["_id"] = doc.ID
	if doc.Rev != "" {
		bodyMap["_rev"] = doc.Rev
	}

	return d.client.withFreshSession(ctx, "PutDocument", func(kc *kivik.Client) error {
		db := kc.DB(d.name)
		newRev, err := db.Put(ctx, doc.ID, bodyMap)
		if err != nil {
			return err
		}
		doc.Rev = newRev

		for _, att := range doc.Attachments.pendingAdditions() {
			newRev, err = db.PutAttachment(ctx, doc.ID, &kivik.Attachment{
				Filename:    att.Name,
				ContentType: att.ContentType,
				Content:     io.NopCloser(bytes.NewReader(att.Data)),
			}, kivik.Rev(doc.Rev))
			if err != nil {
				return fmt.Errorf("put attachment %q: %w", att.Name, err)
			}
			doc.Rev = newRev
			doc.Attachments.markClean(att.Name)
		}

		for _, name := range doc.Attachments.pendingDeletions() {
			newRev, err = db.DeleteAttachment(ctx, doc.ID, doc.Rev, name)
			if err != nil {
				return fmt.Errorf("delete attachment %q: %w", name, err)
			}
			doc.Rev = newRev
			doc.Attachments.purge(name)
		}

		return nil
	})
}

// DeleteDocument removes a document by id/rev.
func DeleteDocument(ctx context.Context, d *Database, id, rev string) error {
	return d.client.withFreshSession(ctx, "DeleteDocument", func(kc *kivik.Client) error {
		_, err := kc.DB(d.name).Delete(ctx, id, rev)
		return err
	})
}

// BulkWriteResult is one document's outcome from BulkUpsert or BulkDelete,
// positionally aligned with the input slice.
type BulkWriteResult struct {
	ID  string
	Rev string
	OK  bool
	Err error
}

// BulkUpsert writes every document in docs in a single request. Each
// Document's Rev is updated in place on success.
func BulkUpsert[T any](ctx context.Context, d *Database, docs []*Document[T]) ([]BulkWriteResult, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	payload := make([]interface{}, len(docs))
	for i, doc := range docs {
		if err := checkIDPrefix(d.client.cfg, "BulkUpsert", doc.ID); err != nil {
			return nil, err
		}
		body, err := json.Marshal(doc.Payload)
		if err != nil {
			return nil, decodeError("BulkUpsert", err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, decodeError("BulkUpsert", err)
		}
		m["_id"] = doc.ID
		if doc.Rev != "" {
			m["_rev"] = doc.Rev
		}
		payload[i] = m
	}

	var results []kivik.BulkResult
	err := d.client.withFreshSession(ctx, "BulkUpsert", func(kc *kivik.Client) error {
		var innerErr error
		results, innerErr = kc.DB(d.name).BulkDocs(ctx, payload)
		return innerErr
	})
	if err != nil {
		return nil, classify("BulkUpsert", err)
	}

	out := make([]BulkWriteResult, len(results))
	for i, r := range results {
		out[i] = BulkWriteResult{ID: r.ID, Rev: r.Rev, OK: r.Error == nil, Err: r.Error}
		if r.Error == nil && i < len(docs) {
			docs[i].Rev = r.Rev
		}
	}
	return out, nil
}

// BulkFetch loads many documents in a single _bulk_get round trip. Retrieved
// documents are keyed by ID in the first map; per-document failures (missing
// id, scan error) land in the second map instead of aborting the batch.
// Each fetched Document has its attachment set hydrated exactly as
// GetDocument would.
func BulkFetch[T any](ctx context.Context, d *Database, ids []string) (map[string]*Document[T], map[string]error, error) {
	if len(ids) == 0 {
		return map[string]*Document[T]{}, map[string]error{}, nil
	}

	refs := make([]kivik.BulkGetReference, len(ids))
	for i, id := range ids {
		refs[i] = kivik.BulkGetReference{ID: id}
	}

	docs := make(map[string]*Document[T])
	errs := make(map[string]error)

	err := d.client.withFreshSession(ctx, "BulkFetch", func(kc *kivik.Client) error {
		rows := kc.DB(d.name).BulkGet(ctx, refs)
		defer rows.Close()

		for rows.Next() {
			id, idErr := rows.ID()
			if idErr != nil {
				continue
			}
			var body json.RawMessage
			if scanErr := rows.ScanDoc(&body); scanErr != nil {
				errs[id] = classify("BulkFetch", scanErr)
				continue
			}
			doc, decErr := decodeDocumentBody[T](d, id, body)
			if decErr != nil {
				errs[id] = decErr
				continue
			}
			docs[id] = doc
		}
		return rows.Err()
	})
	if err != nil {
		return docs, errs, classify("BulkFetch", err)
	}
	return docs, errs, nil
}

// BulkDelete removes every (id, rev) pair in one request.
func BulkDelete(ctx context.Context, d *Database, ids []IDRev) ([]BulkWriteResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	payload := make([]interface{}, len(ids))
	for i, idrev := range ids {
		payload[i] = map[string]interface{}{
			"_id":      idrev.ID,
			"_rev":     idrev.Rev,
			"_deleted": true,
		}
	}

	var results []kivik.BulkResult
	err := d.client.withFreshSession(ctx, "BulkDelete", func(kc *kivik.Client) error {
		var innerErr error
		results, innerErr = kc.DB(d.name).BulkDocs(ctx, payload)
		return innerErr
	})
	if err != nil {
		return nil, classify("BulkDelete", err)
	}

	out := make([]BulkWriteResult, len(results))
	for i, r := range results {
		out[i] = BulkWriteResult{ID: r.ID, Rev: r.Rev, OK: r.Error == nil, Err: r.Error}
	}
	return out, nil
}

// IDRev identifies one document revision, the minimal input BulkDelete needs.
type IDRev struct {
	ID  string
	Rev string
}
