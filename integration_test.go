//go:build integration
// +build integration

package mango

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupCouchDBContainer starts a CouchDB container for testing.
func setupCouchDBContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "couchdb:3.3",
		ExposedPorts: []string{"5984/tcp"},
		Env: map[string]string{
			"COUCHDB_USER":     "admin",
			"COUCHDB_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForHTTP("/_up").WithPort("5984/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start CouchDB container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5984")
	require.NoError(t, err)

	url := fmt.Sprintf("http://admin:testpass@%s:%s", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return url, cleanup
}

func newTestClient(t *testing.T, endpoint, dbName string) (*Client, *Database) {
	cfg := ClientConfig{
		Endpoint:          endpoint,
		PropertyCaseStyle: CaseLower,
	}
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err, "failed to dial CouchDB")

	require.NoError(t, client.CreateDatabase(context.Background(), dbName))
	return client, client.Database(dbName)
}

type character struct {
	Name    string   `json:"name"`
	Species string   `json:"species"`
	Age     int      `json:"age"`
	Friends []string `json:"friends"`
}

// TestIntegration_CreateUpdateFindDelete exercises the full document
// lifecycle: write, read back, update, query via Find, then delete.
func TestIntegration_CreateUpdateFindDelete(t *testing.T) {
	url, cleanup := setupCouchDBContainer(t)
	defer cleanup()

	client, db := newTestClient(t, url, "lifecycle_test")
	defer client.Close()
	ctx := context.Background()

	doc := NewDocument("luke", character{Name: "Luke", Species: "Human", Age: 19, Friends: []string{"Leia", "Han"}})
	require.NoError(t, PutDocument(ctx, db, doc))
	assert.NotEmpty(t, doc.Rev)

	fetched, err := GetDocument[character](ctx, db, "luke")
	require.NoError(t, err)
	assert.Equal(t, "Luke", fetched.Payload.Name)
	assert.Equal(t, doc.Rev, fetched.Rev)

	fetched.Payload.Age = 20
	require.NoError(t, PutDocument(ctx, db, fetched))
	assert.NotEqual(t, doc.Rev, fetched.Rev, "revision must change on update")

	time.Sleep(200 * time.Millisecond)

	p := NewPipeline().Where(Eq("age", 20))
	rows, err := FindTyped[character](ctx, db, p)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 20, rows[0].Age)

	require.NoError(t, DeleteDocument(ctx, db, "luke", fetched.Rev))

	_, err = GetDocument[character](ctx, db, "luke")
	require.Error(t, err, "a deleted document must no longer be fetchable")

	missing, err := FindByID[character](ctx, db, "luke")
	require.NoError(t, err, "FindByID maps a 404 to (nil, nil), not an error")
	assert.Nil(t, missing)
}

// TestIntegration_AttachmentRoundTrip verifies an uploaded attachment comes
// back byte-identical and carrying its download uri.
func TestIntegration_AttachmentRoundTrip(t *testing.T) {
	url, cleanup := setupCouchDBContainer(t)
	defer cleanup()

	client, db := newTestClient(t, url, "attachment_test")
	defer client.Close()
	ctx := context.Background()

	payload := []byte("binary-blob-contents")
	doc := NewDocument("with-attachment", character{Name: "Han"})
	doc.Attachments.Add("manifest.bin", payload, "application/octet-stream")
	require.NoError(t, PutDocument(ctx, db, doc))

	fetched, err := GetDocument[character](ctx, db, "with-attachment")
	require.NoError(t, err)

	att, ok := fetched.Attachments.Get("manifest.bin")
	require.True(t, ok)
	assert.NotEmpty(t, att.Digest)

	// GetDocument reads attachment stubs only, so the bytes are fetched
	// through the hydrated download uri.
	require.NotEmpty(t, att.URI)
	resp, err := http.Get(att.URI)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	downloaded, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, downloaded)
}

// TestIntegration_SelectorFilteredChangesAfterInsert verifies a changes feed
// opened with a selector only surfaces matching documents.
func TestIntegration_SelectorFilteredChangesAfterInsert(t *testing.T) {
	url, cleanup := setupCouchDBContainer(t)
	defer cleanup()

	client, db := newTestClient(t, url, "changes_selector_test")
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, PutDocument(ctx, db, NewDocument("a", character{Name: "A", Species: "Droid"})))
	require.NoError(t, PutDocument(ctx, db, NewDocument("b", character{Name: "B", Species: "Human"})))

	changesCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	events, feedErrs, cancelFeed, err := db.Changes(changesCtx, ChangesOptions{
		Mode:     FeedNormal,
		Selector: Eq("species", "Droid"),
	})
	require.NoError(t, err)
	defer cancelFeed()

	seen := map[string]bool{}
	for ev := range events {
		seen[ev.ID] = true
	}
	require.NoError(t, <-feedErrs)
	assert.True(t, seen["a"])
	assert.False(t, seen["b"], "a selector-filtered feed must not surface non-matching documents")
}

// TestIntegration_ContinuousChangesWithCancellation opens a continuous feed
// from "now", writes a document out of band, observes it, then cancels.
func TestIntegration_ContinuousChangesWithCancellation(t *testing.T) {
	url, cleanup := setupCouchDBContainer(t)
	defer cleanup()

	client, db := newTestClient(t, url, "changes_continuous_test")
	defer client.Close()
	ctx := context.Background()

	changesCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, feedErrs, cancelFeed, err := db.Changes(changesCtx, ChangesOptions{
		Mode:  FeedContinuous,
		Since: "now",
	})
	require.NoError(t, err)
	defer cancelFeed()

	require.NoError(t, PutDocument(ctx, db, NewDocument("late-arrival", character{Name: "Chewbacca"})))

	select {
	case ev, ok := <-events:
		require.True(t, ok)
		assert.Equal(t, "late-arrival", ev.ID)
	case err := <-feedErrs:
		t.Fatalf("feed failed before delivering the write: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for continuous change event")
	}

	cancelFeed()
	cancel()
}

// TestIntegration_BulkWrite verifies a bulk upsert of many documents succeeds
// and returns positionally-aligned results with updated revisions.
func TestIntegration_BulkWrite(t *testing.T) {
	url, cleanup := setupCouchDBContainer(t)
	defer cleanup()

	client, db := newTestClient(t, url, "bulk_test")
	defer client.Close()
	ctx := context.Background()

	const n = 10
	docs := make([]*Document[character], n)
	for i := 0; i < n; i++ {
		docs[i] = NewDocument(fmt.Sprintf("bulk-%d", i), character{Name: fmt.Sprintf("Unit %d", i)})
	}

	results, err := BulkUpsert(ctx, db, docs)
	require.NoError(t, err)
	require.Len(t, results, n)
	for i, r := range results {
		assert.True(t, r.OK, "document %d should have written successfully", i)
		assert.NotEmpty(t, docs[i].Rev, "Rev must be updated in place on success")
	}
}

// TestIntegration_GetChangesPage verifies a normal-mode feed returns its
// events in seq order together with the terminal last_seq, and that resuming
// from that sequence yields nothing new.
func TestIntegration_GetChangesPage(t *testing.T) {
	url, cleanup := setupCouchDBContainer(t)
	defer cleanup()

	client, db := newTestClient(t, url, "changes_page_test")
	defer client.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, PutDocument(ctx, db, NewDocument(fmt.Sprintf("page-%d", i), character{Name: fmt.Sprintf("P%d", i)})))
	}

	page, err := db.GetChanges(ctx, ChangesOptions{Mode: FeedNormal})
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	assert.NotEmpty(t, page.LastSeq)

	resumed, err := db.GetChanges(ctx, ChangesOptions{Mode: FeedNormal, Since: page.LastSeq})
	require.NoError(t, err)
	assert.Empty(t, resumed.Events, "resuming from last_seq must return no already-seen events")
}

// TestIntegration_BulkFetch verifies a batch read returns every existing
// document with hydrated metadata and reports the rest without failing the
// whole call.
func TestIntegration_BulkFetch(t *testing.T) {
	url, cleanup := setupCouchDBContainer(t)
	defer cleanup()

	client, db := newTestClient(t, url, "bulk_fetch_test")
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, PutDocument(ctx, db, NewDocument("bf-1", character{Name: "One"})))
	require.NoError(t, PutDocument(ctx, db, NewDocument("bf-2", character{Name: "Two"})))

	docs, _, err := BulkFetch[character](ctx, db, []string{"bf-1", "bf-2", "bf-missing"})
	require.NoError(t, err)
	require.Contains(t, docs, "bf-1")
	require.Contains(t, docs, "bf-2")
	assert.NotContains(t, docs, "bf-missing")
	assert.Equal(t, "One", docs["bf-1"].Payload.Name)
	assert.NotEmpty(t, docs["bf-1"].Rev)
}

// TestIntegration_ConflictOnStaleRev opens the same document through two
// handles and verifies the second write, using a stale revision, is
// classified as a conflict.
func TestIntegration_ConflictOnStaleRev(t *testing.T) {
	url, cleanup := setupCouchDBContainer(t)
	defer cleanup()

	client, db := newTestClient(t, url, "conflict_test")
	defer client.Close()
	ctx := context.Background()

	original := NewDocument("contested", character{Name: "Obi-Wan"})
	require.NoError(t, PutDocument(ctx, db, original))

	staleCopy, err := GetDocument[character](ctx, db, "contested")
	require.NoError(t, err)

	original.Payload.Age = 57
	require.NoError(t, PutDocument(ctx, db, original))

	staleCopy.Payload.Age = 999
	err = PutDocument(ctx, db, staleCopy)
	require.Error(t, err, "writing with a stale rev must fail")

	var mangoErr *Error
	require.ErrorAs(t, err, &mangoErr)
	assert.True(t, mangoErr.IsConflict())
}
