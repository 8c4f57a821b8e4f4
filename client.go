package mango

import (
	"context"
	"fmt"
	"strings"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
)

// Client is the top-level handle returned by NewClient. It owns the
// underlying Kivik client, the session-freshness tracker, and one Compiler
// shared by every Database obtained from it, so compiled-query caching
// spans the whole connection rather than each Database separately.
type Client struct {
	cfg      ClientConfig
	kivik    *kivik.Client
	session  *sessionState
	compiler *Compiler
}

// NewClient dials endpoint with the given configuration. Authentication,
// once the underlying Kivik client negotiates a session cookie, is tracked
// by Client's own sessionState rather than relying on Kivik's internal
// cookie jar alone — ensureFresh can force a re-dial on demand.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, unsupportedQueryError("NewClient", "endpoint must not be empty")
	}

	c := &Client{
		cfg:      cfg,
		session:  newSessionState(cfg.sessionDuration()),
		compiler: NewCompiler(cfg),
	}

	kc, err := c.dial(ctx)
	if err != nil {
		return nil, classify("NewClient", err)
	}
	c.kivik = kc
	return c, nil
}

// dial builds the connection URL with credentials spliced into the URL's
// userinfo component rather than passed as separate driver options, and
// validates any TLS material eagerly so a bad cert/key path fails at dial
// time, not on first query.
func (c *Client) dial(ctx context.Context) (*kivik.Client, error) {
	connectionURL := c.cfg.Endpoint

	if c.cfg.TLS != nil && c.cfg.TLS.Enabled {
		if _, err := c.cfg.TLS.toStdlib(); err != nil {
			return nil, fmt.Errorf("mango: tls config: %w", err)
		}
		connectionURL = forceScheme(connectionURL, "https")
	}

	if c.cfg.Auth.Username != "" && c.cfg.Auth.Password != "" && !strings.Contains(connectionURL, "@") {
		parts := strings.SplitN(connectionURL, "://", 2)
		if len(parts) == 2 {
			connectionURL = fmt.Sprintf("%s://%s:%s@%s", parts[0], c.cfg.Auth.Username, c.cfg.Auth.Password, parts[1])
		}
	}

	return kivik.New("couch", connectionURL)
}

func forceScheme(url, scheme string) string {
	parts := strings.SplitN(url, "://", 2)
	if len(parts) != 2 {
		return url
	}
	return scheme + "://" + parts[1]
}

// redial re-establishes the underlying Kivik client, causing a fresh
// _session negotiation, and swaps it into place so subsequent calls see it.
func (c *Client) redial(ctx context.Context) (*kivik.Client, error) {
	kc, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.kivik = kc
	return kc, nil
}

// withFreshSession runs fn against the Kivik client, redialing and retrying
// once on an Unauthorized response, then retrying the whole thing with
// exponential backoff if the classified error is Transport or ServerError.
// Unauthorized retries and backoff retries are independent: a 401 never
// consumes a backoff attempt, and a backoff attempt never triggers a second
// re-auth. fn receives the current client on every attempt — callees must
// resolve their *kivik.DB from it rather than from a handle captured before
// the redial, or the retry replays against the stale connection.
func (c *Client) withFreshSession(ctx context.Context, op string, fn func(*kivik.Client) error) error {
	maxAttempts := c.cfg.maxRetries()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := reauthOnce(ctx, c.session, c.redial, func() error {
			return fn(c.kivik)
		})
		if err == nil {
			return nil
		}
		mangoErr := classify(op, err)
		lastErr = mangoErr
		if !mangoErr.IsRetriable() || attempt == maxAttempts-1 {
			return mangoErr
		}
		delay := backoff(attempt, defaultBackoffBase)
		Logger.WithField("op", op).WithField("attempt", attempt+1).WithField("delay", delay).Debug("mango: retrying after transport/server error")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return classify(op, ctx.Err())
		}
	}
	return lastErr
}

// Database returns a handle to the named database. It does not verify the
// database exists — use CreateDatabase or DatabaseExists for that. The
// returned handle's QueryContext is computed once here and never changes.
func (c *Client) Database(name string) *Database {
	return &Database{
		client: c,
		name:   name,
		ctx:    newQueryContext(c.cfg.Endpoint, name),
	}
}

// CreateDatabase creates a new database, succeeding silently if it already
// exists so idempotent setup scripts can call it unconditionally.
func (c *Client) CreateDatabase(ctx context.Context, name string) error {
	return c.withFreshSession(ctx, "CreateDatabase", func(kc *kivik.Client) error {
		err := kc.CreateDB(ctx, name)
		if err != nil && classify("CreateDatabase", err).IsConflict() {
			return nil
		}
		return err
	})
}

// DeleteDatabase destroys a database and all its documents.
func (c *Client) DeleteDatabase(ctx context.Context, name string) error {
	return c.withFreshSession(ctx, "DeleteDatabase", func(kc *kivik.Client) error {
		return kc.DestroyDB(ctx, name)
	})
}

// DatabaseExists reports whether name exists.
func (c *Client) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := c.withFreshSession(ctx, "DatabaseExists", func(kc *kivik.Client) error {
		var innerErr error
		exists, innerErr = kc.DBExists(ctx, name)
		return innerErr
	})
	return exists, err
}

// Close releases resources held by the underlying Kivik client.
func (c *Client) Close() error {
	if c.kivik == nil {
		return nil
	}
	return c.kivik.Close()
}

// Database is a handle to one CouchDB database, obtained from Client. It
// deliberately holds no *kivik.DB of its own: every operation resolves the
// database from the client handed into the retry loop, so a re-auth redial
// is visible to the retried request instead of replaying against the
// pre-redial connection.
type Database struct {
	client *Client
	name   string
	ctx    QueryContext
}

// Name returns the database's name.
func (d *Database) Name() string { return d.name }

// Context returns the Database's immutable QueryContext, used to build
// attachment URIs and any other endpoint-relative links.
func (d *Database) Context() QueryContext { return d.ctx }

// Stats reports the database's current document/disk/sequence counters.
func (d *Database) Stats(ctx context.Context) (*kivik.DBStats, error) {
	var stats *kivik.DBStats
	err := d.client.withFreshSession(ctx, "Stats", func(kc *kivik.Client) error {
		var innerErr error
		stats, innerErr = kc.DB(d.name).Stats(ctx)
		return innerErr
	})
	return stats, err
}

// Compact triggers background database compaction.
func (d *Database) Compact(ctx context.Context) error {
	return d.client.withFreshSession(ctx, "Compact", func(kc *kivik.Client) error {
		return kc.DB(d.name).Compact(ctx)
	})
}

// Err surfaces any construction error on the underlying database handle.
func (d *Database) Err() error {
	return d.client.kivik.DB(d.name).Err()
}
