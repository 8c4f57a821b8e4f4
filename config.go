package mango

import (
	"crypto/tls"
	"time"
)

// CaseStyle controls how Go field names are rendered into CouchDB document
// property paths by the Property Path Resolver (4.C).
type CaseStyle int

const (
	// CaseAsIs leaves the field name untouched.
	CaseAsIs CaseStyle = iota
	// CaseLower lowercases the whole field name.
	CaseLower
	// CaseCamel renders the field name as lowerCamelCase.
	CaseCamel
	// CaseSnake renders the field name as snake_case.
	CaseSnake
	// CaseKebab renders the field name as kebab-case.
	CaseKebab
)

// ArrayIndexStyle controls how array indices are rendered within a resolved
// property path.
type ArrayIndexStyle int

const (
	// ArrayBracket renders an index as "items[0]".
	ArrayBracket ArrayIndexStyle = iota
	// ArrayDot renders an index as "items.0", CouchDB's own native form.
	ArrayDot
)

// TLSConfig carries the connection-level TLS options for an https endpoint.
type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool
}

func (t *TLSConfig) toStdlib() (*tls.Config, error) {
	if t == nil || !t.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: t.InsecureSkipVerify}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// AuthConfig carries the credentials used to establish and refresh the
// CouchDB session cookie. Username/Password are embedded in the connection
// URL's userinfo component at dial time.
type AuthConfig struct {
	Username string
	Password string
}

// ClientConfig is the full configuration surface for a Client.
type ClientConfig struct {
	// Endpoint is the CouchDB base URL. Credentials already embedded in it
	// are used as-is; otherwise Auth's are spliced in at dial time.
	Endpoint string
	Auth     AuthConfig
	TLS      *TLSConfig

	// PropertyCaseStyle and PropertyOverrides configure the Property Path
	// Resolver (4.C).
	PropertyCaseStyle  CaseStyle
	PropertyOverrides  map[string]string
	ArrayIndexStyle    ArrayIndexStyle

	// QueryCacheSize bounds the Query Compiler's LRU cache (4.F). Zero means
	// the default of 256 entries.
	QueryCacheSize int

	// FindTimeout bounds a single _find round trip. Zero means no explicit
	// timeout beyond the underlying HTTP client's own.
	FindTimeout time.Duration

	// ChangesHeartbeat is the heartbeat interval requested from continuous
	// feeds opened through Changes whose HeartbeatMillis is zero. Zero sends
	// no heartbeat parameter, leaving CouchDB's own default.
	ChangesHeartbeat time.Duration

	// DocumentsMustHaveIDPrefix, when non-empty, is validated against every
	// document ID passed to PutDocument and BulkUpsert; documents whose ID
	// doesn't carry the prefix are rejected before any network call.
	DocumentsMustHaveIDPrefix string

	// MaxRetries bounds the retry loop for Transport/ServerError responses.
	// Zero means the default of 3 attempts.
	MaxRetries int

	// SessionDuration is how long a negotiated CouchDB session cookie is
	// trusted before the next call forces a refresh. Zero means the default
	// of 10 minutes, CouchDB's own default session timeout.
	SessionDuration time.Duration
}

func (c ClientConfig) cacheSize() int {
	if c.QueryCacheSize > 0 {
		return c.QueryCacheSize
	}
	return 256
}

func (c ClientConfig) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 3
}

func (c ClientConfig) sessionDuration() time.Duration {
	if c.SessionDuration > 0 {
		return c.SessionDuration
	}
	return 10 * time.Minute
}
