package mango

import (
	"net/url"
	"strings"
)

// QueryContext carries the three pieces of addressing information every
// Database handle needs once, at construction, and never recomputes: the
// server endpoint, the database name as the caller spelled it, and the
// database name percent-escaped for use as a URL path segment.
type QueryContext struct {
	Endpoint      string
	DBName        string
	EscapedDBName string
}

// dbNameEscapes are the characters CouchDB allows in database names that
// still need percent-escaping in a URL path. url.PathEscape already escapes
// "/", "(" and ")" but leaves "+" and "$" alone (they're valid in a path
// segment per RFC 3986), so those are replaced by hand after the stdlib pass;
// the "(" and ")" entries never match once the stdlib has escaped them.
var dbNameEscapes = strings.NewReplacer(
	"+", "%2B",
	"$", "%24",
	"(", "%28",
	")", "%29",
)

func escapeDBName(name string) string {
	return dbNameEscapes.Replace(url.PathEscape(name))
}

func newQueryContext(endpoint, dbName string) QueryContext {
	return QueryContext{
		Endpoint:      strings.TrimRight(endpoint, "/"),
		DBName:        dbName,
		EscapedDBName: escapeDBName(dbName),
	}
}

// attachmentURI builds the download URI an attachment hydrated from a query
// result is stamped with: "endpoint/{escapedDbName}/{id}/{urlEscape(name)}".
func attachmentURI(qctx QueryContext, docID, attachmentName string) string {
	return qctx.Endpoint + "/" + qctx.EscapedDBName + "/" + url.PathEscape(docID) + "/" + url.PathEscape(attachmentName)
}
