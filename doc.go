// Package mango provides a typed Mango query pipeline and changes-feed client
// for CouchDB, built on top of the Kivik driver.
//
// A typed expression tree (Expr) is optimized, translated to a deterministic
// Mango selector document, cached by structural fingerprint, and sent through
// a Database handle backed by *kivik.DB. The changes feed is exposed as a
// cancellable, backpressured, typed stream regardless of whether the
// underlying CouchDB feed mode is normal, longpoll, or continuous.
//
// This library does not execute queries locally and is not an offline query
// engine: every Find and Changes call reaches the server.
package mango
