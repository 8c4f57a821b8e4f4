package mango

import "sort"

// AttachmentState tracks what, if anything, must happen to an attachment the
// next time its owning Document is written. Clean means the write path can
// leave it alone entirely.
type AttachmentState int

const (
	AttachmentClean AttachmentState = iota
	AttachmentAdded
	AttachmentModified
	AttachmentDeleted
)

// defaultAttachmentContentType is used when Add is called without an
// explicit content type, matching net/http's own sniff-failure fallback.
const defaultAttachmentContentType = "application/octet-stream"

// Attachment is one named binary blob carried by a Document. Digest and
// Length are only ever populated by the server (hydrate); a caller staging a
// new or modified attachment supplies Data or LocalPath instead. URI,
// DocumentID, and DocumentRev are filled in once a row carrying this
// attachment has been returned from a Get or Find.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
	LocalPath   string

	Digest string
	Length int64

	URI         string
	DocumentID  string
	DocumentRev string

	state AttachmentState
}

// AttachmentSet tracks the attachments on one Document and the pending
// changes (additions, modifications, deletions) a write must apply. It is
// not safe for concurrent use from multiple goroutines without external
// synchronization — a Document is expected to be owned by one call site at a
// time.
type AttachmentSet struct {
	items map[string]*Attachment
}

// NewAttachmentSet returns an empty set.
func NewAttachmentSet() *AttachmentSet {
	return &AttachmentSet{items: make(map[string]*Attachment)}
}

// hydrate registers an attachment already present on the server (state
// Clean), used when a Document is loaded from a Get/Find result. digest and
// length come from CouchDB's own stub metadata, so a Clean attachment always
// carries both.
func (s *AttachmentSet) hydrate(name, contentType string, data []byte, digest string, length int64) {
	s.items[name] = &Attachment{
		Name: name, ContentType: contentType, Data: data,
		Digest: digest, Length: length,
		state: AttachmentClean,
	}
}

// setURI stamps the download URI and owning document identity on a hydrated
// attachment after a Get or Find returned it.
func (s *AttachmentSet) setURI(name, uri, docID, docRev string) {
	if att, ok := s.items[name]; ok {
		att.URI = uri
		att.DocumentID = docID
		att.DocumentRev = docRev
	}
}

// Add stages a brand-new attachment. Adding over a name marked Deleted
// resurrects it as Added rather than leaving a dangling deletion.
func (s *AttachmentSet) Add(name string, data []byte, contentType string) {
	if contentType == "" {
		contentType = defaultAttachmentContentType
	}
	s.items[name] = &Attachment{Name: name, ContentType: contentType, Data: data, state: AttachmentAdded}
}

// Update stages new bytes for an existing attachment. An attachment staged
// as Added stays Added (it has never reached the server, so there is
// nothing to "modify" server-side); a Clean attachment becomes Modified.
func (s *AttachmentSet) Update(name string, data []byte) bool {
	att, ok := s.items[name]
	if !ok {
		return false
	}
	att.Data = data
	if att.state == AttachmentClean {
		att.state = AttachmentModified
	}
	return true
}

// Remove stages an attachment for deletion. An attachment that was only
// ever Added locally (never written) is simply dropped from the set instead
// of being staged as a deletion the server has never heard of.
func (s *AttachmentSet) Remove(name string) bool {
	att, ok := s.items[name]
	if !ok {
		return false
	}
	if att.state == AttachmentAdded {
		delete(s.items, name)
		return true
	}
	att.state = AttachmentDeleted
	return true
}

// Get returns the named attachment and whether it exists (including ones
// staged for deletion — they still exist until the write that removes them
// succeeds).
func (s *AttachmentSet) Get(name string) (*Attachment, bool) {
	att, ok := s.items[name]
	return att, ok
}

// Names returns every attachment name currently tracked, Clean or not.
func (s *AttachmentSet) Names() []string {
	names := make([]string, 0, len(s.items))
	for name := range s.items {
		names = append(names, name)
	}
	return names
}

// pendingAdditions returns attachments staged Added or Modified, in a
// deterministic order (lexicographic by name) so repeated writes of the same
// pending set hit the wire in the same order.
func (s *AttachmentSet) pendingAdditions() []*Attachment {
	var out []*Attachment
	for _, att := range s.items {
		if att.state == AttachmentAdded || att.state == AttachmentModified {
			out = append(out, att)
		}
	}
	sortAttachments(out)
	return out
}

// pendingDeletions returns the names staged Deleted, lexicographically.
func (s *AttachmentSet) pendingDeletions() []string {
	var out []string
	for name, att := range s.items {
		if att.state == AttachmentDeleted {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *AttachmentSet) markClean(name string) {
	if att, ok := s.items[name]; ok {
		att.state = AttachmentClean
	}
}

func (s *AttachmentSet) purge(name string) {
	delete(s.items, name)
}

func sortAttachments(atts []*Attachment) {
	sort.Slice(atts, func(i, j int) bool { return atts[i].Name < atts[j].Name })
}

// Document pairs an application payload of type T with the CouchDB identity
// (ID, Rev) and attachment state needed to write it back. The zero value's
// Attachments is nil; use NewDocument to get a usable AttachmentSet.
type Document[T any] struct {
	ID          string
	Rev         string
	Payload     T
	Attachments *AttachmentSet
}

// NewDocument wraps payload as a brand-new document (no Rev yet).
func NewDocument[T any](id string, payload T) *Document[T] {
	return &Document[T]{ID: id, Payload: payload, Attachments: NewAttachmentSet()}
}
