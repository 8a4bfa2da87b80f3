package gmail

import "time"

// MessageID is the opaque Gmail message identifier.
type MessageID string

// LabelID is the opaque Gmail label identifier.
type LabelID string

// Message carries the metadata surface the engine classifies on. Labels are
// resolved label names, not IDs; the transport adapter owns the mapping.
type Message struct {
	ID      MessageID
	Sender  string // address portion of the From header, original casing
	Subject string
	Snippet string
	Date    time.Time
	Labels  []string
	Unread  bool
}

// HasLabel reports whether the message currently carries the named label.
// Label identity is exact and case-sensitive.
func (m Message) HasLabel(name string) bool {
	for _, l := range m.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// ModifyOps describes a single-message mutation batch.
type ModifyOps struct {
	AddLabels    []string // label names; the adapter resolves them to IDs
	RemoveLabels []string
	MarkRead     bool // removes UNREAD
	MarkUnread   bool // adds UNREAD
	Archive      bool // removes INBOX
}

// Query is a raw Gmail search expression, already formed
// (e.g. `from:billing@example.com label:inbox after:1726440000`).
type Query struct {
	Raw string
}

// ListPage is one page of message IDs from a search.
type ListPage struct {
	IDs           []MessageID
	NextPageToken string
}
