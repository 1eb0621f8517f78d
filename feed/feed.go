// Package feed keeps the ordered message history of one open conversation
// and reconciles it with history pages and push events.
//
// A Feed is not synchronized. It must be owned by a single goroutine, which in
// this module is the conversation event loop in package chat.
package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"schoolchat/models"
)

// ErrLoadInProgress is returned when a page is requested while another page
// load for the same feed has not finished.
var ErrLoadInProgress = errors.New("a page load is already in progress")

// ErrPageOutOfOrder is returned when a page beyond the next unread one is
// requested. History is read strictly in order starting at page 1.
var ErrPageOutOfOrder = errors.New("history page requested out of order")

// PageFetcher fetches one history page.
type PageFetcher func(ctx context.Context, page, pageSize int) ([]models.Message, error)

// Feed is the in-memory, timestamp-ordered message sequence of one
// conversation. Message ids are unique within a Feed.
type Feed struct {
	currentUserID int64

	messages []models.Message
	ids      map[int64]struct{}

	loading   bool
	nextPage  int
	exhausted bool
}

// New returns an empty feed attributing ownership against currentUserID.
func New(currentUserID int64) *Feed {
	return &Feed{
		currentUserID: currentUserID,
		ids:           make(map[int64]struct{}),
		nextPage:      1,
	}
}

// AttributeOwnership sets FromCurrentUser from the sender id. Any flag the
// server sent is ignored.
func AttributeOwnership(msg models.Message, currentUserID int64) models.Message {
	msg.FromCurrentUser = currentUserID != 0 && msg.Sender.ID == currentUserID
	return msg
}

// CurrentUserID returns the id messages are attributed against.
func (f *Feed) CurrentUserID() int64 { return f.currentUserID }

// Len returns the number of messages.
func (f *Feed) Len() int { return len(f.messages) }

// Loading reports whether a page load is in flight.
func (f *Feed) Loading() bool { return f.loading }

// NextPage is the page number following the highest page appended so far.
func (f *Feed) NextPage() int { return f.nextPage }

// Exhausted reports whether the last page came back short, meaning there is
// no older history to fetch.
func (f *Feed) Exhausted() bool { return f.exhausted }

// Messages returns a copy of the feed in display order.
func (f *Feed) Messages() []models.Message {
	return slices.Clone(f.messages)
}

// Get returns the message with id.
func (f *Feed) Get(id int64) (models.Message, bool) {
	index := f.indexOf(id)
	if index < 0 {
		return models.Message{}, false
	}
	return f.messages[index], true
}

// Contains reports whether a message with id is present.
func (f *Feed) Contains(id int64) bool {
	_, ok := f.ids[id]
	return ok
}

// LoadPage fetches one page and appends it. On failure the feed is left
// untouched. A call while another load is running returns ErrLoadInProgress.
func (f *Feed) LoadPage(ctx context.Context, fetch PageFetcher, page, pageSize int) ([]models.Message, error) {
	if err := f.BeginLoad(); err != nil {
		return nil, err
	}
	defer f.EndLoad()

	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("invalid page %d with size %d", page, pageSize)
	}
	if page > f.nextPage {
		return nil, fmt.Errorf("load page %d, next is %d: %w", page, f.nextPage, ErrPageOutOfOrder)
	}

	fetched, err := fetch(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}
	return f.AppendPage(page, pageSize, fetched), nil
}

// BeginLoad marks a page load as started. It is split from AppendPage so the
// fetch can run off the owning goroutine.
func (f *Feed) BeginLoad() error {
	if f.loading {
		return ErrLoadInProgress
	}
	f.loading = true
	return nil
}

// EndLoad clears the loading flag.
func (f *Feed) EndLoad() {
	f.loading = false
}

// AppendPage merges a fetched page into the feed and returns the messages
// that were actually added, attributed and in display order.
func (f *Feed) AppendPage(page, pageSize int, fetched []models.Message) []models.Message {
	added := make([]models.Message, 0, len(fetched))
	for _, msg := range fetched {
		if f.Contains(msg.ID) {
			continue
		}
		msg = AttributeOwnership(msg, f.currentUserID)
		f.ids[msg.ID] = struct{}{}
		f.messages = append(f.messages, msg)
		added = append(added, msg)
	}

	slices.SortStableFunc(f.messages, compareMessages)
	slices.SortStableFunc(added, compareMessages)

	if page >= f.nextPage {
		f.nextPage = page + 1
	}
	if len(fetched) < pageSize {
		f.exhausted = true
	}
	return added
}

// ApplyReceived inserts a pushed message at its timestamp position. A
// redelivered id is ignored and false is returned.
func (f *Feed) ApplyReceived(msg models.Message) bool {
	if f.Contains(msg.ID) {
		return false
	}
	msg = AttributeOwnership(msg, f.currentUserID)

	at, _ := slices.BinarySearchFunc(f.messages, msg, compareMessages)
	f.messages = slices.Insert(f.messages, at, msg)
	f.ids[msg.ID] = struct{}{}
	return true
}

// ApplyUpdated replaces the stored message with the same id. The stored
// timestamp is kept so the message never moves. Unknown ids are dropped.
func (f *Feed) ApplyUpdated(msg models.Message) bool {
	index := f.indexOf(msg.ID)
	if index < 0 {
		return false
	}
	msg.SentAt = f.messages[index].SentAt
	f.messages[index] = AttributeOwnership(msg, f.currentUserID)
	return true
}

// ApplyDeleted removes the message with id, if present.
func (f *Feed) ApplyDeleted(id int64) bool {
	index := f.indexOf(id)
	if index < 0 {
		return false
	}
	f.messages = slices.Delete(f.messages, index, index+1)
	delete(f.ids, id)
	return true
}

func (f *Feed) indexOf(id int64) int {
	if !f.Contains(id) {
		return -1
	}
	return slices.IndexFunc(f.messages, func(m models.Message) bool { return m.ID == id })
}

// compareMessages orders by timestamp, then id for equal timestamps.
func compareMessages(a, b models.Message) int {
	if cmp := a.SentAt.Compare(b.SentAt.Time); cmp != 0 {
		return cmp
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}
