package feed

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"testing/quick"
	"time"

	"schoolchat/models"
)

var baseTime = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func message(id, senderID int64, minute int) models.Message {
	return models.Message{
		ID:      id,
		Content: "message",
		SentAt:  models.At(baseTime.Add(time.Duration(minute) * time.Minute)),
		Sender:  models.Sender{ID: senderID, Name: "sender"},
	}
}

// pagedHistory serves newest-first pages over messages with ids 1..total.
func pagedHistory(total int, senderID int64) PageFetcher {
	return func(ctx context.Context, page, pageSize int) ([]models.Message, error) {
		var out []models.Message
		newest := total - (page-1)*pageSize
		for id := newest; id > newest-pageSize && id >= 1; id-- {
			out = append(out, message(int64(id), senderID, id))
		}
		return out, nil
	}
}

func assertOrdered(t *testing.T, f *Feed) {
	t.Helper()

	seen := make(map[int64]bool)
	messages := f.Messages()
	for i, msg := range messages {
		if seen[msg.ID] {
			t.Fatalf("duplicate id %d in feed", msg.ID)
		}
		seen[msg.ID] = true
		if i > 0 && messages[i-1].SentAt.After(msg.SentAt.Time) {
			t.Fatalf("feed out of order at %d: %v after %v", i, messages[i-1].SentAt, msg.SentAt)
		}
	}
}

func TestApplyReceivedDeduplicatesRedelivery(t *testing.T) {
	f := New(1)

	if !f.ApplyReceived(message(5, 2, 1)) {
		t.Fatalf("expected first delivery to be applied")
	}
	for i := 0; i < 3; i++ {
		if f.ApplyReceived(message(5, 2, 1)) {
			t.Fatalf("expected redelivery %d to be ignored", i)
		}
	}
	if f.Len() != 1 {
		t.Fatalf("expected exactly one message, got %d", f.Len())
	}
}

func TestApplyReceivedKeepsUniqueIDsForAnySequence(t *testing.T) {
	property := func(ids []uint8, minutes []uint8) bool {
		f := New(1)
		for i, id := range ids {
			minute := 0
			if i < len(minutes) {
				minute = int(minutes[i])
			}
			f.ApplyReceived(message(int64(id), 2, minute))
		}

		distinct := make(map[int64]bool)
		for _, id := range ids {
			distinct[int64(id)] = true
		}
		if f.Len() != len(distinct) {
			return false
		}
		messages := f.Messages()
		for i := 1; i < len(messages); i++ {
			if messages[i-1].SentAt.After(messages[i].SentAt.Time) {
				return false
			}
		}
		return true
	}

	config := &quick.Config{MaxCount: 200, Rand: rand.New(rand.NewSource(7))}
	if err := quick.Check(property, config); err != nil {
		t.Fatalf("dedupe property failed: %v", err)
	}
}

func TestApplyUpdatedMissLeavesFeedUnchanged(t *testing.T) {
	f := New(1)
	f.ApplyReceived(message(1, 2, 1))
	f.ApplyReceived(message(2, 2, 2))
	before := f.Messages()

	if f.ApplyUpdated(message(99, 2, 3)) {
		t.Fatalf("expected update of unknown id to be dropped")
	}

	after := f.Messages()
	if len(after) != len(before) {
		t.Fatalf("expected no insertion on update miss, got %d messages", len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("expected feed unchanged at %d", i)
		}
	}
}

func TestApplyUpdatedReplacesInPlace(t *testing.T) {
	f := New(1)
	f.ApplyReceived(message(1, 2, 1))
	f.ApplyReceived(message(2, 1, 2))
	f.ApplyReceived(message(3, 2, 3))

	edited := message(2, 1, 50)
	edited.Content = "edited"
	if !f.ApplyUpdated(edited) {
		t.Fatalf("expected update to apply")
	}

	messages := f.Messages()
	if messages[1].ID != 2 || messages[1].Content != "edited" {
		t.Fatalf("expected edited message to keep position, got %+v", messages)
	}
	if !messages[1].SentAt.Equal(baseTime.Add(2 * time.Minute)) {
		t.Fatalf("expected stored timestamp to be kept, got %v", messages[1].SentAt)
	}
	if !messages[1].FromCurrentUser {
		t.Fatalf("expected ownership to be re-derived on update")
	}
}

func TestApplyDeletedMissIsNoOp(t *testing.T) {
	f := New(1)
	f.ApplyReceived(message(1, 2, 1))

	if f.ApplyDeleted(42) {
		t.Fatalf("expected delete of unknown id to be a no-op")
	}
	if f.Len() != 1 {
		t.Fatalf("expected feed unchanged, got %d", f.Len())
	}

	if !f.ApplyDeleted(1) {
		t.Fatalf("expected delete to apply")
	}
	if f.Len() != 0 || f.Contains(1) {
		t.Fatalf("expected message 1 removed")
	}
	if !f.ApplyReceived(message(1, 2, 1)) {
		t.Fatalf("expected a deleted id to be accepted again")
	}
}

func TestLoadPagesSequentially(t *testing.T) {
	f := New(1)
	fetch := pagedHistory(45, 2)
	ctx := context.Background()

	first, err := f.LoadPage(ctx, fetch, 1, 20)
	if err != nil {
		t.Fatalf("LoadPage(1) failed: %v", err)
	}
	second, err := f.LoadPage(ctx, fetch, 2, 20)
	if err != nil {
		t.Fatalf("LoadPage(2) failed: %v", err)
	}

	if f.Len() != len(first)+len(second) || f.Len() != 40 {
		t.Fatalf("expected 40 messages, got %d (%d+%d)", f.Len(), len(first), len(second))
	}
	assertOrdered(t, f)
	if f.NextPage() != 3 || f.Exhausted() {
		t.Fatalf("expected next page 3 and more history, got %d exhausted=%v", f.NextPage(), f.Exhausted())
	}

	if _, err := f.LoadPage(ctx, fetch, 3, 20); err != nil {
		t.Fatalf("LoadPage(3) failed: %v", err)
	}
	if f.Len() != 45 || !f.Exhausted() {
		t.Fatalf("expected short page to exhaust history, len=%d exhausted=%v", f.Len(), f.Exhausted())
	}
	if messages := f.Messages(); messages[0].ID != 1 || messages[44].ID != 45 {
		t.Fatalf("expected oldest first, got first=%d last=%d", messages[0].ID, messages[44].ID)
	}
}

func TestOverlappingPagesDoNotDuplicate(t *testing.T) {
	f := New(1)
	page := []models.Message{message(3, 2, 3), message(2, 2, 2)}

	f.AppendPage(1, 2, page)
	added := f.AppendPage(2, 2, []models.Message{message(2, 2, 2), message(1, 2, 1)})

	if len(added) != 1 || added[0].ID != 1 {
		t.Fatalf("expected only message 1 to be added, got %+v", added)
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3 messages, got %d", f.Len())
	}
	assertOrdered(t, f)
}

func TestFailedLoadLeavesFeedUnchanged(t *testing.T) {
	f := New(1)
	f.ApplyReceived(message(1, 2, 1))

	failing := func(ctx context.Context, page, pageSize int) ([]models.Message, error) {
		return []models.Message{message(2, 2, 2)}, errors.New("connection refused")
	}
	if _, err := f.LoadPage(context.Background(), failing, 1, 20); err == nil {
		t.Fatalf("expected LoadPage to fail")
	}
	if f.Len() != 1 || f.Contains(2) {
		t.Fatalf("expected no partial append after failure")
	}
	if f.Loading() {
		t.Fatalf("expected loading flag to be cleared after failure")
	}
	if f.NextPage() != 1 {
		t.Fatalf("expected page cursor unchanged, got %d", f.NextPage())
	}
}

func TestLoadingGuardRejectsReentry(t *testing.T) {
	f := New(1)
	if err := f.BeginLoad(); err != nil {
		t.Fatalf("BeginLoad failed: %v", err)
	}

	called := false
	fetch := func(ctx context.Context, page, pageSize int) ([]models.Message, error) {
		called = true
		return nil, nil
	}
	if _, err := f.LoadPage(context.Background(), fetch, 1, 20); !errors.Is(err, ErrLoadInProgress) {
		t.Fatalf("expected ErrLoadInProgress, got %v", err)
	}
	if called {
		t.Fatalf("expected fetch not to run while loading")
	}

	f.EndLoad()
	if _, err := f.LoadPage(context.Background(), fetch, 1, 20); err != nil {
		t.Fatalf("LoadPage after EndLoad failed: %v", err)
	}
}

func TestLoadPageRejectsSkippedPages(t *testing.T) {
	f := New(1)
	fetch := pagedHistory(60, 2)
	ctx := context.Background()

	if _, err := f.LoadPage(ctx, fetch, 3, 20); !errors.Is(err, ErrPageOutOfOrder) {
		t.Fatalf("expected ErrPageOutOfOrder on an empty feed, got %v", err)
	}
	if f.Len() != 0 || f.NextPage() != 1 || f.Loading() {
		t.Fatalf("expected feed untouched, len=%d next=%d loading=%v", f.Len(), f.NextPage(), f.Loading())
	}

	if _, err := f.LoadPage(ctx, fetch, 1, 20); err != nil {
		t.Fatalf("LoadPage(1) failed: %v", err)
	}
	if _, err := f.LoadPage(ctx, fetch, 3, 20); !errors.Is(err, ErrPageOutOfOrder) {
		t.Fatalf("expected ErrPageOutOfOrder after page 1, got %v", err)
	}
	if _, err := f.LoadPage(ctx, fetch, 2, 20); err != nil {
		t.Fatalf("LoadPage(2) failed: %v", err)
	}
	if f.Len() != 40 || f.NextPage() != 3 {
		t.Fatalf("expected 40 messages and next page 3, len=%d next=%d", f.Len(), f.NextPage())
	}
}

func TestAttributeOwnership(t *testing.T) {
	own := AttributeOwnership(message(1, 42, 1), 42)
	if !own.FromCurrentUser {
		t.Fatalf("expected sender 42 to be the current user")
	}

	other := message(2, 7, 1)
	other.FromCurrentUser = true
	if AttributeOwnership(other, 42).FromCurrentUser {
		t.Fatalf("expected sender 7 not to be the current user")
	}

	if AttributeOwnership(message(3, 0, 1), 0).FromCurrentUser {
		t.Fatalf("expected unknown current user to own nothing")
	}
}

func TestOpenConversationThenReceivePush(t *testing.T) {
	const currentUser, peer = 1, 7
	f := New(currentUser)

	if _, err := f.LoadPage(context.Background(), pagedHistory(20, peer), 1, 20); err != nil {
		t.Fatalf("LoadPage failed: %v", err)
	}
	if f.Len() != 20 {
		t.Fatalf("expected 20 messages, got %d", f.Len())
	}

	pushed := message(21, peer, 30)
	pushed.FromCurrentUser = true
	if !f.ApplyReceived(pushed) {
		t.Fatalf("expected push to be applied")
	}

	messages := f.Messages()
	if len(messages) != 21 {
		t.Fatalf("expected 21 messages, got %d", len(messages))
	}
	last := messages[len(messages)-1]
	if last.ID != 21 {
		t.Fatalf("expected pushed message last, got %d", last.ID)
	}
	if last.FromCurrentUser {
		t.Fatalf("expected pushed message from user 7 not to be marked as own")
	}
	assertOrdered(t, f)
}
