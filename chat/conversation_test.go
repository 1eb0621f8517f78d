package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"schoolchat/api"
	"schoolchat/hub"
	"schoolchat/models"
)

const (
	currentUser int64 = 1
	peerUser    int64 = 7
)

var baseTime = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func directJSON(id, sender, receiver int64, minute int) string {
	return fmt.Sprintf(`{"id":%d,"content":"m%d","sentAt":%q,"senderId":%d,"senderName":"u%d","receiverId":%d}`,
		id, id, baseTime.Add(time.Duration(minute)*time.Minute).Format(time.RFC3339), sender, sender, receiver)
}

func directMessage(id, sender, receiver int64, minute int) models.Message {
	return models.Message{
		ID:         id,
		Content:    fmt.Sprintf("m%d", id),
		SentAt:     models.At(baseTime.Add(time.Duration(minute) * time.Minute)),
		Sender:     models.Sender{ID: sender},
		ReceiverID: &receiver,
	}
}

func groupMessage(id, sender, groupID int64, minute int) models.Message {
	return models.Message{
		ID:          id,
		Content:     fmt.Sprintf("g%d", id),
		SentAt:      models.At(baseTime.Add(time.Duration(minute) * time.Minute)),
		Sender:      models.Sender{ID: sender},
		GroupChatID: &groupID,
	}
}

type testEnv struct {
	client   *api.Client
	notifier *hub.Notifier
}

func newTestEnv(t *testing.T, handler http.Handler) testEnv {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := api.New(api.Options{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("api.New failed: %v", err)
	}
	notifier, err := hub.NewNotifier(hub.Options{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("hub.NewNotifier failed: %v", err)
	}
	return testEnv{client: client, notifier: notifier}
}

func openConversation(t *testing.T, env testEnv, target models.Target, mutate func(*Options)) *Conversation {
	t.Helper()

	options := Options{
		Client:        env.client,
		Events:        env.notifier,
		Target:        target,
		CurrentUserID: currentUser,
		PageSize:      20,
	}
	if mutate != nil {
		mutate(&options)
	}
	conv, err := Open(options)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(conv.Close)
	return conv
}

func waitForSnapshot(t *testing.T, conv *Conversation, condition func([]models.Message) bool) []models.Message {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		messages, err := conv.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if condition(messages) {
			return messages
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("snapshot condition not met")
	return nil
}

func receiveAlert(t *testing.T, conv *Conversation) Alert {
	t.Helper()

	select {
	case alert := <-conv.Alerts():
		return alert
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for alert")
	}
	return Alert{}
}

func historyHandler(count int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/Message/direct/7", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		parts := make([]string, 0, count)
		for id := count; id >= 1; id-- {
			sender := peerUser
			receiver := currentUser
			if id%2 == 0 {
				sender, receiver = currentUser, peerUser
			}
			parts = append(parts, directJSON(int64(id), sender, receiver, id))
		}
		_, _ = w.Write([]byte("[" + strings.Join(parts, ",") + "]"))
	})
	return mux
}

func TestOpenDirectConversationAndReceivePush(t *testing.T) {
	env := newTestEnv(t, historyHandler(20))
	conv := openConversation(t, env, models.Direct(peerUser), nil)

	added, err := conv.LoadNextPage(context.Background())
	if err != nil {
		t.Fatalf("LoadNextPage failed: %v", err)
	}
	if len(added) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(added))
	}
	if !added[1].FromCurrentUser || added[0].FromCurrentUser {
		t.Fatalf("expected ownership derived from sender ids")
	}

	env.notifier.Publish(hub.Event{Type: hub.EventMessageReceived, Message: directMessage(21, peerUser, currentUser, 30), MessageID: 21})

	messages := waitForSnapshot(t, conv, func(m []models.Message) bool { return len(m) == 21 })
	last := messages[len(messages)-1]
	if last.ID != 21 || last.FromCurrentUser {
		t.Fatalf("expected pushed message last and not own, got %+v", last)
	}

	select {
	case <-conv.Changes():
	default:
		t.Fatalf("expected a change signal")
	}
}

func TestPushesForOtherConversationsAreIgnored(t *testing.T) {
	env := newTestEnv(t, historyHandler(0))
	conv := openConversation(t, env, models.Direct(peerUser), nil)

	env.notifier.Publish(hub.Event{Type: hub.EventMessageReceived, Message: directMessage(50, 8, currentUser, 1), MessageID: 50})
	env.notifier.Publish(hub.Event{Type: hub.EventMessageReceived, Message: groupMessage(51, peerUser, 9, 2), MessageID: 51})
	env.notifier.Publish(hub.Event{Type: hub.EventMessageReceived, Message: directMessage(52, currentUser, peerUser, 3), MessageID: 52})
	env.notifier.Publish(hub.Event{Type: hub.EventMessageReceived, Message: directMessage(52, currentUser, peerUser, 3), MessageID: 52})

	messages := waitForSnapshot(t, conv, func(m []models.Message) bool { return len(m) > 0 })
	if len(messages) != 1 || messages[0].ID != 52 || !messages[0].FromCurrentUser {
		t.Fatalf("expected only own message 52 once, got %+v", messages)
	}
}

func TestFailedLoadAlertsAndKeepsFeed(t *testing.T) {
	var calls int
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/Message/direct/7", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("Database unavailable"))
			return
		}
		_, _ = w.Write([]byte("[" + directJSON(1, peerUser, currentUser, 1) + "]"))
	})
	env := newTestEnv(t, mux)
	conv := openConversation(t, env, models.Direct(peerUser), nil)

	if _, err := conv.LoadNextPage(context.Background()); err == nil {
		t.Fatalf("expected first load to fail")
	}
	alert := receiveAlert(t, conv)
	if alert.Text != "Database unavailable" || alert.Op != "load history" {
		t.Fatalf("unexpected alert %+v", alert)
	}
	if messages, _ := conv.Snapshot(); len(messages) != 0 {
		t.Fatalf("expected empty feed after failure, got %d", len(messages))
	}

	added, err := conv.LoadNextPage(context.Background())
	if err != nil || len(added) != 1 {
		t.Fatalf("expected retry of page 1 to succeed, added=%d err=%v", len(added), err)
	}
	if exhausted, _ := conv.Exhausted(); !exhausted {
		t.Fatalf("expected short page to exhaust history")
	}
}

func TestEditAndDeleteReconcileFeed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/Message/direct/7", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[" + directJSON(2, currentUser, peerUser, 2) + "," + directJSON(1, peerUser, currentUser, 1) + "]"))
	})
	mux.HandleFunc("PUT /api/Message/2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /api/Message/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("You can only edit your own messages."))
	})
	mux.HandleFunc("DELETE /api/Message/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("You can only delete your own messages."))
	})
	mux.HandleFunc("DELETE /api/Message/2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	env := newTestEnv(t, mux)
	conv := openConversation(t, env, models.Direct(peerUser), nil)
	ctx := context.Background()

	if _, err := conv.LoadNextPage(ctx); err != nil {
		t.Fatalf("LoadNextPage failed: %v", err)
	}

	if err := conv.Edit(ctx, 1, "hijacked"); err == nil {
		t.Fatalf("expected edit of foreign message to fail")
	}
	if alert := receiveAlert(t, conv); alert.Text != "You can only edit your own messages." {
		t.Fatalf("expected verbatim server text, got %q", alert.Text)
	}
	if err := conv.Delete(ctx, 1); err == nil {
		t.Fatalf("expected delete of foreign message to fail")
	}
	if alert := receiveAlert(t, conv); alert.Text != "You can only delete your own messages." {
		t.Fatalf("expected verbatim server text, got %q", alert.Text)
	}

	if err := conv.Edit(ctx, 2, "fixed typo"); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	messages := waitForSnapshot(t, conv, func(m []models.Message) bool {
		return len(m) == 2 && m[1].Content == "fixed typo"
	})
	if messages[0].Content != "m1" {
		t.Fatalf("expected foreign message unchanged, got %q", messages[0].Content)
	}

	if err := conv.Delete(ctx, 2); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	waitForSnapshot(t, conv, func(m []models.Message) bool { return len(m) == 1 && m[0].ID == 1 })
}

func TestGroupConversationExposesMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/GroupChat/9/messages", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"groupChat":{"id":9,"name":"5B Physics","members":[` +
			`{"userId":1,"userName":"Teacher","isAdmin":true},{"userId":7,"userName":"Bo","isAdmin":false}]},` +
			`"messages":[{"id":3,"content":"hello class","sentAt":"2024-03-01T08:00:00Z","senderId":1,"groupChatId":9}]}`))
	})
	env := newTestEnv(t, mux)
	conv := openConversation(t, env, models.Group(9), nil)

	if group, err := conv.Group(); err != nil || group != nil {
		t.Fatalf("expected no metadata before first page, got %+v (%v)", group, err)
	}
	if _, err := conv.LoadNextPage(context.Background()); err != nil {
		t.Fatalf("LoadNextPage failed: %v", err)
	}

	group, err := conv.Group()
	if err != nil {
		t.Fatalf("Group failed: %v", err)
	}
	if group.Name != "5B Physics" || len(group.Members) != 2 || len(group.Admins()) != 1 {
		t.Fatalf("unexpected group metadata %+v", group)
	}

	env.notifier.Publish(hub.Event{Type: hub.EventMessageReceived, Message: groupMessage(4, 7, 10, 5), MessageID: 4})
	env.notifier.Publish(hub.Event{Type: hub.EventMessageReceived, Message: groupMessage(5, 7, 9, 6), MessageID: 5})

	messages := waitForSnapshot(t, conv, func(m []models.Message) bool { return len(m) >= 2 })
	if len(messages) != 2 || messages[1].ID != 5 {
		t.Fatalf("expected only group 9 push applied, got %+v", messages)
	}
}

func TestCloseCancelsInflightLoad(t *testing.T) {
	entered := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/Message/direct/7", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	})
	env := newTestEnv(t, mux)
	conv := openConversation(t, env, models.Direct(peerUser), nil)

	result := make(chan error, 1)
	go func() {
		_, err := conv.LoadNextPage(context.Background())
		result <- err
	}()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("request never reached the server")
	}
	conv.Close()

	select {
	case err := <-result:
		if err == nil {
			t.Fatalf("expected canceled load to fail")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("load was not canceled by Close")
	}

	select {
	case alert := <-conv.Alerts():
		t.Fatalf("expected no alert for a canceled screen, got %+v", alert)
	default:
	}

	if _, err := conv.Snapshot(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
	if err := conv.Edit(context.Background(), 1, "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed for Edit after Close, got %v", err)
	}
	conv.Close()
}

type recordingSaver struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (s *recordingSaver) Save(filename string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string][]byte)
	}
	s.saved[filename] = data
	return "/downloads/" + filename, nil
}

func TestDownloadHandsAttachmentToSaver(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/Message/file/3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="worksheet.pdf"`)
		_, _ = w.Write([]byte("pdf-bytes"))
	})
	mux.HandleFunc("GET /api/Message/file/4", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	env := newTestEnv(t, mux)
	saver := &recordingSaver{}
	conv := openConversation(t, env, models.Direct(peerUser), func(o *Options) { o.Saver = saver })

	path, err := conv.Download(context.Background(), 3)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if path != "/downloads/worksheet.pdf" || string(saver.saved["worksheet.pdf"]) != "pdf-bytes" {
		t.Fatalf("unexpected save result %q %v", path, saver.saved)
	}

	if _, err := conv.Download(context.Background(), 4); api.Classify(err) != api.KindStatus {
		t.Fatalf("expected status error for missing file, got %v", err)
	}
	receiveAlert(t, conv)
}
