// Package chat runs one open conversation screen: a single event loop owns
// the Feed, applies hub events and history pages to it, and reports failures
// as user-visible alerts.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"schoolchat/api"
	"schoolchat/feed"
	"schoolchat/hub"
	"schoolchat/logging"
	"schoolchat/models"
	"schoolchat/transfer"
)

const (
	defaultPageSize = 20
	alertBuffer     = 16
)

// ErrClosed is returned by operations on a closed Conversation.
var ErrClosed = errors.New("conversation is closed")

// EventSource is the shared realtime notifier.
type EventSource interface {
	Subscribe() *hub.Subscription
	Publish(event hub.Event)
}

// Alert is a failure the screen should show. Text is ready for display.
type Alert struct {
	Op   string
	Text string
	Err  error
}

// Options configures a Conversation.
type Options struct {
	Client *api.Client
	Events EventSource
	Target models.Target

	// CurrentUserID is the session subject used for ownership.
	CurrentUserID int64
	PageSize      int

	// Saver receives downloaded attachments. Download fails without one.
	Saver transfer.Saver

	Logger *zap.Logger
}

// Conversation is one open conversation screen. All Feed access happens on
// its loop goroutine; the exported methods are safe for concurrent use.
type Conversation struct {
	options Options
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sub     *hub.Subscription
	ops     chan func()
	alerts  chan Alert
	changes chan struct{}

	closeOnce sync.Once

	// Owned by the loop.
	feed  *feed.Feed
	group *models.GroupChat
}

// Open subscribes to the notifier and starts the conversation loop. History
// is not fetched until LoadNextPage is called.
func Open(options Options) (*Conversation, error) {
	if options.Client == nil {
		return nil, errors.New("api client is required")
	}
	if options.Events == nil {
		return nil, errors.New("event source is required")
	}
	if err := options.Target.Validate(); err != nil {
		return nil, err
	}
	if options.PageSize <= 0 {
		options.PageSize = defaultPageSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		options: options,
		logger:  logging.OrNop(options.Logger).Named("chat").With(zap.String("conversation", options.Target.String())),
		ctx:     ctx,
		cancel:  cancel,
		sub:     options.Events.Subscribe(),
		ops:     make(chan func()),
		alerts:  make(chan Alert, alertBuffer),
		changes: make(chan struct{}, 1),
		feed:    feed.New(options.CurrentUserID),
	}

	c.wg.Add(1)
	go c.loop()

	return c, nil
}

// Close cancels every in-flight request of this screen, unsubscribes and
// waits for the loop. It is idempotent.
func (c *Conversation) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.sub.Close()
		c.wg.Wait()
	})
}

// Done is closed when the conversation closes.
func (c *Conversation) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Target returns the conversation target.
func (c *Conversation) Target() models.Target {
	return c.options.Target
}

// Alerts delivers user-visible failures.
func (c *Conversation) Alerts() <-chan Alert {
	return c.alerts
}

// Changes signals that the feed changed. Signals are coalesced; read the
// current state with Snapshot.
func (c *Conversation) Changes() <-chan struct{} {
	return c.changes
}

func (c *Conversation) loop() {
	defer c.wg.Done()

	events := c.sub.C
	for {
		select {
		case <-c.ctx.Done():
			return
		case op := <-c.ops:
			op()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if c.apply(event) {
				c.notifyChanged()
			}
		}
	}
}

// do runs fn on the loop and waits for it.
func (c *Conversation) do(fn func()) error {
	done := make(chan struct{})
	select {
	case c.ops <- func() {
		defer close(done)
		fn()
	}:
	case <-c.ctx.Done():
		return ErrClosed
	}
	<-done
	return nil
}

// scope derives a request context that ends with either the caller's
// context or the screen.
func (c *Conversation) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	scoped, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return scoped, func() {
		stop()
		cancel()
	}
}

func (c *Conversation) apply(event hub.Event) bool {
	switch event.Type {
	case hub.EventMessageReceived:
		if !c.belongs(event.Message) {
			return false
		}
		return c.feed.ApplyReceived(event.Message)
	case hub.EventMessageUpdated:
		return c.feed.ApplyUpdated(event.Message)
	case hub.EventMessageDeleted:
		return c.feed.ApplyDeleted(event.MessageID)
	default:
		return false
	}
}

// belongs reports whether a pushed message is part of this conversation.
func (c *Conversation) belongs(msg models.Message) bool {
	target := c.options.Target
	if target.IsGroup() {
		return msg.GroupChatID != nil && *msg.GroupChatID == target.GroupChatID
	}
	if msg.GroupChatID != nil {
		return false
	}

	me, peer := c.options.CurrentUserID, target.ReceiverID
	if msg.ReceiverID == nil {
		return msg.Sender.ID == peer || (me != 0 && msg.Sender.ID == me)
	}
	receiver := *msg.ReceiverID
	return (msg.Sender.ID == peer && (me == 0 || receiver == me)) ||
		(me != 0 && msg.Sender.ID == me && receiver == peer)
}

func (c *Conversation) notifyChanged() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// fail reports err as an alert unless it is a cancellation, and returns it.
// Backend failures use the taxonomy text; local failures describe themselves.
func (c *Conversation) fail(op string, err error) error {
	if api.Classify(err) == api.KindCanceled {
		return err
	}

	text := err.Error()
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		text = api.UserMessage(err)
	}

	c.logger.Warn("operation failed", zap.String("op", op), zap.Error(err))
	select {
	case c.alerts <- Alert{Op: op, Text: text, Err: err}:
	default:
		c.logger.Warn("alert queue full, dropping alert", zap.String("op", op))
	}
	return err
}

// Snapshot returns the feed in display order.
func (c *Conversation) Snapshot() ([]models.Message, error) {
	var messages []models.Message
	if err := c.do(func() { messages = c.feed.Messages() }); err != nil {
		return nil, err
	}
	return messages, nil
}

// Group returns the metadata fetched with the latest group page. It is nil
// for direct conversations and before the first page.
func (c *Conversation) Group() (*models.GroupChat, error) {
	var group *models.GroupChat
	if err := c.do(func() {
		if c.group != nil {
			copied := *c.group
			group = &copied
		}
	}); err != nil {
		return nil, err
	}
	return group, nil
}

// LoadNextPage fetches the next older page and merges it. It returns the
// messages that were added. A load while another is running returns
// feed.ErrLoadInProgress without touching the network.
func (c *Conversation) LoadNextPage(ctx context.Context) ([]models.Message, error) {
	const op = "load history"

	var (
		page     int
		beginErr error
	)
	if err := c.do(func() {
		page = c.feed.NextPage()
		beginErr = c.feed.BeginLoad()
	}); err != nil {
		return nil, err
	}
	if beginErr != nil {
		return nil, beginErr
	}

	scoped, cancel := c.scope(ctx)
	messages, group, fetchErr := c.fetchPage(scoped, page)
	cancel()

	var added []models.Message
	if err := c.do(func() {
		c.feed.EndLoad()
		if fetchErr != nil {
			return
		}
		added = c.feed.AppendPage(page, c.options.PageSize, messages)
		if group != nil {
			c.group = group
		}
	}); err != nil {
		return nil, err
	}

	if fetchErr != nil {
		return nil, c.fail(op, fetchErr)
	}
	if len(added) > 0 || group != nil {
		c.notifyChanged()
	}
	return added, nil
}

func (c *Conversation) fetchPage(ctx context.Context, page int) ([]models.Message, *models.GroupChat, error) {
	target := c.options.Target
	if target.IsGroup() {
		resp, err := c.options.Client.GroupMessages(ctx, target.GroupChatID, page, c.options.PageSize)
		if err != nil {
			return nil, nil, err
		}
		group := resp.GroupChat
		return resp.Messages, &group, nil
	}

	messages, err := c.options.Client.DirectHistory(ctx, target.ReceiverID, page, c.options.PageSize)
	return messages, nil, err
}

// Exhausted reports whether all history has been loaded.
func (c *Conversation) Exhausted() (bool, error) {
	var exhausted bool
	if err := c.do(func() { exhausted = c.feed.Exhausted() }); err != nil {
		return false, err
	}
	return exhausted, nil
}

// Send posts a message with optional attachment. The new message reaches the
// feed through the hub.
func (c *Conversation) Send(ctx context.Context, text string, file *transfer.File) (models.SendAck, error) {
	return c.send(ctx, text, file)
}

// SendImage is Send for image-only attachments: the extension is checked
// and large images are downscaled first.
func (c *Conversation) SendImage(ctx context.Context, text string, file *transfer.File) (models.SendAck, error) {
	prepared, err := transfer.PrepareImage(file, transfer.MaxImageEdge)
	if err != nil {
		return models.SendAck{}, c.fail("send image", err)
	}
	return c.send(ctx, text, prepared)
}

func (c *Conversation) send(ctx context.Context, text string, file *transfer.File) (models.SendAck, error) {
	if c.ctx.Err() != nil {
		return models.SendAck{}, ErrClosed
	}

	scoped, cancel := c.scope(ctx)
	defer cancel()

	ack, err := transfer.Upload(scoped, c.options.Client, c.options.Target, text, file)
	if err != nil {
		return models.SendAck{}, c.fail("send message", err)
	}
	return ack, nil
}

// Edit changes the content of a message. On failure the feed is unchanged
// and the server text is alerted.
func (c *Conversation) Edit(ctx context.Context, messageID int64, content string) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	scoped, cancel := c.scope(ctx)
	err := c.options.Client.EditMessage(scoped, messageID, content)
	cancel()
	if err != nil {
		return c.fail("edit message", err)
	}

	var (
		edited models.Message
		found  bool
	)
	if err := c.do(func() { edited, found = c.feed.Get(messageID) }); err != nil {
		return err
	}
	if found {
		edited.Content = content
		c.options.Events.Publish(hub.Event{Type: hub.EventMessageUpdated, Message: edited, MessageID: messageID})
	}
	return nil
}

// Delete removes a message. On failure the feed is unchanged and the server
// text is alerted.
func (c *Conversation) Delete(ctx context.Context, messageID int64) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	scoped, cancel := c.scope(ctx)
	err := c.options.Client.DeleteMessage(scoped, messageID)
	cancel()
	if err != nil {
		return c.fail("delete message", err)
	}

	c.options.Events.Publish(hub.Event{Type: hub.EventMessageDeleted, MessageID: messageID})
	return nil
}

// Download fetches the attachment of messageID and hands it to the Saver.
// It returns where the Saver put it.
func (c *Conversation) Download(ctx context.Context, messageID int64) (string, error) {
	const op = "download attachment"
	if c.ctx.Err() != nil {
		return "", ErrClosed
	}
	if c.options.Saver == nil {
		return "", c.fail(op, errors.New("no saver configured"))
	}

	scoped, cancel := c.scope(ctx)
	downloaded, err := transfer.Download(scoped, c.options.Client, messageID)
	cancel()
	if err != nil {
		return "", c.fail(op, err)
	}

	path, err := c.options.Saver.Save(downloaded.Filename, downloaded.Data, downloaded.ContentType)
	if err != nil {
		return "", c.fail(op, fmt.Errorf("save %q: %w", downloaded.Filename, err))
	}
	return path, nil
}
