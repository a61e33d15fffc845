// Package msgbus implements the Message Bus (spec §4.6): a queue-backed,
// UI-agnostic bridge between the supervisor loop and whatever front-end is
// attached. Two bounded queues carry user→agent (inbox) and agent→UI
// (outbox) traffic; a third bounded log queue streams append-log records
// with a drop-oldest-on-full policy. The update shape mirrors a Telegram
// getUpdates response so the supervisor's drain loop stays transport-blind.
package msgbus

import (
	"sync"
	"time"
)

// Update is one drained inbox entry in the Telegram-like shape the
// supervisor loop consumes.
type Update struct {
	UpdateID int            `json:"update_id"`
	Message  *UpdateMessage `json:"message,omitempty"`
}

// UpdateMessage carries the chat/user/text triple of one inbound message.
type UpdateMessage struct {
	Chat UpdatePeer `json:"chat"`
	From UpdatePeer `json:"from"`
	Text string     `json:"text"`
}

// UpdatePeer identifies a chat or a user.
type UpdatePeer struct {
	ID string `json:"id"`
}

// Outbound is one outbox entry consumed by the UI side.
type Outbound struct {
	Type     string `json:"type"` // "text", "action", "photo"
	ChatID   string `json:"chat_id,omitempty"`
	Content  string `json:"content"`
	Caption  string `json:"caption,omitempty"`
	Photo    []byte `json:"photo,omitempty"`
	Markdown bool   `json:"markdown,omitempty"`
}

// BroadcastFunc mirrors an outbound message or log record synchronously to
// live WebSocket subscribers, when the gateway registers one.
type BroadcastFunc func(kind string, payload interface{})

// Options bounds the Bus queues.
type Options struct {
	InboxSize  int
	OutboxSize int
	LogSize    int
	SplitLimit int
}

// Bus is the queue-backed local chat bridge.
type Bus struct {
	inbox  chan string
	outbox chan Outbound

	mu        sync.Mutex
	logQueue  []interface{}
	logCap    int
	counter   int
	broadcast BroadcastFunc

	splitLimit int
}

// New creates a Bus with the given queue bounds; zero values fall back to
// the defaults from BusConfig.
func New(opts Options) *Bus {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 200
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 200
	}
	if opts.LogSize <= 0 {
		opts.LogSize = 1000
	}
	if opts.SplitLimit <= 0 {
		opts.SplitLimit = 4000
	}
	return &Bus{
		inbox:      make(chan string, opts.InboxSize),
		outbox:     make(chan Outbound, opts.OutboxSize),
		logCap:     opts.LogSize,
		splitLimit: opts.SplitLimit,
	}
}

// SetBroadcast registers the live fan-out callback. Pass nil to detach.
func (b *Bus) SetBroadcast(fn BroadcastFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast = fn
}

func (b *Bus) getBroadcast() BroadcastFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broadcast
}

// GetUpdates blocks up to timeout on the inbox and returns at most one
// update, Telegram-style (spec §4.6). An empty slice means the wait timed
// out with nothing pending. The local bridge serves a single owner, so
// chat and user ids are the fixed "1".
func (b *Bus) GetUpdates(offset int, timeout time.Duration) []Update {
	select {
	case text := <-b.inbox:
		b.mu.Lock()
		if offset > b.counter {
			b.counter = offset
		} else {
			b.counter++
		}
		id := b.counter
		b.mu.Unlock()
		return []Update{{
			UpdateID: id,
			Message: &UpdateMessage{
				Chat: UpdatePeer{ID: "1"},
				From: UpdatePeer{ID: "1"},
				Text: text,
			},
		}}
	case <-time.After(timeout):
		return nil
	}
}

// Send pushes text to the outbox, split into chunks if oversized. Markdown
// is stripped unless the caller opts in; either way the broadcast callback
// sees the delivered form synchronously.
func (b *Bus) Send(chatID, text string, markdown bool) {
	clean := text
	if !markdown {
		clean = StripMarkdown(text)
	}
	for _, part := range SplitMessage(clean, b.splitLimit) {
		b.pushOutbound(Outbound{Type: "text", ChatID: chatID, Content: part, Markdown: markdown})
		if fn := b.getBroadcast(); fn != nil {
			fn("chat", map[string]interface{}{"type": "chat", "role": "assistant", "content": part})
		}
	}
}

// SendAction pushes a typing (or similar) indicator to the outbox.
func (b *Bus) SendAction(chatID, action string) {
	if action == "" {
		action = "typing"
	}
	b.pushOutbound(Outbound{Type: "action", ChatID: chatID, Content: action})
}

// SendPhoto pushes image bytes with an optional caption to the outbox.
func (b *Bus) SendPhoto(chatID string, photo []byte, caption string) {
	b.pushOutbound(Outbound{Type: "photo", ChatID: chatID, Photo: photo, Caption: caption})
}

// pushOutbound enqueues without ever blocking the supervisor: a full
// outbox drops the oldest entry to admit the new one.
func (b *Bus) pushOutbound(o Outbound) {
	for {
		select {
		case b.outbox <- o:
			return
		default:
			select {
			case <-b.outbox:
			default:
			}
		}
	}
}

// PushLog receives one freshly-appended JSONL record from the State Store's
// sink and queues it for UI polling, dropping the oldest entry when full
// (spec §4.6 drop-oldest-on-full). Mirrored to the broadcast callback.
func (b *Bus) PushLog(event interface{}) {
	b.mu.Lock()
	if len(b.logQueue) >= b.logCap {
		b.logQueue = b.logQueue[1:]
	}
	b.logQueue = append(b.logQueue, event)
	fn := b.broadcast
	b.mu.Unlock()

	if fn != nil {
		fn("log", map[string]interface{}{"type": "log", "data": event})
	}
}

// UIPollLogs drains up to 50 pending log events for the UI.
func (b *Bus) UIPollLogs() []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.logQueue)
	if n > 50 {
		n = 50
	}
	batch := make([]interface{}, n)
	copy(batch, b.logQueue[:n])
	b.logQueue = b.logQueue[n:]
	return batch
}

// UISend is the UI-side API: push one user message toward the agent. A
// full inbox drops the message rather than blocking the UI thread.
func (b *Bus) UISend(text string) bool {
	select {
	case b.inbox <- text:
		return true
	default:
		return false
	}
}

// UIReceive is the UI-side API: wait up to timeout for the next outbound
// message. ok is false on timeout.
func (b *Bus) UIReceive(timeout time.Duration) (Outbound, bool) {
	select {
	case o := <-b.outbox:
		return o, true
	case <-time.After(timeout):
		return Outbound{}, false
	}
}
