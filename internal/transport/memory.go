package transport

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Message is one published event as seen by a memory channel subscriber.
type Message struct {
	Channel string
	Event   string
	Payload []byte
	At      time.Time
}

// MemoryPublisher is an in-process realtime transport.
//
// It backs the fallback stream in local-mode deployments and doubles as the
// test stand-in for the push provider contract. Channels are created on first
// use (get-or-create, never duplicate-create) and fan out to subscribers
// non-blocking, dropping for slow consumers.
type MemoryPublisher struct {
	mu       sync.Mutex
	channels map[string]*memChannel
	state    ConnState
}

type memChannel struct {
	mu   sync.Mutex
	subs []chan Message
	last time.Time
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		channels: map[string]*memChannel{},
		state:    StateConnected,
	}
}

// SetConnectionState simulates connection lifecycle changes.
func (p *MemoryPublisher) SetConnectionState(s ConnState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *MemoryPublisher) ConnectionState() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// channel returns the named channel, creating it on first use.
func (p *MemoryPublisher) channel(name string) *memChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := p.channels[name]
	if ch == nil {
		ch = &memChannel{}
		p.channels[name] = ch
	}
	return ch
}

func (p *MemoryPublisher) Publish(ctx context.Context, channel, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if !Healthy(state) {
		return &ConnError{State: state}
	}

	ch := p.channel(channel)
	msg := Message{Channel: channel, Event: event, Payload: append([]byte(nil), payload...), At: time.Now()}

	ch.mu.Lock()
	ch.last = msg.At
	subs := append([]chan Message(nil), ch.subs...)
	ch.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- msg:
		default:
		}
	}
	return nil
}

// Subscribe attaches a buffered consumer to a channel.
func (p *MemoryPublisher) Subscribe(channel string, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := p.channel(channel)
	sub := make(chan Message, buffer)

	ch.mu.Lock()
	ch.subs = append(ch.subs, sub)
	ch.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			ch.mu.Lock()
			for i, s := range ch.subs {
				if s == sub {
					last := len(ch.subs) - 1
					ch.subs[i] = ch.subs[last]
					ch.subs[last] = nil
					ch.subs = ch.subs[:last]
					break
				}
			}
			ch.mu.Unlock()
		})
	}
	return sub, unsub
}

// ChannelInfo describes one active channel for the admin surface.
type ChannelInfo struct {
	Name        string    `json:"name"`
	Subscribers int       `json:"subscribers"`
	LastPublish time.Time `json:"last_publish,omitzero"`
}

// Channels lists active channels, optionally filtered by name prefix.
func (p *MemoryPublisher) Channels(prefix string) []ChannelInfo {
	p.mu.Lock()
	names := make([]string, 0, len(p.channels))
	for name := range p.channels {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	chs := make([]*memChannel, 0, len(names))
	sort.Strings(names)
	for _, n := range names {
		chs = append(chs, p.channels[n])
	}
	p.mu.Unlock()

	out := make([]ChannelInfo, 0, len(names))
	for i, n := range names {
		ch := chs[i]
		ch.mu.Lock()
		out = append(out, ChannelInfo{Name: n, Subscribers: len(ch.subs), LastPublish: ch.last})
		ch.mu.Unlock()
	}
	return out
}

// ConnError reports a publish against an unusable connection.
type ConnError struct {
	State ConnState
}

func (e *ConnError) Error() string { return "connection " + string(e.State) }
