package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/spacesedan/hookflow/internal/utils"
)

const (
	DefaultChannelSize = 32
	DefaultOfflineSize = 100
)

type userKey struct {
	tenant int64
	user   string
}

type subscription struct {
	id int64
	ch chan Event
}

// Registry delivers events to live subscriptions and buffers them for
// known users that are offline. Buffers are bounded and drop the oldest
// event first.
type Registry struct {
	mu        sync.RWMutex
	subs      map[userKey][]subscription
	tenants   map[int64]map[string]struct{}
	offline   map[userKey]*utils.BatchBuffer[Event]
	observers []Observer
	nextID    int64

	channelSize int
	offlineSize int
	now         func() time.Time
}

func NewRegistry(observers ...Observer) *Registry {
	return &Registry{
		subs:        make(map[userKey][]subscription),
		tenants:     make(map[int64]map[string]struct{}),
		offline:     make(map[userKey]*utils.BatchBuffer[Event]),
		observers:   observers,
		channelSize: DefaultChannelSize,
		offlineSize: DefaultOfflineSize,
		now:         time.Now,
	}
}

// AddObserver registers o for every later event.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Subscribe opens a live feed for user. Events buffered while the user was
// offline are delivered first. The returned func closes the feed.
func (r *Registry) Subscribe(tenantID int64, userID string) (<-chan Event, func()) {
	key := userKey{tenantID, userID}

	r.mu.Lock()
	r.nextID++
	sub := subscription{id: r.nextID, ch: make(chan Event, r.channelSize)}

	if buf, ok := r.offline[key]; ok {
		pending := buf.GetAndClear()
		if len(pending) > r.channelSize {
			slog.Warn("[Notify] Offline backlog larger than channel, dropping oldest",
				slog.Int64("tenant_id", tenantID),
				slog.String("user_id", userID),
				slog.Int("dropped", len(pending)-r.channelSize))
			pending = pending[len(pending)-r.channelSize:]
		}
		for _, e := range pending {
			sub.ch <- e
		}
		delete(r.offline, key)
	}

	r.subs[key] = append(r.subs[key], sub)
	if r.tenants[tenantID] == nil {
		r.tenants[tenantID] = make(map[string]struct{})
	}
	r.tenants[tenantID][userID] = struct{}{}
	r.mu.Unlock()

	slog.Debug("[Notify] Subscribed",
		slog.Int64("tenant_id", tenantID),
		slog.String("user_id", userID))

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { r.unsubscribe(key, sub.id) })
	}
}

func (r *Registry) unsubscribe(key userKey, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[key]
	for i, s := range subs {
		if s.id == id {
			close(s.ch)
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.subs, key)
		return
	}
	r.subs[key] = subs
}

// Publish never blocks on a slow subscriber.
func (r *Registry) Publish(e Event) {
	if e.At.IsZero() {
		e.At = r.now()
	}

	r.mu.Lock()
	var targets []userKey
	if e.UserID != "" {
		targets = []userKey{{e.TenantID, e.UserID}}
	} else {
		for user := range r.tenants[e.TenantID] {
			targets = append(targets, userKey{e.TenantID, user})
		}
	}

	for _, key := range targets {
		subs := r.subs[key]
		if len(subs) == 0 {
			r.buffer(key, e)
			continue
		}
		for _, s := range subs {
			select {
			case s.ch <- e:
			default:
				slog.Warn("[Notify] Subscriber channel full, dropping event",
					slog.Int64("tenant_id", key.tenant),
					slog.String("user_id", key.user),
					slog.String("type", string(e.Type)))
			}
		}
	}
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	for _, o := range observers {
		o.Observe(e)
	}
}

// buffer must be called with mu held.
func (r *Registry) buffer(key userKey, e Event) {
	buf, ok := r.offline[key]
	if !ok {
		buf = utils.NewBatchBuffer[Event](r.offlineSize)
		r.offline[key] = buf
	}
	if buf.Add(e) {
		slog.Debug("[Notify] Offline buffer full, dropped oldest event",
			slog.Int64("tenant_id", key.tenant),
			slog.String("user_id", key.user))
	}
}

// Pending returns the events buffered for an offline user.
func (r *Registry) Pending(tenantID int64, userID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if buf, ok := r.offline[userKey{tenantID, userID}]; ok {
		return buf.Peek()
	}
	return nil
}
