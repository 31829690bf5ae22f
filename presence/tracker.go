// Package presence implements the heartbeat liveness protocol. It is
// independent of entity sync: its feed rides its own channel, its offline
// buffering is a small in-memory latest-state queue rather than the
// durable outbox, and a lost update is repaired by the next heartbeat.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	stdsync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/quillchat/quillsync/bus"
	"github.com/quillchat/quillsync/config"
	"github.com/quillchat/quillsync/remote"
)

// State is a peer's liveness as this client sees it.
type State string

const (
	StateUnknown State = "unknown"
	StateOnline  State = "online"
	// StateStale means no heartbeat within the staleness window; the peer
	// is reported offline one heartbeat interval later unless one arrives.
	StateStale   State = "stale"
	StateOffline State = "offline"
)

// Peer is one tracked user's presence.
type Peer struct {
	UserID        string
	State         State
	LastHeartbeat int64
}

// observedState maps the internal aging stage to what observers see.
// Liveness is binary for consumers: within the staleness window is
// online, past it is offline. The stale stage only schedules the final
// internal transition; a peer sitting in it already reads as offline.
func observedState(s State) State {
	if s == StateStale {
		return StateOffline
	}
	return s
}

// heartbeatFields is the payload of a presence document.
type heartbeatFields struct {
	UserID        string `json:"user_id"`
	Online        bool   `json:"online"`
	LastHeartbeat int64  `json:"last_heartbeat"`
}

// Tracker runs the heartbeat loop for the local user and derives peer
// liveness from the presence feed plus a staleness scanner.
type Tracker struct {
	backend remote.Backend
	bus     *bus.Bus
	cfg     config.Presence
	selfID  string
	logger  *zap.Logger

	now func() int64

	mu     stdsync.Mutex
	peers  map[string]*Peer
	queue  *queue
	online bool

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// NewTracker creates a stopped tracker for the given local user.
func NewTracker(backend remote.Backend, b *bus.Bus, cfg config.Presence, selfID string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		backend: backend,
		bus:     b,
		cfg:     cfg,
		selfID:  selfID,
		logger:  logger.Named("presence"),
		now:     func() int64 { return time.Now().UnixMilli() },
		peers:   make(map[string]*Peer),
		queue:   newQueue(),
		// Assumed up until a net.down arrives; a heartbeat that fails
		// anyway lands in the queue.
		online: true,
	}
}

// SetClock overrides the tracker's clock. Test hook.
func (t *Tracker) SetClock(now func() int64) { t.now = now }

// Start registers the disconnect hook, begins heartbeating and starts the
// feed consumer and staleness scanner. The hook is registered first so an
// ungraceful death after the first heartbeat still flips us offline.
func (t *Tracker) Start(ctx context.Context) error {
	offline, err := offlineDoc(t.selfID, t.now())
	if err != nil {
		return err
	}
	if err := t.backend.RegisterDisconnectHook(ctx, t.selfID, offline); err != nil {
		t.logger.Warn("disconnect hook not registered, relying on staleness",
			zap.Error(err))
	}

	ctx, t.cancel = context.WithCancel(ctx)

	netCh, unsubNet := t.bus.Subscribe("net.", 8)
	t.wg.Add(3)
	go t.heartbeatLoop(ctx, netCh, unsubNet)
	go t.feedLoop(ctx)
	go t.scanLoop(ctx)

	t.logger.Info("presence tracker started",
		zap.String("user", t.selfID),
		zap.Duration("heartbeat", t.cfg.HeartbeatInterval.Std()),
		zap.Duration("staleness", t.cfg.StalenessWindow.Std()))
	return nil
}

// Stop tears the tracker down. Peers keep their last observed state.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Snapshot returns all tracked peers with their observed states, sorted
// by user id.
func (t *Tracker) Snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peer := *p
		peer.State = observedState(peer.State)
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// PeerState returns one peer's observed state, StateUnknown if untracked.
// A peer whose last heartbeat fell out of the staleness window reads as
// offline.
func (t *Tracker) PeerState(userID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[userID]; ok {
		return observedState(p.State)
	}
	return StateUnknown
}

// Online reports whether a peer's last heartbeat is within the staleness
// window.
func (t *Tracker) Online(userID string) bool {
	return t.PeerState(userID) == StateOnline
}

func (t *Tracker) heartbeatLoop(ctx context.Context, netCh <-chan bus.Event, unsub func()) {
	defer t.wg.Done()
	defer unsub()

	ticker := time.NewTicker(t.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	t.beat(ctx)
	for {
		select {
		case <-ticker.C:
			t.beat(ctx)
		case evt := <-netCh:
			switch evt.Kind {
			case bus.KindNetUp:
				t.setOnline(true)
				t.flushQueue(ctx)
				t.beat(ctx)
			case bus.KindNetDown:
				t.setOnline(false)
			}
		case <-ctx.Done():
			return
		}
	}
}

// beat writes one heartbeat, or parks the latest desired state in the
// offline queue when the network is down.
func (t *Tracker) beat(ctx context.Context) {
	ts := t.now()
	t.mu.Lock()
	online := t.online
	t.mu.Unlock()

	if !online {
		t.queue.set(t.selfID, update{online: true, timestamp: ts})
		return
	}
	if err := t.backend.WriteHeartbeat(ctx, t.selfID, ts); err != nil {
		t.logger.Debug("heartbeat not delivered", zap.Error(err))
		t.queue.set(t.selfID, update{online: true, timestamp: ts})
	}
}

func (t *Tracker) setOnline(online bool) {
	t.mu.Lock()
	t.online = online
	t.mu.Unlock()
}

// flushQueue drains the offline queue, latest state per user only.
func (t *Tracker) flushQueue(ctx context.Context) {
	for _, qu := range t.queue.drain() {
		if qu.update.online {
			if err := t.backend.WriteHeartbeat(ctx, qu.userID, qu.update.timestamp); err != nil {
				t.logger.Debug("queued heartbeat not delivered", zap.Error(err))
				t.queue.set(qu.userID, qu.update)
			}
			continue
		}
		doc, err := offlineDoc(qu.userID, qu.update.timestamp)
		if err != nil {
			continue
		}
		if _, err := t.backend.WriteDocument(ctx, remote.PresenceCollection, doc); err != nil {
			t.logger.Debug("queued offline state not delivered", zap.Error(err))
			t.queue.set(qu.userID, qu.update)
		}
	}
}

// feedLoop subscribes to the presence feed and resubscribes with backoff
// on failure. Each (re)subscribe delivers the full current presence set.
func (t *Tracker) feedLoop(ctx context.Context) {
	defer t.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		feed, err := t.backend.SubscribeChanges(ctx, remote.PresenceCollection)
		if err != nil {
			t.logger.Debug("presence feed subscribe failed", zap.Error(err))
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-ctx.Done():
				return
			}
		}
		bo.Reset()
		if !t.consumeFeed(ctx, feed) {
			return
		}
	}
}

// consumeFeed reads one feed until it closes. Returns false on ctx end.
func (t *Tracker) consumeFeed(ctx context.Context, feed remote.Feed) bool {
	defer feed.Close()
	for {
		select {
		case batch, ok := <-feed.Changes():
			if !ok {
				return true
			}
			for _, doc := range batch {
				t.applyDocument(doc)
			}
		case <-ctx.Done():
			return false
		}
	}
}

// applyDocument folds one presence document into the peer table. A
// disconnect-hook document (online=false) flips the peer offline
// immediately, pre-empting the staleness window.
func (t *Tracker) applyDocument(doc remote.Document) {
	var fields heartbeatFields
	if err := json.Unmarshal(doc.Fields, &fields); err != nil {
		t.logger.Debug("malformed presence document", zap.String("id", doc.ID))
		return
	}
	if fields.UserID == "" || fields.UserID == t.selfID {
		return
	}

	t.mu.Lock()
	p, ok := t.peers[fields.UserID]
	if !ok {
		p = &Peer{UserID: fields.UserID, State: StateUnknown}
		t.peers[fields.UserID] = p
	}

	var next State
	switch {
	case !fields.Online:
		next = StateOffline
	case t.now()-fields.LastHeartbeat <= t.cfg.StalenessWindow.Std().Milliseconds():
		// A peer reported offline comes back only on a fresh heartbeat.
		next = StateOnline
	default:
		next = p.State
	}
	if fields.LastHeartbeat > p.LastHeartbeat {
		p.LastHeartbeat = fields.LastHeartbeat
	}
	prev := observedState(p.State)
	p.State = next
	snapshot := *p
	snapshot.State = observedState(p.State)
	t.mu.Unlock()

	if snapshot.State != prev {
		t.publishChange(snapshot)
	}
}

// scanLoop ages peers out: online past the staleness window becomes
// stale, stale past a further heartbeat interval becomes offline.
func (t *Tracker) scanLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.ScanInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.scan()
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) scan() {
	window := t.cfg.StalenessWindow.Std().Milliseconds()
	grace := window + t.cfg.HeartbeatInterval.Std().Milliseconds()
	now := t.now()

	var changed []Peer
	t.mu.Lock()
	for _, p := range t.peers {
		age := now - p.LastHeartbeat
		var next State
		switch {
		case p.State == StateOnline && age > grace:
			next = StateOffline
		case p.State == StateOnline && age > window:
			next = StateStale
		case p.State == StateStale && age > grace:
			next = StateOffline
		default:
			continue
		}
		prev := observedState(p.State)
		p.State = next
		if observedState(next) == prev {
			continue
		}
		peer := *p
		peer.State = observedState(next)
		changed = append(changed, peer)
	}
	t.mu.Unlock()

	for _, p := range changed {
		t.publishChange(p)
	}
}

func (t *Tracker) publishChange(p Peer) {
	t.logger.Debug("peer presence changed",
		zap.String("user", p.UserID),
		zap.String("state", string(p.State)))
	t.bus.Emit(bus.KindPresenceChanged, p)
}

func offlineDoc(userID string, ts int64) (remote.Document, error) {
	fields, err := json.Marshal(heartbeatFields{UserID: userID, Online: false, LastHeartbeat: ts})
	if err != nil {
		return remote.Document{}, err
	}
	return remote.Document{ID: userID, Fields: fields, UpdatedAt: ts}, nil
}
