package idemp

import (
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/faststore/fstore/cmn"
)

// stripeCount bounds lock contention on the channel table the way C1's
// bucketCount does for the block index (spec.md §5 "Shared lock striping
// on channel_id bounds contention").
const stripeCount = 64

type stripe struct {
	mu       sync.RWMutex
	channels map[ChannelID]*Channel
}

// Table is C6: the server-wide idempotency channel table.
type Table struct {
	stripes  [stripeCount]stripe
	nextID   uint32
	nextIDMu sync.Mutex
	reserve  time.Duration
	maxCount int

	count   int32
	countMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTable builds an empty channel table. reserve is the finished-entry
// retention window (default one hour per spec.md §4.6); maxCount is this
// table's channel cap (cmn.Config.MaxChannelCount) beyond which
// Setup returns BUSY.
func NewTable(reserve time.Duration, maxCount int) *Table {
	t := &Table{reserve: reserve, maxCount: maxCount, stopCh: make(chan struct{})}
	for i := range t.stripes {
		t.stripes[i].channels = make(map[ChannelID]*Channel)
	}
	t.wg.Add(1)
	go t.pruneLoop()
	return t
}

func (t *Table) stripeFor(id ChannelID) *stripe {
	h := xxhash.Checksum64([]byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)})
	return &t.stripes[h%stripeCount]
}

// Setup creates a new channel and returns its (id, key) pair (spec.md
// §4.6 "setup_channel() -> (channel_id, key)").
func (t *Table) Setup() (ChannelID, Key, error) {
	t.countMu.Lock()
	if int(t.count) >= t.maxCount {
		t.countMu.Unlock()
		return 0, 0, cmn.NewError(cmn.KindBusy, "idempotency channel table full (max %d)", t.maxCount)
	}
	t.count++
	t.countMu.Unlock()

	t.nextIDMu.Lock()
	t.nextID++
	id := ChannelID(t.nextID)
	t.nextIDMu.Unlock()

	key := randomKey()
	ch := newChannel(id, key)
	s := t.stripeFor(id)
	s.mu.Lock()
	s.channels[id] = ch
	s.mu.Unlock()
	return id, key, nil
}

// Get returns the channel for id, or CHANNEL_INVALID if it doesn't exist
// or has been closed by its holder.
func (t *Table) Get(id ChannelID) (*Channel, error) {
	s := t.stripeFor(id)
	s.mu.RLock()
	ch, ok := s.channels[id]
	s.mu.RUnlock()
	if !ok {
		return nil, asChannelInvalid("unknown channel %d", id)
	}
	ch.mu.Lock()
	valid := ch.valid
	ch.mu.Unlock()
	if !valid {
		return nil, asChannelInvalid("channel %d closed", id)
	}
	return ch, nil
}

// Rebind implements spec.md §4.6 "rebind_channel(channel_id, key)":
// key mismatch, or an invalidated channel, both return CHANNEL_INVALID.
func (t *Table) Rebind(id ChannelID, key Key) (*Channel, error) {
	s := t.stripeFor(id)
	s.mu.RLock()
	ch, ok := s.channels[id]
	s.mu.RUnlock()
	if !ok || !ch.isValid(key) {
		return nil, asChannelInvalid("channel %d/key mismatch", id)
	}
	return ch, nil
}

// CloseHolder invalidates a channel and removes it from the table; called
// for an explicit CLOSE_CHANNEL_REQ, not on a plain connection drop.
func (t *Table) CloseHolder(id ChannelID) {
	s := t.stripeFor(id)
	s.mu.Lock()
	ch, ok := s.channels[id]
	delete(s.channels, id)
	s.mu.Unlock()
	if ok {
		ch.invalidate()
		t.countMu.Lock()
		t.count--
		t.countMu.Unlock()
	}
}

func (t *Table) pruneLoop() {
	defer t.wg.Done()
	interval := t.reserve / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.pruneOnce()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Table) pruneOnce() {
	now := time.Now()
	for i := range t.stripes {
		s := &t.stripes[i]
		s.mu.RLock()
		channels := make([]*Channel, 0, len(s.channels))
		for _, ch := range s.channels {
			channels = append(channels, ch)
		}
		s.mu.RUnlock()
		for _, ch := range channels {
			ch.prune(t.reserve, now)
		}
	}
}

func (t *Table) Shutdown() {
	close(t.stopCh)
	t.wg.Wait()
}
