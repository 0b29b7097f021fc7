package wire

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/smsecure/message"
)

// DefaultIdleTimeout is how long an incomplete reassembly buffer is kept
// before being discarded.
const DefaultIdleTimeout = 5 * time.Minute

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Assembled is one complete logical message reconstructed from transport
// segments, ready for the cipher layer.
type Assembled struct {
	Sender   string
	Kind     message.Kind
	Envelope []byte
}

// partial is an in-progress reassembly keyed by sender plus message id.
type partial struct {
	kind     message.Kind
	parts    []string
	received int
	lastSeen time.Time
}

// Assembler buffers multi-part prefixed segments until a complete logical
// message is present. Incomplete buffers are discarded after the idle
// timeout, best effort and without error.
type Assembler struct {
	mu           sync.Mutex
	pending      map[string]*partial
	idleTimeout  time.Duration
	timeProvider TimeProvider
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewAssembler creates an assembler and starts its eviction loop. Pass 0 for
// the default idle timeout.
func NewAssembler(idleTimeout time.Duration) *Assembler {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	a := &Assembler{
		pending:      make(map[string]*partial),
		idleTimeout:  idleTimeout,
		timeProvider: DefaultTimeProvider{},
		stopChan:     make(chan struct{}),
	}

	go a.cleanupLoop()

	return a
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (a *Assembler) SetTimeProvider(tp TimeProvider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	a.timeProvider = tp
}

// Close stops the eviction loop.
func (a *Assembler) Close() {
	a.stopOnce.Do(func() { close(a.stopChan) })
}

// Process consumes one prefixed segment. It returns the assembled logical
// message once every part has arrived, or nil while parts are still
// outstanding.
func (a *Assembler) Process(sender, segment string) (*Assembled, error) {
	header, err := parseSegment(segment)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := sender + "/" + header.id
	p, ok := a.pending[key]
	if !ok {
		p = &partial{
			kind:  header.kind,
			parts: make([]string, header.count),
		}
		a.pending[key] = p
	}

	if header.count != len(p.parts) {
		delete(a.pending, key)
		return nil, ErrSegmentMalformed
	}

	if p.parts[header.index] == "" {
		p.parts[header.index] = header.payload
		p.received++
	}
	p.lastSeen = a.timeProvider.Now()

	if p.received < len(p.parts) {
		logrus.WithFields(logrus.Fields{
			"function": "Process",
			"sender":   sender,
			"id":       header.id,
			"received": p.received,
			"count":    len(p.parts),
		}).Debug("Buffered multipart segment")
		return nil, nil
	}

	delete(a.pending, key)

	var encoded string
	for _, part := range p.parts {
		encoded += part
	}

	envelope, err := DecodeEnvelope(encoded)
	if err != nil {
		return nil, err
	}

	return &Assembled{
		Sender:   sender,
		Kind:     p.kind,
		Envelope: envelope,
	}, nil
}

// PendingCount returns the number of incomplete reassembly buffers.
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// cleanupLoop periodically evicts idle reassembly buffers.
func (a *Assembler) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Evict()
		case <-a.stopChan:
			return
		}
	}
}

// Evict drops buffers idle longer than the timeout. Exposed so tests and
// hosts can force a pass.
func (a *Assembler) Evict() {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for key, p := range a.pending {
		if a.timeProvider.Since(p.lastSeen) >= a.idleTimeout {
			delete(a.pending, key)
			removed++
		}
	}

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Evict",
			"removed":   removed,
			"remaining": len(a.pending),
		}).Info("Discarded idle reassembly buffers")
	}
}
