package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/transport"
)

var _ transport.Link = (*Fallback)(nil)

// Fallback sends through a direct link and switches a peer to the relay when a
// direct send fails. The direct path is retried after RetryAfter. Datagrams
// from both links are polled; their origin does not matter to the endpoint.
type Fallback struct {
	direct     transport.Link
	relay      transport.Link
	retryAfter time.Duration
	now        func() time.Time
	logger     log.Log

	mu      sync.Mutex
	relayed map[transport.PeerID]time.Time
}

type FallbackOption func(*Fallback)

func WithRetryAfter(d time.Duration) FallbackOption {
	return func(f *Fallback) { f.retryAfter = d }
}

func WithClock(now func() time.Time) FallbackOption {
	return func(f *Fallback) { f.now = now }
}

func WithLogger(l log.Log) FallbackOption {
	return func(f *Fallback) { f.logger = l }
}

func NewFallback(direct, relay transport.Link, opts ...FallbackOption) *Fallback {
	f := &Fallback{
		direct:     direct,
		relay:      relay,
		retryAfter: 5 * time.Second,
		now:        time.Now,
		logger:     log.NewNop(),
		relayed:    make(map[transport.PeerID]time.Time),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(log.String("link", "fallback"))
	return f
}

func (f *Fallback) Send(to transport.PeerID, datagram []byte) error {
	if f.useRelay(to) {
		return f.relay.Send(to, datagram)
	}
	err := f.direct.Send(to, datagram)
	if err == nil || errors.Is(err, transport.ErrClosed) {
		return err
	}
	f.mu.Lock()
	f.relayed[to] = f.now()
	f.mu.Unlock()
	f.logger.Info("Direct path failed, relaying", log.String("peer", string(to)), log.Error(err))
	return f.relay.Send(to, datagram)
}

// Relayed reports whether traffic to peer currently goes through the relay.
func (f *Fallback) Relayed(peer transport.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.relayed[peer]
	return ok
}

func (f *Fallback) useRelay(to transport.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	since, ok := f.relayed[to]
	if !ok {
		return false
	}
	if f.now().Sub(since) >= f.retryAfter {
		delete(f.relayed, to)
		return false
	}
	return true
}

func (f *Fallback) Poll() []transport.Datagram {
	return append(f.direct.Poll(), f.relay.Poll()...)
}

func (f *Fallback) Close() error {
	return errors.Join(f.direct.Close(), f.relay.Close())
}
