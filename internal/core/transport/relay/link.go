package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/transport"
	"github.com/zeusync/netcore/internal/core/wire"
)

type Config struct {
	// CompressAbove compresses batches whose encoded size exceeds it; 0 disables compression.
	CompressAbove int           `yaml:"compress_above" json:"compress_above"`
	MaxBatch      int           `yaml:"max_batch" json:"max_batch"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		CompressAbove: 512,
		MaxBatch:      64,
		Timeout:       time.Second,
	}
}

// maxDatagram covers a full transport payload plus its header and msgpack
// framing.
const maxDatagram = wire.MaxPayload + 64

// envelope is one relayed batch of datagrams.
type envelope struct {
	From       string `msgpack:"f"`
	Seq        uint64 `msgpack:"s"`
	Compressed bool   `msgpack:"c"`
	Body       []byte `msgpack:"b"`
}

var _ transport.Link = (*Link)(nil)

// Link batches outgoing datagrams per destination and exchanges them through
// a Store. Batches are flushed on Poll and when MaxBatch is reached.
type Link struct {
	self   transport.PeerID
	store  Store
	cfg    Config
	logger log.Log

	mu      sync.Mutex
	outbox  map[transport.PeerID][][]byte
	seq     uint64
	closed  bool
	flushes uint64
}

func NewLink(self transport.PeerID, store Store, cfg Config, logger log.Log) *Link {
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1
	}
	return &Link{
		self:   self,
		store:  store,
		cfg:    cfg,
		logger: logger.With(log.String("link", "relay"), log.String("mailbox", string(self))),
		outbox: make(map[transport.PeerID][][]byte),
	}
}

func (l *Link) Send(to transport.PeerID, datagram []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	if len(datagram) > maxDatagram {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d > %d", transport.ErrPayloadTooLarge, len(datagram), maxDatagram)
	}
	l.outbox[to] = append(l.outbox[to], append([]byte(nil), datagram...))
	full := len(l.outbox[to]) >= l.cfg.MaxBatch
	var batch [][]byte
	if full {
		batch = l.outbox[to]
		delete(l.outbox, to)
		l.seq++
	}
	seq := l.seq
	l.mu.Unlock()

	if !full {
		return nil
	}
	return l.put(to, seq, batch)
}

// Poll flushes pending batches and then drains the local mailbox.
func (l *Link) Poll() []transport.Datagram {
	if err := l.Flush(); err != nil {
		l.logger.Debug("Relay flush failed", log.Error(err))
	}

	ctx, cancel := l.context()
	defer cancel()
	raw, err := l.store.Take(ctx, string(l.self))
	if err != nil {
		l.logger.Warn("Relay take failed", log.Error(err))
		return nil
	}
	var out []transport.Datagram
	for _, data := range raw {
		from, batch, err := decodeEnvelope(data, l.maxBody())
		if err != nil {
			l.logger.Debug("Relay envelope dropped", log.Error(err))
			continue
		}
		for _, d := range batch {
			out = append(out, transport.Datagram{From: from, Data: d})
		}
	}
	return out
}

// Flush sends every pending batch now.
func (l *Link) Flush() error {
	l.mu.Lock()
	pending := l.outbox
	l.outbox = make(map[transport.PeerID][][]byte)
	type job struct {
		to    transport.PeerID
		seq   uint64
		batch [][]byte
	}
	jobs := make([]job, 0, len(pending))
	for to, batch := range pending {
		l.seq++
		jobs = append(jobs, job{to: to, seq: l.seq, batch: batch})
	}
	l.mu.Unlock()

	var first error
	for _, j := range jobs {
		if err := l.put(j.to, j.seq, j.batch); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (l *Link) put(to transport.PeerID, seq uint64, batch [][]byte) error {
	data, err := l.encodeEnvelope(seq, batch)
	if err != nil {
		return err
	}
	ctx, cancel := l.context()
	defer cancel()
	if err = l.store.Put(ctx, string(to), data); err != nil {
		return fmt.Errorf("relay put to %s: %w", to, err)
	}
	l.mu.Lock()
	l.flushes++
	l.mu.Unlock()
	return nil
}

// Flushes reports how many envelopes were handed to the store.
func (l *Link) Flushes() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushes
}

func (l *Link) Close() error {
	err := l.Flush()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return err
}

func (l *Link) context() (context.Context, context.CancelFunc) {
	if l.cfg.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), l.cfg.Timeout)
}

func (l *Link) encodeEnvelope(seq uint64, batch [][]byte) ([]byte, error) {
	body, err := msgpack.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("relay: encode batch: %w", err)
	}
	env := envelope{From: string(l.self), Seq: seq, Body: body}
	if l.cfg.CompressAbove > 0 && len(body) > l.cfg.CompressAbove {
		packed, err := compress(body)
		if err != nil {
			return nil, err
		}
		if len(packed) < len(body) {
			env.Body, env.Compressed = packed, true
		}
	}
	return msgpack.Marshal(&env)
}

// maxBody bounds a decompressed batch this link accepts.
func (l *Link) maxBody() int {
	return l.cfg.MaxBatch*maxDatagram + 8
}

func decodeEnvelope(data []byte, limit int) (transport.PeerID, [][]byte, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("relay: decode envelope: %w", err)
	}
	body := env.Body
	if env.Compressed {
		var err error
		if body, err = decompress(body, limit); err != nil {
			return "", nil, err
		}
	}
	var batch [][]byte
	if err := msgpack.Unmarshal(body, &batch); err != nil {
		return "", nil, fmt.Errorf("relay: decode batch: %w", err)
	}
	return transport.PeerID(env.From), batch, nil
}

func compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, fmt.Errorf("relay: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("relay: compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(src []byte, limit int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(src)), int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("relay: decompress: %w", err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: batch exceeds %d bytes", ErrBatchTooLarge, limit)
	}
	return out, nil
}
