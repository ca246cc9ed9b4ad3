// Package quic carries transport datagrams as unreliable QUIC datagrams
// (RFC 9221), leaving reliability and ordering to the endpoint above.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/transport"
)

const nextProto = "netcore-replication"

type Config struct {
	MaxIdleTimeout       time.Duration `yaml:"max_idle_timeout" json:"max_idle_timeout"`
	KeepAlivePeriod      time.Duration `yaml:"keep_alive_period" json:"keep_alive_period"`
	HandshakeIdleTimeout time.Duration `yaml:"handshake_idle_timeout" json:"handshake_idle_timeout"`
	InboxSize            int           `yaml:"inbox_size" json:"inbox_size"`
	// TLS is used as is when set; otherwise listeners get a self-signed
	// certificate and dialers skip verification.
	TLS *tls.Config `yaml:"-" json:"-"`
}

func DefaultConfig() Config {
	return Config{
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      5 * time.Second,
		HandshakeIdleTimeout: 5 * time.Second,
		InboxSize:            4096,
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       c.MaxIdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
		HandshakeIdleTimeout: c.HandshakeIdleTimeout,
		EnableDatagrams:      true,
	}
}

var _ transport.Link = (*Link)(nil)

// Link holds QUIC connections keyed by remote address. It can listen, dial, or both.
type Link struct {
	cfg    Config
	logger log.Log
	inbox  *transport.Inbox

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	conns    map[transport.PeerID]*quic.Conn
	listener *quic.Listener
	closed   bool
}

func New(cfg Config, logger log.Log) *Link {
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		cfg:    cfg,
		logger: logger.With(log.String("link", "quic")),
		inbox:  transport.NewInbox(cfg.InboxSize),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[transport.PeerID]*quic.Conn),
	}
}

// Listen accepts connections on addr in the background and returns the bound address.
func (l *Link) Listen(addr string) (net.Addr, error) {
	tlsConf := l.cfg.TLS
	if tlsConf == nil {
		var err error
		if tlsConf, err = selfSignedTLS(); err != nil {
			return nil, errors.Wrap(err, "generate certificate")
		}
	}
	ln, err := quic.ListenAddr(addr, tlsConf, l.cfg.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ln.Close()
		return nil, transport.ErrClosed
	}
	if l.listener != nil {
		l.mu.Unlock()
		_ = ln.Close()
		return nil, errors.New("quic: already listening")
	}
	l.listener = ln
	l.wg.Add(1)
	l.mu.Unlock()

	l.logger.Info("QUIC listener started", log.String("addr", ln.Addr().String()))
	go l.acceptLoop(ln)
	return ln.Addr(), nil
}

// Dial opens a connection to addr and returns the peer id to address it by.
func (l *Link) Dial(ctx context.Context, addr string) (transport.PeerID, error) {
	tlsConf := l.cfg.TLS
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{nextProto}, MinVersion: tls.VersionTLS13}
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, l.cfg.quicConfig())
	if err != nil {
		return "", errors.Wrapf(err, "dial %s", addr)
	}
	if !conn.ConnectionState().SupportsDatagrams {
		_ = conn.CloseWithError(0, "datagrams unsupported")
		return "", errors.New("quic: peer does not support datagrams")
	}
	peer := transport.PeerID(conn.RemoteAddr().String())
	if err = l.attach(peer, conn); err != nil {
		return "", err
	}
	return peer, nil
}

func (l *Link) acceptLoop(ln *quic.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Warn("QUIC accept failed", log.Error(err))
			}
			return
		}
		peer := transport.PeerID(conn.RemoteAddr().String())
		if err = l.attach(peer, conn); err != nil {
			return
		}
		l.logger.Debug("QUIC peer accepted", log.String("peer", string(peer)))
	}
}

func (l *Link) attach(peer transport.PeerID, conn *quic.Conn) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.CloseWithError(0, "closed")
		return transport.ErrClosed
	}
	if old, ok := l.conns[peer]; ok {
		_ = old.CloseWithError(0, "replaced")
	}
	l.conns[peer] = conn
	l.wg.Add(1)
	l.mu.Unlock()

	go l.readLoop(peer, conn)
	return nil
}

func (l *Link) readLoop(peer transport.PeerID, conn *quic.Conn) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		if l.conns[peer] == conn {
			delete(l.conns, peer)
		}
		l.mu.Unlock()
	}()
	for {
		data, err := conn.ReceiveDatagram(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Debug("QUIC connection ended", log.String("peer", string(peer)), log.Error(err))
			}
			return
		}
		l.inbox.Push(peer, data)
	}
}

func (l *Link) Send(to transport.PeerID, datagram []byte) error {
	l.mu.Lock()
	conn, ok := l.conns[to]
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if !ok {
		return errors.Wrapf(transport.ErrUnknownPeer, "quic peer %s", to)
	}
	return conn.SendDatagram(datagram)
}

func (l *Link) Poll() []transport.Datagram {
	return l.inbox.Drain()
}

func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*quic.Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	ln := l.listener
	l.mu.Unlock()

	l.cancel()
	for _, c := range conns {
		_ = c.CloseWithError(0, "link closed")
	}
	var err error
	if ln != nil {
		err = ln.Close()
	}
	l.wg.Wait()
	l.inbox.Close()
	return err
}

func selfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"netcore"}},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{nextProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
