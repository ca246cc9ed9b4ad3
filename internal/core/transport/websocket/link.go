// Package websocket carries transport datagrams as binary WebSocket messages.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/netcore/internal/core/observability/log"
	"github.com/zeusync/netcore/internal/core/transport"
)

var ErrQueueFull = errors.New("websocket: send queue full")

type Config struct {
	ReadBufferSize   int           `yaml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size" json:"write_buffer_size"`
	WriteTimeout     time.Duration `yaml:"write_timeout" json:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	MaxMessageSize   int64         `yaml:"max_message_size" json:"max_message_size"`
	SendQueue        int           `yaml:"send_queue" json:"send_queue"`
	InboxSize        int           `yaml:"inbox_size" json:"inbox_size"`
}

func DefaultConfig() Config {
	return Config{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		MaxMessageSize:   64 * 1024,
		SendQueue:        256,
		InboxSize:        4096,
	}
}

var _ transport.Link = (*Link)(nil)

// Link multiplexes any number of WebSocket connections, accepted through
// Handler or opened with Dial, behind one datagram interface.
type Link struct {
	cfg      Config
	logger   log.Log
	upgrader websocket.Upgrader
	inbox    *transport.Inbox

	mu     sync.Mutex
	conns  map[transport.PeerID]*conn
	closed bool
	wg     sync.WaitGroup
}

type conn struct {
	peer transport.PeerID
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func New(cfg Config, logger log.Log) *Link {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Link{
		cfg:    cfg,
		logger: logger.With(log.String("link", "websocket")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		inbox: transport.NewInbox(cfg.InboxSize),
		conns: make(map[transport.PeerID]*conn),
	}
}

// Handler upgrades incoming requests. The remote address becomes the peer id.
func (l *Link) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.Warn("WebSocket upgrade failed", log.String("remote_addr", r.RemoteAddr), log.Error(err))
			return
		}
		if err = l.attach(transport.PeerID(r.RemoteAddr), ws); err != nil {
			_ = ws.Close()
		}
	})
}

// Dial connects to a WebSocket endpoint and returns the peer id to address it by.
func (l *Link) Dial(ctx context.Context, url string) (transport.PeerID, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   l.cfg.ReadBufferSize,
		WriteBufferSize:  l.cfg.WriteBufferSize,
		HandshakeTimeout: l.cfg.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", errors.Wrapf(err, "dial %s", url)
	}
	peer := transport.PeerID(url)
	if err = l.attach(peer, ws); err != nil {
		_ = ws.Close()
		return "", err
	}
	return peer, nil
}

func (l *Link) attach(peer transport.PeerID, ws *websocket.Conn) error {
	if l.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(l.cfg.MaxMessageSize)
	}
	c := &conn{
		peer: peer,
		ws:   ws,
		out:  make(chan []byte, l.cfg.SendQueue),
		done: make(chan struct{}),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	if old, ok := l.conns[peer]; ok {
		old.close()
	}
	l.conns[peer] = c
	l.wg.Add(2)
	l.mu.Unlock()

	go l.readLoop(c)
	go l.writeLoop(c)
	l.logger.Debug("WebSocket peer attached", log.String("peer", string(peer)))
	return nil
}

func (l *Link) readLoop(c *conn) {
	defer l.wg.Done()
	defer l.detach(c)
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				l.logger.Debug("WebSocket read ended", log.String("peer", string(c.peer)), log.Error(err))
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		l.inbox.Push(c.peer, data)
	}
}

func (l *Link) writeLoop(c *conn) {
	defer l.wg.Done()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = c.ws.Close()
			return
		case data := <-c.out:
			if l.cfg.WriteTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				l.logger.Debug("WebSocket write failed", log.String("peer", string(c.peer)), log.Error(err))
				c.close()
			}
		}
	}
}

func (l *Link) detach(c *conn) {
	c.close()
	_ = c.ws.Close()
	l.mu.Lock()
	if l.conns[c.peer] == c {
		delete(l.conns, c.peer)
	}
	l.mu.Unlock()
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// Send queues datagram for the peer's writer goroutine.
func (l *Link) Send(to transport.PeerID, datagram []byte) error {
	l.mu.Lock()
	c, ok := l.conns[to]
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if !ok {
		return errors.Wrapf(transport.ErrUnknownPeer, "websocket peer %s", to)
	}
	buf := make([]byte, len(datagram))
	copy(buf, datagram)
	select {
	case c.out <- buf:
		return nil
	case <-c.done:
		return transport.ErrClosed
	default:
		return ErrQueueFull
	}
}

func (l *Link) Poll() []transport.Datagram {
	return l.inbox.Drain()
}

// Peers lists the currently attached connections.
func (l *Link) Peers() []transport.PeerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]transport.PeerID, 0, len(l.conns))
	for id := range l.conns {
		out = append(out, id)
	}
	return out
}

func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.close()
		_ = c.ws.Close()
	}
	l.wg.Wait()
	l.inbox.Close()
	return nil
}
