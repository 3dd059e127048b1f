package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind tags the client protocol of a Connection.
type Kind uint8

const (
	KindSocks5 Kind = iota + 1
	// KindHTTP is plain forward proxying of an absolute-URI request.
	KindHTTP
	// KindHTTPS is an HTTP CONNECT tunnel.
	KindHTTPS
)

func (k Kind) String() string {
	switch k {
	case KindSocks5:
		return "socks5"
	case KindHTTP:
		return "http"
	case KindHTTPS:
		return "https"
	}
	return "unknown"
}

// Connection is one accepted client socket with a live virtual channel.
type Connection struct {
	ID         uuid.UUID
	Kind       Kind
	ClientAddr string
	// Target is host:port, the key of the connection's Stat.
	Target string
	// URI and HTTPVersion are set for HTTP connections only.
	URI         string
	HTTPVersion string
	Channel     uint64
	StartTime   time.Time

	upload            atomic.Uint64
	download          atomic.Uint64
	uploadEncrypted   atomic.Uint64
	downloadEncrypted atomic.Uint64

	stat    *Stat
	metrics *Metrics
	closer  func() error
}

// NewConnection stamps a fresh id and start time.
func NewConnection(kind Kind, clientAddr, target string) *Connection {
	return &Connection{
		ID:         uuid.New(),
		Kind:       kind,
		ClientAddr: clientAddr,
		Target:     target,
		StartTime:  time.Now(),
	}
}

func (c *Connection) TypeName() string { return c.Kind.String() }

// SetCloser registers how the connection's client socket is closed.
func (c *Connection) SetCloser(f func() error) { c.closer = f }

// Close closes the client socket, which ends the relay.
func (c *Connection) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Connection) TargetAddress() string { return c.Target }

// AddUpload records plain bytes read from the client and the size of the
// ciphertext they became.
func (c *Connection) AddUpload(plain, encrypted int) {
	c.upload.Add(uint64(plain))
	c.uploadEncrypted.Add(uint64(encrypted))
	if c.stat != nil {
		c.stat.upload.Add(uint64(plain))
	}
	if c.metrics != nil {
		c.metrics.UpstreamPlain.Add(float64(plain))
		c.metrics.UpstreamEncrypted.Add(float64(encrypted))
	}
}

// AddDownload records a received ciphertext chunk and the plain bytes it
// decrypted to.
func (c *Connection) AddDownload(plain, encrypted int) {
	c.download.Add(uint64(plain))
	c.downloadEncrypted.Add(uint64(encrypted))
	if c.stat != nil {
		c.stat.download.Add(uint64(plain))
	}
	if c.metrics != nil {
		c.metrics.DownstreamPlain.Add(float64(plain))
		c.metrics.DownstreamEncrypted.Add(float64(encrypted))
	}
}

func (c *Connection) Upload() uint64            { return c.upload.Load() }
func (c *Connection) Download() uint64          { return c.download.Load() }
func (c *Connection) UploadEncrypted() uint64   { return c.uploadEncrypted.Load() }
func (c *Connection) DownloadEncrypted() uint64 { return c.downloadEncrypted.Load() }

// ConnectionInfo is a point-in-time copy of a Connection for display.
type ConnectionInfo struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	Client            string    `json:"client"`
	Target            string    `json:"target"`
	URI               string    `json:"uri,omitempty"`
	HTTPVersion       string    `json:"http_version,omitempty"`
	Channel           uint64    `json:"channel"`
	StartTime         time.Time `json:"start_time"`
	Upload            uint64    `json:"upload"`
	Download          uint64    `json:"download"`
	UploadEncrypted   uint64    `json:"upload_encrypted"`
	DownloadEncrypted uint64    `json:"download_encrypted"`
}

func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:                c.ID.String(),
		Type:              c.TypeName(),
		Client:            c.ClientAddr,
		Target:            c.Target,
		URI:               c.URI,
		HTTPVersion:       c.HTTPVersion,
		Channel:           c.Channel,
		StartTime:         c.StartTime,
		Upload:            c.Upload(),
		Download:          c.Download(),
		UploadEncrypted:   c.UploadEncrypted(),
		DownloadEncrypted: c.DownloadEncrypted(),
	}
}

// Stat accumulates plain traffic of every connection that ever targeted one
// address.
type Stat struct {
	upload   atomic.Uint64
	download atomic.Uint64
}

func (s *Stat) Upload() uint64   { return s.upload.Load() }
func (s *Stat) Download() uint64 { return s.download.Load() }

// TargetStat is a point-in-time copy of a Stat.
type TargetStat struct {
	Target   string `json:"target"`
	Upload   uint64 `json:"upload"`
	Download uint64 `json:"download"`
}

// Manager owns the live connection table and the per-target history.
type Manager struct {
	lock        sync.RWMutex
	connections map[uuid.UUID]*Connection
	stats       map[string]*Stat
	metrics     *Metrics
}

// NewManager creates empty tables. metrics may be nil.
func NewManager(metrics *Metrics) *Manager {
	return &Manager{
		connections: make(map[uuid.UUID]*Connection),
		stats:       make(map[string]*Stat),
		metrics:     metrics,
	}
}

// Add records conn and creates its target's Stat on first use.
func (m *Manager) Add(conn *Connection) {
	m.lock.Lock()
	defer m.lock.Unlock()
	st, ok := m.stats[conn.Target]
	if !ok {
		st = &Stat{}
		m.stats[conn.Target] = st
	}
	conn.stat = st
	conn.metrics = m.metrics
	m.connections[conn.ID] = conn
	if m.metrics != nil {
		m.metrics.ActiveConnections.Inc()
		m.metrics.TotalConnections.Inc()
	}
}

// Remove drops a connection. Its Stat is kept.
func (m *Manager) Remove(id uuid.UUID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.connections[id]; !ok {
		return
	}
	delete(m.connections, id)
	if m.metrics != nil {
		m.metrics.ActiveConnections.Dec()
	}
}

func (m *Manager) Get(id uuid.UUID) (*Connection, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	conn, ok := m.connections[id]
	return conn, ok
}

func (m *Manager) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.connections)
}

// List returns the live connections, oldest first.
func (m *Manager) List() []*Connection {
	m.lock.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.lock.RUnlock()
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].StartTime.Before(conns[j].StartTime)
	})
	return conns
}

func (m *Manager) Stat(target string) (*Stat, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	st, ok := m.stats[target]
	return st, ok
}

// Stats returns every target ever seen, sorted by address.
func (m *Manager) Stats() []TargetStat {
	m.lock.RLock()
	out := make([]TargetStat, 0, len(m.stats))
	for target, st := range m.stats {
		out = append(out, TargetStat{Target: target, Upload: st.Upload(), Download: st.Download()})
	}
	m.lock.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
