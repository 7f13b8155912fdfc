package ipc

import (
	"sync"

	"github.com/google/uuid"

	"github.com/axrxvm/aos/internal/log"
)

var channelLog = log.Component("ipc.channel")

// ChannelCapacity is the fixed ring-buffer size of every channel, per
// spec.md §3.
const ChannelCapacity = 4096

// Channel is a fixed-capacity byte-stream ring buffer with independent
// reader and writer counts, per spec.md §4.6.
type Channel struct {
	mu sync.Mutex

	Token uuid.UUID // Collision-free identity for logging, independent of the table id.

	buf        [ChannelCapacity]byte
	readCur    int
	writeCur   int
	len        int

	readers int
	writers int
	closed  bool
}

// NewChannel creates an empty channel with no attached readers or writers.
func NewChannel() *Channel {
	return &Channel{Token: uuid.New()}
}

// OpenReader increments the reader count.
func (c *Channel) OpenReader() {
	c.mu.Lock()
	c.readers++
	c.mu.Unlock()
}

// OpenWriter increments the writer count.
func (c *Channel) OpenWriter() {
	c.mu.Lock()
	c.writers++
	c.mu.Unlock()
}

// CloseReader decrements the reader count.
func (c *Channel) CloseReader() {
	c.mu.Lock()
	if c.readers > 0 {
		c.readers--
	}
	c.mu.Unlock()
}

// CloseWriter decrements the writer count, marking the channel closed once
// every writer has closed.
func (c *Channel) CloseWriter() {
	c.mu.Lock()
	if c.writers > 0 {
		c.writers--
	}

	if c.writers == 0 {
		c.closed = true
	}
	c.mu.Unlock()
}

// Write copies up to len(p) bytes into the ring, returning the number
// actually written. A short write occurs when the ring is full; it is not
// an error, matching channel_write's documented short-write behavior.
func (c *Channel) Write(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0
	}

	free := ChannelCapacity - c.len
	n := len(p)

	if n > free {
		n = free
	}

	for i := 0; i < n; i++ {
		c.buf[c.writeCur] = p[i]
		c.writeCur = (c.writeCur + 1) % ChannelCapacity
	}

	c.len += n

	return n
}

// Read copies up to len(p) bytes out of the ring, returning the number
// actually read. Once the channel is closed and drained, Read returns 0
// (EOF) rather than blocking.
func (c *Channel) Read(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(p)
	if n > c.len {
		n = c.len
	}

	for i := 0; i < n; i++ {
		p[i] = c.buf[c.readCur]
		c.readCur = (c.readCur + 1) % ChannelCapacity
	}

	c.len -= n

	return n
}

// EOF reports whether the channel is closed and fully drained.
func (c *Channel) EOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed && c.len == 0
}

// ChannelTable allocates and looks up channels by integer id, the way a
// PCB's file-descriptor table looks up open files.
type ChannelTable struct {
	mu       sync.Mutex
	channels map[int]*Channel
	nextID   int
}

// NewChannelTable creates an empty channel table.
func NewChannelTable() *ChannelTable {
	return &ChannelTable{channels: make(map[int]*Channel), nextID: 1}
}

// Create allocates a fresh channel and returns its id.
func (t *ChannelTable) Create() (int, *Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++

	ch := NewChannel()
	t.channels[id] = ch

	channelLog.Debug("channel created", log.Int("id", id), log.String("token", ch.Token.String()))

	return id, ch
}

// Lookup returns the channel for id, or nil if it does not exist.
func (t *ChannelTable) Lookup(id int) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.channels[id]
}

// Destroy removes id from the table.
func (t *ChannelTable) Destroy(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch, ok := t.channels[id]; ok {
		channelLog.Debug("channel destroyed", log.Int("id", id), log.String("token", ch.Token.String()))
	}

	delete(t.channels, id)
}
