package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-submit-lite/internal/transport"
)

// fakeConn plays back a fixed list of reply lines and records what the
// session writes.
type fakeConn struct {
	mu sync.Mutex

	lines []string
	pos   int

	writes []string
	// writesAtRead[i] is len(writes) when line i was handed out.
	writesAtRead []int

	encrypted bool
	closed    bool

	// endErr is returned once the script is exhausted. Defaults to io.EOF.
	endErr error
	// writeErr, when set, fails every write.
	writeErr error
	// failOn fails only the write of this exact line.
	failOn string
	// tlsBlocks makes StartTLS wait for its context to expire.
	tlsBlocks bool
	tlsErr    error
}

func newFakeConn(lines ...string) *fakeConn {
	return &fakeConn{lines: lines}
}

func (c *fakeConn) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", errors.New("read on closed connection")
	}
	if c.pos >= len(c.lines) {
		if c.endErr != nil {
			return "", c.endErr
		}
		return "", io.EOF
	}

	line := c.lines[c.pos]
	c.pos++
	c.writesAtRead = append(c.writesAtRead, len(c.writes))
	return line, nil
}

func (c *fakeConn) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("write on closed connection")
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.failOn != "" && line == c.failOn {
		return errors.New("connection reset by peer")
	}
	c.writes = append(c.writes, line)
	return nil
}

func (c *fakeConn) StartTLS(ctx context.Context) error {
	if c.tlsBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.tlsErr != nil {
		return c.tlsErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.encrypted = true
	return nil
}

func (c *fakeConn) Encrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypted
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// WritesAfterLastRead counts the writes made after the last scripted line
// was read.
func (c *fakeConn) WritesAfterLastRead() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writesAtRead) == 0 {
		return len(c.writes)
	}
	return len(c.writes) - c.writesAtRead[len(c.writesAtRead)-1]
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out one fakeConn per Dial, in order.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int

	// blocks makes Dial wait for its context to expire.
	blocks bool
	err    error

	addrs    []string
	implicit []bool
}

func (d *fakeDialer) Dial(ctx context.Context, addr string, implicitTLS bool) (transport.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, addr)
	d.implicit = append(d.implicit, implicitTLS)
	d.mu.Unlock()

	if d.blocks {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next >= len(d.conns) {
		return nil, errors.New("no more fake connections")
	}
	c := d.conns[d.next]
	d.next++
	if implicitTLS {
		c.mu.Lock()
		c.encrypted = true
		c.mu.Unlock()
	}
	return c, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(enc Encryption) ConnectionConfig {
	cfg := NewConnectionConfig("relay.example.com", 2525, "user@example.com", "s3cret", enc, 200)
	return cfg
}

// awaitEvent waits for the single event on ch and checks the channel is
// closed afterwards.
func awaitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case ev, ok := <-ch:
		require.True(t, ok, "result channel closed without an event")
		select {
		case _, open := <-ch:
			require.False(t, open, "result channel delivered a second event")
		case <-time.After(time.Second):
			t.Fatal("result channel not closed after the event")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session event")
		return Event{}
	}
}
