// Package ws provides the WebSocket implementation of chat.Conn on gobwas/ws.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn adapts a gobwas/ws connection to the chat.Conn interface.
// Frames are sent as binary messages.
type Conn struct {
	conn       net.Conn
	reader     io.Reader
	state      ws.State
	remoteAddr string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to a WebSocket server at url. header, if non-nil, is sent
// with the upgrade request.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := ws.Dialer{}
	if header != nil {
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	var reader io.Reader = conn
	if br != nil {
		reader = br
	}
	return newConn(conn, reader, ws.StateClientSide, conn.RemoteAddr().String()), nil
}

// Accept upgrades an HTTP request to a server side connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	var reader io.Reader = conn
	if rw != nil && rw.Reader.Buffered() > 0 {
		reader = rw.Reader
	}
	return newConn(conn, reader, ws.StateServerSide, r.RemoteAddr), nil
}

// NewConn wraps an established WebSocket net.Conn. clientSide selects frame
// masking.
func NewConn(conn net.Conn, clientSide bool) *Conn {
	state := ws.StateServerSide
	if clientSide {
		state = ws.StateClientSide
	}
	return newConn(conn, conn, state, conn.RemoteAddr().String())
}

func newConn(conn net.Conn, reader io.Reader, state ws.State, addr string) *Conn {
	return &Conn{
		conn:       conn,
		reader:     bufio.NewReader(reader),
		state:      state,
		remoteAddr: addr,
	}
}

// Read implements chat.Conn.
// Control frames are answered in place. Cancelling ctx closes the connection.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, _, err := wsutil.ReadData(c.readWriter(), c.state)
	if err != nil {
		if ctx.Err() != nil {
			_ = c.Close()
			return nil, ctx.Err()
		}
		var closed wsutil.ClosedError
		if errors.As(err, &closed) || errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return wsutil.WriteMessage(c.conn, c.state, ws.OpBinary, data)
}

// Close implements chat.Conn. It sends a close frame and closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose, body)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Conn) readWriter() io.ReadWriter {
	return struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}}
}

// lockedWriter serializes control frame replies with regular writes.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
