package server

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// conn is one client connection. The reader goroutine parses frames onto the
// server queue; writes are serialised by a mutex because worker replies and
// broadcasts from other workers interleave on the same socket.
type conn struct {
	server   *Server
	conn     net.Conn
	identity string

	writeMu sync.Mutex
}

func (c *conn) serve(ctx context.Context) {
	defer func() {
		c.server.dropConn(c)
		c.conn.Close()
	}()
	logger.Debug("new connection from %s", c.identity)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			payload, err := fusemd.ReadFrame(c.conn)
			if err != nil {
				if err != io.EOF {
					logger.Debug("error reading frame from %s: %v", c.identity, err)
				}
				return
			}
			select {
			case c.server.queue <- request{conn: c, payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// write sends already-framed bytes.
func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(data)
	return err
}
