package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/pkg/errors"
)

// Conn is a connection to a client/server
type Conn struct {
	conn   net.Conn
	rw     *bufio.ReadWriter
	ioWait time.Duration
	IP     net.IP
}

// NewConn initializes a Conn struct
func NewConn(conn net.Conn, ioWait time.Duration) Conn {
	tcpAddr, err := net.ResolveTCPAddr("tcp", conn.RemoteAddr().String())
	// This shouldn't happen.
	if err != nil {
		slog.Error("unable to resolve TCP address", "error", err)
	}

	c := Conn{
		conn:   conn,
		rw:     bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		ioWait: ioWait,
	}
	if tcpAddr != nil {
		c.IP = tcpAddr.IP
	}
	return c
}

// Close closes the underlying connection
func (c Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote network address.
func (c Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Read reads a line from the connection.
func (c Conn) Read() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ioWait)); err != nil {
		// Do not treat this as fatal. There can be something available to read in
		// the buffer which we want to see.
		slog.Warn("error setting read deadline", "error", err)
	}

	line, err := c.rw.ReadString('\n')
	if err != nil {
		// There may be something read even with error.
		return line, errors.Wrap(err, "error reading")
	}

	return line, nil
}

// WriteMessage writes an IRC message to the connection. The codec enforces
// the 512 byte line limit by truncating the message body.
func (c Conn) WriteMessage(m ircmsg.Message) error {
	buf, err := m.LineBytesStrict(false, 512)
	if err != nil {
		return errors.Wrap(err, "error encoding message")
	}

	return c.write(buf)
}

func (c Conn) write(buf []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ioWait)); err != nil {
		return fmt.Errorf("error setting write deadline: %s", err)
	}

	sz, err := c.rw.Write(buf)
	if err != nil {
		return err
	}

	if sz != len(buf) {
		return fmt.Errorf("short write")
	}

	if err := c.rw.Flush(); err != nil {
		return fmt.Errorf("flush error: %s", err)
	}

	return nil
}
