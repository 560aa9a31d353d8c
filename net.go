package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

// Conn is a connection to a client or server.
type Conn struct {
	conn   net.Conn
	rw     *bufio.ReadWriter
	ioWait time.Duration
	IP     net.IP
}

// NewConn initializes a Conn struct.
func NewConn(conn net.Conn, ioWait time.Duration) Conn {
	tcpAddr, err := net.ResolveTCPAddr("tcp", conn.RemoteAddr().String())
	// This shouldn't happen.
	if err != nil {
		log.Fatalf("Unable to resolve TCP address: %s", err)
	}

	return Conn{
		conn:   conn,
		rw:     bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		ioWait: ioWait,
		IP:     tcpAddr.IP,
	}
}

// Close closes the underlying connection.
func (c Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote network address.
func (c Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Read reads a line from the connection.
//
// Lines longer than the protocol limit come back truncated to the
// limit; the remainder is dropped up to the next LF.
func (c Conn) Read() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ioWait)); err != nil {
		// Do not treat this as fatal. There can be something available
		// to read in the buffer which we want to see.
		log.Printf("Error setting read deadline: %s", err)
	}

	line, err := c.rw.ReadString('\n')
	if err != nil {
		// There may be something read even with error.
		return line, errors.Wrap(err, "error reading")
	}

	if len(line) > irc.MaxLineLength {
		line = line[:irc.MaxLineLength-2] + "\r\n"
	}

	return line, nil
}

// Write writes a string to the connection.
func (c Conn) Write(s string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ioWait)); err != nil {
		return errors.Wrap(err, "error setting write deadline")
	}

	sz, err := c.rw.WriteString(s)
	if err != nil {
		return errors.Wrap(err, "error writing")
	}

	if sz != len(s) {
		return fmt.Errorf("short write")
	}

	if err := c.rw.Flush(); err != nil {
		return errors.Wrap(err, "flush error")
	}

	return nil
}

// WriteMessage encodes and writes a protocol message.
func (c Conn) WriteMessage(m irc.Message) error {
	buf, err := m.Encode()
	if err != nil && err != irc.ErrTruncated {
		return errors.Wrap(err, "unable to encode message")
	}

	return c.Write(buf)
}
