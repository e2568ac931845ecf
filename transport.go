/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

import (
	"bufio"
	"net"
	"time"
)

// Transport turns a byte stream into framed Messages and back (spec.md
// §4.1). It owns no protocol state of its own; a Session drives it.
type Transport struct {
	conn net.Conn

	reader *bufio.Scanner
	writer *bufio.Writer

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewTransport wraps a raw connection handed in by the Listener
// collaborator (spec.md §6.3): core never binds sockets or terminates
// TLS itself.
func NewTransport(conn net.Conn, readTimeout, writeTimeout time.Duration) *Transport {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, MaxLineLength), MaxLineLength)
	scanner.Split(splitCRLF)
	return &Transport{
		conn:         conn,
		reader:       scanner,
		writer:       bufio.NewWriter(conn),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// splitCRLF is a bufio.SplitFunc that frames on CRLF (and tolerates a bare
// LF, which real-world clients occasionally send).
func splitCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			end := i
			if end > 0 && data[end-1] == '\r' {
				end--
			}
			return i + 1, data[:end], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ReadLine blocks for the next framed line, applying the configured read
// deadline. Returns errConnClosed on a clean close, or the scanner's
// error otherwise.
func (t *Transport) ReadLine() (string, error) {
	if t.readTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
	if !t.reader.Scan() {
		if err := t.reader.Err(); err != nil {
			return "", err
		}
		return "", errConnClosed
	}
	return t.reader.Text(), nil
}

// WriteMessage renders and writes msg, applying the write deadline and
// flushing immediately so small messages aren't held up by Nagle-style
// buffering.
func (t *Transport) WriteMessage(msg *Message) error {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if _, err := t.writer.WriteString(msg.Render()); err != nil {
		return err
	}
	return t.writer.Flush()
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) RemoteAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

// errConnClosed is a sentinel returned by ReadLine when the peer closed
// the connection cleanly (scanner returned false with no underlying
// error), distinct from a read error; the session ends its read loop on
// either.
type transportErr string

func (e transportErr) Error() string { return string(e) }

const errConnClosed = transportErr("connection closed")
