// mmtp.go - quic-based MMTP transport
// Copyright (C) 2026  Mixcore Contributors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package mmtp is a minimal concrete implementation of the MMTP ("Mix
// Minion Transfer Protocol") transport client spec.md names as an
// external collaborator: it dials a server's Incoming/MMTP address over
// QUIC and writes each message as a length-prefixed frame on its own
// stream, grounded on the teacher's sockatz/common QUIC dial/listen
// conventions (github.com/quic-go/quic-go).
package mmtp

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixcore/catalog/descriptor"
	"github.com/katzenpost/mixcore/queue/delivery"
)

// DialTimeout bounds how long a single delivery attempt may take to
// establish a connection and write its batch.
const DialTimeout = 30 * time.Second

// Client delivers queue/delivery.Message batches to a single destination
// server descriptor over MMTP/QUIC, reporting per-message success/failure
// back to the owning delivery.Queue.
type Client struct {
	dest *descriptor.Descriptor
	conf *quic.Config
	log  *logging.Logger
}

// NewClient constructs a Client targeting dest's Incoming/MMTP address.
func NewClient(dest *descriptor.Descriptor, log *logging.Logger) *Client {
	return &Client{
		dest: dest,
		conf: &quic.Config{HandshakeIdleTimeout: DialTimeout},
		log:  log,
	}
}

func (c *Client) addr() string {
	host := c.dest.Hostname()
	if host == "" {
		host = c.dest.IP()
	}
	return fmt.Sprintf("%s:%d", host, c.dest.Port())
}

// DeliverMessages implements delivery.Deliverer: it dials the destination
// once per batch, opens one stream per message, writes each as a 4-byte
// big-endian length prefix followed by the payload, and reports the
// outcome of each through onResult.
func (c *Client) DeliverMessages(batch []delivery.Message, onResult func(handle string, err error)) {
	ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, c.addr(), &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"mmtp"}}, c.conf)
	if err != nil {
		for _, m := range batch {
			onResult(m.Handle, err)
		}
		return
	}
	defer conn.CloseWithError(0, "")

	for _, m := range batch {
		err := c.deliverOne(ctx, conn, m.Payload)
		onResult(m.Handle, err)
	}
}

func (c *Client) deliverOne(ctx context.Context, conn quic.Connection, payload []byte) error {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := stream.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = stream.Write(payload)
	return err
}

// Listener accepts incoming MMTP connections and hands each received
// message to handle.
type Listener struct {
	ln   *quic.Listener
	log  *logging.Logger
}

// Listen starts accepting MMTP/QUIC connections on addr using tlsConf.
func Listen(addr string, tlsConf *tls.Config, log *logging.Logger) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{})
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, log: log}, nil
}

// Serve accepts connections until ctx is cancelled, calling handle with
// each message received on any stream of any connection.
func (l *Listener) Serve(ctx context.Context, handle func([]byte)) error {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			return err
		}
		go l.serveConn(ctx, conn, handle)
	}
}

func (l *Listener) serveConn(ctx context.Context, conn quic.Connection, handle func([]byte)) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go l.serveStream(stream, handle)
	}
}

func (l *Listener) serveStream(stream quic.Stream, handle func([]byte)) {
	defer stream.Close()
	var lenBuf [4]byte
	if _, err := readFull(stream, lenBuf[:]); err != nil {
		return
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := readFull(stream, payload); err != nil {
		return
	}
	handle(payload)
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close shuts down the listener.
func (l *Listener) Close() error {
	return l.ln.Close()
}
