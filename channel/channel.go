// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package channel implements the wire.Channel interface for transcend peers.
//
// [Direct] links two peers in the same process without encoding packets.
// [IO] carries binary packets over a byte stream, typically the TCP or Unix
// socket connection between a proxy and the service owning its object.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/creachadair/transcend/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// Direct constructs a connected pair of in-memory channels. Packets sent on
// one end are received on the other without encoding.
//
// Closing either end closes that end for sending and receiving. The opposite
// end then reports [net.ErrClosed] from Recv and Send.
func Direct() (A, B wire.Channel) {
	ab, ba := make(chan *wire.Packet), make(chan *wire.Packet)
	aDone, bDone := make(chan struct{}), make(chan struct{})
	A = &end{out: ab, in: ba, self: aDone, peer: bDone, once: new(sync.Once)}
	B = &end{out: ba, in: ab, self: bDone, peer: aDone, once: new(sync.Once)}
	return A, B
}

// An end is one side of a Direct pair. The self and peer channels are closed
// when the corresponding end closes.
type end struct {
	out        chan<- *wire.Packet
	in         <-chan *wire.Packet
	self, peer chan struct{}
	once       *sync.Once
}

// Send implements a method of the [wire.Channel] interface.
func (e *end) Send(pkt *wire.Packet) error {
	select {
	case <-e.self:
		return net.ErrClosed
	case <-e.peer:
		return net.ErrClosed
	default:
	}
	select {
	case e.out <- pkt:
		return nil
	case <-e.self:
	case <-e.peer:
	}
	return net.ErrClosed
}

// Recv implements a method of the [wire.Channel] interface.
func (e *end) Recv() (*wire.Packet, error) {
	select {
	case pkt := <-e.in:
		return pkt, nil
	case <-e.self:
	case <-e.peer:
	}
	return nil, net.ErrClosed
}

// Close implements a method of the [wire.Channel] interface. Closing an end
// more than once is not an error.
func (e *end) Close() error {
	e.once.Do(func() { close(e.self) })
	return nil
}

// IO constructs a channel that receives from r and sends to wc. Closing the
// channel closes wc exactly once.
func IO(r io.Reader, wc io.WriteCloser) *IOChannel {
	cr := &countReader{r: r}
	return &IOChannel{
		cr: cr,
		r:  bufio.NewReader(cr),
		w:  bufio.NewWriter(&countWriter{w: wc}),
		c:  wc,
	}
}

// An IOChannel sends and receives binary packets on a byte stream.
type IOChannel struct {
	cr *countReader
	r  *bufio.Reader
	w  *bufio.Writer

	μ      sync.Mutex // guards w across a write and flush
	c      io.Closer
	once   sync.Once
	closed error
}

// Send implements a method of the [wire.Channel] interface.
func (c *IOChannel) Send(pkt *wire.Packet) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	ioMetrics.packetsOut.Inc()
	return nil
}

// Recv implements a method of the [wire.Channel] interface.
func (c *IOChannel) Recv() (*wire.Packet, error) {
	var pkt wire.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	ioMetrics.packetsIn.Inc()
	return &pkt, nil
}

// Close implements a method of the [wire.Channel] interface. Later calls
// report the result of the first.
func (c *IOChannel) Close() error {
	c.once.Do(func() {
		c.closed = c.c.Close()
		ioMetrics.closed.Inc()
	})
	return c.closed
}

// BytesRead reports the number of bytes read from the underlying stream,
// including any buffered but not yet decoded.
func (c *IOChannel) BytesRead() int64 {
	c.cr.μ.Lock()
	defer c.cr.μ.Unlock()
	return c.cr.n
}

type countReader struct {
	r io.Reader

	μ sync.Mutex
	n int64
}

func (c *countReader) Read(p []byte) (int, error) {
	nr, err := c.r.Read(p)
	c.μ.Lock()
	c.n += int64(nr)
	c.μ.Unlock()
	ioMetrics.bytesIn.Add(float64(nr))
	return nr, err
}

type countWriter struct{ w io.Writer }

func (c *countWriter) Write(p []byte) (int, error) {
	nw, err := c.w.Write(p)
	ioMetrics.bytesOut.Add(float64(nw))
	return nw, err
}

type metrics struct {
	bytesIn, bytesOut     prometheus.Counter
	packetsIn, packetsOut prometheus.Counter
	closed                prometheus.Counter
}

var ioMetrics = func() *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transcend", Subsystem: "channel", Name: name, Help: help,
		})
	}
	return &metrics{
		bytesIn:    counter("bytes_read_total", "Bytes read from stream channels."),
		bytesOut:   counter("bytes_written_total", "Bytes written to stream channels."),
		packetsIn:  counter("packets_decoded_total", "Packets decoded from stream channels."),
		packetsOut: counter("packets_encoded_total", "Packets encoded to stream channels."),
		closed:     counter("closed_total", "Stream channels closed."),
	}
}()

// Collectors returns the metric collectors updated by stream channels in this
// process, for registration with a prometheus registry.
func Collectors() []prometheus.Collector {
	m := ioMetrics
	return []prometheus.Collector{m.bytesIn, m.bytesOut, m.packetsIn, m.packetsOut, m.closed}
}
