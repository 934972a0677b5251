package ldapnet

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openexgw/ldapgateway/ber"
	"github.com/openexgw/ldapgateway/gal"
	"github.com/openexgw/ldapgateway/gateway"
)

func TestHandleFrameMalformedMessageIDIsProtocolError(t *testing.T) {
	d := gateway.New(gal.NewFakeSessionFactory(), "https://example.test/exchange", zerolog.Nop())
	c := &Conn{dispatcher: d, log: zerolog.Nop()}

	err := c.handleFrame(context.Background(), nil)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want wrapping ErrProtocol", err)
	}
}

func TestHandleFrameUnbindReturnsErrUnbind(t *testing.T) {
	d := gateway.New(gal.NewFakeSessionFactory(), "https://example.test/exchange", zerolog.Nop())
	c := &Conn{dispatcher: d, log: zerolog.Nop()}

	w := ber.NewWriter()
	w.WriteInt(1)
	w.BeginSeq(gateway.OpUnbindRequest)
	w.EndSeq()

	// handleFrame receives the LDAPMessage's content bytes directly: Serve's
	// call to ber.ReadFrame already strips the outer SEQUENCE tag/length.
	err := c.handleFrame(context.Background(), w.Bytes())
	if !errors.Is(err, errUnbind) {
		t.Fatalf("err = %v, want errUnbind", err)
	}
}

// scriptedConn replays a fixed sequence of bytes to Read and counts how many
// times SetReadDeadline is called, to confirm Serve refreshes the deadline
// before every frame rather than once at accept time.
type scriptedConn struct {
	net.Conn
	data          []byte
	pos           int
	deadlineCalls int
}

func (s *scriptedConn) Read(b []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(b, s.data[s.pos:])
	s.pos += n
	return n, nil
}

func (s *scriptedConn) Write(b []byte) (int, error) { return len(b), nil }
func (s *scriptedConn) Close() error                { return nil }
func (s *scriptedConn) SetReadDeadline(time.Time) error {
	s.deadlineCalls++
	return nil
}

func TestServeRefreshesReadDeadlinePerFrame(t *testing.T) {
	// One well-formed LDAPMessage carrying an operation this gateway does
	// not implement, so handleFrame takes the "write unsupported response,
	// keep serving" path and Serve loops back to read a second frame.
	inner := ber.NewWriter()
	inner.BeginSeq(ber.TypeSequence)
	inner.WriteInt(1)
	inner.BeginSeq(ber.ApplicationTag(23, true))
	inner.WriteInt(0)
	inner.EndSeq()
	inner.EndSeq()

	sc := &scriptedConn{data: inner.Bytes()}
	d := gateway.New(gal.NewFakeSessionFactory(), "https://example.test/exchange", zerolog.Nop())
	c := NewConn(sc, d, zerolog.Nop(), time.Second)

	c.Serve(context.Background())

	if sc.deadlineCalls != 2 {
		t.Fatalf("SetReadDeadline called %d times, want 2 (one per frame read attempt)", sc.deadlineCalls)
	}
}
