// Package ldapnet implements the socket-facing half of the gateway: a
// Listener that binds, TLS-wraps, and gates incoming connections, and a
// per-connection handler that runs the strictly-serial
// read-frame/dispatch/write-response loop described by the connection
// state machine this gateway implements.
package ldapnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/openexgw/ldapgateway/ber"
	"github.com/openexgw/ldapgateway/gateway"
)

// ErrProtocol marks a malformed or unexpected BER frame at the connection
// boundary: a tag other than SEQUENCE|CONSTRUCTED, or a length that would
// overrun the available bytes.
var ErrProtocol = errors.New("ldapnet: protocol error")

// errUnbind signals a clean, client-initiated disconnect (Unbind), as
// distinct from a protocol error or I/O failure.
var errUnbind = errors.New("ldapnet: unbind")

// Conn handles one accepted socket end to end. Unlike a thread-per-request
// design, a Conn never runs two requests concurrently: it reads one frame,
// dispatches it synchronously, writes the response(s), and only then reads
// the next frame. This directly satisfies the gateway's no-concurrent-
// writes / in-order-responses invariant without a send mutex or an
// async-operations wait group.
type Conn struct {
	nc         net.Conn
	dispatcher *gateway.Dispatcher
	log        zerolog.Logger
	state      gateway.ConnState
	timeout    time.Duration
}

// NewConn wraps an accepted socket for serving with dispatcher. timeout is
// the per-read idle timeout (0 disables it): it is refreshed before every
// frame read, so it bounds inactivity between requests rather than the
// connection's total lifetime.
func NewConn(nc net.Conn, dispatcher *gateway.Dispatcher, log zerolog.Logger, timeout time.Duration) *Conn {
	return &Conn{nc: nc, dispatcher: dispatcher, log: log, timeout: timeout}
}

// Serve runs the connection's read-dispatch-write loop until the peer
// disconnects, sends Unbind, or a read error/timeout occurs. It always
// closes the socket before returning.
func (c *Conn) Serve(ctx context.Context) {
	defer c.nc.Close()
	defer func() {
		if c.state.Session != nil {
			c.dispatcher.HandleUnbind(&c.state)
		}
	}()

	for {
		if c.timeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(c.timeout))
		}
		tag, body, err := ber.ReadFrame(c.nc)
		if err != nil {
			if err == io.EOF {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			c.log.Debug().Err(fmt.Errorf("%w: %v", ErrProtocol, err)).Msg("read error, closing connection")
			return
		}
		if tag != ber.TypeSequence {
			c.log.Warn().Err(ErrProtocol).Msg("rejecting frame with unexpected outer tag")
			return
		}

		if err := c.handleFrame(ctx, body); err != nil {
			if !errors.Is(err, errUnbind) {
				c.log.Warn().Err(err).Msg("closing connection")
			}
			return
		}
	}
}

// handleFrame decodes one LDAPMessage body and dispatches its operation,
// writing any response synchronously. A non-nil error means the connection
// should close: errUnbind for a clean client Unbind, ErrProtocol for a
// malformed frame, or an I/O error from writing the response.
func (c *Conn) handleFrame(ctx context.Context, body []byte) error {
	r := ber.NewReader(body)
	messageID, err := r.ParseInt()
	if err != nil {
		return fmt.Errorf("%w: message ID: %v", ErrProtocol, err)
	}
	var opLen int
	opTag, err := r.ParseSeq(&opLen)
	if err != nil {
		return fmt.Errorf("%w: operation header: %v", ErrProtocol, err)
	}
	opBody, err := r.Sub(opLen)
	if err != nil {
		return fmt.Errorf("%w: operation body: %v", ErrProtocol, err)
	}

	w := ber.NewWriter()
	w.SetUTF8(c.state.ProtocolVersion != 2)
	switch opTag {
	case gateway.OpBindRequest:
		c.dispatcher.HandleBind(ctx, w, messageID, opBody, &c.state)
	case gateway.OpUnbindRequest:
		c.dispatcher.HandleUnbind(&c.state)
		return errUnbind
	case gateway.OpSearchRequest:
		c.dispatcher.HandleSearch(ctx, w, messageID, opBody, &c.state)
	default:
		writeUnsupportedOperation(w, messageID)
	}

	if len(w.Bytes()) == 0 {
		return nil
	}
	if _, err := c.nc.Write(w.Bytes()); err != nil {
		return err
	}
	return nil
}

// writeUnsupportedOperation replies LDAP_OTHER "Unsupported operation" for
// any opcode this gateway's dispatcher does not implement.
func writeUnsupportedOperation(w *ber.Writer, messageID int64) {
	w.BeginSeq(ber.TypeSequence)
	w.WriteInt(messageID)
	w.BeginSeq(gateway.OpSearchDone)
	w.WriteEnumerated(int64(gateway.ResultOther))
	w.WriteString("")
	w.WriteString("Unsupported operation")
	w.EndSeq()
	w.EndSeq()
}
