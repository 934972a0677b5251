package ldapnet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openexgw/ldapgateway/config"
)

const defaultLDAPPort = "389"
const defaultLDAPSPort = "636"

// ConnectionFactory builds a Conn for a freshly accepted socket. Listener
// holds one factory rather than a subclass hierarchy: that is this
// module's realization of the per-protocol listener capability.
type ConnectionFactory func(net.Conn) *Conn

// Listener binds a TCP socket (optionally TLS-wrapped), gates connections
// by source address, and hands accepted sockets to a ConnectionFactory,
// each served on its own goroutine.
type Listener struct {
	settings *config.Settings
	factory  ConnectionFactory
	log      zerolog.Logger

	ln   net.Listener
	done chan struct{}
}

// New builds a Listener from settings, serving every accepted connection
// with newConn.
func New(settings *config.Settings, newConn ConnectionFactory, log zerolog.Logger) *Listener {
	return &Listener{settings: settings, factory: newConn, log: log, done: make(chan struct{})}
}

// buildTLSConfig loads the keystore/truststore pair into a *tls.Config, or
// returns nil if no keystore is configured (plaintext listener). The POODLE
// mitigation ("disable any protocol whose name starts with SSL") is
// realized by pinning MinVersion to TLS 1.0: crypto/tls has never
// implemented SSLv3 or earlier, so no SSL-named protocol is ever on offer
// regardless of MinVersion — this is asserted by TestNoSSLProtocols.
func buildTLSConfig(s *config.Settings) (*tls.Config, error) {
	if s.SSLKeystoreFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.SSLKeystoreFile, s.SSLKeyPass)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS10,
	}
	if s.SSLTruststoreFile != "" {
		pem, err := os.ReadFile(s.SSLTruststoreFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ldapnet: truststore contains no usable certificates")
		}
		cfg.ClientCAs = pool
		if s.SSLNeedClientAuth {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return cfg, nil
}

// ListenAndServe binds the listener per settings and serves until ctx is
// canceled or Shutdown is called.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	addr := l.settings.BindAddress
	tlsConfig, err := buildTLSConfig(l.settings)
	if err != nil {
		return err
	}

	port := defaultLDAPPort
	if tlsConfig != nil {
		port = defaultLDAPSPort
	}
	if !strings.Contains(addr, ":") {
		if addr == "" {
			addr = "0.0.0.0"
		}
		addr = addr + ":" + port
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	l.ln = ln

	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	defer close(l.done)
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) {
				l.log.Warn().Err(err).Msg("accept error, continuing")
				continue
			}
			return err
		}
		if !l.allowPeer(nc) {
			l.log.Info().Str("remote", nc.RemoteAddr().String()).Msg("rejecting non-loopback peer")
			nc.Close()
			continue
		}
		// The per-read idle timeout is refreshed by Conn.Serve before every
		// frame read, not set once here, so it bounds inactivity between
		// requests rather than the connection's total lifetime.
		conn := l.factory(nc)
		go conn.Serve(ctx)
	}
}

// Shutdown closes the listening socket, unblocking Accept, and waits for
// ListenAndServe's accept loop to exit.
func (l *Listener) Shutdown() {
	if l.ln == nil {
		return
	}
	l.ln.Close()
	<-l.done
}

// allowPeer implements the loopback gate: non-loopback peers are rejected
// unless AllowRemote is set, with a standing exception for the IPv6
// link-local-on-loopback address fe80::1.
func (l *Listener) allowPeer(nc net.Conn) bool {
	if l.settings.AllowRemote {
		return true
	}
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	return ip.Equal(net.ParseIP("fe80::1"))
}
