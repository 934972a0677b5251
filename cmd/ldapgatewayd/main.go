// Command ldapgatewayd serves the LDAP-to-GAL gateway: it binds an LDAP
// socket and translates incoming search/bind traffic into GAL lookups.
// Those lookups are answered by the in-memory fake session factory; the
// pooled HTTP client toward the Exchange WebDAV back end is started, but no
// GAL session uses it.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openexgw/ldapgateway/config"
	"github.com/openexgw/ldapgateway/davfacade"
	"github.com/openexgw/ldapgateway/gal"
	"github.com/openexgw/ldapgateway/gateway"
	"github.com/openexgw/ldapgateway/ldapnet"
)

func main() {
	propsPath := flag.String("config", "", "path to a davmail.properties file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	settings, err := config.Load(*propsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log.Logger = log.Logger.Level(settings.LogLevel)

	pool := davfacade.New(settings, log.Logger)
	pool.Start()
	defer pool.Stop()

	// A real Exchange GAL session factory is out of scope here; the fake
	// in-memory factory stands in until one is wired against davfacade.
	factory := gal.NewFakeSessionFactory()

	dispatcher := gateway.New(factory, settings.URL, log.Logger)

	connFactory := func(nc net.Conn) *ldapnet.Conn {
		return ldapnet.NewConn(nc, dispatcher, log.Logger, settings.ClientSoTimeout)
	}
	listener := ldapnet.New(settings, connFactory, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
		listener.Shutdown()
	}()

	log.Info().Str("bind", settings.BindAddress).Msg("serving")
	if err := listener.ListenAndServe(ctx); err != nil {
		log.Fatal().Err(err).Msg("listener exited")
	}
}
