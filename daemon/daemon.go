// daemon/daemon.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// The daemon package is the shell around the store engine: it accepts
// TLS connections, authenticates each peer's certificate common name
// against the accounts database, builds a per-session store context,
// and hands it to the session handler. A single housekeeping worker
// runs alongside the sessions; the only coordination between them is
// the per-account named lock and a line-oriented control channel used
// to nudge the worker off an account a session wants.

package daemon

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mmp/bbstore/accounts"
	"github.com/mmp/bbstore/config"
	"github.com/mmp/bbstore/store"
	u "github.com/mmp/bbstore/util"
)

// Certificate common names are "BACKUP-" followed by the eight-hex-
// digit account ID.
const certCommonNamePrefix = "BACKUP-"

// SessionHandler runs the RPC loop for one authenticated connection.
// The context is bound to the peer's account and starts read-only; the
// handler upgrades it if the client logs in for writing. The daemon
// finishes the context (flushing info and releasing the lock) when the
// handler returns.
type SessionHandler interface {
	Serve(conn net.Conn, ctx *store.Context) error
}

type Daemon struct {
	cfg      *config.Config
	accounts *accounts.Database
	handler  SessionHandler
	log      *u.Logger

	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup

	// Control channel to the housekeeping worker. Writes are
	// line-oriented ASCII; the worker polls its end at least once a
	// second, so a short write deadline is enough.
	controlMu    sync.Mutex
	controlWrite net.Conn
	worker       *housekeepingWorker
}

func New(cfg *config.Config, accountsDB *accounts.Database,
	handler SessionHandler, log *u.Logger) *Daemon {
	d := &Daemon{
		cfg:      cfg,
		accounts: accountsDB,
		handler:  handler,
		log:      log,
		quit:     make(chan struct{}),
	}

	readEnd, writeEnd := net.Pipe()
	d.controlWrite = writeEnd
	d.worker = newHousekeepingWorker(d, readEnd)
	return d
}

// SendMessageToHousekeepingProcess writes one command line to the
// housekeeping worker's control channel. Lost messages are harmless --
// every command is a nudge, not a transfer of state -- so a write that
// can't be delivered promptly is dropped with a warning.
func (d *Daemon) SendMessageToHousekeepingProcess(msg string) {
	d.controlMu.Lock()
	defer d.controlMu.Unlock()

	d.controlWrite.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := d.controlWrite.Write([]byte(msg)); err != nil {
		d.log.Warning("control message %q not delivered: %v",
			strings.TrimSpace(msg), err)
	}
}

// SendReleaseAccount implements store.HousekeepingCoordinator: it asks
// the worker to let go of an account a session is waiting to lock.
func (d *Daemon) SendReleaseAccount(accountID int32) {
	d.SendMessageToHousekeepingProcess(fmt.Sprintf("r%x\n", accountID))
}

// ReloadConfig nudges the worker to pick up a changed configuration.
func (d *Daemon) ReloadConfig() {
	d.SendMessageToHousekeepingProcess("h\n")
}

func (d *Daemon) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(d.cfg.CertFile, d.cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	caPEM, err := os.ReadFile(d.cfg.TrustedCAsFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%s: no certificates found", d.cfg.TrustedCAsFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ListenAndServe starts the housekeeping worker and accepts
// connections until Stop is called.
func (d *Daemon) ListenAndServe() error {
	tlsCfg, err := d.tlsConfig()
	if err != nil {
		return err
	}

	ln, err := tls.Listen("tcp", d.cfg.ListenAddress, tlsCfg)
	if err != nil {
		return err
	}
	d.listener = ln
	d.log.Print("listening on %s", d.cfg.ListenAddress)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.worker.run()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-d.quit:
				return nil
			default:
			}
			d.log.Warning("accept: %v", err)
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConnection(conn)
		}()
	}
}

// Stop terminates the accept loop and the housekeeping worker, then
// waits for in-flight sessions to finish.
func (d *Daemon) Stop() {
	close(d.quit)
	d.SendMessageToHousekeepingProcess("t\n")
	if d.listener != nil {
		d.listener.Close()
	}
	d.wg.Wait()
}

// accountIDFromCommonName parses the account ID out of a certificate
// common name.
func accountIDFromCommonName(cn string) (int32, error) {
	if !strings.HasPrefix(cn, certCommonNamePrefix) {
		return 0, fmt.Errorf("%q: not a backup client certificate", cn)
	}
	var id uint32
	hexPart := strings.TrimPrefix(cn, certCommonNamePrefix)
	if _, err := fmt.Sscanf(hexPart, "%x", &id); err != nil || len(hexPart) != 8 {
		return 0, fmt.Errorf("%q: bad account ID in certificate", cn)
	}
	return int32(id), nil
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		d.log.Error("connection from %s is not TLS", conn.RemoteAddr())
		return
	}

	tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		d.log.Warning("%s: TLS handshake: %v", conn.RemoteAddr(), err)
		return
	}
	tlsConn.SetDeadline(time.Time{})

	peerCerts := tlsConn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		d.log.Warning("%s: no peer certificate", conn.RemoteAddr())
		return
	}

	accountID, err := accountIDFromCommonName(peerCerts[0].Subject.CommonName)
	if err != nil {
		d.log.Warning("%s: authentication failed: %v", conn.RemoteAddr(), err)
		return
	}

	discSet, err := d.accounts.GetAccountDiscSet(accountID)
	if err != nil {
		d.log.Warning("%s: account %08x not known", conn.RemoteAddr(), accountID)
		return
	}
	set, err := d.cfg.RaidSet(discSet)
	if err != nil {
		d.log.Error("account %08x: %v", accountID, err)
		return
	}

	account := store.Account{
		ID:   accountID,
		Set:  set,
		Root: store.RootDirectoryName(accountID),
	}

	d.log.Verbose("session start for account %08x from %s",
		accountID, conn.RemoteAddr())

	ctx := store.NewContext(account, d)
	defer func() {
		if err := ctx.Finish(); err != nil {
			d.log.Warning("account %08x: finishing session: %v", accountID, err)
		}
		d.log.Verbose("session end for account %08x", accountID)
	}()

	if err := d.handler.Serve(conn, ctx); err != nil &&
		!errors.Is(err, net.ErrClosed) {
		d.log.Warning("account %08x: session: %v", accountID, err)
	}
}
