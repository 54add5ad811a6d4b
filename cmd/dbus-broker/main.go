// Command dbus-broker runs a DBus-compatible message bus: the
// org.freedesktop.DBus driver plus the dispatcher that routes every
// other message between connected peers.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/fsnotify/fsnotify"

	dbus "github.com/aviral14112001/dbus-broker"
	"github.com/aviral14112001/dbus-broker/driver"
)

var globalArgs struct {
	Listen        string `flag:"listen,default=/run/dbus-broker/system_bus_socket,Unix socket path to listen on"`
	PolicyFile    string `flag:"policy,Path to the access-control policy file"`
	ActivationDir string `flag:"activation-dir,Directory of activatable-service descriptions"`
	MachineID     string `flag:"machine-id,default=/etc/machine-id,Path to the machine-id file"`
}

func main() {
	root := &command.C{
		Name:     "dbus-broker",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "serve",
				Help:  "Run the message bus, listening on the configured Unix socket.",
				Run:   command.Adapt(runServe),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runServe(env *command.Env) error {
	ctx := env.Context()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	machineID, err := os.ReadFile(globalArgs.MachineID)
	if err != nil {
		return fmt.Errorf("reading machine-id: %w", err)
	}

	ctrl := &fileController{log: log, policyFile: globalArgs.PolicyFile}
	bus := driver.NewBus(driver.Config{
		Log:        log,
		Controller: ctrl,
		GUID:       newGUID(),
		MachineID:  string(machineID),
	})
	ctrl.bus = bus

	if globalArgs.ActivationDir != "" {
		names, err := loadActivatableNames(globalArgs.ActivationDir)
		if err != nil {
			return fmt.Errorf("loading activation directory: %w", err)
		}
		for _, name := range names {
			if err := bus.RegisterActivatableName(name); err != nil {
				log.Warn("skipping invalid activatable name", "name", name, "err", err)
				continue
			}
			log.Info("registered activatable name", "name", name)
		}
	}

	if globalArgs.PolicyFile != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("starting config watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(globalArgs.PolicyFile); err != nil {
			log.Warn("could not watch policy file", "path", globalArgs.PolicyFile, "err", err)
		}
		go watchConfig(ctx, watcher, bus, log)
	}

	os.Remove(globalArgs.Listen)
	ln, err := net.Listen("unix", globalArgs.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", globalArgs.Listen, err)
	}
	defer ln.Close()
	log.Info("listening", "socket", globalArgs.Listen)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", "err", err)
	} else if ok {
		log.Info("notified service manager of readiness")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	// Bus is not safe for concurrent use (SPEC_FULL.md §5): every
	// Dispatch/Connect/Disconnect call is funneled through this single
	// event-loop goroutine, even though each connection is read by its
	// own goroutine.
	events := make(chan busEvent, 64)
	go eventLoop(ctx, bus, log, events)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("accept failed", "err", err)
			continue
		}
		go serveConn(ctx, log, conn, events)
	}
}

type busEvent struct {
	connect    *connectEvent
	message    *messageEvent
	disconnect *disconnectEvent
}

type connectEvent struct {
	sender driver.Sender
	result chan<- *driver.Peer
}

type messageEvent struct {
	peer *driver.Peer
	msg  driver.InboundMessage
}

type disconnectEvent struct {
	peer   *driver.Peer
	reason string
}

func eventLoop(ctx context.Context, bus *driver.Bus, log *slog.Logger, events <-chan busEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch {
			case ev.connect != nil:
				p := bus.Connect(driver.Identity{}, ev.connect.sender)
				ev.connect.result <- p
			case ev.message != nil:
				if err := bus.Dispatch(ctx, ev.message.peer, ev.message.msg); err != nil {
					log.Warn("protocol violation, dropping peer", "peer", ev.message.peer.UniqueName(), "err", err)
					bus.Disconnect(ev.message.peer, "protocol violation")
				}
			case ev.disconnect != nil:
				bus.Disconnect(ev.disconnect.peer, ev.disconnect.reason)
			}
		}
	}
}

func watchConfig(ctx context.Context, watcher *fsnotify.Watcher, bus *driver.Bus, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Info("policy file changed, reloading", "path", ev.Name)
			bus.TriggerConfigReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", "err", err)
		}
	}
}

// loadActivatableNames scans dir for *.service files (the same
// key=value format systemd/dbus-daemon use for service activation
// descriptions) and returns the well-known name declared by each
// file's Name= line. A directory entry with no Name= line, or that
// fails to parse, is skipped with no error: one malformed descriptor
// must not prevent the rest of the directory from loading.
func loadActivatableNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".service" {
			continue
		}
		name, err := parseServiceName(filepath.Join(dir, ent.Name()))
		if err != nil || name == "" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func parseServiceName(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "Name" {
			return strings.TrimSpace(val), nil
		}
	}
	return "", scanner.Err()
}

func newGUID() string {
	var buf [16]byte
	rand.Read(buf[:])
	return fmt.Sprintf("%x", buf)
}

// connSender adapts one accepted net.Conn into a driver.Sender. It
// writes synchronously on whichever goroutine calls it (always the
// event loop, see eventLoop); the driver's own quota machinery, not
// this type, bounds how much a peer can have in flight.
type connSender struct {
	conn   net.Conn
	log    *slog.Logger
	mu     sync.Mutex
	closed bool
}

func (s *connSender) Enqueue(hdr *dbus.Header, body any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("connection closed")
	}
	return dbus.EncodeMessage(context.Background(), s.conn, hdr, body)
}

func (s *connSender) EnqueueRaw(hdr *dbus.Header, rawBody []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("connection closed")
	}
	return dbus.WriteRawMessage(context.Background(), s.conn, hdr, rawBody)
}

func (s *connSender) Disconnect(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.log.Info("disconnecting peer", "reason", reason)
	s.conn.Close()
}

func serveConn(ctx context.Context, log *slog.Logger, conn net.Conn, events chan<- busEvent) {
	defer conn.Close()

	// Peer authentication (the SASL EXTERNAL handshake and UID
	// extraction over SO_PEERCRED) is out of this module's scope; a
	// production deployment performs it here before Connect.
	sender := &connSender{conn: conn, log: log}

	result := make(chan *driver.Peer, 1)
	events <- busEvent{connect: &connectEvent{sender: sender, result: result}}
	var peer *driver.Peer
	select {
	case peer = <-result:
	case <-ctx.Done():
		return
	}

	for {
		hdr, body, err := dbus.DecodeMessageRaw(ctx, conn)
		if err != nil {
			log.Debug("connection closed", "peer", peer.UniqueName(), "err", err)
			events <- busEvent{disconnect: &disconnectEvent{peer: peer, reason: "read error"}}
			return
		}
		events <- busEvent{message: &messageEvent{peer: peer, msg: driver.InboundMessage{Header: hdr, Body: body}}}
	}
}

// fileController is the bundled, local Controller: it logs and
// acknowledges reload requests without rereading the policy file, logs
// activation-environment updates, and reports every StartService as
// failed, since it cannot spawn activatable services (that requires a
// process-launching mechanism specific to the deployment, e.g. systemd
// unit activation, which is out of this module's scope).
type fileController struct {
	log        *slog.Logger
	policyFile string
	bus        *driver.Bus
}

func (c *fileController) StartService(name string, correlation uint64) {
	c.log.Warn("activation requested but no service launcher is configured", "name", name)
	c.bus.ActivationFailed(context.Background(), correlation, "no activation launcher configured")
}

func (c *fileController) ReloadConfig(correlation uint64) {
	c.log.Info("reload requested", "policy", c.policyFile)
	c.bus.ConfigReloaded(correlation)
}

func (c *fileController) UpdateActivationEnvironment(vars map[string]string) {
	c.log.Info("activation environment updated", "count", len(vars))
}
