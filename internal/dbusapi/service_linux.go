//go:build linux

package dbusapi

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"cardwedge/internal/capture"
)

// Service owns the bus connection and the exported Reader.
type Service struct {
	conn    *dbus.Conn
	reader  *Reader
	signals chan *dbus.Signal
	closed  atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Start connects to the bus, claims BusName and exports the reader.
func Start(cfg Config) (*Service, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if cfg.SystemBus {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", BusName, ErrNameTaken)
	}

	s := &Service{
		conn:    conn,
		reader:  newReader(cfg),
		signals: make(chan *dbus.Signal, 16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := conn.Export(s.reader, ObjectPath, Interface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("export reader: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(introspectXML), ObjectPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("export introspection: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("watch name owners: %w", err)
	}
	conn.Signal(s.signals)
	go s.watchCallers()

	cfg.Session.OnOutcome(s.emitFinished)
	s.reader.logger.Info("dbus service started", "name", BusName, "system_bus", cfg.SystemBus)
	return s, nil
}

// watchCallers cancels scans of callers whose connection went away.
func (s *Service) watchCallers() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case sig, ok := <-s.signals:
			if !ok {
				return
			}
			if sig == nil || sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			newOwner, _ := sig.Body[2].(string)
			if newOwner == "" {
				s.reader.dropCaller(name)
			}
		}
	}
}

func (s *Service) emitFinished(o capture.Outcome) {
	if s.closed.Load() {
		return
	}
	if err := s.conn.Emit(ObjectPath, Interface+".ScanFinished", o.Kind.String()); err != nil {
		s.reader.logger.Warn("emit ScanFinished", "scan_id", o.ScanID, "error", err)
	}
}

// Close releases the bus name and closes the connection.
func (s *Service) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		s.conn.RemoveSignal(s.signals)
		close(s.stop)
		if _, relErr := s.conn.ReleaseName(BusName); relErr != nil {
			s.reader.logger.Debug("release bus name", "error", relErr)
		}
		err = s.conn.Close()
		<-s.done
	})
	return err
}
