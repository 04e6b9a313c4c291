//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// UnitManager drives systemd over D-Bus for a small set of unit operations:
// daemon-reload, enable/disable, start/stop and status lookups.
type UnitManager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

//
// Construction & lifecycle
//

// NewUnitManagerContext connects to the system bus using ctx.
// If ctx is nil, context.Background() is used.
func NewUnitManagerContext(ctx context.Context) (*UnitManager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &UnitManager{conn: conn}, nil
}

// Close closes the systemd connection.
func (m *UnitManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *UnitManager) connection() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, fmt.Errorf("systemd connection is closed")
	}
	return m.conn, nil
}

//
// Operations
//

// ReloadContext is `systemctl daemon-reload`.
func (m *UnitManager) ReloadContext(ctx context.Context) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("failed to reload systemd daemon: %w", err)
	}
	return nil
}

// EnableContext enables a unit file. unit may be a bare unit name or an
// absolute path to a unit file outside the default search path.
func (m *UnitManager) EnableContext(ctx context.Context, unit string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unit}, false, true); err != nil {
		return fmt.Errorf("failed to enable %s: %w", unit, err)
	}
	return nil
}

func (m *UnitManager) DisableContext(ctx context.Context, unit string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	if _, err := conn.DisableUnitFilesContext(ctx, []string{unit}, false); err != nil {
		if isNoSuchUnitErr(err) {
			return nil
		}
		return fmt.Errorf("failed to disable %s: %w", unit, err)
	}
	return nil
}

// StartContext starts unit and waits for the job result.
func (m *UnitManager) StartContext(ctx context.Context, unit string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	ch := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("failed to start %s: %w", unit, err)
	}
	return waitJob(ctx, "start", unit, ch)
}

// StopContext stops unit and waits for the job result. Stopping a unit that
// is not loaded is not an error.
func (m *UnitManager) StopContext(ctx context.Context, unit string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	ch := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, unit, "replace", ch); err != nil {
		if isNoSuchUnitErr(err) {
			return nil
		}
		return fmt.Errorf("failed to stop %s: %w", unit, err)
	}
	return waitJob(ctx, "stop", unit, ch)
}

func waitJob(ctx context.Context, action, unit string, ch <-chan string) error {
	select {
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("%s %s: job result %q", action, unit, res)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", action, unit, ctx.Err())
	}
}

//
// Status
//

// UnitStatusContext returns the state of unit. Units that systemd does not
// know about are reported with LoadState "not-found" and no error.
//
// For ".timer" units the Timer interface is queried as well to fill
// NextElapse and LastTrigger.
func (m *UnitManager) UnitStatusContext(ctx context.Context, unit string) (*UnitStatus, error) {
	conn, err := m.connection()
	if err != nil {
		return nil, err
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(unit), nil
		}
		return nil, fmt.Errorf("failed to get status for %s: %w", unit, err)
	}

	loadState, _ := getStringProperty(props, "LoadState")
	if loadState == "not-found" {
		return notFound(unit), nil
	}
	activeState, _ := getStringProperty(props, "ActiveState")
	subState, _ := getStringProperty(props, "SubState")
	description, _ := getStringProperty(props, "Description")
	fileState, _ := getStringProperty(props, "UnitFileState")
	fragment, _ := getStringProperty(props, "FragmentPath")

	st := &UnitStatus{
		Name:        unit,
		Active:      activeState,
		SubState:    subState,
		LoadState:   loadState,
		Description: description,
		Enabled:     fileState == "enabled",
		Fragment:    fragment,
		ActiveSince: parseTimestamp(props, "ActiveEnterTimestamp"),
	}

	if strings.HasSuffix(unit, ".timer") {
		tprops, terr := conn.GetUnitTypePropertiesContext(ctx, unit, "Timer")
		if terr == nil {
			st.NextElapse = parseTimestamp(tprops, "NextElapseUSecRealtime")
			st.LastTrigger = parseTimestamp(tprops, "LastTriggerUSec")
		}
	}
	return st, nil
}
