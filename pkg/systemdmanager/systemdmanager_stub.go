//go:build !linux

package systemdmanager

import (
	"context"
)

type UnitManager struct{}

func NewUnitManagerContext(ctx context.Context) (*UnitManager, error) {
	return nil, ErrUnsupported
}

func (m *UnitManager) Close() error {
	return nil
}

func (m *UnitManager) ReloadContext(ctx context.Context) error {
	return ErrUnsupported
}

func (m *UnitManager) EnableContext(ctx context.Context, u string) error {
	return ErrUnsupported
}

func (m *UnitManager) DisableContext(ctx context.Context, u string) error {
	return ErrUnsupported
}

func (m *UnitManager) StartContext(ctx context.Context, u string) error {
	return ErrUnsupported
}

func (m *UnitManager) StopContext(ctx context.Context, u string) error {
	return ErrUnsupported
}

func (m *UnitManager) UnitStatusContext(ctx context.Context, unit string) (*UnitStatus, error) {
	return &UnitStatus{Name: unit, Active: "unknown", SubState: "unsupported", LoadState: "unsupported"}, nil
}
