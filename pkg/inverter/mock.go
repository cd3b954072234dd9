package inverter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/batcontrol/batcontrol/pkg/battery"
	"github.com/batcontrol/batcontrol/pkg/types"
)

// Mock implements Driver in memory. It backs the "mock" inverter type for
// dry runs and every test that needs an inverter.
type Mock struct {
	mu   sync.Mutex
	spec battery.Spec
	soc  float64

	lastMode   types.Mode
	lastRateW  float64
	writes     int
	shutdowns  int
	failReads  bool
	failWrites bool

	now func() time.Time
}

// NewMock returns a mock battery at 50% SOC.
func NewMock(spec battery.Spec) *Mock {
	return &Mock{
		spec: spec,
		soc:  50,
		now:  time.Now,
	}
}

// SetSOC sets the simulated state of charge.
func (m *Mock) SetSOC(soc float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.soc = soc
}

// FailReads makes subsequent reads fail when v is true.
func (m *Mock) FailReads(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = v
}

// FailWrites makes subsequent writes fail when v is true.
func (m *Mock) FailWrites(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = v
}

// LastCommand returns the last commanded mode and rate.
func (m *Mock) LastCommand() (types.Mode, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMode, m.lastRateW
}

// Writes returns how many mode commands succeeded.
func (m *Mock) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Shutdowns returns how many times Shutdown was called.
func (m *Mock) Shutdowns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdowns
}

// ReadState implements Driver.
func (m *Mock) ReadState(ctx context.Context) (types.BatteryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return types.BatteryState{}, fmt.Errorf("mock read failure")
	}
	return m.spec.StateAt(m.now(), m.soc), nil
}

func (m *Mock) write(mode types.Mode, rateW float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return fmt.Errorf("mock write failure")
	}
	m.lastMode = mode
	m.lastRateW = rateW
	m.writes++
	return nil
}

// SetModeAllowDischarge implements Driver.
func (m *Mock) SetModeAllowDischarge(ctx context.Context) error {
	return m.write(types.ModeAllowDischarge, 0)
}

// SetModeAvoidDischarge implements Driver.
func (m *Mock) SetModeAvoidDischarge(ctx context.Context) error {
	return m.write(types.ModeAvoidDischarge, 0)
}

// SetModeForceCharge implements Driver.
func (m *Mock) SetModeForceCharge(ctx context.Context, rateW float64) error {
	return m.write(types.ModeForceCharge, rateW)
}

// SetModeLimitPVCharge implements Driver.
func (m *Mock) SetModeLimitPVCharge(ctx context.Context, rateW float64) error {
	return m.write(types.ModeLimitPVCharge, rateW)
}

// Shutdown implements Driver.
func (m *Mock) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
	return nil
}
