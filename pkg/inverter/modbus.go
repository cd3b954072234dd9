package inverter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/batcontrol/batcontrol/pkg/battery"
	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/log"
	"github.com/batcontrol/batcontrol/pkg/types"
	"github.com/goburrow/modbus"
)

// Holding register map of the hybrid inverter's remote EMS interface.
// Values follow the vendor convention: u16 single registers, u32 as two
// registers big-endian.
const (
	regBatterySOC = 30014 // u16, 0.1 %

	regRemoteEMSEnable = 40029 // u16, 0=local, 1=remote
	regRemoteEMSMode   = 40031 // u16, see emsMode values
	regGridChargeLimit = 40032 // u32, W
	regPVChargeLimit   = 40034 // u32, W
)

// Remote EMS mode register values.
const (
	emsModeSelfConsumption uint16 = 0 // battery may discharge into load
	emsModeHold            uint16 = 1 // no discharge
	emsModeGridCharge      uint16 = 2 // charge from grid at regGridChargeLimit
	emsModePVChargeLimited uint16 = 3 // PV charge capped at regPVChargeLimit
)

// Modbus implements Driver over Modbus TCP. Before the first command it
// snapshots the device's EMS registers to a file so Shutdown can hand control
// back exactly as it found it, surviving controller crashes in between.
type Modbus struct {
	spec         battery.Spec
	snapshotPath string

	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
	snapped bool

	now func() time.Time
}

// emsSnapshot is the persisted pre-run device configuration.
type emsSnapshot struct {
	Enable    uint16    `json:"enable"`
	Mode      uint16    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// NewModbus connects to the inverter at cfg.Address. Connection errors
// surface on first use, which the Resilient wrapper turns into a fast
// startup failure.
func NewModbus(cfg config.InverterConfig) (*Modbus, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("modbus inverter address is required")
	}
	handler := modbus.NewTCPClientHandler(cfg.Address)
	handler.SlaveId = byte(cfg.SlaveID)
	handler.Timeout = 5 * time.Second

	return &Modbus{
		spec:         specFromConfig(cfg),
		snapshotPath: cfg.SnapshotPath,
		handler:      handler,
		client:       modbus.NewClient(handler),
		now:          time.Now,
	}, nil
}

// ReadState implements Driver.
func (m *Modbus) ReadState(ctx context.Context) (types.BatteryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := m.client.ReadHoldingRegisters(regBatterySOC, 1)
	if err != nil {
		return types.BatteryState{}, fmt.Errorf("failed to read battery soc: %w", err)
	}
	soc := float64(binary.BigEndian.Uint16(raw)) / 10
	return m.spec.StateAt(m.now(), soc), nil
}

// SetModeAllowDischarge implements Driver.
func (m *Modbus) SetModeAllowDischarge(ctx context.Context) error {
	return m.writeMode(ctx, emsModeSelfConsumption, 0, 0)
}

// SetModeAvoidDischarge implements Driver.
func (m *Modbus) SetModeAvoidDischarge(ctx context.Context) error {
	return m.writeMode(ctx, emsModeHold, 0, 0)
}

// SetModeForceCharge implements Driver.
func (m *Modbus) SetModeForceCharge(ctx context.Context, rateW float64) error {
	return m.writeMode(ctx, emsModeGridCharge, uint32(rateW), 0)
}

// SetModeLimitPVCharge implements Driver.
func (m *Modbus) SetModeLimitPVCharge(ctx context.Context, rateW float64) error {
	return m.writeMode(ctx, emsModePVChargeLimited, 0, uint32(rateW))
}

// writeMode snapshots the device on the first command, then programs the EMS
// registers.
func (m *Modbus) writeMode(ctx context.Context, mode uint16, gridLimitW, pvLimitW uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.snapshotLocked(ctx); err != nil {
		return err
	}

	if _, err := m.client.WriteSingleRegister(regRemoteEMSEnable, 1); err != nil {
		return fmt.Errorf("failed to enable remote ems: %w", err)
	}
	if mode == emsModeGridCharge {
		if err := m.writeU32Locked(regGridChargeLimit, gridLimitW); err != nil {
			return err
		}
	}
	if mode == emsModePVChargeLimited {
		if err := m.writeU32Locked(regPVChargeLimit, pvLimitW); err != nil {
			return err
		}
	}
	if _, err := m.client.WriteSingleRegister(regRemoteEMSMode, mode); err != nil {
		return fmt.Errorf("failed to set ems mode %d: %w", mode, err)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"programmed inverter ems mode",
		slog.Int("mode", int(mode)),
		slog.Uint64("gridLimitW", uint64(gridLimitW)),
		slog.Uint64("pvLimitW", uint64(pvLimitW)),
	)
	return nil
}

func (m *Modbus) writeU32Locked(addr uint16, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	if _, err := m.client.WriteMultipleRegisters(addr, 2, buf); err != nil {
		return fmt.Errorf("failed to write register %d: %w", addr, err)
	}
	return nil
}

// snapshotLocked captures the pre-run EMS configuration once per process and
// persists it so a later Shutdown (or the next run after a crash) can
// restore it. A leftover file from a run that never restored already holds
// the true pre-controller configuration; the registers at that point carry
// whatever that run programmed, so the file must not be recaptured.
func (m *Modbus) snapshotLocked(ctx context.Context) error {
	if m.snapped || m.snapshotPath == "" {
		m.snapped = true
		return nil
	}

	if _, err := os.Stat(m.snapshotPath); err == nil {
		m.snapped = true
		log.Ctx(ctx).WarnContext(
			ctx,
			"keeping ems snapshot from a previous run",
			slog.String("path", m.snapshotPath),
		)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat ems snapshot: %w", err)
	}

	raw, err := m.client.ReadHoldingRegisters(regRemoteEMSEnable, 1)
	if err != nil {
		return fmt.Errorf("failed to read ems enable for snapshot: %w", err)
	}
	enable := binary.BigEndian.Uint16(raw)
	raw, err = m.client.ReadHoldingRegisters(regRemoteEMSMode, 1)
	if err != nil {
		return fmt.Errorf("failed to read ems mode for snapshot: %w", err)
	}
	mode := binary.BigEndian.Uint16(raw)

	snap := emsSnapshot{Enable: enable, Mode: mode, Timestamp: m.now()}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal ems snapshot: %w", err)
	}
	if err := os.WriteFile(m.snapshotPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to persist ems snapshot: %w", err)
	}
	m.snapped = true
	log.Ctx(ctx).InfoContext(
		ctx,
		"captured inverter ems snapshot",
		slog.String("path", m.snapshotPath),
		slog.Int("enable", int(enable)),
		slog.Int("mode", int(mode)),
	)
	return nil
}

// Shutdown implements Driver. It restores the snapshotted EMS configuration
// and closes the connection. The snapshot file is removed only once both
// registers are restored, so a failed restore leaves it for the next run.
func (m *Modbus) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snapshotPath != "" {
		data, err := os.ReadFile(m.snapshotPath)
		if err == nil {
			var snap emsSnapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				restored := true
				if _, err := m.client.WriteSingleRegister(regRemoteEMSMode, snap.Mode); err != nil {
					log.Ctx(ctx).ErrorContext(ctx, "failed to restore ems mode", slog.Any("error", err))
					restored = false
				}
				if _, err := m.client.WriteSingleRegister(regRemoteEMSEnable, snap.Enable); err != nil {
					log.Ctx(ctx).ErrorContext(ctx, "failed to restore ems enable", slog.Any("error", err))
					restored = false
				}
				if restored {
					log.Ctx(ctx).InfoContext(ctx, "restored inverter ems snapshot", slog.String("path", m.snapshotPath))
					if err := os.Remove(m.snapshotPath); err != nil {
						log.Ctx(ctx).WarnContext(ctx, "failed to remove ems snapshot", slog.Any("error", err))
					}
				}
			}
		} else if !os.IsNotExist(err) {
			log.Ctx(ctx).WarnContext(ctx, "failed to read ems snapshot", slog.Any("error", err))
		}
	}
	return m.handler.Close()
}
