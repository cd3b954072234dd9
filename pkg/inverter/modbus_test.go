package inverter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEMSClient is an in-memory register map standing in for the device.
type fakeEMSClient struct {
	regs map[uint16]uint16
}

func newFakeEMSClient() *fakeEMSClient {
	return &fakeEMSClient{regs: make(map[uint16]uint16)}
}

func (f *fakeEMSClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	buf := make([]byte, 2*quantity)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(buf[2*i:], f.regs[address+i])
	}
	return buf, nil
}

func (f *fakeEMSClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.regs[address] = value
	return nil, nil
}

func (f *fakeEMSClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	for i := uint16(0); i < quantity; i++ {
		f.regs[address+i] = binary.BigEndian.Uint16(value[2*i:])
	}
	return nil, nil
}

// unused parts of the modbus client surface
func (f *fakeEMSClient) ReadCoils(address, quantity uint16) ([]byte, error)          { return nil, nil }
func (f *fakeEMSClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) { return nil, nil }
func (f *fakeEMSClient) WriteSingleCoil(address, value uint16) ([]byte, error)       { return nil, nil }
func (f *fakeEMSClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeEMSClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeEMSClient) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeEMSClient) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeEMSClient) ReadFIFOQueue(address uint16) ([]byte, error) { return nil, nil }

func newTestModbus(t *testing.T) (*Modbus, *fakeEMSClient, string) {
	t.Helper()
	cfg := testConfig()
	cfg.Type = "modbus"
	cfg.Address = "127.0.0.1:1502"
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "ems.json")

	m, err := NewModbus(cfg)
	require.NoError(t, err)
	fake := newFakeEMSClient()
	m.client = fake
	m.now = func() time.Time { return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) }
	return m, fake, cfg.SnapshotPath
}

func readSnapshot(t *testing.T, path string) emsSnapshot {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap emsSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func TestModbusReadState(t *testing.T) {
	m, fake, _ := newTestModbus(t)
	fake.regs[regBatterySOC] = 755

	state, err := m.ReadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 75.5, state.SOC)
}

func TestModbusSnapshotAndRestore(t *testing.T) {
	ctx := context.Background()
	m, fake, path := newTestModbus(t)

	// device starts in local self-consumption
	fake.regs[regRemoteEMSEnable] = 0
	fake.regs[regRemoteEMSMode] = 0

	require.NoError(t, m.SetModeAvoidDischarge(ctx))
	assert.Equal(t, uint16(1), fake.regs[regRemoteEMSEnable])
	assert.Equal(t, emsModeHold, fake.regs[regRemoteEMSMode])

	snap := readSnapshot(t, path)
	assert.Equal(t, uint16(0), snap.Enable)
	assert.Equal(t, uint16(0), snap.Mode)

	// later commands must not recapture the now-mutated registers
	require.NoError(t, m.SetModeForceCharge(ctx, 3000))
	snap = readSnapshot(t, path)
	assert.Equal(t, uint16(0), snap.Enable)
	assert.Equal(t, uint16(0), snap.Mode)

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, uint16(0), fake.regs[regRemoteEMSEnable])
	assert.Equal(t, uint16(0), fake.regs[regRemoteEMSMode])
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "snapshot must be removed after restore")
}

func TestModbusSnapshotSurvivesCrash(t *testing.T) {
	ctx := context.Background()
	m, fake, path := newTestModbus(t)

	// a previous run snapshotted the real configuration, programmed the
	// device and crashed without restoring
	prior := emsSnapshot{Enable: 0, Mode: 0, Timestamp: time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)}
	data, err := json.Marshal(prior)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	fake.regs[regRemoteEMSEnable] = 1
	fake.regs[regRemoteEMSMode] = emsModeGridCharge

	require.NoError(t, m.SetModeAllowDischarge(ctx))

	// the file still holds the pre-controller configuration
	snap := readSnapshot(t, path)
	assert.Equal(t, uint16(0), snap.Enable)
	assert.Equal(t, uint16(0), snap.Mode)
	assert.Equal(t, prior.Timestamp, snap.Timestamp)

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, uint16(0), fake.regs[regRemoteEMSEnable])
	assert.Equal(t, uint16(0), fake.regs[regRemoteEMSMode])
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestModbusChargeRateProgrammed(t *testing.T) {
	ctx := context.Background()
	m, fake, _ := newTestModbus(t)

	require.NoError(t, m.SetModeForceCharge(ctx, 4500))
	assert.Equal(t, emsModeGridCharge, fake.regs[regRemoteEMSMode])
	assert.Equal(t, uint16(0), fake.regs[regGridChargeLimit])
	assert.Equal(t, uint16(4500), fake.regs[regGridChargeLimit+1])

	require.NoError(t, m.SetModeLimitPVCharge(ctx, 2000))
	assert.Equal(t, emsModePVChargeLimited, fake.regs[regRemoteEMSMode])
	assert.Equal(t, uint16(2000), fake.regs[regPVChargeLimit+1])
}
