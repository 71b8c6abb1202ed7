package api

import (
	"encoding/json"
	"errors"
	"time"

	"tuyalink/device"
	"tuyalink/scanner"
	"tuyalink/wire"
)

// RegistryBackend adapts scanner.Registry to the Backend interface.
type RegistryBackend struct {
	registry *scanner.Registry
	// commandWait bounds how long SendCommand blocks. The session's own
	// timeout resolves every command within its deadline, so this only
	// guards against a wedged session.
	commandWait time.Duration
}

// NewRegistryBackend wraps registry. commandTimeout should match the device
// sessions' configured command timeout.
func NewRegistryBackend(registry *scanner.Registry, commandTimeout time.Duration) *RegistryBackend {
	if commandTimeout <= 0 {
		commandTimeout = device.DefaultCommandTimeout
	}
	return &RegistryBackend{
		registry:    registry,
		commandWait: commandTimeout + 2*time.Second,
	}
}

func deviceInfo(d *device.Device) DeviceInfo {
	info := DeviceInfo{
		IP:        d.IP,
		Name:      d.Name,
		State:     d.State().String(),
		Connected: d.IsConnected(),
	}
	if dps := d.DPs(); dps.Len() > 0 {
		if raw, err := dps.MarshalJSON(); err == nil {
			info.DPs = raw
		}
	}
	return info
}

// Devices implements Backend.
func (b *RegistryBackend) Devices() []DeviceInfo {
	var out []DeviceInfo
	for _, ip := range b.registry.KnownDevices() {
		if d, ok := b.registry.GetDevice(ip); ok {
			out = append(out, deviceInfo(d))
		}
	}
	return out
}

// Device implements Backend.
func (b *RegistryBackend) Device(ip string) (DeviceInfo, bool) {
	d, ok := b.registry.GetDevice(ip)
	if !ok {
		return DeviceInfo{}, false
	}
	return deviceInfo(d), true
}

// SendCommand implements Backend. It is safe to call from the HTTP
// goroutine: command submission is the sanctioned cross-thread send, and
// the completion callback runs on the reactor thread feeding the channel.
func (b *RegistryBackend) SendCommand(ip string, cmd uint32, data json.RawMessage) (json.RawMessage, error) {
	d, ok := b.registry.GetDevice(ip)
	if !ok {
		return nil, ErrUnknownDevice
	}

	payload := wire.Null
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, errors.New("api: invalid command data")
		}
	}

	ch, err := d.SendCommandChan(wire.Command(cmd), payload)
	if err != nil {
		return nil, err
	}

	select {
	case res, open := <-ch:
		if !open {
			return nil, errors.New("api: command aborted")
		}
		if res.Status != device.CommandOK {
			return nil, errors.New("api: device disconnected")
		}
		return res.Data.Raw(), nil
	case <-time.After(b.commandWait):
		return nil, errors.New("api: command timed out")
	}
}
