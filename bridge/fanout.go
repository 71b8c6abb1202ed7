package bridge

import (
	"tuyalink/wire"
	"tuyalink/worker"
)

// Fanout multiplexes observer notifications across every registered bridge,
// so the worker façade only ever sees one Observer.
type Fanout struct {
	observers []worker.Observer
}

// NewFanout builds a Fanout over the given observers. A nil entry is skipped.
func NewFanout(observers ...worker.Observer) *Fanout {
	f := &Fanout{}
	for _, o := range observers {
		if o != nil {
			f.observers = append(f.observers, o)
		}
	}
	return f
}

// Len reports the number of registered observers.
func (f *Fanout) Len() int {
	return len(f.observers)
}

// DeviceConnected implements worker.Observer.
func (f *Fanout) DeviceConnected(addr string) {
	for _, o := range f.observers {
		o.DeviceConnected(addr)
	}
}

// DeviceDisconnected implements worker.Observer.
func (f *Fanout) DeviceDisconnected(addr string) {
	for _, o := range f.observers {
		o.DeviceDisconnected(addr)
	}
}

// DeviceDiscovered implements worker.Observer.
func (f *Fanout) DeviceDiscovered(addr string) {
	for _, o := range f.observers {
		o.DeviceDiscovered(addr)
	}
}

// NewDeviceData implements worker.Observer.
func (f *Fanout) NewDeviceData(addr string, data wire.Value) {
	for _, o := range f.observers {
		o.NewDeviceData(addr, data)
	}
}
