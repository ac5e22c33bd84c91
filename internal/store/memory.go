package store

import (
	"fmt"
	"sync"
)

// MemStore is an in-process Store. Records are copied on the way in and out so
// callers never share memory with the store.
type MemStore struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{devices: make(map[string]*Device)}
}

func (m *MemStore) SaveDevice(dev *Device) error {
	if dev == nil || dev.Token == "" {
		return fmt.Errorf("save device: token is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.Token] = copyDevice(dev)
	return nil
}

func (m *MemStore) GetDevice(token string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[token]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", token, ErrNotFound)
	}
	return copyDevice(d), nil
}

func (m *MemStore) DeleteDevice(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, token)
	return nil
}

func (m *MemStore) ListDevices() ([]*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		list = append(list, copyDevice(d))
	}
	return list, nil
}

func (m *MemStore) UpdateDevice(token string, fn func(dev *Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[token]
	if !ok {
		return fmt.Errorf("device %s: %w", token, ErrNotFound)
	}
	c := copyDevice(d)
	if err := fn(c); err != nil {
		return err
	}
	c.Token = token
	m.devices[token] = c
	return nil
}

func (m *MemStore) Close() error { return nil }

func copyDevice(d *Device) *Device {
	c := *d
	c.DeviceInfo = d.DeviceInfo.Clone()
	return &c
}
