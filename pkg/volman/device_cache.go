package volman

import (
	"fmt"
	"strings"
	"sync"
)

// DeviceCache maps policy ids to the device instances returned by the latest enumeration,
// so that a routing query (which only yields an id) resolves to the same *Device
// the controller holds in its device list
type DeviceCache struct {
	m    map[string]*Device
	lock sync.Locker
}

func newDeviceCache() *DeviceCache {
	return &DeviceCache{
		m:    make(map[string]*Device),
		lock: &sync.Mutex{},
	}
}

// Store inserts device, overwriting any instance previously cached under the same id
func (c *DeviceCache) Store(device *Device) *Device {
	if device == nil || device.IsDefault() {
		return device
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.m[cacheKey(device.PolicyID())] = device

	return device
}

// Lookup resolves a policy id (or a bare device id) to a cached device
func (c *DeviceCache) Lookup(id string) (*Device, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if device, ok := c.m[cacheKey(id)]; ok {
		return device, true
	}

	// bare ids don't carry their flow, so try both wrappings
	bare := deviceIDFromPolicyID(id)
	for _, flow := range []DeviceFlow{FlowOutput, FlowInput} {
		probe := &Device{ID: bare, Flow: flow}
		if device, ok := c.m[cacheKey(probe.PolicyID())]; ok {
			return device, true
		}
	}

	return nil, false
}

func (c *DeviceCache) String() string {
	c.lock.Lock()
	defer c.lock.Unlock()

	return fmt.Sprintf("<%d cached devices>", len(c.m))
}

func cacheKey(id string) string {
	return strings.ToLower(id)
}
