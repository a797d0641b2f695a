package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/logger"
)

// deviceFile is the on-disk shape of a cached device list
type deviceFile struct {
	CachedAt int64    `json:"cached_at"`
	Devices  []Device `json:"devices"`
}

// DeviceCache persists the discovered device list per account in
// devices_{md5(email)}.json with a single TTL.
type DeviceCache struct {
	dir string
	ttl time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// NewDeviceCache creates a device cache rooted at dir
func NewDeviceCache(dir string, ttl time.Duration) *DeviceCache {
	return &DeviceCache{
		dir: dir,
		ttl: ttl,
		now: time.Now,
	}
}

func (c *DeviceCache) path(email string) string {
	return filepath.Join(c.dir, fmt.Sprintf("devices_%s.json", accountKey(email)))
}

// Get returns the cached device list, or a miss when absent, corrupt or
// older than the TTL.
func (c *DeviceCache) Get(email string) ([]Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path(email))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.LogDebug("Device cache read failed for %s: %v", email, err)
		}
		return nil, false
	}

	var file deviceFile
	if err := json.Unmarshal(data, &file); err != nil {
		logger.LogDebug("Device cache corrupt for %s, treating as miss: %v", email, err)
		return nil, false
	}

	if c.now().Unix()-file.CachedAt > int64(c.ttl.Seconds()) {
		logger.LogDebug("Device cache expired for %s", email)
		return nil, false
	}
	// empty lists are stored but not served; discovery should rerun
	if len(file.Devices) == 0 {
		return nil, false
	}
	return file.Devices, true
}

// Put stores the device list atomically
func (c *DeviceCache) Put(email string, devices []Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	file := deviceFile{
		CachedAt: c.now().Unix(),
		Devices:  devices,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return errors.Persistence("marshal device cache", err).WithAccount(email)
	}
	if err := writeFileAtomic(c.path(email), data); err != nil {
		return errors.Persistence("write device cache", err).WithAccount(email)
	}
	return nil
}

// Invalidate removes the account's device list
func (c *DeviceCache) Invalidate(email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path(email)); err != nil && !os.IsNotExist(err) {
		return errors.Persistence("remove device cache", err).WithAccount(email)
	}
	return nil
}
