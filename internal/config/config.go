// Package config persists the server's and client's device-identity
// state to "<dir>/.syn_config.json".
//
// Reuses internal/store's DiskStore rather than rolling its own
// write-then-rename logic: config.json and an offline operation-log
// entry are the same kind of artifact (small, rarely written, must never
// be read half-written), so the atomic-replace DiskStore used for the
// log covers this one too.
package config

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/nicolagi/syncd/internal/store"
)

const fileName store.Key = ".syn_config.json"

// ServerConfig is the server's persisted device-identity registry: a
// monotone max device id plus the set of device ids issued so far.
type ServerConfig struct {
	MaxDeviceID int   `json:"maxDeviceId"`
	DeviceIDs   []int `json:"deviceIds"`
}

// ClientConfig is the client's persisted device id.
type ClientConfig struct {
	DeviceID int `json:"deviceId"`
}

// LoadServerConfig reads dir's config file, returning a zero-valued
// ServerConfig (no ids issued yet) if it does not exist.
func LoadServerConfig(dir string) (*ServerConfig, error) {
	var c ServerConfig
	if err := load(dir, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveServerConfig persists c to dir's config file.
func SaveServerConfig(dir string, c *ServerConfig) error {
	return save(dir, c)
}

// LoadClientConfig reads dir's config file, returning a zero-valued
// ClientConfig (device id 0, meaning "not yet assigned") if it does not
// exist.
func LoadClientConfig(dir string) (*ClientConfig, error) {
	var c ClientConfig
	if err := load(dir, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveClientConfig persists c to dir's config file.
func SaveClientConfig(dir string, c *ClientConfig) error {
	return save(dir, c)
}

func load(dir string, dst interface{}) error {
	v, err := store.NewDiskStore(dir).Get(fileName)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "config: reading")
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return errors.Wrap(err, "config: decoding")
	}
	return nil
}

func save(dir string, src interface{}) error {
	b, err := json.Marshal(src)
	if err != nil {
		return errors.Wrap(err, "config: encoding")
	}
	return store.NewDiskStore(dir).Put(fileName, b)
}

// Register allocates a fresh device id: max device id + 1. The caller
// is responsible for persisting the config afterwards.
func (c *ServerConfig) Register() int {
	c.MaxDeviceID++
	c.DeviceIDs = append(c.DeviceIDs, c.MaxDeviceID)
	return c.MaxDeviceID
}

// Has reports whether id was previously issued.
func (c *ServerConfig) Has(id int) bool {
	for _, d := range c.DeviceIDs {
		if d == id {
			return true
		}
	}
	return false
}
