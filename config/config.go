// Package config holds the coordinator's process-wide settings: the IST
// receiver's advertised and bound addresses, its TLS mode, and the SST
// submit retry interval. The shape follows the teacher's Config/FillDefaults
// pair — a plain struct with a Default constructor plus a defaulting pass
// that only fills zero-valued fields, so a config loaded from flags or a
// file can leave fields unset and still end up fully populated.
package config

import "time"

// TLSMode configures TLS on the IST channel. Left disabled (Enable=false),
// senders dial and receivers listen in the clear.
type TLSMode struct {
	Enable     bool
	CertFile   string
	KeyFile    string
	CAFile     string
	MinVersion uint16
}

// ISTConfig holds the addresses and transport settings for the IST
// sender/receiver pair.
type ISTConfig struct {
	// RecvAddr is advertised to donors in the IST sub-request.
	RecvAddr string
	// RecvBind is the address actually bound; defaults to RecvAddr.
	RecvBind     string
	SSL          TLSMode
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Linger       time.Duration
}

// SSTConfig holds the joiner's SST submit retry policy.
type SSTConfig struct {
	RetrySec int
}

// GCacheConfig holds the reference GCache implementation's retention
// window.
type GCacheConfig struct {
	Retention int
}

// Config is the coordinator's full process configuration.
type Config struct {
	StateUUID string
	Version   uint8

	// CommitOrderBypass mirrors the replication engine's own commit-order
	// mode: when true, the commit monitor takes no part in donor pinning or
	// post-SST monitor realignment, matching a deployment that has disabled
	// synchronous commit ordering entirely. Off by default.
	CommitOrderBypass bool

	IST    ISTConfig
	SST    SSTConfig
	GCache GCacheConfig
}

// Default returns a Config with every field set to a workable default.
func Default() Config {
	return Config{
		Version: 1,
		IST: ISTConfig{
			DialTimeout:  5 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Second,
			Linger:       2 * time.Second,
		},
		SST: SSTConfig{
			RetrySec: 5,
		},
		GCache: GCacheConfig{
			Retention: 128 << 10,
		},
	}
}

// FillDefaults fills only the zero-valued fields of c, leaving anything the
// caller already set untouched.
func (c *Config) FillDefaults() {
	d := Default()
	if c.Version == 0 {
		c.Version = d.Version
	}
	if c.IST.RecvBind == "" {
		c.IST.RecvBind = c.IST.RecvAddr
	}
	if c.IST.DialTimeout <= 0 {
		c.IST.DialTimeout = d.IST.DialTimeout
	}
	if c.IST.ReadTimeout <= 0 {
		c.IST.ReadTimeout = d.IST.ReadTimeout
	}
	if c.IST.WriteTimeout <= 0 {
		c.IST.WriteTimeout = d.IST.WriteTimeout
	}
	if c.IST.Linger <= 0 {
		c.IST.Linger = d.IST.Linger
	}
	if c.SST.RetrySec <= 0 {
		c.SST.RetrySec = d.SST.RetrySec
	}
	if c.GCache.Retention <= 0 {
		c.GCache.Retention = d.GCache.Retention
	}
}
