// Package model defines shared configuration and entity structures used to
// initialize the FabHost system. It includes global settings, per-bot
// definitions, the job entity and the USB device descriptor.
package model

// Config represents the root structure loaded from configs/config.yml.
// It contains global settings and the list of controlled bots.
type Config struct {
	Global GlobalConfig `yaml:"global"`
	Bots   []BotConfig  `yaml:"bots"`
}

// GlobalConfig defines shared defaults across the system.
type GlobalConfig struct {
	APIAddr        string `yaml:"api_addr"`         // address for the HTTP/websocket surface (e.g. ":8080")
	CatalogPath    string `yaml:"catalog_path"`     // path of the BoltDB file catalog
	Baud           int    `yaml:"baud"`             // default baud rate for bots that omit one
	Primer         string `yaml:"primer"`           // default priming command sent on channel open
	VirtualDelayMs int    `yaml:"virtual_delay_ms"` // default simulated connect latency for virtual bots
}

// BotConfig defines configuration for a single bot slot, physical or virtual.
type BotConfig struct {
	ID             string `yaml:"id"`
	VendorID       uint16 `yaml:"vendor_id"`  // target USB vendor id (physical bots)
	ProductID      uint16 `yaml:"product_id"` // target USB product id (physical bots)
	Baud           int    `yaml:"baud"`
	Primer         string `yaml:"primer"`           // command sent right after open to reach a known state
	Virtual        bool   `yaml:"virtual"`          // software-only bot, no hardware attached
	ConnectDelayMs int    `yaml:"connect_delay_ms"` // simulated connect latency for virtual bots
	Retries        int    `yaml:"retries"`          // retransmissions before a queued command fails
}
