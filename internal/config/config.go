// Package config collects the environment-driven settings shared by every
// tracksrv subcommand, and the on-disk device configuration store consulted
// by the termconfig responder.
package config

import (
	"fmt"
	"os"
)

// Settings holds the addresses and file paths every component reads at
// startup. All fields have workable defaults so a bare `tracksrv <cmd>`
// runs against a single machine without any environment set up.
type Settings struct {
	// CollectorPublishAddr is where the collector binds its publish
	// (fan-out) socket; other components connect to it as subscribers.
	CollectorPublishAddr string
	// CollectorPullAddr is where the collector binds its pull (fan-in)
	// socket; other components connect to it as pushers.
	CollectorPullAddr string
	// CollectorListenAddr is the TCP address the collector accepts
	// tracker connections on.
	CollectorListenAddr string

	// RectifierPublishAddr is where the rectifier republishes resolved
	// coordinates, consumed in turn by storage and the ws gateway.
	RectifierPublishAddr string

	StorageDSN          string
	StorageRecordEvents bool

	// RectifierBackend selects the Backend implementation that
	// rectifierBackend in cmd/tracksrv wires up: "opencellid" (default)
	// or "googlemaps".
	RectifierBackend string
	OpenCellIDDBPath string
	// GoogleMapsAPIKey is the path of the file holding the Google
	// Geolocation API key; it is handed to googlemaps.New as tokenPath.
	GoogleMapsAPIKey string

	WSGatewayAddr string
	HTMLFile      string

	DeviceConfigPath string

	LogHTTP bool
}

// LoadSettings builds a Settings from the process environment, falling
// back to development-friendly defaults. Call godotenv.Load() before this
// if a .env file should be honored.
func LoadSettings() *Settings {
	return &Settings{
		CollectorPublishAddr: getEnv("COLLECTOR_PUBLISH_ADDR", "tcp://127.0.0.1:8884"),
		CollectorPullAddr:    getEnv("COLLECTOR_PULL_ADDR", "tcp://127.0.0.1:8885"),
		CollectorListenAddr:  getEnv("COLLECTOR_LISTEN_ADDR", ":5023"),

		RectifierPublishAddr: getEnv("RECTIFIER_PUBLISH_ADDR", "tcp://127.0.0.1:8886"),

		StorageDSN:          getEnv("STORAGE_DSN", "tracksrv.sqlite"),
		StorageRecordEvents: getEnv("STORAGE_EVENTS", "true") == "true",

		RectifierBackend: getEnv("RECTIFIER_BACKEND", "opencellid"),
		OpenCellIDDBPath: getEnv("OPENCELLID_DB_PATH", "opencellid.sqlite"),
		GoogleMapsAPIKey: getEnv("GOOGLE_MAPS_API_KEY", ""),

		WSGatewayAddr: getEnv("WSGATEWAY_ADDR", ":8080"),
		HTMLFile:      getEnv("WSGATEWAY_HTML", "web/index.html"),

		DeviceConfigPath: getEnv("DEVICE_CONFIG_PATH", "devices.yaml"),

		LogHTTP: getEnv("LOG_HTTP", "") == "true",
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate reports a descriptive error for settings combinations that
// can't possibly work, rather than failing later inside a goroutine.
func (s *Settings) Validate() error {
	if s.CollectorListenAddr == "" {
		return fmt.Errorf("config: COLLECTOR_LISTEN_ADDR must not be empty")
	}
	if s.StorageDSN == "" {
		return fmt.Errorf("config: STORAGE_DSN must not be empty")
	}
	return nil
}
