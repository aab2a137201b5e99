package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
	"github.com/dmitrijs2005/gophsync/internal/timex"
)

// JsonConfig is the on-disk shape of the server configuration. Durations
// use timex.Duration so both "90m" and integer nanoseconds are accepted.
// Absent keys leave the corresponding Config field untouched.
type JsonConfig struct {
	EndpointAddr          *string         `json:"endpoint_addr"`
	ReplicationAddr       *string         `json:"replication_addr"`
	Backend               *string         `json:"backend"`
	DatabaseDSN           *string         `json:"database_dsn"`
	BadgerPath            *string         `json:"badger_path"`
	SecretKey             *string         `json:"secret_key"`
	TokenValidityDuration *timex.Duration `json:"token_validity_duration"`
	RateLimit             *float64        `json:"rate_limit"`
	RateBurst             *int            `json:"rate_burst"`
	MaxFrameSize          *int            `json:"max_frame_size"`
	InstanceID            *string         `json:"instance_id"`
	Peers                 []string        `json:"peers"`
	S3Bucket              *string         `json:"s3_bucket"`
	S3Region              *string         `json:"s3_region"`
	S3BaseEndpoint        *string         `json:"s3_base_endpoint"`
	S3AccessKey           *string         `json:"s3_access_key"`
	S3SecretKey           *string         `json:"s3_secret_key"`
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// parseJson overlays the file named by -c/-config onto config. Without the
// flag nothing is loaded; an unreadable or invalid file panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	set(&config.EndpointAddr, c.EndpointAddr)
	set(&config.ReplicationAddr, c.ReplicationAddr)
	set(&config.Backend, c.Backend)
	set(&config.DatabaseDSN, c.DatabaseDSN)
	set(&config.BadgerPath, c.BadgerPath)
	set(&config.SecretKey, c.SecretKey)
	if c.TokenValidityDuration != nil {
		config.TokenValidityDuration = c.TokenValidityDuration.Duration
	}
	set(&config.RateLimit, c.RateLimit)
	set(&config.RateBurst, c.RateBurst)
	set(&config.MaxFrameSize, c.MaxFrameSize)
	set(&config.InstanceID, c.InstanceID)
	if c.Peers != nil {
		config.Peers = c.Peers
	}
	set(&config.S3Bucket, c.S3Bucket)
	set(&config.S3Region, c.S3Region)
	set(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	set(&config.S3AccessKey, c.S3AccessKey)
	set(&config.S3SecretKey, c.S3SecretKey)
}
