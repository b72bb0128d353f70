package config

import (
	"flag"
	"fmt"
	"net"
	"time"
)

type Cli struct {
	HTTPAddress string
	PromPort    int

	DatabaseURL string
	RedisURL    string
	SecretKey   string

	S3Endpoint              string
	S3AccessKey             string
	S3SecretKey             string
	S3Bucket                string
	S3PresignEndpointLocal  string
	S3PresignEndpointRemote string
	S3PresignExpiry         time.Duration
	S3PresignRegion         string
	S3PoolMaxSize           int
	S3ConnectTimeout        time.Duration
	S3ReadTimeout           time.Duration
	S3TotalRetries          int
	S3BackoffFactor         float64

	WorkerConcurrency int
	JobTimeout        time.Duration
	ScratchDir        string
	FFmpegPath        string
	BatteryPath       string
}

// Validate checks that all required settings were supplied. Everything listed
// here has no sane default and must come from flags or the environment.
func (cli *Cli) Validate() error {
	required := map[string]string{
		"database-url":  cli.DatabaseURL,
		"redis-url":     cli.RedisURL,
		"s3-endpoint":   cli.S3Endpoint,
		"s3-access-key": cli.S3AccessKey,
		"s3-secret-key": cli.S3SecretKey,
		"s3-bucket":     cli.S3Bucket,
		"secret-key":    cli.SecretKey,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("missing required flag: -%s", name)
		}
	}
	return nil
}

// AddrFlag registers a listen-address flag which accepts either a full
// host:port or a bare :port.
func AddrFlag(fs *flag.FlagSet, dest *string, name, value, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return err
		}
		*dest = s
		return nil
	})
}

// SecondsFlag registers an integer flag interpreted as a number of seconds,
// for settings whose environment variables are documented in seconds.
func SecondsFlag(fs *flag.FlagSet, dest *time.Duration, name string, value time.Duration, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		var secs float64
		if _, err := fmt.Sscanf(s, "%g", &secs); err != nil {
			return err
		}
		if secs < 0 {
			return fmt.Errorf("negative duration: %s", s)
		}
		*dest = time.Duration(secs * float64(time.Second))
		return nil
	})
}
