package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/skrifle/dyndns"
)

type config struct {
	ZoneName        string `envconfig:"ZONE_NAME" required:"true"`
	ZoneDNSName     string `envconfig:"ZONE_DNS_NAME" required:"true"`
	APIURL          string `envconfig:"DYN_DNS_API_URL" required:"true"`
	Hostname        string `envconfig:"HOSTNAME" required:"true"`
	CredentialsFile string `envconfig:"GOOGLE_APPLICATION_CREDENTIALS" required:"true"`
	RecordTTLSec    int    `envconfig:"DNS_RECORD_DEFAULT_TTL" default:"300"`
	IntervalSec     int    `envconfig:"PUBLIC_IP_CHECK_INTERVAL_SEC" default:"300"`
	PIDFilePath     string `envconfig:"PID_FILE_PATH"`
}

// loadConfig reads the environment, preferring a .env file in the working
// directory when one exists.
func loadConfig() (config, error) {
	var cfg config
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return cfg, fmt.Errorf("error loading .env file: %w", err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("error reading configuration from environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg config) validate() error {
	if cfg.RecordTTLSec <= 0 {
		return fmt.Errorf("DNS_RECORD_DEFAULT_TTL must be positive; got %d", cfg.RecordTTLSec)
	}
	if cfg.IntervalSec <= 0 {
		return fmt.Errorf("PUBLIC_IP_CHECK_INTERVAL_SEC must be positive; got %d", cfg.IntervalSec)
	}
	info, err := os.Stat(cfg.CredentialsFile)
	if err != nil {
		return fmt.Errorf("path to Google Cloud credentials doesn't exist or is not readable: %q: %w", cfg.CredentialsFile, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("path to Google Cloud credentials is not a regular file: %q", cfg.CredentialsFile)
	}
	return nil
}

func (cfg config) recordConfig() dyndns.RecordConfig {
	return dyndns.RecordConfig{
		ZoneName:        cfg.ZoneName,
		ZoneDNSName:     cfg.ZoneDNSName,
		Hostname:        cfg.Hostname,
		FunctionURL:     cfg.APIURL,
		RecordTTL:       cfg.RecordTTLSec,
		CheckInterval:   time.Duration(cfg.IntervalSec) * time.Second,
		CredentialsFile: cfg.CredentialsFile,
	}
}
