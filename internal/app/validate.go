package app

import (
	"fmt"
	"os"

	"sessiondb/pkg/config"
)

// validateConfig fails fast on settings the server cannot run without.
func validateConfig(eff config.EffectiveConfigResult) error {
	if eff.DBPath == "" {
		return fmt.Errorf("database path required: pass --db, set SESSIONDB_DB_PATH, or set server.db_path in the config file")
	}

	cert := eff.Config.Server.TLS.CertFile
	key := eff.Config.Server.TLS.KeyFile
	if (cert == "") != (key == "") {
		return fmt.Errorf("tls requires both cert_file and key_file")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert_file: %w", err)
		}
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("tls key_file: %w", err)
		}
	}

	if eff.Config.Reconcile.QueueSize < 0 {
		return fmt.Errorf("reconcile.queue_size must not be negative")
	}
	return nil
}
