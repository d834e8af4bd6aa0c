// Package config loads the runner configuration.
//
// Configuration is YAML with ${VAR} and ${VAR:-default} environment
// substitution. Loaded files are defaulted and validated before use, and a
// Watcher reloads the file when it changes on disk:
//
//	cfg, err := config.LoadConfig("avacord.yaml")
//	if err != nil {
//	    return err
//	}
//
//	w, err := config.NewWatcher(path, func(cfg *config.Config) {
//	    // apply the live settings
//	})
package config
