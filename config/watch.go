package config

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes each valid
// result to onChange. Bursts of events collapse into one reload; invalid
// files are logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, log zerolog.Logger, onChange func(*Config)) error {
	log = log.With().Str("component", "config").Logger()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory so replace-by-rename saves are seen.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	log.Info().Str("path", abs).Msg("Watching config for changes")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				log.Warn().Err(err).Msg("Ignoring invalid config change")
				continue
			}
			log.Info().Msg("Config reloaded")
			onChange(cfg)
		}
	}
}

// FixedFieldsChanged lists settings that differ between old and next but only
// take effect on restart.
func FixedFieldsChanged(old, next *Config) []string {
	var changed []string
	if old.MainServer != next.MainServer {
		changed = append(changed, "main_server")
	}
	if old.LinkAddr() != next.LinkAddr() {
		changed = append(changed, "main_server_host/port")
	}
	if old.MainServerPassword != next.MainServerPassword {
		changed = append(changed, "main_server_password")
	}
	if old.QQBotEnabled != next.QQBotEnabled || old.GatewayAddr() != next.GatewayAddr() {
		changed = append(changed, "onebot gateway")
	}
	if !slices.Equal(old.QQGroupID, next.QQGroupID) {
		changed = append(changed, "qq_group_id")
	}
	if old.MCServerName != next.MCServerName {
		changed = append(changed, "mc_server_name")
	}
	return changed
}
