package session

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/chaz8081/clocklink/internal/ble/protocol"
)

// Settings are the user preferences the session pushes to the clock.
type Settings struct {
	AutoSync         bool   `json:"auto_sync"`
	SelectedFont     int    `json:"selected_font"`
	BuzzerEnabled    bool   `json:"buzzer_enabled"`
	BuzzerVolume     int    `json:"buzzer_volume"`
	SelectedRingtone string `json:"selected_ringtone"`
}

// DefaultSettings returns the settings of a fresh install.
func DefaultSettings() Settings {
	return Settings{
		AutoSync:         true,
		SelectedFont:     0,
		BuzzerEnabled:    true,
		BuzzerVolume:     100,
		SelectedRingtone: "Nokia",
	}
}

// SettingsStore is a string key-value store.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

const (
	keyAutoSync         = "auto_sync"
	keySelectedFont     = "selected_font"
	keyBuzzerEnabled    = "buzzer_enabled"
	keyBuzzerVolume     = "buzzer_volume"
	keySelectedRingtone = "selected_ringtone"
)

// LoadSettings reads settings from store. Missing keys keep their default;
// unreadable or malformed values are logged and replaced by the default.
func LoadSettings(ctx context.Context, store SettingsStore, logger *slog.Logger) Settings {
	s := DefaultSettings()
	if store == nil {
		return s
	}
	if logger == nil {
		logger = slog.Default()
	}

	get := func(key string) (string, bool) {
		v, ok, err := store.Get(ctx, key)
		if err != nil {
			logger.Warn("reading setting failed, using default", "key", key, "kind", KindStorageCorrupt, "error", err)
			return "", false
		}
		return v, ok
	}
	corrupt := func(key, v string) {
		logger.Warn("malformed setting, using default", "key", key, "value", v, "kind", KindStorageCorrupt)
	}

	if v, ok := get(keyAutoSync); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.AutoSync = b
		} else {
			corrupt(keyAutoSync, v)
		}
	}
	if v, ok := get(keySelectedFont); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			s.SelectedFont = n
		} else {
			corrupt(keySelectedFont, v)
		}
	}
	if v, ok := get(keyBuzzerEnabled); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.BuzzerEnabled = b
		} else {
			corrupt(keyBuzzerEnabled, v)
		}
	}
	if v, ok := get(keyBuzzerVolume); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.BuzzerVolume = protocol.ClampVolume(n)
		} else {
			corrupt(keyBuzzerVolume, v)
		}
	}
	if v, ok := get(keySelectedRingtone); ok && v != "" {
		s.SelectedRingtone = v
	}
	return s
}

// persistSetting writes one key; failures are logged, the in-memory value
// stays in effect.
func persistSetting(ctx context.Context, store SettingsStore, logger *slog.Logger, key, value string) {
	if store == nil {
		return
	}
	if err := store.Set(ctx, key, value); err != nil {
		logger.Error("saving setting failed", "key", key, "error", err)
	}
}
