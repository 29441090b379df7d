package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"

	"gopkg.in/yaml.v3"
)

const (
	EnvBackendURL      = "PROCTOR_BACKEND_URL"
	EnvBackendToken    = "PROCTOR_BACKEND_TOKEN"
	EnvAdminCredential = "PROCTOR_ADMIN_CREDENTIAL"
)

// ConfigFiles are the base names looked up in the config directory, each as
// .yaml first and .json second.
var ConfigFiles = []string{"server", "security", "webrtc", "backend", "signaling", "monitor"}

func LoadAppConfig(dir string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	var rawServer RawServerConfig
	if err := loadFileInto(dir, "server", &rawServer); err != nil {
		return nil, err
	}
	server, err := rawServer.ToDomain()
	if err != nil {
		return nil, err
	}
	mergeInto(&cfg.Server, server)

	var rawSec RawSecurityConfig
	if err := loadFileInto(dir, "security", &rawSec); err != nil {
		return nil, err
	}
	sec, err := rawSec.ToDomain()
	if err != nil {
		return nil, err
	}
	mergeInto(&cfg.Security, sec)

	var rawWebRTC RawWebRTCConfig
	if err := loadFileInto(dir, "webrtc", &rawWebRTC); err != nil {
		return nil, err
	}
	mergeInto(&cfg.WebRTC, rawWebRTC.ToDomain())

	var rawBackend RawBackendConfig
	if err := loadFileInto(dir, "backend", &rawBackend); err != nil {
		return nil, err
	}
	backend, err := rawBackend.ToDomain()
	if err != nil {
		return nil, err
	}
	mergeInto(&cfg.Backend, backend)

	var rawSignaling RawSignalingConfig
	if err := loadFileInto(dir, "signaling", &rawSignaling); err != nil {
		return nil, err
	}
	signaling, err := rawSignaling.ToDomain()
	if err != nil {
		return nil, err
	}
	mergeInto(&cfg.Signaling, signaling)

	var rawMonitor RawMonitorConfig
	if err := loadFileInto(dir, "monitor", &rawMonitor); err != nil {
		return nil, err
	}
	monitor, err := rawMonitor.ToDomain()
	if err != nil {
		return nil, err
	}
	mergeInto(&cfg.Monitor, monitor)

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *AppConfig) {
	if v, ok := os.LookupEnv(EnvBackendURL); ok && v != "" {
		cfg.Backend.BaseURL = v
	}
	if v, ok := os.LookupEnv(EnvBackendToken); ok {
		cfg.Backend.Token = v
	}
	if v, ok := os.LookupEnv(EnvAdminCredential); ok {
		cfg.Security.AdminCredential = &v
	}
}

func loadFileInto(dir, filenameBase string, target any) error {
	basePath := filepath.Join(dir, filenameBase)

	if f, err := os.Open(basePath + ".yaml"); err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(target); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Warn("config file is empty, using defaults", "file", basePath+".yaml")
				return nil
			}
			return fmt.Errorf("%s.yaml: %w", basePath, err)
		}
		return nil
	}

	if f, err := os.Open(basePath + ".json"); err == nil {
		defer f.Close()
		if err := json.NewDecoder(f).Decode(target); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Warn("config file is empty, using defaults", "file", basePath+".json")
				return nil
			}
			return fmt.Errorf("%s.json: %w", basePath, err)
		}
		return nil
	}

	return nil
}

// mergeInto overlays the non-zero fields of src onto dst.
func mergeInto(dst, src any) {
	dstVal := reflect.ValueOf(dst).Elem()
	srcVal := reflect.ValueOf(src)

	mergeValues(dstVal, srcVal)
}

func mergeValues(dstVal, srcVal reflect.Value) {
	for i := 0; i < srcVal.NumField(); i++ {
		srcField := srcVal.Field(i)
		dstField := dstVal.Field(i)

		switch srcField.Kind() {
		case reflect.Struct:
			mergeValues(dstField, srcField)
		case reflect.Slice:
			if !srcField.IsNil() && srcField.Len() > 0 {
				dstField.Set(srcField)
			}
		case reflect.Pointer:
			if !srcField.IsNil() {
				dstField.Set(srcField)
			}
		default:
			if !srcField.IsZero() {
				dstField.Set(srcField)
			}
		}
	}
}
