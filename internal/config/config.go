// Package config persists the server's durable state: enabled tools,
// capability permissions, sandbox roots and listener settings.
//
// Loading is tolerant per field: each key is decoded independently, so one
// mistyped value falls back to its default without discarding the rest of
// the file. Hand-edited files may carry comments and trailing commas; they
// are stripped before decoding.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"

	"github.com/codefionn/mcpserve/internal/logger"
)

// Permissions is the fixed set of capability flags consulted by tool
// handlers. The server core only stores and exposes them.
type Permissions struct {
	AllowReadFiles        bool `json:"allowReadFiles"`
	AllowWriteFiles       bool `json:"allowWriteFiles"`
	AllowDeleteFiles      bool `json:"allowDeleteFiles"`
	AllowRenameFiles      bool `json:"allowRenameFiles"`
	AllowCreateDirs       bool `json:"allowCreateDirs"`
	AllowSearchDirs       bool `json:"allowSearchDirs"`
	AllowExec             bool `json:"allowExec"`
	AllowNetworkAccess    bool `json:"allowNetworkAccess"`
	AllowExternalStorage  bool `json:"allowExternalStorage"`
	AllowChangeAttributes bool `json:"allowChangeAttributes"`
	AllowIPC              bool `json:"allowIPC"`
}

// Config is the persisted server configuration.
type Config struct {
	EnabledTools      []string    `json:"enabledTools"`
	Permissions       Permissions `json:"permissions"`
	SandboxRoots      []string    `json:"sandboxRoots"`
	ServerPort        uint16      `json:"serverPort" validate:"gt=0"`
	BindAllInterfaces bool        `json:"bindAllInterfaces"`
	MaxLogSizeMB      int         `json:"maxLogSizeMB" validate:"gt=0"`
	WSPathPrefix      string      `json:"ws_path_prefix" validate:"startswith=/"`
	UseTLS            bool        `json:"use_tls"`
	TLSCertPath       string      `json:"tls_cert_path"`
	TLSKeyPath        string      `json:"tls_key_path"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		EnabledTools: []string{},
		SandboxRoots: []string{},
		ServerPort:   5000,
		MaxLogSizeMB: 10,
		WSPathPrefix: "/mcp",
	}
}

// NormalizePathPrefix forces a leading slash and strips a trailing one
// unless the prefix is exactly "/".
func NormalizePathPrefix(prefix string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimSuffix(prefix, "/")
	}
	return prefix
}

var validate = validator.New()

// Load reads the configuration at path. It always returns a usable Config;
// the boolean reports whether loading succeeded. A missing or empty file is
// a success (defaults); unreadable or unparsable content is a failure
// (defaults); individually malformed fields fall back one by one.
func Load(path string) (Config, bool) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, true
	}
	if err != nil {
		logger.Warn("Config load failed for %s: %v; using defaults", path, err)
		return cfg, false
	}
	if len(raw) == 0 {
		return cfg, true
	}

	doc := jsonc.ToJSON(raw)
	if !gjson.ValidBytes(doc) {
		logger.Warn("Config %s is not valid JSON; using defaults", path)
		return cfg, false
	}
	root := gjson.ParseBytes(doc)
	if !root.IsObject() {
		logger.Warn("Config %s root is not a JSON object; using defaults", path)
		return cfg, false
	}

	decodeFields(root, &cfg)
	applyValidation(&cfg)
	return cfg, true
}

// decodeFields copies every recognized, correctly typed field from root
// into cfg, leaving defaults in place otherwise.
func decodeFields(root gjson.Result, cfg *Config) {
	if v := root.Get("enabledTools"); v.Exists() {
		if v.IsArray() {
			cfg.EnabledTools = stringSliceOf(v)
		} else {
			logger.Warn("Config field 'enabledTools' is not an array; using default")
		}
	}

	if v := root.Get("sandboxRoots"); v.Exists() {
		if v.IsArray() {
			cfg.SandboxRoots = stringSliceOf(v)
		} else {
			logger.Warn("Config field 'sandboxRoots' is not an array; using default")
		}
	}

	if v := root.Get("permissions"); v.Exists() {
		if v.IsObject() {
			decodePermissions(v, &cfg.Permissions)
		} else {
			logger.Warn("Config field 'permissions' is not an object; using default")
		}
	}

	if v := root.Get("serverPort"); exists(v, gjson.Number) {
		port := v.Int()
		if port >= 0 && port <= 65535 {
			cfg.ServerPort = uint16(port)
		}
	}
	if v := root.Get("bindAllInterfaces"); isBool(v) {
		cfg.BindAllInterfaces = v.Bool()
	}
	if v := root.Get("maxLogSizeMB"); exists(v, gjson.Number) {
		cfg.MaxLogSizeMB = int(v.Int())
	}
	if v := root.Get("ws_path_prefix"); exists(v, gjson.String) {
		cfg.WSPathPrefix = v.String()
	}
	if v := root.Get("use_tls"); isBool(v) {
		cfg.UseTLS = v.Bool()
	}
	if v := root.Get("tls_cert_path"); exists(v, gjson.String) {
		cfg.TLSCertPath = v.String()
	}
	if v := root.Get("tls_key_path"); exists(v, gjson.String) {
		cfg.TLSKeyPath = v.String()
	}
}

func decodePermissions(v gjson.Result, p *Permissions) {
	flags := map[string]*bool{
		"allowReadFiles":        &p.AllowReadFiles,
		"allowWriteFiles":       &p.AllowWriteFiles,
		"allowDeleteFiles":      &p.AllowDeleteFiles,
		"allowRenameFiles":      &p.AllowRenameFiles,
		"allowCreateDirs":       &p.AllowCreateDirs,
		"allowSearchDirs":       &p.AllowSearchDirs,
		"allowExec":             &p.AllowExec,
		"allowNetworkAccess":    &p.AllowNetworkAccess,
		"allowExternalStorage":  &p.AllowExternalStorage,
		"allowChangeAttributes": &p.AllowChangeAttributes,
		"allowIPC":              &p.AllowIPC,
	}
	for key, target := range flags {
		if f := v.Get(key); isBool(f) {
			*target = f.Bool()
		}
	}
}

// applyValidation resets any field that fails its struct tag back to the
// default, field by field.
func applyValidation(cfg *Config) {
	err := validate.Struct(cfg)
	if err == nil {
		// Trailing-slash cleanup is outside the tags.
		cfg.WSPathPrefix = NormalizePathPrefix(cfg.WSPathPrefix)
		return
	}
	defaults := Default()
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		*cfg = defaults
		return
	}
	for _, fe := range fieldErrs {
		switch fe.StructField() {
		case "ServerPort":
			logger.Warn("Config serverPort %d invalid; reset to %d", cfg.ServerPort, defaults.ServerPort)
			cfg.ServerPort = defaults.ServerPort
		case "MaxLogSizeMB":
			logger.Warn("Config maxLogSizeMB %d invalid; reset to %d", cfg.MaxLogSizeMB, defaults.MaxLogSizeMB)
			cfg.MaxLogSizeMB = defaults.MaxLogSizeMB
		case "WSPathPrefix":
			logger.Warn("Config ws_path_prefix %q invalid; reset to %q", cfg.WSPathPrefix, defaults.WSPathPrefix)
			cfg.WSPathPrefix = defaults.WSPathPrefix
		}
	}
	cfg.WSPathPrefix = NormalizePathPrefix(cfg.WSPathPrefix)
}

// Save writes cfg pretty-printed to path, creating the parent directory if
// needed. The write goes to a temp file in the same directory which is then
// renamed over the target. On POSIX the file mode is tightened to 0600; a
// chmod failure is only a warning.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o600); err != nil {
			logger.Warn("chmod 0600 failed for %s: %v", path, err)
		}
	}
	return nil
}

func stringSliceOf(v gjson.Result) []string {
	out := []string{}
	for _, item := range v.Array() {
		if item.Type == gjson.String {
			out = append(out, item.String())
		}
	}
	return out
}

func exists(v gjson.Result, t gjson.Type) bool {
	return v.Exists() && v.Type == t
}

func isBool(v gjson.Result) bool {
	return v.Type == gjson.True || v.Type == gjson.False
}
