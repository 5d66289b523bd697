package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// envSeparator splits environment variable names into config paths, e.g.
// DATABASE__POOL_SIZE -> database.pool_size.
const envSeparator = "__"

// defaultEnvironment applies when ENVIRONMENT is unset.
const defaultEnvironment = "development"

// Resolver layers configuration from a directory of YAML files plus the
// process environment. Missing files are skipped; everything else that is
// wrong is reported together in one ValidationError.
type Resolver struct {
	Dir         string
	Environment string

	// EnvOverrides records the paths the process environment overrode on
	// the last Load, keyed by dotted path.
	EnvOverrides map[string]string
}

// NewResolver creates a resolver over the given config directory.
func NewResolver(dir string) *Resolver {
	return &Resolver{Dir: dir, EnvOverrides: map[string]string{}}
}

// Load resolves the configuration: built-in defaults, then default.yaml,
// then <environment>.yaml, then environment variables. Secrets are spliced
// separately once a secret source exists (see SpliceSecrets).
func (r *Resolver) Load() (*Config, error) {
	// A local .env is a developer convenience, never required.
	_ = godotenv.Load()

	environment := strings.TrimSpace(os.Getenv("ENVIRONMENT"))
	if environment == "" {
		environment = defaultEnvironment
	}
	r.Environment = environment

	cfg := Default()
	cfg.Environment = environment

	verr := &ValidationError{}
	for _, name := range []string{"default.yaml", environment + ".yaml"} {
		r.applyFile(cfg, filepath.Join(r.Dir, name), verr)
	}
	r.EnvOverrides = applyEnvOverrides(cfg, os.Environ(), verr)

	if err := cfg.Validate(); err != nil {
		var schemaErr *ValidationError
		if errors.As(err, &schemaErr) {
			verr.Issues = append(verr.Issues, schemaErr.Issues...)
		} else {
			verr.add("config", "%v", err)
		}
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", environment).
		Str("dir", r.Dir).
		Int("envOverrides", len(r.EnvOverrides)).
		Msg("Configuration resolved")
	return cfg, nil
}

// applyFile overlays one YAML layer onto cfg. Unknown top-level sections
// warn and are skipped; unknown keys inside a known section are collected
// as validation issues.
func (r *Resolver) applyFile(cfg *Config, path string, verr *ValidationError) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		verr.add(filepath.Base(path), "unreadable: %v", err)
		return
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		verr.add(filepath.Base(path), "invalid YAML: %v", err)
		return
	}

	cv := reflect.ValueOf(cfg).Elem()
	for key, node := range doc {
		field, ok := fieldByYAMLTag(cv, key)
		if !ok {
			log.Warn().
				Str("file", filepath.Base(path)).
				Str("key", key).
				Msg("Ignoring unknown configuration section")
			continue
		}
		node := node
		if err := strictDecode(&node, field.Addr().Interface()); err != nil {
			verr.add(key, "in %s: %v", filepath.Base(path), err)
		}
	}
}

// strictDecode re-marshals one YAML node and decodes it with KnownFields so
// misspelled keys inside a recognized section fail loudly.
func strictDecode(node *yaml.Node, out any) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return errors.New(strings.Join(typeErr.Errors, "; "))
		}
		return err
	}
	return nil
}

// applyEnvOverrides walks variables containing the separator and writes the
// ones that resolve to a known config path. Values that fail to parse for
// the field type are reported as issues.
func applyEnvOverrides(cfg *Config, environ []string, verr *ValidationError) map[string]string {
	overrides := make(map[string]string)
	cv := reflect.ValueOf(cfg).Elem()

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.Contains(key, envSeparator) {
			continue
		}
		parts := strings.Split(key, envSeparator)
		path := strings.ToLower(strings.Join(parts, "."))

		field, ok := resolvePath(cv, parts)
		if !ok {
			continue
		}
		if err := setScalar(field, value); err != nil {
			verr.add(path, "environment override: %v", err)
			continue
		}
		overrides[path] = value
		log.Debug().Str("path", path).Msg("Applied environment override")
	}
	return overrides
}

func resolvePath(v reflect.Value, path []string) (reflect.Value, bool) {
	if len(path) == 0 {
		return reflect.Value{}, false
	}
	field, ok := fieldByYAMLTag(v, path[0])
	if !ok {
		return reflect.Value{}, false
	}
	if len(path) == 1 {
		return field, field.CanSet() && field.Kind() != reflect.Struct
	}
	if field.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	return resolvePath(field, path[1:])
}

func fieldByYAMLTag(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.SplitN(t.Field(i).Tag.Get("yaml"), ",", 2)[0]
		if tag != "" && tag != "-" && strings.EqualFold(tag, key) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func setScalar(v reflect.Value, raw string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(raw)))
		if err != nil {
			return fmt.Errorf("cannot parse %q as bool", raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as integer", raw)
		}
		v.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as number", raw)
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", v.Type())
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		v.Set(reflect.ValueOf(out))
	default:
		return fmt.Errorf("unsupported field kind %s", v.Kind())
	}
	return nil
}

// SecretSource supplies decrypted secret values by name.
type SecretSource interface {
	Secret(ctx context.Context, name string) (value string, ok bool, err error)
}

// SpliceSecrets overlays remote secrets onto their config destinations.
// Missing secrets leave the layered value in place; a store failure aborts
// so a deployment never silently runs with file-side credentials it
// expected the store to supply.
func SpliceSecrets(ctx context.Context, cfg *Config, source SecretSource) error {
	targets := []struct {
		name string
		dst  *string
	}{
		{"database.password", &cfg.Database.Password},
		{"mqtt.password", &cfg.MQTT.Password},
		{"cache.password", &cfg.Cache.Password},
		{"telemetry.sink_password", &cfg.Telemetry.SinkPassword},
	}
	spliced := 0
	for _, t := range targets {
		value, ok, err := source.Secret(ctx, t.name)
		if err != nil {
			return fmt.Errorf("resolve secret %s: %w", t.name, err)
		}
		if ok {
			*t.dst = value
			spliced++
		}
	}
	log.Debug().Int("spliced", spliced).Msg("Secret values applied to configuration")
	return nil
}
