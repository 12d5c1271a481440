package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoaderConfig configures how configuration is loaded
type LoaderConfig struct {
	ConfigFile      string
	EnvironmentFile string
	// ServiceName enables <SERVICE>_<VAR> overrides, e.g. AGENT_VMGATE_API_KEY.
	ServiceName string
}

// ConfigLoader fills a tagged struct from defaults, a YAML file, an env
// file and finally the process environment, in that order.
type ConfigLoader struct {
	config LoaderConfig
}

// NewConfigLoader creates a new configuration loader
func NewConfigLoader(cfg LoaderConfig) *ConfigLoader {
	return &ConfigLoader{config: cfg}
}

// Load loads configuration into the provided struct pointer
func (l *ConfigLoader) Load(target any) error {
	if err := l.setDefaults(target); err != nil {
		return fmt.Errorf("failed to set defaults: %w", err)
	}

	if l.config.ConfigFile != "" {
		if err := l.loadFromYAML(target, l.config.ConfigFile); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if l.config.EnvironmentFile != "" {
		if err := l.loadEnvironmentFile(l.config.EnvironmentFile); err != nil {
			return fmt.Errorf("failed to load environment file: %w", err)
		}
	}

	if err := l.loadFromEnv(target); err != nil {
		return fmt.Errorf("failed to load from environment: %w", err)
	}

	return nil
}

func (l *ConfigLoader) setDefaults(target any) error {
	return walkFields(reflect.ValueOf(target), "", func(field reflect.Value, sf reflect.StructField, _ string) error {
		def, ok := sf.Tag.Lookup("default")
		if !ok {
			return nil
		}
		if err := setFieldValue(field, def); err != nil {
			return fmt.Errorf("failed to set default for field %s: %w", sf.Name, err)
		}
		return nil
	})
}

func (l *ConfigLoader) loadFromYAML(target any, filename string) error {
	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return nil
}

// loadEnvironmentFile exports the file's variables without clobbering ones
// already present in the real environment.
func (l *ConfigLoader) loadEnvironmentFile(filename string) error {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil
	}

	vars, err := godotenv.Read(filename)
	if err != nil {
		return fmt.Errorf("failed to parse environment file %s: %w", filename, err)
	}

	for key, value := range vars {
		if _, exists := os.LookupEnv(key); !exists {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to export %s: %w", key, err)
			}
		}
	}
	return nil
}

func (l *ConfigLoader) loadFromEnv(target any) error {
	service := strings.ToUpper(l.config.ServiceName)

	return walkFields(reflect.ValueOf(target), "", func(field reflect.Value, sf reflect.StructField, prefix string) error {
		envName := sf.Tag.Get("env")
		if envName == "" {
			envName = joinEnv(prefix, strings.ToUpper(sf.Name))
		}

		candidates := []string{envName}
		if service != "" {
			candidates = []string{service + "_" + envName, envName}
		}

		for _, name := range candidates {
			value, exists := os.LookupEnv(name)
			if !exists {
				continue
			}
			if err := setFieldValue(field, value); err != nil {
				return fmt.Errorf("failed to set field %s from env %s: %w", sf.Name, name, err)
			}
			return nil
		}
		return nil
	})
}

type fieldVisitor func(field reflect.Value, sf reflect.StructField, prefix string) error

// walkFields visits every settable leaf field, recursing into nested structs
// and allocating nil struct pointers on the way.
func walkFields(v reflect.Value, prefix string, visit fieldVisitor) error {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if !field.CanSet() {
			continue
		}

		if isNestedStruct(field) {
			nested := prefix
			if !sf.Anonymous {
				nested = joinEnv(prefix, strings.ToUpper(sf.Name))
			}
			if err := walkFields(field, nested, visit); err != nil {
				return err
			}
			continue
		}

		if err := visit(field, sf, prefix); err != nil {
			return err
		}
	}
	return nil
}

func isNestedStruct(field reflect.Value) bool {
	switch field.Kind() {
	case reflect.Struct:
		return true
	case reflect.Ptr:
		return field.Type().Elem().Kind() == reflect.Struct
	default:
		return false
	}
}

func joinEnv(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// FindConfigFile searches for <service>.yaml in the usual locations and
// returns "" when none exists.
func FindConfigFile(serviceName string) string {
	configName := serviceName + ".yaml"

	searchPaths := []string{
		configName,
		filepath.Join("config", configName),
		filepath.Join("/etc", "vmgate", configName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(homeDir, ".vmgate", configName))
	}

	return firstExisting(searchPaths)
}

// FindEnvironmentFile searches for <service>.env or .env
func FindEnvironmentFile(serviceName string) string {
	envName := serviceName + ".env"

	return firstExisting([]string{
		envName,
		".env",
		filepath.Join("config", envName),
		filepath.Join("config", ".env"),
	})
}

func firstExisting(paths []string) string {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
