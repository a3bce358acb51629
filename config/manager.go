package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Manager collects flat, dot-separated configuration keys from JSON files
// and environment variables and unmarshals them into tagged structs.
type Manager struct {
	values map[string]any
	mu     sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{
		values: make(map[string]any),
	}
}

// Set sets a configuration value
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
}

// Get gets a configuration value
func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.values[key]
	return value, exists
}

// LoadFromEnv loads configuration from environment variables.
// NIO_IDLE_TIMEOUT becomes idle.timeout.
func (m *Manager) LoadFromEnv(prefix string) {
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}

		if prefix != "" {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			key = strings.TrimPrefix(key, prefix)
			key = strings.TrimPrefix(key, "_")
		}

		key = strings.ToLower(key)
		key = strings.ReplaceAll(key, "_", ".")

		m.Set(key, value)
	}
}

// LoadFromJSON loads configuration from JSON file. Nested objects become
// dotted keys.
func (m *Manager) LoadFromJSON(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse JSON config: %w", err)
	}

	m.loadFromMap("", values)
	return nil
}

// loadFromMap recursively loads configuration from a map
func (m *Manager) loadFromMap(prefix string, values map[string]any) {
	for key, value := range values {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		if nested, ok := value.(map[string]any); ok {
			m.loadFromMap(fullKey, nested)
		} else {
			m.Set(fullKey, value)
		}
	}
}

// Unmarshal unmarshals configuration into a struct
func (m *Manager) Unmarshal(prefix string, target any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Ptr {
		return fmt.Errorf("target must be a pointer")
	}

	targetValue = targetValue.Elem()
	if targetValue.Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to struct")
	}

	targetType := targetValue.Type()

	for i := 0; i < targetType.NumField(); i++ {
		field := targetType.Field(i)
		fieldValue := targetValue.Field(i)

		if !fieldValue.CanSet() {
			continue
		}

		// Get config key from tag or field name
		configKey := field.Tag.Get("config")
		if configKey == "" {
			configKey = strings.ToLower(field.Name)
		}

		if prefix != "" {
			configKey = prefix + "." + configKey
		}

		value, exists := m.values[configKey]
		if !exists {
			continue
		}

		if err := setFieldValue(fieldValue, value); err != nil {
			return fmt.Errorf("%s: %w", configKey, err)
		}
	}

	return nil
}

// setFieldValue sets a reflect.Value from a JSON or environment value
func setFieldValue(field reflect.Value, value any) error {
	if field.Type() == durationType {
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		if str, ok := value.(string); ok {
			field.SetString(str)
		} else {
			field.SetString(fmt.Sprintf("%v", value))
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch v := value.(type) {
		case int:
			field.SetInt(int64(v))
		case int64:
			field.SetInt(v)
		case float64:
			field.SetInt(int64(v))
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		default:
			return fmt.Errorf("cannot use %T as integer", value)
		}

	case reflect.Bool:
		switch v := value.(type) {
		case bool:
			field.SetBool(v)
		case string:
			field.SetBool(v == "true" || v == "yes" || v == "1")
		case float64:
			field.SetBool(v != 0)
		default:
			return fmt.Errorf("cannot use %T as bool", value)
		}

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %v", field.Type())
		}
		var list []string
		switch v := value.(type) {
		case string:
			list = splitList(v)
		case []any:
			for _, item := range v {
				list = append(list, fmt.Sprintf("%v", item))
			}
		case []string:
			list = v
		default:
			return fmt.Errorf("cannot use %T as list", value)
		}
		field.Set(reflect.ValueOf(list))

	default:
		valueReflect := reflect.ValueOf(value)
		if !valueReflect.Type().ConvertibleTo(field.Type()) {
			return fmt.Errorf("cannot convert %v to %v", valueReflect.Type(), field.Type())
		}
		field.Set(valueReflect.Convert(field.Type()))
	}

	return nil
}

// parseDuration accepts Go duration strings; bare numbers are seconds
func parseDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case string:
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(v)
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case time.Duration:
		return v, nil
	}
	return 0, fmt.Errorf("cannot use %T as duration", value)
}
