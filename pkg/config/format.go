package config

import (
	"fmt"
	"reflect"
	"strings"
)

const redactedValue = "***"

// String returns the full configuration as a formatted string
func (c *Config) String() string {
	return formatStruct(reflect.ValueOf(c).Elem(), "", false)
}

// Redacted returns the configuration with credentials masked.
func (c *Config) Redacted() string {
	return formatStruct(reflect.ValueOf(c).Elem(), "", true)
}

func formatStruct(v reflect.Value, prefix string, redact bool) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)

		if !value.CanInterface() {
			continue
		}

		fieldName := field.Name
		if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			fieldName = tag
		}

		switch value.Kind() {
		case reflect.Struct:
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
			sb.WriteString(formatStruct(value, prefix+"  ", redact))
		case reflect.Slice:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: []\n", prefix, fieldName))
				continue
			}
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
			for j := 0; j < value.Len(); j++ {
				sb.WriteString(fmt.Sprintf("%s  - %+v\n", prefix, value.Index(j).Interface()))
			}
		default:
			display := value.Interface()
			if redact && field.Tag.Get("redact") == "true" && !value.IsZero() {
				display = redactedValue
			}
			sb.WriteString(fmt.Sprintf("%s%s: %v\n", prefix, fieldName, display))
		}
	}

	return sb.String()
}
