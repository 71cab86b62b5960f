package config

import (
	"reflect"
	"strconv"
	"time"
)

func reflectValue(v any) reflect.Value {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	return rv
}

func walkEnvOverrides(rv reflect.Value, sectionPrefix string) error {
	var path []string
	if sectionPrefix != "" {
		path = []string{sectionPrefix}
	}
	return walkEnvOverridesPath(rv, path)
}

func walkEnvOverridesPath(rv reflect.Value, path []string) error {
	if rv.Kind() != reflect.Struct {
		return nil
	}
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := rv.Field(i)
		tag := field.Tag.Get("yaml")
		name := yamlFieldName(tag, field.Name)
		if name == "-" {
			continue
		}

		fieldPath := append(append([]string{}, path...), name)

		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := walkEnvOverridesPath(fv, fieldPath); err != nil {
				return err
			}
			continue
		}
		if fv.Kind() == reflect.Ptr && !fv.IsNil() && fv.Elem().Kind() == reflect.Struct {
			if err := walkEnvOverridesPath(fv.Elem(), fieldPath); err != nil {
				return err
			}
			continue
		}

		raw, ok := lookupEnv(fieldPath)
		if !ok {
			continue
		}
		if err := setScalar(fv, raw); err != nil {
			return err
		}
	}
	return nil
}

func setScalar(fv reflect.Value, raw string) error {
	if !fv.CanSet() {
		return nil
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if fv.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			fv.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(n)
	}
	return nil
}

func yamlFieldName(tag, fallback string) string {
	if tag == "" {
		return fallback
	}
	name := tag
	for i, c := range tag {
		if c == ',' {
			name = tag[:i]
			break
		}
	}
	if name == "" {
		return fallback
	}
	return name
}
