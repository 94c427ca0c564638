package conf

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

const (
	tagKey     = "conf"
	tagDefault = "conf_default"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Checkout populates the fields of the struct pointed to by v using the
// `conf` struct tag as the key. When a key has no value, the `conf_default`
// tag is used instead. Untagged fields are left untouched, embedded structs
// are walked.
//
//	type Config struct {
//		PoolSize int `conf:"CLAIMFIN_WORKER_POOL_SIZE" conf_default:"4"`
//	}
func Checkout(v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("conf: Checkout requires a non-nil struct pointer, got %T", v)
	}
	return checkoutStruct(rv.Elem())
}

func checkoutStruct(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fv := rv.Field(i)

		if field.Anonymous && fv.Kind() == reflect.Struct {
			if err := checkoutStruct(fv); err != nil {
				return err
			}
			continue
		}

		key, ok := field.Tag.Lookup(tagKey)
		if !ok || !fv.CanSet() {
			continue
		}

		raw, found := LookupEnv(key)
		if !found || raw == "" {
			raw, found = field.Tag.Lookup(tagDefault)
			if !found {
				continue
			}
		}

		if err := assign(fv, raw); err != nil {
			return errors.Wrapf(err, "conf: could not set %s from %s", field.Name, key)
		}
	}
	return nil
}

func assign(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := cast.ToDurationE(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := cast.ToBoolE(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := cast.ToInt64E(raw)
		if err != nil {
			return err
		}
		if fv.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %s", n, fv.Type())
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := cast.ToUint64E(raw)
		if err != nil {
			return err
		}
		if fv.OverflowUint(n) {
			return fmt.Errorf("value %d overflows %s", n, fv.Type())
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := cast.ToFloat64E(raw)
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", fv.Type())
		}
		var values []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				values = append(values, s)
			}
		}
		fv.Set(reflect.ValueOf(values))
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}
