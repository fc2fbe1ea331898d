package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit is the maximum byte length of a decoded value when the
// field has no maxLength tag.
var defaultFieldLimit = 16 * 1024

// sources lists the supported struct tags in precedence order.
var sources = []string{"path", "query", "form", "cookie"}

// Unmarshal populates dst (a non-nil pointer to a struct) from the request.
//
// Supported struct tags, in precedence order when more than one is present:
//   - `path:"name"`: r.PathValue(name)
//   - `query:"name"`: URL query parameter
//   - `form:"name"`: r.Form (query and url-encoded body)
//   - `cookie:"name"`: raw cookie value
//
// An empty name defaults to the lower-cased field name and "-" skips the
// field. Untagged and unexported fields are left alone. Fields may be string,
// bool, or any integer kind; absent values leave the field unchanged.
//
// `maxLength:"n"` bounds the byte length of the value (default 16KB, "0" for
// no limit). Over-long or unparsable values fail with 400.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	t := root.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		if err := decodeField(r, sf, root.Field(i)); err != nil {
			return err
		}
	}
	return nil
}

func decodeField(r *http.Request, sf reflect.StructField, fv reflect.Value) error {
	limit := defaultFieldLimit
	if ml, ok := sf.Tag.Lookup("maxLength"); ok && ml != "" {
		n, err := strconv.Atoi(ml)
		if err != nil || n < 0 {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: invalid maxLength %q", sf.Name, ml))
		}
		limit = n
	}

	for _, src := range sources {
		name, ok := sf.Tag.Lookup(src)
		if !ok {
			continue
		}
		if name == "-" {
			return nil
		}
		if name == "" {
			name = strings.ToLower(sf.Name)
		}
		val, found, err := lookup(r, src, name)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if limit > 0 && len(val) > limit {
			return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q exceeds %d bytes", src, name, limit))
		}
		if err := setField(fv, val); err != nil {
			return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q: %w", src, name, err))
		}
		return nil
	}
	return nil
}

func lookup(r *http.Request, src, name string) (string, bool, error) {
	switch src {
	case "path":
		v := r.PathValue(name)
		return v, v != "", nil
	case "query":
		if r.URL == nil {
			return "", false, nil
		}
		q := r.URL.Query()
		if !q.Has(name) {
			return "", false, nil
		}
		return q.Get(name), true, nil
	case "form":
		if err := r.ParseForm(); err != nil {
			return "", false, Error(http.StatusBadRequest, "", fmt.Errorf("parse form: %w", err))
		}
		if !r.Form.Has(name) {
			return "", false, nil
		}
		return r.Form.Get(name), true, nil
	case "cookie":
		c, err := r.Cookie(name)
		if err != nil {
			return "", false, nil
		}
		return c.Value, true, nil
	}
	return "", false, nil
}

func setField(fv reflect.Value, s string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}
