/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Sanitized marshals cfg to JSON with every field tagged sensitive:"true"
// removed, for logging the effective configuration.
func Sanitized(cfg interface{}) ([]byte, error) {
	return json.Marshal(sanitizeValue(reflect.ValueOf(cfg)))
}

func sanitizeValue(v reflect.Value) interface{} {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}

		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return v.Interface()
	}

	out := make(map[string]interface{})
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Tag.Get("sensitive") == "true" {
			continue
		}

		name, omitEmpty := jsonName(f)
		if name == "-" {
			continue
		}

		fv := v.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}

		out[name] = sanitizeValue(fv)
	}

	return out
}

func jsonName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name, false
	}

	parts := strings.Split(tag, ",")

	name := parts[0]
	if name == "" {
		name = f.Name
	}

	for _, p := range parts[1:] {
		if p == "omitempty" {
			return name, true
		}
	}

	return name, false
}
