// Package pctx implements the program context envelope threaded through a
// script's entrypoint: an open bag of parameters with a handful of
// mandatory defaults, cloneable so a parent task can hand a child task its
// own independent copy.
package pctx

import (
	"encoding/json"
	"fmt"
	"time"
)

// Context is the parameter bag passed to a script entrypoint. It behaves
// like a plain map with a few typed accessors layered on top for the keys
// every entrypoint can rely on being present.
type Context map[string]any

// New builds a Context from the given fields, filling in the mandatory
// defaults for anything not already set.
func New(fields map[string]any) Context {
	c := Context{}
	for k, v := range fields {
		c[k] = v
	}
	c.setMandatoryDefaults()
	return c
}

func (c Context) setMandatoryDefaults() {
	defaults := map[string]any{
		"compute_only": false,
		"data":         nil,
		"tmp":          true,
		"root_file":    nil,
		"is_local":     false,
		"entrypoint":   "main",
		"time_request": time.Now().UTC().Format(time.RFC3339),
		"raw":          false,
	}
	for k, v := range defaults {
		if _, ok := c[k]; !ok {
			c[k] = v
		}
	}
}

// Clone returns a deep copy of c via a JSON round trip, with time_request
// refreshed to now unless overrides supplies one. The "task" key, which
// holds a non-serializable execution handle, is dropped from the clone.
func (c Context) Clone(overrides map[string]any) (Context, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	var clone Context
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	delete(clone, "task")

	if _, ok := overrides["time_request"]; !ok {
		clone["time_request"] = time.Now().UTC().Format(time.RFC3339)
	}
	clone.Update(overrides)
	return clone, nil
}

// Update merges kwargs into c. Where both the existing value and the
// incoming value are maps, the incoming map is merged key by key instead
// of replacing the whole value; every other key is overwritten.
func (c Context) Update(kwargs map[string]any) Context {
	for k, v := range kwargs {
		existing, hasExisting := c[k]
		existingMap, existingIsMap := existing.(map[string]any)
		incomingMap, incomingIsMap := v.(map[string]any)
		if hasExisting && existingIsMap && incomingIsMap {
			for ik, iv := range incomingMap {
				existingMap[ik] = iv
			}
			c[k] = existingMap
		} else {
			c[k] = v
		}
	}
	return c
}

func (c Context) stringValue(key string) (string, bool) {
	v, ok := c[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (c Context) boolValue(key string, def bool) bool {
	v, ok := c[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// InputDir returns the input_dir field, or "" if unset.
func (c Context) InputDir() string {
	s, _ := c.stringValue("input_dir")
	return s
}

// OutputDir returns the output_dir field, or "" if unset.
func (c Context) OutputDir() string {
	s, _ := c.stringValue("output_dir")
	return s
}

// InputFile returns the input_file field and whether it was present.
func (c Context) InputFile() (string, bool) {
	return c.stringValue("input_file")
}

// Entrypoint returns the entrypoint field, defaulting to "main".
func (c Context) Entrypoint() string {
	s, ok := c.stringValue("entrypoint")
	if !ok || s == "" {
		return "main"
	}
	return s
}

// IsComputeOnly reports whether the task should skip shared-space setup.
func (c Context) IsComputeOnly() bool {
	return c.boolValue("compute_only", false)
}

// NeedsTmp reports whether a scratch directory should be created for the
// task, defaulting to true.
func (c Context) NeedsTmp() bool {
	return c.boolValue("tmp", true)
}

// IsLocal reports whether the task is running inline rather than via the
// broker.
func (c Context) IsLocal() bool {
	return c.boolValue("is_local", false)
}

// IsRaw reports whether raw (unwrapped) results should be returned,
// bypassing progress-output post-processing.
func (c Context) IsRaw() bool {
	return c.boolValue("raw", false)
}
