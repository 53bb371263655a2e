package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind describes one class of records: where they live, how they are
// identified and what an unwritten record looks like.
type Kind[T any] struct {
	// Name namespaces record keys as "{Name}/{id}".
	Name string
	// IndexName is the key holding the kind's index.
	IndexName string
	// Initial is returned by Handle.State for ids with no stored record and is
	// the base that Patch merges into when the record is absent.
	Initial T
	// ID extracts the identifier from a record.
	ID func(T) string
	// Codec serializes records; nil selects JSONCodec.
	Codec Codec[T]
}

// Fields is a partial record keyed by serialized (JSON) field name.
type Fields map[string]any

// Codec converts records to and from their stored representation and applies
// shallow partial updates.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
	// Merge replaces the top-level fields of current named in fields and
	// leaves every other field untouched.
	Merge(current T, fields Fields) (T, error)
}

// JSONCodec stores records as JSON objects.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

func (c JSONCodec[T]) Merge(current T, fields Fields) (T, error) {
	var zero T
	base, err := json.Marshal(current)
	if err != nil {
		return zero, fmt.Errorf("encode current: %w", err)
	}
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &obj); err != nil {
		return zero, fmt.Errorf("record is not a JSON object: %w", err)
	}
	for name, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			return zero, fmt.Errorf("encode field %s: %w", name, err)
		}
		obj[name] = raw
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		return zero, err
	}
	return c.Decode(merged)
}

func (k Kind[T]) validate() error {
	switch {
	case strings.TrimSpace(k.Name) == "":
		return fmt.Errorf("entity kind name required")
	case strings.TrimSpace(k.IndexName) == "":
		return fmt.Errorf("entity kind %s: index name required", k.Name)
	case k.IndexName == k.Name || strings.HasPrefix(k.IndexName, k.Name+"/"):
		return fmt.Errorf("entity kind %s: index name %q collides with record keys", k.Name, k.IndexName)
	case k.ID == nil:
		return fmt.Errorf("entity kind %s: id func required", k.Name)
	}
	return nil
}

func (k Kind[T]) codec() Codec[T] {
	if k.Codec != nil {
		return k.Codec
	}
	return JSONCodec[T]{}
}

func (k Kind[T]) recordKey(id string) string { return k.Name + "/" + id }
