// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package marshal turns service proxies and registrar handles into bytes
// and back. Values are CBOR encoded inside an envelope naming their
// registered type.
package marshal

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/syncthing/lookup/lib/sync"
)

// ErrUnknownType is returned when the envelope names a type that is not
// registered. It is permanent: retrying will not help.
var ErrUnknownType = errors.New("unknown type")

// ErrTransient is matched by errors that may go away if the operation is
// retried later.
var ErrTransient = errors.New("transient")

// A Serializer marshals and unmarshals values. The hint names what the
// value is expected to be (e.g. "registrar" or "service").
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, hint string) (any, error)
}

// A Resolver is a value that needs more than its encoded fields before it
// is usable. Resolve is called after decoding; an error wrapping
// ErrTransient makes the whole unmarshal transient.
type Resolver interface {
	Resolve(hint string) error
}

type transientError struct {
	err error
}

// Transient wraps err so that IsTransient returns true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err}
}

func (e *transientError) Error() string {
	return "transient: " + e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

func (e *transientError) Is(target error) bool {
	return target == ErrTransient
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

type envelope struct {
	_    struct{} `cbor:",toarray"`
	Type string
	Data cbor.RawMessage
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: 16,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder mode: %v", err))
	}
}

// A Registry is a Serializer for the types registered with it.
type Registry struct {
	mut    sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

func NewRegistry() *Registry {
	return &Registry{
		mut:    sync.NewRWMutex(),
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register makes the type of prototype known under name. Values are
// returned from Unmarshal with the same type as the prototype, pointer or
// not.
func (r *Registry) Register(name string, prototype any) {
	t := reflect.TypeOf(prototype)
	r.mut.Lock()
	defer r.mut.Unlock()
	r.byName[name] = t
	r.byType[t] = name
}

func (r *Registry) Unregister(name string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if t, ok := r.byName[name]; ok {
		delete(r.byType, t)
		delete(r.byName, name)
	}
}

func (r *Registry) Marshal(v any) ([]byte, error) {
	r.mut.RLock()
	name, ok := r.byType[reflect.TypeOf(v)]
	r.mut.RUnlock()
	if !ok {
		return nil, fmt.Errorf("marshal %T: %w", v, ErrUnknownType)
	}

	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	return encMode.Marshal(envelope{Type: name, Data: data})
}

func (r *Registry) Unmarshal(data []byte, hint string) (any, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal %s envelope: %w", hint, err)
	}

	r.mut.RLock()
	t, ok := r.byName[env.Type]
	r.mut.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unmarshal %s %q: %w", hint, env.Type, ErrUnknownType)
	}

	var ptr reflect.Value
	if t.Kind() == reflect.Pointer {
		ptr = reflect.New(t.Elem())
	} else {
		ptr = reflect.New(t)
	}
	if err := decMode.Unmarshal(env.Data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("unmarshal %s %q: %w", hint, env.Type, err)
	}

	v := ptr.Interface()
	if t.Kind() != reflect.Pointer {
		v = ptr.Elem().Interface()
	}
	if res, ok := v.(Resolver); ok {
		if err := res.Resolve(hint); err != nil {
			l.Debugf("resolve %s %q: %v", hint, env.Type, err)
			return nil, fmt.Errorf("resolve %s %q: %w", hint, env.Type, err)
		}
	}
	return v, nil
}
