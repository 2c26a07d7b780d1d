// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package nodetype

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/renameio"
	"github.com/vmihailenco/msgpack"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/proto"
)

type (
	// Replicator appends node type changes to the cluster journal, apply
	// runs while the journal is locked. *cluster.Node implements it.
	Replicator interface {
		NodeTypesRegistered(ctx context.Context, defs []*proto.NodeTypeDef, apply func() error) error
		NodeTypeReregistered(ctx context.Context, def *proto.NodeTypeDef, apply func() error) error
		NodeTypesUnregistered(ctx context.Context, names []proto.Name, apply func() error) error
	}
	// Listener is told about every change, local or replayed.
	Listener interface {
		Registered(ctx context.Context, names []proto.Name)
		Reregistered(ctx context.Context, name proto.Name)
		Unregistered(ctx context.Context, names []proto.Name)
	}
)

type Config struct {
	// Path keeps the custom node types, empty keeps them in memory only.
	Path string `json:"path"`
}

// Registry holds the built-in and the registered node types of a
// repository.
type Registry struct {
	cfg Config

	lock     sync.RWMutex
	defs     map[proto.Name]*proto.NodeTypeDef
	builtin  map[proto.Name]bool
	rep      Replicator
	watchers []Listener
}

func New(cfg Config) (*Registry, error) {
	r := &Registry{
		cfg:     cfg,
		defs:    make(map[proto.Name]*proto.NodeTypeDef),
		builtin: make(map[proto.Name]bool),
	}
	for _, def := range builtins() {
		r.defs[def.Name] = def
		r.builtin[def.Name] = true
	}
	if cfg.Path == "" {
		return r, nil
	}

	data, err := os.ReadFile(cfg.Path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, errors.Info(err, "read node types", cfg.Path)
	}
	var custom []*proto.NodeTypeDef
	if err = msgpack.Unmarshal(data, &custom); err != nil {
		return nil, errors.Info(fmt.Errorf("%w: %w", errors.ErrCorruptData, err), "msgpack unmarshal node types failed", cfg.Path)
	}
	for _, def := range custom {
		r.defs[def.Name] = def
	}
	return r, nil
}

func (r *Registry) SetReplicator(rep Replicator) {
	r.lock.Lock()
	r.rep = rep
	r.lock.Unlock()
}

func (r *Registry) AddListener(l Listener) {
	r.lock.Lock()
	r.watchers = append(r.watchers, l)
	r.lock.Unlock()
}

func (r *Registry) replicator() Replicator {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.rep
}

func (r *Registry) listeners() []Listener {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return append([]Listener(nil), r.watchers...)
}

func (r *Registry) Get(name proto.Name) (*proto.NodeTypeDef, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrNodeTypeNotFound, name)
	}
	return def.Clone(), nil
}

func (r *Registry) Has(name proto.Name) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.defs[name]
	return ok
}

func (r *Registry) Names() []proto.Name {
	r.lock.RLock()
	names := make([]proto.Name, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	r.lock.RUnlock()
	sort.Slice(names, func(i, j int) bool { return proto.CompareNames(names[i], names[j]) < 0 })
	return names
}

// closure returns name and all its supertypes, nearest first.
func (r *Registry) closure(names ...proto.Name) []*proto.NodeTypeDef {
	var (
		ret  []*proto.NodeTypeDef
		seen = make(map[proto.Name]bool)
	)
	queue := append([]proto.Name(nil), names...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		def, ok := r.defs[name]
		if !ok {
			continue
		}
		ret = append(ret, def)
		queue = append(queue, def.Supertypes...)
	}
	return ret
}

// IsNodeType reports whether a node of the given primary and mixin types
// is of type want.
func (r *Registry) IsNodeType(primary proto.Name, mixins []proto.Name, want proto.Name) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, def := range r.closure(append([]proto.Name{primary}, mixins...)...) {
		if def.Name == want {
			return true
		}
	}
	return false
}

// ChildNodeDef finds the definition of a child node: a named definition
// first, then a residual one.
func (r *Registry) ChildNodeDef(primary proto.Name, mixins []proto.Name, name proto.Name) (proto.ItemDef, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return find(r.closure(append([]proto.Name{primary}, mixins...)...), name, func(d *proto.NodeTypeDef) []proto.ItemDef {
		return d.ChildNodeDefs
	}, nil)
}

// PropertyDef finds the definition of a property with the given
// multiplicity.
func (r *Registry) PropertyDef(primary proto.Name, mixins []proto.Name, name proto.Name, multiple bool) (proto.ItemDef, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return find(r.closure(append([]proto.Name{primary}, mixins...)...), name, func(d *proto.NodeTypeDef) []proto.ItemDef {
		return d.PropertyDefs
	}, func(d proto.ItemDef) bool {
		return d.Multiple == multiple
	})
}

func find(defs []*proto.NodeTypeDef, name proto.Name, items func(*proto.NodeTypeDef) []proto.ItemDef, match func(proto.ItemDef) bool) (proto.ItemDef, error) {
	for _, residual := range []bool{false, true} {
		for _, def := range defs {
			for _, item := range items(def) {
				if (item.Name == proto.AnyName) != residual {
					continue
				}
				if (residual || item.Name == name) && (match == nil || match(item)) {
					return item, nil
				}
			}
		}
	}
	return proto.ItemDef{}, fmt.Errorf("%w: no definition for %s", errors.ErrConstraintViolation, name)
}

// validate checks defs against the registry as if they replaced the
// entries of the same name.
func (r *Registry) validate(defs []*proto.NodeTypeDef) error {
	batch := make(map[proto.Name]*proto.NodeTypeDef, len(defs))
	for _, def := range defs {
		if def == nil || def.Name.IsZero() {
			return fmt.Errorf("%w: node type without name", errors.ErrConstraintViolation)
		}
		if r.builtin[def.Name] {
			return fmt.Errorf("%w: %s is built in", errors.ErrConstraintViolation, def.Name)
		}
		batch[def.Name] = def
	}
	lookup := func(name proto.Name) (*proto.NodeTypeDef, bool) {
		if def, ok := batch[name]; ok {
			return def, true
		}
		def, ok := r.defs[name]
		return def, ok
	}

	for _, def := range defs {
		for _, super := range def.Supertypes {
			if _, ok := lookup(super); !ok {
				return fmt.Errorf("%w: supertype %s of %s", errors.ErrNodeTypeNotFound, super, def.Name)
			}
		}
		// no type may reach itself through its supertypes
		seen := make(map[proto.Name]bool)
		queue := append([]proto.Name(nil), def.Supertypes...)
		for len(queue) > 0 {
			name := queue[0]
			queue = queue[1:]
			if name == def.Name {
				return fmt.Errorf("%w: %s inherits from itself", errors.ErrConstraintViolation, def.Name)
			}
			if seen[name] {
				continue
			}
			seen[name] = true
			if super, ok := lookup(name); ok {
				queue = append(queue, super.Supertypes...)
			}
		}
	}
	return nil
}

func (r *Registry) save() error {
	if r.cfg.Path == "" {
		return nil
	}
	var custom []*proto.NodeTypeDef
	for name, def := range r.defs {
		if !r.builtin[name] {
			custom = append(custom, def)
		}
	}
	sort.Slice(custom, func(i, j int) bool { return proto.CompareNames(custom[i].Name, custom[j].Name) < 0 })
	data, err := msgpack.Marshal(custom)
	if err != nil {
		return errors.Info(err, "msgpack marshal node types failed")
	}
	if err = os.MkdirAll(filepath.Dir(r.cfg.Path), 0o755); err != nil {
		return errors.Info(err, "mkdir", filepath.Dir(r.cfg.Path))
	}
	if err = renameio.WriteFile(r.cfg.Path, data, 0o644); err != nil {
		return errors.Info(err, "write node types", r.cfg.Path)
	}
	return nil
}

// put replaces the entries of defs and saves. A failed save restores the
// previous entries.
func (r *Registry) put(defs []*proto.NodeTypeDef) error {
	old := make(map[proto.Name]*proto.NodeTypeDef, len(defs))
	for _, def := range defs {
		old[def.Name] = r.defs[def.Name]
		r.defs[def.Name] = def.Clone()
	}
	if err := r.save(); err != nil {
		for name, def := range old {
			if def == nil {
				delete(r.defs, name)
			} else {
				r.defs[name] = def
			}
		}
		return err
	}
	return nil
}

func (r *Registry) applyRegister(defs []*proto.NodeTypeDef) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, def := range defs {
		if def != nil {
			if _, ok := r.defs[def.Name]; ok {
				return fmt.Errorf("%w: %s", errors.ErrNodeTypeExists, def.Name)
			}
		}
	}
	if err := r.validate(defs); err != nil {
		return err
	}
	return r.put(defs)
}

func (r *Registry) applyReregister(def *proto.NodeTypeDef) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if def != nil {
		if _, ok := r.defs[def.Name]; !ok {
			return fmt.Errorf("%w: %s", errors.ErrNodeTypeNotFound, def.Name)
		}
	}
	if err := r.validate([]*proto.NodeTypeDef{def}); err != nil {
		return err
	}
	return r.put([]*proto.NodeTypeDef{def})
}

func (r *Registry) applyUnregister(names []proto.Name) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	drop := make(map[proto.Name]bool, len(names))
	for _, name := range names {
		if r.builtin[name] {
			return fmt.Errorf("%w: %s is built in", errors.ErrConstraintViolation, name)
		}
		if _, ok := r.defs[name]; !ok {
			return fmt.Errorf("%w: %s", errors.ErrNodeTypeNotFound, name)
		}
		drop[name] = true
	}
	for name, def := range r.defs {
		if drop[name] {
			continue
		}
		for _, super := range def.Supertypes {
			if drop[super] {
				return fmt.Errorf("%w: %s is a supertype of %s", errors.ErrConstraintViolation, super, name)
			}
		}
	}

	old := make(map[proto.Name]*proto.NodeTypeDef, len(names))
	for name := range drop {
		old[name] = r.defs[name]
		delete(r.defs, name)
	}
	if err := r.save(); err != nil {
		for name, def := range old {
			r.defs[name] = def
		}
		return err
	}
	return nil
}

func defNames(defs []*proto.NodeTypeDef) []proto.Name {
	names := make([]proto.Name, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}

// Register adds new node types. Supertypes must be registered or part of
// defs.
func (r *Registry) Register(ctx context.Context, defs ...*proto.NodeTypeDef) error {
	apply := func() error { return r.applyRegister(defs) }
	var err error
	if rep := r.replicator(); rep != nil {
		err = rep.NodeTypesRegistered(ctx, defs, apply)
	} else {
		err = apply()
	}
	if err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("registered node types %v", defNames(defs))
	for _, l := range r.listeners() {
		l.Registered(ctx, defNames(defs))
	}
	return nil
}

func (r *Registry) Reregister(ctx context.Context, def *proto.NodeTypeDef) error {
	apply := func() error { return r.applyReregister(def) }
	var err error
	if rep := r.replicator(); rep != nil {
		err = rep.NodeTypeReregistered(ctx, def, apply)
	} else {
		err = apply()
	}
	if err != nil {
		return err
	}
	for _, l := range r.listeners() {
		l.Reregistered(ctx, def.Name)
	}
	return nil
}

// Unregister removes custom node types no remaining type inherits from.
func (r *Registry) Unregister(ctx context.Context, names ...proto.Name) error {
	apply := func() error { return r.applyUnregister(names) }
	var err error
	if rep := r.replicator(); rep != nil {
		err = rep.NodeTypesUnregistered(ctx, names, apply)
	} else {
		err = apply()
	}
	if err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("unregistered node types %v", names)
	for _, l := range r.listeners() {
		l.Unregistered(ctx, names)
	}
	return nil
}

// ExternalRegistered applies a registration replayed from another member.
func (r *Registry) ExternalRegistered(ctx context.Context, defs []*proto.NodeTypeDef) error {
	if err := r.applyRegister(defs); err != nil {
		return errors.Info(err, "apply replicated node types", defNames(defs))
	}
	for _, l := range r.listeners() {
		l.Registered(ctx, defNames(defs))
	}
	return nil
}

func (r *Registry) ExternalReregistered(ctx context.Context, def *proto.NodeTypeDef) error {
	if err := r.applyReregister(def); err != nil {
		return errors.Info(err, "apply replicated node type", def.Name)
	}
	for _, l := range r.listeners() {
		l.Reregistered(ctx, def.Name)
	}
	return nil
}

func (r *Registry) ExternalUnregistered(ctx context.Context, names []proto.Name) error {
	if err := r.applyUnregister(names); err != nil {
		return errors.Info(err, "apply replicated node type removal", names)
	}
	for _, l := range r.listeners() {
		l.Unregistered(ctx, names)
	}
	return nil
}
