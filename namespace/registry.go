package namespace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/renameio"

	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/proto"
)

const NamespaceXML = "http://www.w3.org/XML/1998/namespace"

var builtinPrefixes = map[string]string{
	"":    proto.NamespaceNone,
	"jcr": proto.NamespaceJCR,
	"nt":  proto.NamespaceNT,
	"mix": proto.NamespaceMix,
	"rep": proto.NamespaceRep,
	"xml": NamespaceXML,
}

// Replicator appends a namespace change to the cluster journal.
// *cluster.Node implements it.
type Replicator interface {
	RemapNamespace(ctx context.Context, oldPrefix, newPrefix, uri string, apply func() error) error
}

type Config struct {
	// Path keeps the custom mappings as json, empty keeps them in memory.
	Path string `json:"path"`
}

// Registry maps prefixes to namespace uris and back. Built-in mappings
// cannot change.
type Registry struct {
	cfg Config

	lock     sync.RWMutex
	prefixes map[string]string
	uris     map[string]string
	rep      Replicator
}

func New(cfg Config) (*Registry, error) {
	r := &Registry{
		cfg:      cfg,
		prefixes: make(map[string]string),
		uris:     make(map[string]string),
	}
	for prefix, uri := range builtinPrefixes {
		r.prefixes[prefix] = uri
		r.uris[uri] = prefix
	}
	if cfg.Path == "" {
		return r, nil
	}

	data, err := os.ReadFile(cfg.Path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, errors.Info(err, "read namespaces", cfg.Path)
	}
	custom := make(map[string]string)
	if err = json.Unmarshal(data, &custom); err != nil {
		return nil, errors.Info(fmt.Errorf("%w: %w", errors.ErrCorruptData, err), "json unmarshal namespaces failed", cfg.Path)
	}
	for prefix, uri := range custom {
		r.prefixes[prefix] = uri
		r.uris[uri] = prefix
	}
	return r, nil
}

func (r *Registry) SetReplicator(rep Replicator) {
	r.lock.Lock()
	r.rep = rep
	r.lock.Unlock()
}

func (r *Registry) URI(prefix string) (string, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	uri, ok := r.prefixes[prefix]
	if !ok {
		return "", fmt.Errorf("%w: prefix %q", errors.ErrNamespaceNotFound, prefix)
	}
	return uri, nil
}

func (r *Registry) Prefix(uri string) (string, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	prefix, ok := r.uris[uri]
	if !ok {
		return "", fmt.Errorf("%w: uri %q", errors.ErrNamespaceNotFound, uri)
	}
	return prefix, nil
}

func (r *Registry) Prefixes() []string {
	r.lock.RLock()
	prefixes := make([]string, 0, len(r.prefixes))
	for prefix := range r.prefixes {
		prefixes = append(prefixes, prefix)
	}
	r.lock.RUnlock()
	sort.Strings(prefixes)
	return prefixes
}

// Format renders name as prefix:local.
func (r *Registry) Format(name proto.Name) (string, error) {
	prefix, err := r.Prefix(name.URI)
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return name.Local, nil
	}
	return prefix + ":" + name.Local, nil
}

// Parse resolves a prefix:local name.
func (r *Registry) Parse(s string) (proto.Name, error) {
	prefix, local := "", s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		prefix, local = s[:i], s[i+1:]
	}
	uri, err := r.URI(prefix)
	if err != nil {
		return proto.Name{}, err
	}
	return proto.Name{URI: uri, Local: local}, nil
}

func isBuiltin(prefix, uri string) bool {
	if _, ok := builtinPrefixes[prefix]; ok {
		return true
	}
	for _, u := range builtinPrefixes {
		if u == uri {
			return true
		}
	}
	return false
}

func validate(prefix, uri string) error {
	if prefix == "" || uri == "" {
		return fmt.Errorf("%w: empty prefix or uri", errors.ErrConstraintViolation)
	}
	if strings.HasPrefix(strings.ToLower(prefix), "xml") {
		return fmt.Errorf("%w: reserved prefix %q", errors.ErrConstraintViolation, prefix)
	}
	if strings.ContainsAny(prefix, ":{}") {
		return fmt.Errorf("%w: invalid prefix %q", errors.ErrConstraintViolation, prefix)
	}
	if isBuiltin(prefix, uri) {
		return fmt.Errorf("%w: built-in namespace %q", errors.ErrConstraintViolation, prefix)
	}
	return nil
}

// Register maps prefix to uri. A uri already registered under another
// prefix is remapped.
func (r *Registry) Register(ctx context.Context, prefix, uri string) error {
	if err := validate(prefix, uri); err != nil {
		return err
	}
	r.lock.RLock()
	oldPrefix := r.uris[uri]
	rep := r.rep
	r.lock.RUnlock()
	if oldPrefix == prefix {
		return nil
	}

	apply := func() error { return r.remap(prefix, uri) }
	var err error
	if rep != nil {
		err = rep.RemapNamespace(ctx, oldPrefix, prefix, uri, apply)
	} else {
		err = apply()
	}
	if err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("namespace %q mapped to %q, was %q", uri, prefix, oldPrefix)
	return nil
}

// ExternalRemap applies a mapping replayed from another member.
func (r *Registry) ExternalRemap(ctx context.Context, oldPrefix, newPrefix, uri string) error {
	if err := validate(newPrefix, uri); err != nil {
		return err
	}
	if err := r.remap(newPrefix, uri); err != nil {
		return errors.Info(err, "apply replicated namespace", newPrefix, uri)
	}
	return nil
}

func (r *Registry) remap(prefix, uri string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if mapped, ok := r.prefixes[prefix]; ok && mapped != uri {
		return fmt.Errorf("%w: %q is mapped to %q", errors.ErrNamespaceExists, prefix, mapped)
	}
	oldPrefix, remapped := r.uris[uri]
	if remapped {
		delete(r.prefixes, oldPrefix)
	}
	r.prefixes[prefix] = uri
	r.uris[uri] = prefix

	if err := r.save(); err != nil {
		delete(r.prefixes, prefix)
		delete(r.uris, uri)
		if remapped {
			r.prefixes[oldPrefix] = uri
			r.uris[uri] = oldPrefix
		}
		return err
	}
	return nil
}

func (r *Registry) save() error {
	if r.cfg.Path == "" {
		return nil
	}
	custom := make(map[string]string)
	for prefix, uri := range r.prefixes {
		if _, ok := builtinPrefixes[prefix]; !ok {
			custom[prefix] = uri
		}
	}
	data, err := json.MarshalIndent(custom, "", "  ")
	if err != nil {
		return errors.Info(err, "json marshal namespaces failed")
	}
	if err = os.MkdirAll(filepath.Dir(r.cfg.Path), 0o755); err != nil {
		return errors.Info(err, "mkdir", filepath.Dir(r.cfg.Path))
	}
	if err = renameio.WriteFile(r.cfg.Path, data, 0o644); err != nil {
		return errors.Info(err, "write namespaces", r.cfg.Path)
	}
	return nil
}
