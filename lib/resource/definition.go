package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// CompositeSeparator joins the field values of a composite index key
const CompositeSeparator = "\x1f"

// compositeEscape prefixes separator and escape bytes inside a field value,
// so every list of values maps to exactly one key
const compositeEscape = "\x1b"

var compositeEscaper = strings.NewReplacer(
	compositeEscape, compositeEscape+compositeEscape,
	CompositeSeparator, compositeEscape+CompositeSeparator,
)

// JoinKey builds an index key from field values. It is used for storing and for querying.
func JoinKey(values ...string) string {
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = compositeEscaper.Replace(v)
	}
	return strings.Join(escaped, CompositeSeparator)
}

// Resource is implemented by every stored shape
type Resource interface {
	// ResourceID returns the primary key of the resource
	ResourceID() string
}

// TransformFunc turns a raw server payload into the stored representation.
// It may block, e.g. to decrypt fields with keychain material.
type TransformFunc func(ctx context.Context, raw json.RawMessage) (Resource, error)

// Config is the static configuration of a resource kind
type Config struct {
	Kind             Kind
	IndexedKeys      []string      // fields with exact-match lookup
	CompositeIndexes [][]string    // multi field exact-match lookup, order matters
	Transient        bool          // never stored, only passed through
	Transform        TransformFunc // optional, defaults to json decoding
}

// Definition is the immutable, validated metadata of one resource kind
type Definition struct {
	kind        Kind
	indexedKeys []string
	composite   [][]string
	transient   bool
	transform   TransformFunc
	typ         reflect.Type
	fields      map[string]int // json name -> struct field index
}

// Define validates cfg against the stored type T and returns the definition.
// T must be a struct type whose json tags declare its fields, and it must have an "id" field.
func Define[T Resource](cfg Config) (*Definition, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() != reflect.Struct {
		return nil, &ConfigurationError{Kind: cfg.Kind, Msg: fmt.Sprintf("stored type %s is not a struct", typ)}
	}
	if !cfg.Kind.Valid() {
		return nil, &ConfigurationError{Kind: cfg.Kind, Msg: "unknown resource kind"}
	}

	fields := declaredFields(typ)
	if _, ok := fields["id"]; !ok {
		return nil, &ConfigurationError{Kind: cfg.Kind, Field: "id", Msg: "stored type has no id field"}
	}

	check := func(name string) error {
		idx, ok := fields[name]
		if !ok {
			return &ConfigurationError{Kind: cfg.Kind, Field: name, Msg: fmt.Sprintf("field not declared by %s", typ)}
		}
		if !isScalar(typ.Field(idx).Type) {
			return &ConfigurationError{Kind: cfg.Kind, Field: name, Msg: "only scalar fields can be indexed"}
		}
		return nil
	}

	seen := make(map[string]bool)
	for _, key := range cfg.IndexedKeys {
		if err := check(key); err != nil {
			return nil, err
		}
		if seen[key] {
			return nil, &ConfigurationError{Kind: cfg.Kind, Field: key, Msg: "duplicate index"}
		}
		seen[key] = true
	}
	for _, composite := range cfg.CompositeIndexes {
		if len(composite) < 2 {
			return nil, &ConfigurationError{Kind: cfg.Kind, Field: strings.Join(composite, ","), Msg: "composite index needs at least two fields"}
		}
		for _, key := range composite {
			if err := check(key); err != nil {
				return nil, err
			}
		}
		name := CompositeName(composite...)
		if seen[name] {
			return nil, &ConfigurationError{Kind: cfg.Kind, Field: name, Msg: "duplicate index"}
		}
		seen[name] = true
	}

	composite := make([][]string, len(cfg.CompositeIndexes))
	for i, c := range cfg.CompositeIndexes {
		composite[i] = append([]string(nil), c...)
	}

	return &Definition{
		kind:        cfg.Kind,
		indexedKeys: append([]string(nil), cfg.IndexedKeys...),
		composite:   composite,
		transient:   cfg.Transient,
		transform:   cfg.Transform,
		typ:         typ,
		fields:      fields,
	}, nil
}

// MustDefine is like Define but panics on configuration errors
func MustDefine[T Resource](cfg Config) *Definition {
	def, err := Define[T](cfg)
	if err != nil {
		panic(err)
	}
	return def
}

// CompositeName returns the index name of a composite index
func CompositeName(fields ...string) string {
	return strings.Join(fields, "+")
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (d *Definition) Kind() Kind      { return d.kind }
func (d *Definition) Transient() bool { return d.transient }

// IndexedKeys returns the single field indexes
func (d *Definition) IndexedKeys() []string {
	return append([]string(nil), d.indexedKeys...)
}

// CompositeIndexes returns the composite indexes
func (d *Definition) CompositeIndexes() [][]string {
	out := make([][]string, len(d.composite))
	for i, c := range d.composite {
		out[i] = append([]string(nil), c...)
	}
	return out
}

// Indexes returns every index of the kind as name -> fields.
// Single field indexes are named after their field, composite ones by CompositeName.
func (d *Definition) Indexes() map[string][]string {
	out := make(map[string][]string, len(d.indexedKeys)+len(d.composite))
	for _, key := range d.indexedKeys {
		out[key] = []string{key}
	}
	for _, c := range d.composite {
		out[CompositeName(c...)] = append([]string(nil), c...)
	}
	return out
}

// FieldValue returns the string form of a declared field of res
func (d *Definition) FieldValue(res Resource, field string) (string, bool) {
	idx, ok := d.fields[field]
	if !ok {
		return "", false
	}
	v := reflect.ValueOf(res)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return "", false
		}
		v = v.Elem()
	}
	if v.Type() != d.typ {
		return "", false
	}
	return formatScalar(v.Field(idx)), true
}

// IndexKey builds the lookup key of res for an index spanning fields
func (d *Definition) IndexKey(res Resource, fields []string) (string, bool) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		val, ok := d.FieldValue(res, f)
		if !ok {
			return "", false
		}
		parts[i] = val
	}
	return JoinKey(parts...), true
}

// Decode turns a raw payload into the stored representation.
// The kinds transform is used if set, otherwise the payload is json decoded into the stored type.
func (d *Definition) Decode(ctx context.Context, raw json.RawMessage) (Resource, error) {
	var (
		res Resource
		err error
	)
	if d.transform != nil {
		res, err = d.transform(ctx, raw)
		if err != nil {
			return nil, err
		}
	} else {
		ptr := reflect.New(d.typ)
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", d.kind, err)
		}
		res = ptr.Elem().Interface().(Resource)
	}

	if res == nil {
		return nil, fmt.Errorf("transform of %s returned no resource", d.kind)
	}
	if v := reflect.ValueOf(res); v.Type() != d.typ {
		if !(v.Kind() == reflect.Pointer && !v.IsNil() && v.Elem().Type() == d.typ) {
			return nil, fmt.Errorf("transform of %s returned %s, expected %s", d.kind, v.Type(), d.typ)
		}
		res = v.Elem().Interface().(Resource)
	}
	if res.ResourceID() == "" {
		return nil, fmt.Errorf("%s resource without id", d.kind)
	}
	return res, nil
}

// --------------------------------------------------------------------------
// Reflection helpers
// --------------------------------------------------------------------------

// declaredFields maps the json names of the exported fields of typ to their index
func declaredFields(typ reflect.Type) map[string]int {
	fields := make(map[string]int, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		fields[name] = i
	}
	return fields
}

func isScalar(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func formatScalar(v reflect.Value) string {
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	default:
		return fmt.Sprint(v.Interface())
	}
}
