package aliexpress

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/chinmina/aliexpress-bridge/internal/request"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Encoding describes how a parameter value is sent.
type Encoding string

const (
	EncodingPlain Encoding = "plain"
	EncodingJSON  Encoding = "json"
)

var (
	ErrUnknownMethod = errors.New("unknown method")
	ErrMissingParam  = errors.New("missing required parameter")
	ErrInvalidParam  = errors.New("invalid parameter")
)

// ParamSpec describes one business parameter.
type ParamSpec struct {
	Name     string   `yaml:"name"`
	Required bool     `yaml:"required"`
	Encoding Encoding `yaml:"encoding"`
}

// Descriptor declares a business method: its name, the HTTP method used to
// send it and the parameters it accepts.
type Descriptor struct {
	Name       string      `yaml:"name"`
	HTTPMethod string      `yaml:"http_method"`
	Params     []ParamSpec `yaml:"params"`
}

type catalogDocument struct {
	Methods []Descriptor `yaml:"methods"`
}

// Catalog is an immutable set of descriptors indexed by method name.
type Catalog struct {
	methods map[string]Descriptor
}

// DefaultCatalog returns the built-in method catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded method catalog is invalid: %v", err))
	}
	return c
}

// LoadCatalog returns the built-in catalog, extended or overridden by the
// descriptors in the YAML file at path. An empty path returns the built-in
// catalog.
func LoadCatalog(path string) (*Catalog, error) {
	base := DefaultCatalog()
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read method catalog %s: %w", path, err)
	}

	override, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("method catalog %s: %w", path, err)
	}

	return base.Merge(override), nil
}

// ParseCatalog reads and validates a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc catalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("could not parse method catalog: %w", err)
	}

	c := &Catalog{methods: make(map[string]Descriptor, len(doc.Methods))}
	for _, d := range doc.Methods {
		d, err := d.normalize()
		if err != nil {
			return nil, err
		}
		if _, dup := c.methods[d.Name]; dup {
			return nil, fmt.Errorf("method %s is declared more than once", d.Name)
		}
		c.methods[d.Name] = d
	}

	return c, nil
}

// Merge returns a catalog holding the descriptors of c, replaced or extended
// by those of other.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	merged := &Catalog{methods: make(map[string]Descriptor, len(c.methods)+len(other.methods))}
	for k, v := range c.methods {
		merged.methods[k] = v
	}
	for k, v := range other.methods {
		merged.methods[k] = v
	}
	return merged
}

// Lookup returns the descriptor for a method name.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	d, ok := c.methods[name]
	return d, ok
}

// Names returns the sorted method names in the catalog.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.methods))
	for k := range c.methods {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func (d Descriptor) normalize() (Descriptor, error) {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return d, errors.New("method descriptor has no name")
	}

	switch strings.ToUpper(d.HTTPMethod) {
	case "", http.MethodGet:
		d.HTTPMethod = http.MethodGet
	case http.MethodPost:
		d.HTTPMethod = http.MethodPost
	default:
		return d, fmt.Errorf("method %s: unsupported http_method %q", d.Name, d.HTTPMethod)
	}

	seen := make(map[string]bool, len(d.Params))
	params := make([]ParamSpec, len(d.Params))
	for i, p := range d.Params {
		if p.Name == "" {
			return d, fmt.Errorf("method %s: parameter %d has no name", d.Name, i)
		}
		if seen[p.Name] {
			return d, fmt.Errorf("method %s: parameter %s is declared more than once", d.Name, p.Name)
		}
		seen[p.Name] = true

		switch p.Encoding {
		case "":
			p.Encoding = EncodingPlain
		case EncodingPlain, EncodingJSON:
		default:
			return d, fmt.Errorf("method %s: parameter %s has unsupported encoding %q", d.Name, p.Name, p.Encoding)
		}
		params[i] = p
	}
	d.Params = params

	return d, nil
}

// Prepare checks params against the descriptor and applies parameter
// encodings. Parameters the descriptor does not declare are passed through
// unchanged. The input map is not modified.
func (d Descriptor) Prepare(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if v != nil {
			out[k] = v
		}
	}

	for _, p := range d.Params {
		v, ok := out[p.Name]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("%w %q for %s", ErrMissingParam, p.Name, d.Name)
			}
			continue
		}

		if p.Encoding != EncodingJSON {
			continue
		}

		encoded, err := encodeJSON(v)
		if err != nil {
			return nil, fmt.Errorf("%w %q for %s: %w", ErrInvalidParam, p.Name, d.Name, err)
		}
		out[p.Name] = encoded
	}

	return out, nil
}

// encodeJSON returns v as compact JSON text. Strings are taken to be JSON
// already and are validated.
func encodeJSON(v any) (string, error) {
	var text []byte
	switch val := v.(type) {
	case string:
		text = []byte(val)
	case []byte:
		text = val
	case json.RawMessage:
		text = val
	default:
		return request.MarshalJSON(v)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, text); err != nil {
		return "", err
	}
	return buf.String(), nil
}
