// Package manifest parses a bundle's manifest document — a YAML mapping
// exposing the well-known headers of SPEC_FULL.md §3/§6 plus an optional
// `scr.components` declarative-component section — and evaluates the
// `{{ }}` property templates manifests may embed.
package manifest

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"

	"module/internal/api"
)

// Well-known manifest header names (SPEC_FULL.md §6).
const (
	HeaderSymbolicName = "bundle.symbolic_name"
	HeaderVersion      = "bundle.version"
	HeaderActivator    = "bundle.activator"
	HeaderAutostart    = "bundle.autostart"
	HeaderSCR          = "scr"
)

// Manifest is an immutable, case-insensitive mapping from header name to
// arbitrary value, matching SPEC_FULL.md §3's "Manifest" data model entry.
type Manifest struct {
	raw map[string]interface{}
}

// Parse reads a YAML manifest document. The top level must be a mapping;
// anything else is a MANIFEST_PARSE error.
func Parse(data []byte) (*Manifest, error) {
	var decoded map[string]interface{}
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return nil, api.Wrap(api.KindManifestParse, "manifest is not a valid YAML mapping", err)
	}
	if decoded == nil {
		return nil, api.New(api.KindManifestParse, "manifest document is empty")
	}
	return &Manifest{raw: normalizeKeys(decoded)}, nil
}

// normalizeKeys lowercases top-level keys so lookups are case-insensitive;
// nested maps are left as-is since only top-level headers are addressed by
// name elsewhere in the framework.
func normalizeKeys(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// Get looks up a header case-insensitively.
func (m *Manifest) Get(key string) (interface{}, bool) {
	v, ok := m.raw[strings.ToLower(key)]
	return v, ok
}

// GetString returns a string header, or "" if absent or not a string.
func (m *Manifest) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetBool returns a boolean header, defaulting to def if absent or not a bool.
func (m *Manifest) GetBool(key string, def bool) bool {
	v, ok := m.Get(key)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// SymbolicName returns the bundle.symbolic_name header.
func (m *Manifest) SymbolicName() string { return m.GetString(HeaderSymbolicName) }

// Version returns the bundle.version header.
func (m *Manifest) Version() string { return m.GetString(HeaderVersion) }

// HasActivator reports whether bundle.activator is true.
func (m *Manifest) HasActivator() bool { return m.GetBool(HeaderActivator, false) }

// Autostart reports whether bundle.autostart is true.
func (m *Manifest) Autostart() bool { return m.GetBool(HeaderAutostart, false) }

// Validate checks the required headers are present, per SPEC_FULL.md §4.1's
// "required header missing" MANIFEST_PARSE case.
func (m *Manifest) Validate() error {
	if m.SymbolicName() == "" {
		return api.New(api.KindManifestParse, "missing required header "+HeaderSymbolicName)
	}
	if m.Version() == "" {
		return api.New(api.KindManifestParse, "missing required header "+HeaderVersion)
	}
	return nil
}

// Cardinality enumerates the four reference cardinalities SPEC_FULL.md §3
// allows for a component reference.
type Cardinality string

const (
	CardinalityZeroToOne Cardinality = "0..1"
	CardinalityOneToOne  Cardinality = "1..1"
	CardinalityZeroToN   Cardinality = "0..n"
	CardinalityOneToN    Cardinality = "1..n"
)

// Mandatory reports whether this cardinality requires at least one bound
// candidate to reach SATISFIED.
func (c Cardinality) Mandatory() bool {
	return c == CardinalityOneToOne || c == CardinalityOneToN
}

// Multiple reports whether this cardinality allows more than one binding.
func (c Cardinality) Multiple() bool {
	return c == CardinalityZeroToN || c == CardinalityOneToN
}

// BindingPolicy is static (bound once) or dynamic (live rebind).
type BindingPolicy string

const (
	PolicyStatic  BindingPolicy = "static"
	PolicyDynamic BindingPolicy = "dynamic"
)

// PolicyOption is reluctant (inert once bound) or greedy (always rebind to
// best candidate).
type PolicyOption string

const (
	OptionReluctant PolicyOption = "reluctant"
	OptionGreedy    PolicyOption = "greedy"
)

// ConfigurationPolicy governs how a pushed configuration-admin document
// gates activation (SPEC_FULL.md §4.5).
type ConfigurationPolicy string

const (
	ConfigPolicyIgnore   ConfigurationPolicy = "ignore"
	ConfigPolicyOptional ConfigurationPolicy = "optional"
	ConfigPolicyRequire  ConfigurationPolicy = "require"
)

// ReferenceDescription declares one service dependency of a component.
type ReferenceDescription struct {
	Name         string
	Interface    string
	Cardinality  Cardinality
	Policy       BindingPolicy
	PolicyOption PolicyOption
	Target       string // optional filter expression
}

// ComponentDescription is the static declaration of a component, parsed
// from the manifest's `scr.components` list (SPEC_FULL.md §3).
type ComponentDescription struct {
	Name                string
	Implementation      string
	Interfaces          []string
	Enabled             bool
	Immediate           bool
	ConfigurationPolicy ConfigurationPolicy
	Pid                 string
	References          []ReferenceDescription
}

// Components parses the scr.components list, if present. A manifest with no
// scr key yields an empty, nil-error result: DCR involvement is optional.
func (m *Manifest) Components() ([]ComponentDescription, error) {
	scrRaw, ok := m.Get(HeaderSCR)
	if !ok {
		return nil, nil
	}
	scr, ok := scrRaw.(map[string]interface{})
	if !ok {
		return nil, api.New(api.KindManifestParse, "scr header must be a mapping")
	}

	listRaw, ok := scr["components"]
	if !ok {
		return nil, nil
	}
	list, ok := listRaw.([]interface{})
	if !ok {
		return nil, api.New(api.KindManifestParse, "scr.components must be a list")
	}

	components := make([]ComponentDescription, 0, len(list))
	for i, entryRaw := range list {
		entry, ok := entryRaw.(map[string]interface{})
		if !ok {
			return nil, api.New(api.KindManifestParse, fmt.Sprintf("scr.components[%d] must be a mapping", i))
		}
		cd, err := parseComponent(entry)
		if err != nil {
			return nil, err
		}
		components = append(components, cd)
	}
	return components, nil
}

func parseComponent(entry map[string]interface{}) (ComponentDescription, error) {
	cd := ComponentDescription{
		Enabled:             true,
		Immediate:           false,
		ConfigurationPolicy: ConfigPolicyOptional,
	}

	if name, ok := entry["name"].(string); ok {
		cd.Name = name
	}
	if cd.Name == "" {
		return cd, api.New(api.KindManifestParse, "component missing required name")
	}
	cd.Pid = cd.Name

	if impl, ok := entry["implementation"].(string); ok {
		cd.Implementation = impl
	}
	if cd.Implementation == "" {
		cd.Implementation = cd.Name
	}

	if ifaces, ok := entry["interfaces"].([]interface{}); ok {
		for _, raw := range ifaces {
			if s, ok := raw.(string); ok {
				cd.Interfaces = append(cd.Interfaces, s)
			}
		}
	}

	if v, ok := entry["enabled"].(bool); ok {
		cd.Enabled = v
	}
	if v, ok := entry["immediate"].(bool); ok {
		cd.Immediate = v
	}
	if v, ok := entry["pid"].(string); ok && v != "" {
		cd.Pid = v
	}
	if v, ok := entry["configuration-policy"].(string); ok {
		cd.ConfigurationPolicy = ConfigurationPolicy(v)
	}

	if refsRaw, ok := entry["references"].([]interface{}); ok {
		for i, refRaw := range refsRaw {
			ref, ok := refRaw.(map[string]interface{})
			if !ok {
				return cd, api.New(api.KindManifestParse, fmt.Sprintf("component %s references[%d] must be a mapping", cd.Name, i))
			}
			rd, err := parseReference(cd.Name, ref)
			if err != nil {
				return cd, err
			}
			cd.References = append(cd.References, rd)
		}
	}

	return cd, nil
}

func parseReference(componentName string, ref map[string]interface{}) (ReferenceDescription, error) {
	rd := ReferenceDescription{
		Cardinality:  CardinalityOneToOne,
		Policy:       PolicyStatic,
		PolicyOption: OptionReluctant,
	}
	if v, ok := ref["name"].(string); ok {
		rd.Name = v
	}
	if v, ok := ref["interface"].(string); ok {
		rd.Interface = v
	}
	if rd.Interface == "" {
		return rd, api.New(api.KindManifestParse, fmt.Sprintf("component %s: reference missing required interface", componentName))
	}
	if rd.Name == "" {
		rd.Name = rd.Interface
	}
	if v, ok := ref["cardinality"].(string); ok {
		rd.Cardinality = Cardinality(v)
	}
	if v, ok := ref["policy"].(string); ok {
		rd.Policy = BindingPolicy(v)
	}
	if v, ok := ref["policy-option"].(string); ok {
		rd.PolicyOption = PolicyOption(v)
	}
	if v, ok := ref["target"].(string); ok {
		rd.Target = v
	}
	return rd, nil
}

// ExpandTemplates evaluates every `{{ }}` expression found in string-valued
// headers against props, using text/template plus the sprig function
// library — the same combination muster's internal/template engine uses for
// ServiceConfig argument expansion, generalized here to manifest headers.
func (m *Manifest) ExpandTemplates(props map[string]interface{}) (*Manifest, error) {
	expanded := make(map[string]interface{}, len(m.raw))
	for k, v := range m.raw {
		ev, err := expandValue(k, v, props)
		if err != nil {
			return nil, err
		}
		expanded[k] = ev
	}
	return &Manifest{raw: expanded}, nil
}

func expandValue(key string, v interface{}, props map[string]interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return expandString(key, t, props)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, nested := range t {
			ev, err := expandValue(k, nested, props)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, nested := range t {
			ev, err := expandValue(fmt.Sprintf("%s[%d]", key, i), nested, props)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	default:
		return v, nil
	}
}

func expandString(key, s string, props map[string]interface{}) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	tmpl, err := template.New(key).Funcs(sprig.TxtFuncMap()).Parse(s)
	if err != nil {
		return "", api.Wrap(api.KindManifestParse, fmt.Sprintf("header %s: invalid template", key), err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, props); err != nil {
		return "", api.Wrap(api.KindManifestParse, fmt.Sprintf("header %s: template evaluation failed", key), err)
	}
	return buf.String(), nil
}
