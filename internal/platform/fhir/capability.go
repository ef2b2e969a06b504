package fhir

import (
	"encoding/json"
	"fmt"
	"sort"
)

// CapabilityStatement is the subset of a server's /metadata response needed to
// decide which resource types can be searched.
type CapabilityStatement struct {
	ResourceType string           `json:"resourceType"`
	Status       string           `json:"status,omitempty"`
	FHIRVersion  string           `json:"fhirVersion,omitempty"`
	Software     *CapabilitySoft  `json:"software,omitempty"`
	Format       []string         `json:"format,omitempty"`
	Rest         []CapabilityRest `json:"rest,omitempty"`
}

type CapabilitySoft struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type CapabilityRest struct {
	Mode     string               `json:"mode"`
	Security *CapabilitySecurity  `json:"security,omitempty"`
	Resource []CapabilityResource `json:"resource,omitempty"`
}

type CapabilitySecurity struct {
	Service   []CodeableConcept `json:"service,omitempty"`
	Extension []Extension       `json:"extension,omitempty"`
}

type Extension struct {
	URL         string      `json:"url"`
	ValueURI    string      `json:"valueUri,omitempty"`
	ValueString string      `json:"valueString,omitempty"`
	Extension   []Extension `json:"extension,omitempty"`
}

type CapabilityResource struct {
	Type        string                  `json:"type"`
	Interaction []CapabilityInteraction `json:"interaction,omitempty"`
	SearchParam []CapabilitySearchParam `json:"searchParam,omitempty"`
}

type CapabilityInteraction struct {
	Code string `json:"code"`
}

type CapabilitySearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

const smartOAuthExtension = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"

// DecodeCapabilityStatement parses a /metadata response.
func DecodeCapabilityStatement(data []byte) (*CapabilityStatement, error) {
	var cs CapabilityStatement
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("decode capability statement: %w", err)
	}
	if cs.ResourceType != "CapabilityStatement" {
		return nil, fmt.Errorf("decode capability statement: unexpected resourceType %q", cs.ResourceType)
	}
	return &cs, nil
}

// SearchableTypes returns the sorted resource types for which the server
// declares the search-type interaction.
func (cs *CapabilityStatement) SearchableTypes() []string {
	seen := make(map[string]bool)
	for _, rest := range cs.Rest {
		if rest.Mode != "" && rest.Mode != "server" {
			continue
		}
		for _, r := range rest.Resource {
			for _, in := range r.Interaction {
				if in.Code == "search-type" {
					seen[r.Type] = true
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SupportsSearchParam reports whether resourceType declares the named search
// parameter.
func (cs *CapabilityStatement) SupportsSearchParam(resourceType, name string) bool {
	for _, rest := range cs.Rest {
		for _, r := range rest.Resource {
			if r.Type != resourceType {
				continue
			}
			for _, sp := range r.SearchParam {
				if sp.Name == name {
					return true
				}
			}
		}
	}
	return false
}

// OAuthURIs returns the authorize and token endpoints advertised via the
// SMART oauth-uris security extension, if present.
func (cs *CapabilityStatement) OAuthURIs() (authorize, token string) {
	for _, rest := range cs.Rest {
		if rest.Security == nil {
			continue
		}
		for _, ext := range rest.Security.Extension {
			if ext.URL != smartOAuthExtension {
				continue
			}
			for _, sub := range ext.Extension {
				switch sub.URL {
				case "authorize":
					authorize = sub.ValueURI
				case "token":
					token = sub.ValueURI
				}
			}
		}
	}
	return authorize, token
}

// SMARTConfiguration is the discovery document served at
// {base}/.well-known/smart-configuration.
type SMARTConfiguration struct {
	Issuer                        string   `json:"issuer,omitempty"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	Capabilities                  []string `json:"capabilities,omitempty"`
}

// SupportsS256 reports whether the server accepts S256 PKCE challenges. An
// empty list is treated as support since many servers omit the field.
func (s *SMARTConfiguration) SupportsS256() bool {
	if len(s.CodeChallengeMethodsSupported) == 0 {
		return true
	}
	for _, m := range s.CodeChallengeMethodsSupported {
		if m == "S256" {
			return true
		}
	}
	return false
}

// HasCapability reports whether the SMART capability flag is advertised.
func (s *SMARTConfiguration) HasCapability(name string) bool {
	for _, c := range s.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}
