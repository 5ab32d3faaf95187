package driver

import (
	"regexp"

	"github.com/pipedash/pipedash/pkg/domain"
)

// ConfigField describes one key of a provider's opaque_config map: whether
// it is required, and (if set) a validator the value must match.
type ConfigField struct {
	Name     string
	Required bool
	Pattern  *regexp.Regexp
}

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
var urlPattern = regexp.MustCompile(`^https?://`)

// ConfigSchema returns the declared opaque_config shape for providerType, the
// same validation the teacher's OpaqueConfig-reading constructors assume
// silently; add_provider runs it explicitly before ever touching the network.
func ConfigSchema(providerType domain.ProviderType) []ConfigField {
	switch providerType {
	case domain.ProviderGitHub:
		return []ConfigField{
			{Name: "owner", Required: true, Pattern: slugPattern},
			{Name: "repo", Required: true, Pattern: slugPattern},
		}
	case domain.ProviderGitLab:
		return []ConfigField{
			{Name: "project", Required: true},
			{Name: "base_url", Required: false, Pattern: urlPattern},
		}
	case domain.ProviderBitbucket:
		return []ConfigField{
			{Name: "workspace", Required: true, Pattern: slugPattern},
			{Name: "repo_slug", Required: true, Pattern: slugPattern},
		}
	case domain.ProviderJenkins:
		return []ConfigField{
			{Name: "base_url", Required: true, Pattern: urlPattern},
			{Name: "user", Required: false},
		}
	case domain.ProviderBuildkite:
		return []ConfigField{
			{Name: "org", Required: true, Pattern: slugPattern},
			{Name: "pipeline", Required: true, Pattern: slugPattern},
		}
	case domain.ProviderArgoCD:
		return []ConfigField{
			{Name: "api_server", Required: true, Pattern: urlPattern},
			{Name: "namespace", Required: true, Pattern: slugPattern},
		}
	case domain.ProviderTekton:
		return []ConfigField{
			{Name: "api_server", Required: true, Pattern: urlPattern},
			{Name: "namespace", Required: true, Pattern: slugPattern},
		}
	default:
		return nil
	}
}

// ValidateConfig checks cfg against providerType's declared schema: every
// required field present and non-empty, every present field matching its
// pattern (if any). Unknown provider types yield invalid_provider_type.
func ValidateConfig(providerType domain.ProviderType, cfg map[string]string) error {
	schema := ConfigSchema(providerType)
	if schema == nil {
		return domain.InvalidProvider("unsupported provider type " + string(providerType))
	}

	for _, field := range schema {
		value, present := cfg[field.Name]
		if field.Required && (!present || value == "") {
			return domain.InvalidConfig("missing required field " + field.Name)
		}
		if present && value != "" && field.Pattern != nil && !field.Pattern.MatchString(value) {
			return domain.InvalidConfig("field " + field.Name + " has invalid format")
		}
	}
	return nil
}
