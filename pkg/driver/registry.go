package driver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/driver/argocd"
	"github.com/pipedash/pipedash/pkg/driver/bitbucket"
	"github.com/pipedash/pipedash/pkg/driver/buildkite"
	"github.com/pipedash/pipedash/pkg/driver/github"
	"github.com/pipedash/pipedash/pkg/driver/gitlab"
	"github.com/pipedash/pipedash/pkg/driver/jenkins"
	"github.com/pipedash/pipedash/pkg/driver/tekton"
)

// New constructs the concrete Driver for cfg.Provider.ProviderType, the same
// switch-on-type-tag shape the concurrency manager in the retrieval corpus
// uses to pick a storage backend.
func New(cfg Config, logger *zap.SugaredLogger) (Driver, error) {
	switch cfg.Provider.ProviderType {
	case domain.ProviderGitHub:
		return github.New(cfg.Provider, cfg.Token, cfg.HTTP.Client(), logger)
	case domain.ProviderGitLab:
		return gitlab.New(cfg.Provider, cfg.Token, cfg.HTTP.Client(), logger)
	case domain.ProviderBitbucket:
		return bitbucket.New(cfg.Provider, cfg.Token, cfg.HTTP.Client(), logger)
	case domain.ProviderJenkins:
		return jenkins.New(cfg.Provider, cfg.Token, cfg.HTTP.Client(), logger)
	case domain.ProviderBuildkite:
		return buildkite.New(cfg.Provider, cfg.Token, cfg.HTTP.Client(), logger)
	case domain.ProviderArgoCD:
		return argocd.New(cfg.Provider, cfg.Token, logger)
	case domain.ProviderTekton:
		return tekton.New(cfg.Provider, cfg.Token, logger)
	default:
		return nil, domain.InvalidProvider(fmt.Sprintf("unsupported provider type %q", cfg.Provider.ProviderType))
	}
}
