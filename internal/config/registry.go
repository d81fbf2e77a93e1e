package config

import (
	"fmt"
	"sync"

	"promobox/internal/pipeline"
)

// PipelineInfo describes a pipeline and the jobs it may run, in order.
// Conditional stages run only when there is something to promote.
type PipelineInfo struct {
	Name        pipeline.Name       `json:"name"`
	Action      string              `json:"action"`
	EntityType  string              `json:"entityType"`
	Stages      []pipeline.StageDef `json:"stages"`
	Conditional []string            `json:"conditional,omitempty"`
}

// Registry holds the resolved pipeline descriptions
type Registry struct {
	mu        sync.RWMutex
	pipelines map[pipeline.Name]PipelineInfo
}

// NewRegistry describes every pipeline built from defs.
func NewRegistry(defs pipeline.Definitions) *Registry {
	creds, push, deploy := defs.PromoteCredentials, defs.PushToGit, defs.DeployFromGit
	stages := map[pipeline.Name][]pipeline.StageDef{
		pipeline.PromoteCredentials: {creds},
		pipeline.PushToGit:          {push},
		pipeline.DeployFromGit:      {deploy},
		pipeline.FullPromotion:      {creds, push, deploy},
		pipeline.PullFromGit:        {creds, deploy},
	}

	r := &Registry{pipelines: make(map[pipeline.Name]PipelineInfo, len(stages))}
	for name, st := range stages {
		info := PipelineInfo{
			Name:       name,
			Action:     name.Action(),
			EntityType: string(name.EntityType()),
			Stages:     st,
		}
		if name == pipeline.FullPromotion || name == pipeline.PullFromGit {
			info.Conditional = []string{creds.Label}
		}
		r.pipelines[name] = info
	}
	return r
}

// Get retrieves a pipeline by name
func (r *Registry) Get(name string) (PipelineInfo, error) {
	n, err := pipeline.ParseName(name)
	if err != nil {
		return PipelineInfo{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.pipelines[n]
	if !exists {
		return PipelineInfo{}, fmt.Errorf("pipeline '%s' not found", name)
	}
	return info, nil
}

// List returns every pipeline in canonical order.
func (r *Registry) List() []PipelineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PipelineInfo, 0, len(r.pipelines))
	for _, n := range pipeline.Names {
		if info, ok := r.pipelines[n]; ok {
			out = append(out, info)
		}
	}
	return out
}

// Count returns the number of pipelines
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.pipelines)
}
