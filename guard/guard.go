// Package guard implements the ordered gate pipeline that runs before the
// forwarder: authentication, probe detection, session assignment,
// sensitive-word filtering, rate-limit gating and a final provider-gate
// check. Each stage may short-circuit the request with a final
// core.Response (e.g. a 401 or a blocked-content response); the chain
// stops at the first stage that does. This generalizes this repository's
// own middleware chain (see llm/middleware/chain.go) from a
// always-call-next Handler chain into one where a stage can terminate the
// pipeline outright, since a gate either lets a request through or
// answers it directly.
package guard

import (
	"context"

	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
	"github.com/cch-gateway/cch-gateway/gatewayerr"
)

// Stage is one gate in the pipeline. Returning a non-nil Response or a
// non-nil error stops the chain; returning (nil, nil) lets the next stage
// run.
type Stage func(ctx context.Context, rc *core.RequestContext) (*core.Response, *gatewayerr.Error)

// namedStage pairs a Stage with a label for logging.
type namedStage struct {
	name  string
	stage Stage
}

// Chain is an ordered, short-circuiting sequence of Stages.
type Chain struct {
	stages []namedStage
	logger *zap.Logger
}

func NewChain(logger *zap.Logger) *Chain {
	return &Chain{logger: logger.With(zap.String("component", "guard"))}
}

// Use appends a named stage, run in the order added.
func (c *Chain) Use(name string, stage Stage) *Chain {
	c.stages = append(c.stages, namedStage{name: name, stage: stage})
	return c
}

// Run executes every stage in order until one short-circuits or they all
// pass, in which case the caller proceeds to the forwarder.
func (c *Chain) Run(ctx context.Context, rc *core.RequestContext) (*core.Response, *gatewayerr.Error) {
	for _, s := range c.stages {
		resp, err := s.stage(ctx, rc)
		if err != nil {
			c.logger.Debug("guard stage rejected request", zap.String("stage", s.name), zap.String("kind", string(err.Kind)))
			return nil, err
		}
		if resp != nil {
			c.logger.Debug("guard stage short-circuited request", zap.String("stage", s.name))
			return resp, nil
		}
	}
	return nil, nil
}
