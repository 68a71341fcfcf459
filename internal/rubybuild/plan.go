package rubybuild

import "io"

// BuildContext carries everything a build step needs. Steps run with the
// working directory set to the package's source tree.
type BuildContext struct {
	Cfg         *Config
	Exec        *Executor
	Log         io.Writer
	PackageName string
	SourceDir   string
	Prefix      string
}

type stepFunc func(*BuildContext) error

type resolvedStep struct {
	name string
	fn   stepFunc
}

// buildSteps maps step names to their implementations. Resolution happens
// once, at plan construction; a plan never dispatches by string at run
// time.
var buildSteps = map[string]stepFunc{
	"standard_build":   stepStandardBuild,
	"standard_install": stepStandardInstall,
	"autoconf":         stepAutoconf,
	"copy_files":       stepCopyFiles,
	"verify_openssl":   stepVerifyOpenSSL,
	"eol_warning":      stepEOLWarning,
}

// Plan is an ordered, fully resolved sequence of build steps. The hooks run
// unconditionally around every step; they are no-ops unless set.
type Plan struct {
	steps      []resolvedStep
	BeforeStep func(step string, b *BuildContext) error
	AfterStep  func(step string, b *BuildContext) error
}

// ResolvePlan maps step names to actions up front, so an unknown name fails
// before any subprocess for the plan is spawned. An empty list means the
// default plan. "standard" is kept as an alias for standard_build followed
// by standard_install, for compatibility with older plans that only name
// standard.
func ResolvePlan(names []string) (*Plan, error) {
	if len(names) == 0 {
		names = []string{"standard"}
	}

	plan := &Plan{}
	for _, name := range names {
		if name == "standard" {
			plan.steps = append(plan.steps,
				resolvedStep{name: "standard_build", fn: stepStandardBuild},
				resolvedStep{name: "standard_install", fn: stepStandardInstall},
			)
			continue
		}
		fn, ok := buildSteps[name]
		if !ok {
			return nil, &UnknownBuildStepError{Step: name}
		}
		plan.steps = append(plan.steps, resolvedStep{name: name, fn: fn})
	}
	return plan, nil
}

// Steps returns the resolved step names in execution order.
func (p *Plan) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.name
	}
	return names
}

// Run executes the plan. The first failing step aborts the remainder;
// there is no partial-success notion for a build pipeline.
func (p *Plan) Run(b *BuildContext) error {
	for _, step := range p.steps {
		if p.BeforeStep != nil {
			if err := p.BeforeStep(step.name, b); err != nil {
				return err
			}
		}
		debugf("Running build step %s for %s\n", step.name, b.PackageName)
		if err := step.fn(b); err != nil {
			return err
		}
		if p.AfterStep != nil {
			if err := p.AfterStep(step.name, b); err != nil {
				return err
			}
		}
	}
	return nil
}
