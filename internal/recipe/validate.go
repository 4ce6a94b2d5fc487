package recipe

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"mvdan.cc/sh/v3/syntax"
)

// Modifier state at the end of a stage, inherited by stages derived from it.
type stageEnd struct {
	workdir string
	user    string
}

// Tracks what has been seen while walking a recipe.
type validator struct {
	recipe  *Recipe
	index   map[string]int      // Stage name to position.
	ends    map[string]stageEnd // Modifier state at the end of each named stage.
	version string              // Interpreter version the recipe is built around.
	parser  *syntax.Parser
	errs    []error
}

// Checks the recipe for structural and semantic errors.
//
// All problems are reported together, joined under [ErrInvalid]. A recipe
// that passes validation can be executed without any container having been
// started for a stage that is bound to fail on a reference error.
func (r *Recipe) Validate() error {
	v := &validator{
		recipe: r,
		index:  make(map[string]int, len(r.Stages)),
		ends:   make(map[string]stageEnd, len(r.Stages)),
		parser: syntax.NewParser(),
	}

	v.checkPython()

	if len(r.Stages) == 0 {
		v.fail("recipe has no stages")
	}

	for i := range r.Stages {
		v.checkStage(i)
	}

	v.checkImage()

	if len(v.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(v.errs...))
}

// Returns the effective "uid[:gid]" the exported image runs as.
func (r *Recipe) EffectiveUser() string {
	if r.Image.User != "" {
		return r.Image.User
	}
	ends := make(map[string]string, len(r.Stages))
	user := ""
	for _, st := range r.Stages {
		user = ends[st.From] // Empty when the stage starts from an image.
		user = lastModifier(st.Steps, user, func(s Step) string { return s.User })
		if st.Name != "" {
			ends[st.Name] = user
		}
	}
	return user
}

// Reports whether ref names a stage of this recipe.
func (r *Recipe) isStageRef(ref string) bool {
	_, ok := r.Stage(ref)
	return ok
}

func (v *validator) fail(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

// Establishes the interpreter version from the explicit setting or the first
// stage's base image, and checks the two agree.
func (v *validator) checkPython() {
	v.version = v.recipe.Python.Version
	if v.version != "" && !versionPattern.MatchString(v.version) {
		v.fail("python version %q is not major.minor", v.version)
		v.version = ""
		return
	}

	if len(v.recipe.Stages) == 0 {
		return
	}

	imgVersion, ok := imageVersion(v.recipe.Stages[0].From)
	switch {
	case !ok:
	case v.version == "":
		v.version = imgVersion
	case imgVersion != v.version:
		v.fail("base image %q provides python %s, recipe declares %s", v.recipe.Stages[0].From, imgVersion, v.version)
	}
}

func (v *validator) checkStage(i int) {
	st := &v.recipe.Stages[i]
	label := stageLabel(st.Name, i)

	if st.Name != "" {
		if strings.ContainsAny(st.Name, "/: ") {
			v.fail("stage %s: name must not contain '/', ':' or spaces", label)
		}
		if _, dup := v.index[st.Name]; dup {
			v.fail("stage %s: duplicate stage name", label)
		}
	}

	last := i == len(v.recipe.Stages)-1
	if st.Transient == last {
		if last {
			v.fail("stage %s: the final stage must not be transient", label)
		} else {
			v.fail("stage %s: only the final stage may be exported; mark it transient", label)
		}
	}

	end := v.checkFrom(st, label)

	// Register after checking "from" so a stage cannot derive from itself.
	if st.Name != "" {
		v.index[st.Name] = i
	}

	for _, out := range st.Outputs {
		if !path.IsAbs(out) {
			v.fail("stage %s: output %q must be absolute", label, out)
		}
	}

	end = v.checkSteps(st.Steps, label, i, end)

	if st.Name != "" {
		v.ends[st.Name] = end
	}
}

// Validates the stage's base and returns the modifier state it inherits.
func (v *validator) checkFrom(st *Stage, label string) stageEnd {
	if st.From == "" {
		v.fail("stage %s: missing from", label)
		return stageEnd{}
	}

	if _, ok := v.index[st.From]; ok {
		return v.ends[st.From]
	}

	if st.From == st.Name || v.recipe.isStageRef(st.From) {
		v.fail("stage %s: from %q refers to itself or a later stage", label, st.From)
		return stageEnd{}
	}

	if _, err := name.ParseReference(st.From); err != nil {
		v.fail("stage %s: from %q is neither an earlier stage nor an image reference: %v", label, st.From, err)
	}
	return stageEnd{}
}

// Walks a step list, tracking persistent modifiers the way the build does.
func (v *validator) checkSteps(steps []Step, label string, stageIndex int, state stageEnd) stageEnd {
	for n, step := range steps {
		where := fmt.Sprintf("stage %s, step %d", label, n+1)

		if step.User != "" {
			if _, _, err := ParseUser(step.User); err != nil {
				v.fail("%s: %v", where, err)
			}
		}
		if step.Workdir != "" && !path.IsAbs(step.Workdir) {
			v.fail("%s: workdir %q must be absolute", where, step.Workdir)
		}

		switch {
		case len(step.Steps) > 0:
			if step.IsOperation() {
				v.fail("%s: a group cannot also run or copy", where)
			}
			state = applyEnd(state, step)
			state = v.checkSteps(step.Steps, label, stageIndex, state)

		case step.Run != "" && step.Copy != "":
			v.fail("%s: run and copy are mutually exclusive", where)

		case step.Run != "":
			if _, err := v.parser.Parse(strings.NewReader(step.Run), ""); err != nil {
				v.fail("%s: invalid shell command: %v", where, err)
			}

		case step.Copy != "":
			workdir := state.workdir
			if step.Workdir != "" {
				workdir = step.Workdir
			}
			v.checkCopy(step.Copy, workdir, where, stageIndex)

		default:
			state = applyEnd(state, step)
		}
	}
	return state
}

func (v *validator) checkCopy(copyStr, workdir, where string, stageIndex int) {
	src, dest, err := SplitCopy(copyStr)
	if err != nil {
		v.fail("%s: %v", where, err)
		return
	}

	if !path.IsAbs(dest) && workdir == "" {
		v.fail("%s: relative destination %q requires a workdir", where, dest)
	}

	v.checkSitePackages(src, where)
	v.checkSitePackages(dest, where)

	stage, srcPath, ok := SplitStageSource(src)
	if !ok {
		if path.IsAbs(src) || strings.HasPrefix(path.Clean(src), "..") {
			v.fail("%s: host source %q must stay inside the build context", where, src)
		}
		return
	}

	idx, known := v.index[stage]
	switch {
	case !known && v.recipe.isStageRef(stage):
		v.fail("%s: copy from stage %q which is not built yet", where, stage)
		return
	case !known:
		v.fail("%s: copy from unknown stage %q", where, stage)
		return
	case idx == stageIndex:
		v.fail("%s: copy from the stage being built", where)
		return
	}

	if !path.IsAbs(srcPath) {
		v.fail("%s: cross-stage source %q must be absolute", where, srcPath)
		return
	}

	if path.Base(srcPath) != path.Base(path.Clean(dest)) {
		v.fail("%s: cross-stage copy must keep the base name (%q to %q)", where, srcPath, dest)
	}

	producer := &v.recipe.Stages[idx]
	if len(producer.Outputs) > 0 && !underAny(srcPath, producer.Outputs) {
		v.fail("%s: %q is not among the outputs of stage %q", where, srcPath, stage)
	}
}

// Checks that a path naming a site-packages directory matches the recipe's
// interpreter version.
func (v *validator) checkSitePackages(p, where string) {
	got, ok := sitePackagesVersion(p)
	if !ok {
		return
	}
	if v.version == "" {
		v.version = got
		return
	}
	if got != v.version {
		v.fail("%s: %q belongs to python %s, recipe is built for python %s", where, p, got, v.version)
	}
}

func (v *validator) checkImage() {
	img := v.recipe.Image

	user := v.recipe.EffectiveUser()
	if user == "" {
		v.fail("image: no user set, the image would run as root")
	} else if uid, _, err := ParseUser(user); err != nil {
		v.fail("image: %v", err)
	} else if uid == 0 {
		v.fail("image: user %q is root", user)
	}

	for _, p := range img.Ports {
		if p < 1 || p > 65535 {
			v.fail("image: port %d out of range", p)
		}
	}

	if img.Workdir != "" && !path.IsAbs(img.Workdir) {
		v.fail("image: workdir %q must be absolute", img.Workdir)
	}

	if len(img.Cmd) == 0 && len(img.Entrypoint) == 0 {
		v.fail("image: no cmd or entrypoint")
	}

	if hc := img.Healthcheck; hc != nil {
		v.checkHealthcheck(hc)
	}
}

func (v *validator) checkHealthcheck(hc *Healthcheck) {
	switch {
	case len(hc.Test) == 0:
		v.fail("healthcheck: empty test")
	case hc.Test[0] == "CMD-SHELL":
		if len(hc.Test) != 2 {
			v.fail("healthcheck: CMD-SHELL takes exactly one command string")
		} else if _, err := v.parser.Parse(strings.NewReader(hc.Test[1]), ""); err != nil {
			v.fail("healthcheck: invalid shell command: %v", err)
		}
	case hc.Test[0] == "CMD":
		if len(hc.Test) < 2 {
			v.fail("healthcheck: CMD requires arguments")
		}
	default:
		v.fail("healthcheck: test must start with CMD or CMD-SHELL, got %q", hc.Test[0])
	}

	if hc.Interval <= 0 || hc.Timeout <= 0 {
		v.fail("healthcheck: interval and timeout must be positive")
	}
	if hc.StartPeriod < 0 {
		v.fail("healthcheck: negative start period")
	}
	if hc.Retries < 1 {
		v.fail("healthcheck: retries must be at least 1")
	}
}

// Applies the persistent modifiers of a step to an end state.
func applyEnd(s stageEnd, step Step) stageEnd {
	if step.Workdir != "" {
		s.workdir = step.Workdir
	}
	if step.User != "" {
		s.user = step.User
	}
	return s
}

// Returns the last persistent value of a modifier in a step list.
//
// Modifiers on operations are scoped and do not count.
func lastModifier(steps []Step, current string, get func(Step) string) string {
	for _, step := range steps {
		if step.IsOperation() {
			continue
		}
		if v := get(step); v != "" {
			current = v
		}
		current = lastModifier(step.Steps, current, get)
	}
	return current
}

// Reports whether p equals or lies below one of the roots.
func underAny(p string, roots []string) bool {
	p = path.Clean(p)
	for _, root := range roots {
		root = path.Clean(root)
		if p == root || strings.HasPrefix(p, root+"/") {
			return true
		}
	}
	return false
}

// Returns a label for a stage, preferring its name over its 1-based index.
func stageLabel(name string, index int) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("%d", index+1)
}
