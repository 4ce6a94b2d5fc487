package recipe

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Trailer of the final stage: runtime metadata of the exported image.
var imageTemplate = template.Must(template.New("image").Funcs(template.FuncMap{
	"json":     jsonArray,
	"duration": formatDuration,
	"env":      formatEnv,
	"labels":   formatLabels,
	"test":     formatTest,
}).Parse(`
{{- if .Env}}ENV {{env .Env}}
{{end -}}
{{- if .Labels}}LABEL {{labels .Labels}}
{{end -}}
{{- if .Workdir}}WORKDIR {{.Workdir}}
{{end -}}
{{- if .User}}USER {{.User}}
{{end -}}
{{- range .Ports}}EXPOSE {{.}}
{{end -}}
{{- with .Healthcheck}}HEALTHCHECK --interval={{duration .Interval}} --timeout={{duration .Timeout}} --start-period={{duration .StartPeriod}} --retries={{.Retries}} \
    CMD {{test .Test}}
{{end -}}
{{- if .Entrypoint}}ENTRYPOINT {{json .Entrypoint}}
{{end -}}
{{- if .Cmd}}CMD {{json .Cmd}}
{{end -}}
`))

// Writes a Dockerfile equivalent to the recipe.
//
// Persistent modifiers become ENV, WORKDIR, SHELL, and USER instructions.
// Modifiers scoped to a single operation are rendered inline so they do not
// leak into later instructions. Cross-stage copies become COPY --from. The
// recipe should be validated first.
func (r *Recipe) Dockerfile(w io.Writer) error {
	dw := &dockerfileWriter{w: w, ends: make(map[string]stageEnd, len(r.Stages))}

	for i, st := range r.Stages {
		if i > 0 {
			dw.line("")
		}
		dw.stage(st, i)
	}

	if err := imageTemplate.Execute(dw, r.Image); err != nil {
		return fmt.Errorf("%w: %w", ErrRender, err)
	}

	if dw.err != nil {
		return fmt.Errorf("%w: %w", ErrRender, dw.err)
	}
	return nil
}

// Writes lines, remembering the first error.
type dockerfileWriter struct {
	w       io.Writer
	err     error
	workdir string // Persistent workdir of the stage being rendered.
	user    string // Persistent user of the stage being rendered.
	ends    map[string]stageEnd
}

func (d *dockerfileWriter) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	n, err := d.w.Write(p)
	d.err = err
	return n, err
}

func (d *dockerfileWriter) line(format string, args ...any) {
	fmt.Fprintf(d, format+"\n", args...)
}

func (d *dockerfileWriter) stage(st Stage, index int) {
	name := st.Name
	if name == "" {
		name = "stage" + strconv.Itoa(index+1)
	}
	parent := d.ends[st.From]
	d.workdir, d.user = parent.workdir, parent.user
	d.line("FROM %s AS %s", st.From, name)
	d.steps(st.Steps)
	d.ends[name] = stageEnd{workdir: d.workdir, user: d.user}
}

func (d *dockerfileWriter) steps(steps []Step) {
	for _, step := range steps {
		switch {
		case len(step.Steps) > 0:
			d.modifiers(step)
			d.steps(step.Steps)
		case step.Run != "":
			d.run(step)
		case step.Copy != "":
			d.copy(step)
		default:
			d.modifiers(step)
		}
	}
}

// Renders persistent modifiers.
func (d *dockerfileWriter) modifiers(step Step) {
	if step.Shell != "" {
		d.line("SHELL %s", jsonArray([]string{step.Shell, "-c"}))
	}
	if len(step.Env) > 0 {
		d.line("ENV %s", formatEnv(step.Env))
	}
	if step.Workdir != "" {
		d.workdir = step.Workdir
		d.line("WORKDIR %s", step.Workdir)
	}
	if step.User != "" {
		d.user = step.User
		d.line("USER %s", step.User)
	}
}

// Renders a run operation with its scoped modifiers inline.
func (d *dockerfileWriter) run(step Step) {
	cmd := step.Run
	if len(step.Env) > 0 {
		cmd = "export " + formatEnv(step.Env) + " && " + cmd
	}
	if step.Workdir != "" {
		cmd = "cd " + step.Workdir + " && " + cmd
	}
	if step.Shell != "" {
		cmd = step.Shell + " -c " + shellQuote(cmd)
	}
	if step.User != "" {
		restore := d.user
		if restore == "" {
			restore = "root"
		}
		d.line("USER %s", step.User)
		defer d.line("USER %s", restore)
	}
	d.line("RUN %s", cmd)
}

// Renders a copy operation, resolving relative destinations against the
// effective workdir.
func (d *dockerfileWriter) copy(step Step) {
	src, dest, err := SplitCopy(step.Copy)
	if err != nil {
		d.err = err
		return
	}

	workdir := d.workdir
	if step.Workdir != "" {
		workdir = step.Workdir
	}
	if !path.IsAbs(dest) && workdir != "" {
		dest = path.Join(workdir, dest)
	}

	if stage, p, ok := SplitStageSource(src); ok {
		d.line("COPY --from=%s %s %s", stage, p, dest)
		return
	}
	d.line("COPY %s %s", src, dest)
}

func jsonArray(v []string) string {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
	return strings.TrimSuffix(b.String(), "\n")
}

// Formats a map as sorted KEY=value pairs, quoting values that need it.
func formatEnv(env map[string]string) string {
	pairs := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		pairs = append(pairs, k+"="+quoteIfNeeded(env[k]))
	}
	return strings.Join(pairs, " ")
}

func formatLabels(labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		pairs = append(pairs, strconv.Quote(k)+"="+strconv.Quote(labels[k]))
	}
	return strings.Join(pairs, " ")
}

func formatTest(test []string) string {
	if len(test) == 0 {
		return ""
	}
	if test[0] == "CMD-SHELL" && len(test) == 2 {
		return test[1]
	}
	return jsonArray(test[1:])
}

// Formats a duration the way Dockerfiles write them ("30s", "1m30s").
func formatDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'$\\") {
		return strconv.Quote(s)
	}
	return s
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
