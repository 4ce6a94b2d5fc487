package cli

import (
	"os"
	"path/filepath"

	"github.com/cruciblehq/cruxpy/internal/config"
	"github.com/cruciblehq/cruxpy/internal/recipe"
)

// Flags selecting the recipe, shared by build, dockerfile, and validate.
type RecipeFlags struct {
	Recipe  string `short:"f" help:"Recipe file. Without one, the canonical WSGI recipe is used." placeholder:"PATH" type:"path"`
	Context string `short:"C" help:"Build context directory." default:"." type:"path"`
	Name    string `help:"Resource name for the canonical recipe. Defaults to the context directory name."`
	Python  string `help:"Python version for the canonical recipe." default:"${python}" placeholder:"X.Y"`
}

// Reads the recipe file, or generates the canonical recipe whose command
// runs gunicorn with the configured supervisor settings.
func (f RecipeFlags) load(settings *config.Settings) (*recipe.Recipe, error) {
	if f.Recipe != "" {
		return recipe.Load(f.Recipe)
	}

	name := f.Name
	if name == "" {
		name = contextName(f.Context)
	}

	return recipe.Default(recipe.Options{
		Name:          name,
		PythonVersion: f.Python,
		UID:           settings.Supervisor.UID,
		GID:           settings.Supervisor.GID,
		Command:       settings.Supervisor.GunicornArgs(),
	}), nil
}

// Returns the base name of the build context, or "app".
func contextName(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "app"
	}
	name := filepath.Base(abs)
	if name == string(os.PathSeparator) || name == "." {
		return "app"
	}
	return name
}
