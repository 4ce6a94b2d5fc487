package cli

import (
	"context"
	"fmt"
)

// Represents the 'cruxpy validate' command.
type ValidateCmd struct {
	RecipeFlags
}

// Executes the validate command.
func (c *ValidateCmd) Run(ctx context.Context) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	rec, err := c.load(settings)
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	fmt.Printf("%s: ok (%d stages, user %s)\n", rec.Name, len(rec.Stages), rec.EffectiveUser())
	return nil
}
