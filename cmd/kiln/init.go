package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// initRawInput holds the raw string values from the init wizard before
// parsing, so the write logic can be tested independently of the form UI.
type initRawInput struct {
	StoreDir        string
	Project         string
	WorkspaceDir    string
	MaxSpendProject string
	MaxSpendRun     string
	Versioned       bool
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively create a .kiln/kiln.yaml for this project",
	RunE: func(cmd *cobra.Command, _ []string) error {
		raw := &initRawInput{
			StoreDir:     ".kiln",
			WorkspaceDir: ".",
			Versioned:    true,
		}

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Store directory").
					Description("Where the live database, versions, and snapshots live").
					Value(&raw.StoreDir).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("store directory is required")
						}
						return nil
					}),

				huh.NewInput().
					Title("Project name").
					Description("Cost rollups and chat audit records are scoped to this").
					Placeholder("e.g., my-service").
					Value(&raw.Project),

				huh.NewInput().
					Title("Default workspace directory").
					Description("Used when a tool is resolved without an explicit workspace").
					Value(&raw.WorkspaceDir),
			),

			huh.NewGroup(
				huh.NewInput().
					Title("Project spend limit ($)").
					Description("Abort once total project cost crosses this; empty disables").
					Placeholder("e.g., 25.00").
					Value(&raw.MaxSpendProject).
					Validate(validateOptionalDollars),

				huh.NewInput().
					Title("Run spend limit ($)").
					Description("Abort once this run's cost crosses this; empty disables").
					Placeholder("e.g., 5.00").
					Value(&raw.MaxSpendRun).
					Validate(validateOptionalDollars),

				huh.NewConfirm().
					Title("Versioned store").
					Description("Snapshot the database after every committed transaction").
					Value(&raw.Versioned),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}

		path, err := writeInitConfig(raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func validateOptionalDollars(s string) error {
	if s == "" {
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("enter a dollar amount, e.g. 25.00")
	}
	return nil
}

// writeInitConfig renders the wizard's answers as .kiln/kiln.yaml.
func writeInitConfig(raw *initRawInput) (string, error) {
	doc := map[string]any{
		"store-dir":     raw.StoreDir,
		"store-name":    "kiln",
		"versioned":     raw.Versioned,
		"project":       raw.Project,
		"workspace-dir": raw.WorkspaceDir,
	}
	if raw.MaxSpendProject != "" {
		v, _ := strconv.ParseFloat(raw.MaxSpendProject, 64)
		doc["max-spend-project"] = v
	}
	if raw.MaxSpendRun != "" {
		v, _ := strconv.ParseFloat(raw.MaxSpendRun, 64)
		doc["max-spend-run"] = v
	}

	b, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Join(".", ".kiln")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "kiln.yaml")
	if err := os.WriteFile(path, b, 0o640); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func init() {
	rootCmd.AddCommand(initCmd)
}
