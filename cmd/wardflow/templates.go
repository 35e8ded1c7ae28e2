package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/wardflow/internal/template"
	"github.com/pitabwire/wardflow/model"
)

func newTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Work with workflow template files",
	}
	cmd.AddCommand(newTemplatesValidateCmd())
	return cmd
}

func newTemplatesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate DIR...",
		Short: "Parse and validate every template under the given directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpls, err := template.NewLoader().LoadAll(args)
			if err != nil {
				return err
			}

			registry := template.NewRegistry(template.WithValidator(template.NewValidator(template.NewConditions())))
			if err := registry.Load(tpls); err != nil {
				var env *model.ErrorEnvelope
				if errors.As(err, &env) {
					for _, d := range env.Details {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s (%s)\n", d.Field, d.Message, d.Code)
					}
				}
				return fmt.Errorf("templates: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, t := range registry.List() {
				fmt.Fprintf(out, "ok  %s  version %d  %d stages\n", t.ID, t.Version, len(t.Stages))
			}
			fmt.Fprintf(out, "checksum %s\n", registry.Checksum())
			return nil
		},
	}
}
