package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/gateway"
	"github.com/rendis/chatflow/internal/repository"
	"github.com/rendis/chatflow/internal/validation"
	"github.com/rendis/chatflow/pkg/schema"
)

func newValidateCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Run the static checks on definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, flags)
			if err != nil {
				return err
			}
			v, err := staticValidator(e.cfg)
			if err != nil {
				return err
			}

			results := make(map[string]*schema.ValidationResult, len(args))
			invalid := 0
			for _, path := range args {
				res := validateFile(v, path)
				results[path] = res
				if !res.Valid() {
					invalid++
				}
				if !asJSON {
					printValidation(cmd.OutOrStdout(), path, res)
				}
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions invalid", invalid, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

// staticValidator builds a validator that knows the configured capabilities
// without opening the store.
func staticValidator(cfg Config) (*validation.Validator, error) {
	resolver, err := expressions.NewResolver()
	if err != nil {
		return nil, err
	}
	reg := gateway.NewRegistry()
	for _, c := range cfg.Gateway.Capabilities {
		if err := reg.Register(gateway.NewHTTPCapability(c, resty.New())); err != nil {
			return nil, err
		}
	}
	return validation.NewValidator(reg, resolver)
}

func validateFile(v *validation.Validator, path string) *schema.ValidationResult {
	def, err := repository.LoadDefinitionFile(path)
	if err != nil {
		res := &schema.ValidationResult{}
		res.AddError("", schema.IssueSchema, err.Error())
		return res
	}
	return v.Validate(def)
}

func printValidation(w io.Writer, path string, res *schema.ValidationResult) {
	if res.Valid() && len(res.Warnings) == 0 {
		fmt.Fprintf(w, "%s: ok\n", path)
		return
	}
	if res.Valid() {
		fmt.Fprintf(w, "%s: ok with %d warning(s)\n", path, len(res.Warnings))
	} else {
		fmt.Fprintf(w, "%s: %d error(s)\n", path, len(res.Errors))
	}
	for _, issue := range res.Errors {
		fmt.Fprintf(w, "  error   %-18s %s: %s\n", issue.Code, issue.Path, issue.Message)
	}
	for _, issue := range res.Warnings {
		fmt.Fprintf(w, "  warning %-18s %s: %s\n", issue.Code, issue.Path, issue.Message)
	}
}
