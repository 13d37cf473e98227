package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pdfflex/gatekeeper/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		baseURL    string
		format     string
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long:  "Generate the OpenAPI 3 document describing the key management and verify routes.",
		Example: `  gatekeeper openapi                       # JSON to stdout
  gatekeeper openapi --format yaml -o api.yaml
  gatekeeper openapi --base-url https://api.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if outputFile != "" {
				f, err := os.Create(outputFile)
				if err != nil {
					return errors.Wrap(err, "create output file")
				}
				defer f.Close()
				out = f
			}
			if err := writeOpenAPI(out, baseURL, format); err != nil {
				return err
			}
			if outputFile != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", outputFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "", "Server URL to list in the document")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or yaml")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the document to a file instead of stdout")

	return cmd
}

func writeOpenAPI(out io.Writer, baseURL, format string) error {
	doc := openapi.Generate(baseURL, versionString())

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal openapi document")
	}

	switch format {
	case "json", "":
		_, err = fmt.Fprintln(out, string(data))
		return err
	case "yaml", "yml":
		var tree map[string]interface{}
		if err := json.Unmarshal(data, &tree); err != nil {
			return errors.Wrap(err, "convert openapi document")
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(tree); err != nil {
			return errors.Wrap(err, "encode yaml")
		}
		return enc.Close()
	}
	return errors.Errorf("unsupported format %q; use 'json' or 'yaml'", format)
}
