package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"promobox/internal/history"
	"promobox/internal/pipeline"
	"promobox/internal/security"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
)

var (
	runEntity string
	runName   string
	runIDs    string
	runParams string
)

var runCmd = &cobra.Command{
	Use:   "run PIPELINE",
	Short: "Run a promotion pipeline and print its outcome",
	Long: `Run one pipeline to completion, a failed stage or an approval pause, and
print the outcome as JSON. The history ledger records the run exactly as
the server would.

Pipelines: ` + pipelineList() + `

Examples:
  promobox run push-to-git --entity 42
  promobox run promote-credentials --ids cred-a,cred-b
  promobox run full-promotion --entity 42 --params 'ENV=prod NOTE="hotfix 7"'`,
	Args: cobra.ExactArgs(1),
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&runEntity, "entity", "", "Workflow id")
	runCmd.Flags().StringVar(&runName, "name", "", "Workflow display name for history")
	runCmd.Flags().StringVar(&runIDs, "ids", "", "Comma separated credential ids")
	runCmd.Flags().StringVar(&runParams, "params", "", "Extra job parameters as shell-quoted KEY=VALUE words")
}

func pipelineList() string {
	names := make([]string, len(pipeline.Names))
	for i, n := range pipeline.Names {
		names[i] = string(n)
	}
	return strings.Join(names, ", ")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	name, err := pipeline.ParseName(args[0])
	if err != nil {
		return err
	}
	params, err := parseParams(runParams)
	if err != nil {
		return err
	}
	req := pipeline.Request{
		Pipeline:   name,
		EntityID:   runEntity,
		EntityName: runName,
		Params:     params,
	}
	if runIDs != "" {
		if req.CredentialIDs, err = security.ParseIDList(runIDs); err != nil {
			return fmt.Errorf("invalid --ids: %w", err)
		}
	}

	cfg, _, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	ctx, stop := runContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, newCLILogger())
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.pipelines.Trigger(ctx, req)
	if err != nil && out.RunID == "" {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		return encErr
	}
	if err != nil {
		return err
	}
	if out.Status == history.StatusFailed {
		return fmt.Errorf("pipeline %s failed: %s", name, out.Error)
	}
	return nil
}

// parseParams splits shell-quoted KEY=VALUE words.
func parseParams(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	words, err := shellquote.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --params: %w", err)
	}

	params := make(map[string]string, len(words))
	for _, w := range words {
		key, value, ok := strings.Cut(w, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --params word %q: expected KEY=VALUE", w)
		}
		if err := security.ValidateParamName(key); err != nil {
			return nil, fmt.Errorf("invalid --params word %q: %w", w, err)
		}
		params[key] = value
	}
	return params, nil
}
