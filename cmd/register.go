package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/observability"
	"github.com/xkilldash9x/autoreg/internal/templates"
)

// errRunFailed makes the process exit non-zero after the result was printed.
var errRunFailed = errors.New("registration failed")

type registerOptions struct {
	url          string
	dataFile     string
	manufacturer string
	mappingFile  string
	jobID        string
}

func newRegisterCmd(a *app) *cobra.Command {
	var o registerOptions
	cmd := &cobra.Command{
		Use:   "register --url URL --data FILE",
		Short: "Fill and submit one registration form, printing the result as JSON",
		Long: `Runs a single registration against --url using the registration record in --data
(a JSON file, or - for stdin). The result is written to stdout. The exit status is
non-zero when the run FAILED; NEEDS_MANUAL is reported but exits zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(cmd, a, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.url, "url", "", "registration page URL")
	f.StringVar(&o.dataFile, "data", "", "registration data JSON file, or - for stdin")
	f.StringVar(&o.manufacturer, "manufacturer", "", "manufacturer name used for template lookup")
	f.StringVar(&o.mappingFile, "mapping", "", "YAML field template to use instead of the configured source")
	f.StringVar(&o.jobID, "job-id", "", "job identifier recorded in the result")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func runRegister(cmd *cobra.Command, a *app, o registerOptions) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	data, err := readRegistrationData(cmd.InOrStdin(), o.dataFile)
	if err != nil {
		return err
	}
	job := schemas.Job{
		ID:           o.jobID,
		TargetURL:    o.url,
		Manufacturer: o.manufacturer,
		Profile:      a.cfg.Device().Profile,
		Data:         data,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if o.mappingFile != "" {
		c, err := templates.LoadFiles(o.mappingFile)
		if err != nil {
			return err
		}
		ms := c.Mappings()
		if len(ms) != 1 {
			return fmt.Errorf("%s must hold exactly one template (found %d)", o.mappingFile, len(ms))
		}
		job.Mapping = ms[0]
	}

	e, err := buildEngine(ctx, a.cfg, logger)
	if err != nil {
		return err
	}
	defer e.close()

	res := e.orch.Run(ctx, job)
	if e.store != nil {
		if err := e.store.SaveResult(ctx, res); err != nil {
			logger.Error("Failed to store result.", zap.Error(err))
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if res.Status == schemas.StatusFailed {
		return fmt.Errorf("%w: %s: %s", errRunFailed, res.ErrorType, res.ErrorMessage)
	}
	return nil
}

func readRegistrationData(stdin io.Reader, path string) (schemas.RegistrationData, error) {
	var data schemas.RegistrationData
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return data, fmt.Errorf("failed to open registration data: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return data, fmt.Errorf("failed to decode registration data: %w", err)
	}
	return data, nil
}
