package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/parsekit/internal/observability"
	"github.com/3leaps/parsekit/pkg/inputs"
	"github.com/3leaps/parsekit/pkg/output"
	"github.com/3leaps/parsekit/pkg/submit"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a job for the processing service",
	Long: `Queue a document parse, form parse or form fill job.

The payload is sealed for the configured public key and stored as pending.
A running agent picks it up on its next iteration. File arguments may be
paths or glob patterns ("scans/**/*.png").`,
}

var submitDocCmd = &cobra.Command{
	Use:   "doc [FILES...]",
	Short: "Extract text from a document",
	Long: `Submit free text and/or page images for text extraction.

Examples:
  parsekit submit doc --text "hello"
  parsekit submit doc --text-file notes.txt
  parsekit submit doc 'scans/*.png'`,
	RunE: runSubmitDoc,
}

var submitFormCmd = &cobra.Command{
	Use:   "form FILES...",
	Short: "Recognise a form from page images",
	Long: `Submit page images of a form for recognition.

Examples:
  parsekit submit form page1.png page2.png
  parsekit submit form --form-name w9 'w9/**/*.jpg'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmitForm,
}

var submitFillCmd = &cobra.Command{
	Use:   "fill [FILES...]",
	Short: "Fill a known form with field values",
	Long: `Submit field values for a previously recognised form.

Fields come from a YAML mapping (--fields-file) and repeated --field flags.
Flags win over the file.

Examples:
  parsekit submit fill --form-hash 3f2a... --field name=Ada --field year=1843
  parsekit submit fill --form-hash 3f2a... --fields-file fields.yaml`,
	RunE: runSubmitFill,
}

var (
	submitJSON          bool
	submitExcludes      []string
	submitIncludeHidden bool

	submitText     string
	submitTextFile string

	submitFormName string

	submitFormHash   string
	submitFields     []string
	submitFieldsFile string
)

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.AddCommand(submitDocCmd, submitFormCmd, submitFillCmd)

	submitCmd.PersistentFlags().BoolVar(&submitJSON, "json", false, "Print the submission as JSON")
	submitCmd.PersistentFlags().StringSliceVar(&submitExcludes, "exclude", nil, "Glob patterns to skip (repeatable)")
	submitCmd.PersistentFlags().BoolVar(&submitIncludeHidden, "include-hidden", false, "Keep hidden files matched by globs")

	submitDocCmd.Flags().StringVar(&submitText, "text", "", "Text to parse")
	submitDocCmd.Flags().StringVar(&submitTextFile, "text-file", "", "Read text to parse from a file")
	submitDocCmd.MarkFlagsMutuallyExclusive("text", "text-file")

	submitFormCmd.Flags().StringVar(&submitFormName, "form-name", "", "Optional form name hint")

	submitFillCmd.Flags().StringVar(&submitFormHash, "form-hash", "", "Hash of the recognised form (required)")
	submitFillCmd.Flags().StringArrayVar(&submitFields, "field", nil, "Field value as key=value (repeatable)")
	submitFillCmd.Flags().StringVar(&submitFieldsFile, "fields-file", "", "YAML file of field values")
	_ = submitFillCmd.MarkFlagRequired("form-hash")
}

func runSubmitDoc(cmd *cobra.Command, args []string) error {
	text := submitText
	if submitTextFile != "" {
		data, err := os.ReadFile(submitTextFile)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot read text file", err)
		}
		text = string(data)
	}
	images, sources, err := loadImages(args)
	if err != nil {
		return err
	}
	return submitPayload(cmd, &submit.DocumentParse{Text: text, Images: images}, sources)
}

func runSubmitForm(cmd *cobra.Command, args []string) error {
	images, sources, err := loadImages(args)
	if err != nil {
		return err
	}
	return submitPayload(cmd, &submit.FormParse{FormName: submitFormName, Images: images}, sources)
}

func runSubmitFill(cmd *cobra.Command, args []string) error {
	fields, err := parseFields(submitFieldsFile, submitFields)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid fields", err)
	}
	images, sources, err := loadImages(args)
	if err != nil {
		return err
	}
	return submitPayload(cmd, &submit.FormFill{FormHash: submitFormHash, Fields: fields, Images: images}, sources)
}

func loadImages(args []string) ([]submit.Image, []string, error) {
	if len(args) == 0 {
		return nil, nil, nil
	}
	images, sources, err := inputs.LoadAll(args, inputs.Options{
		Excludes:      submitExcludes,
		IncludeHidden: submitIncludeHidden,
	})
	if err != nil {
		code := foundry.ExitInvalidArgument
		if errors.Is(err, inputs.ErrUnsupportedType) || errors.Is(err, inputs.ErrTooLarge) {
			code = foundry.ExitFileReadError
		}
		return nil, nil, exitError(code, "Cannot load input files", err)
	}
	observability.CLILogger.Debug("Loaded input files", zap.Strings("files", sources))
	return images, sources, nil
}

func submitPayload(cmd *cobra.Command, p submit.Payload, sources []string) error {
	ctx := cmd.Context()

	id, err := clientID()
	if err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	s := submit.New(store, id,
		submit.WithSettings(remoteSettings()),
		submit.WithLogger(observability.CLILogger),
	)
	jobID, err := s.SubmitWithSettings(ctx, p)
	if err != nil {
		return exitError(submitExitCode(err), "Submission rejected", err)
	}

	job, err := store.Get(ctx, jobID)
	if err != nil {
		return exitError(exitFailure, "Cannot read submitted job", err)
	}

	if submitJSON {
		return writeJSON(cmd.OutOrStdout(), &output.SubmitRecord{
			ID:          job.ID,
			Kind:        job.Kind,
			ContentHash: job.ContentHash,
			Status:      job.Status,
			Source:      sources,
		})
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", jobID)
	return err
}

func submitExitCode(err error) int {
	var se *submit.SubmissionError
	if !errors.As(err, &se) {
		return exitFailure
	}
	switch se.Stage {
	case submit.StageValidate:
		return foundry.ExitInvalidArgument
	case submit.StageSettings, submit.StageSeal:
		return foundry.ExitInvalidArgument
	case submit.StageInsert:
		return foundry.ExitExternalServiceUnavailable
	}
	return exitFailure
}

// parseFields merges a YAML fields file with key=value pairs. Pairs win.
func parseFields(file string, pairs []string) (map[string]string, error) {
	fields := map[string]string{}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		for k, v := range raw {
			switch val := v.(type) {
			case nil:
				fields[k] = ""
			case map[string]any, []any:
				return nil, fmt.Errorf("field %q in %s must be a scalar", k, file)
			default:
				fields[k] = fmt.Sprint(val)
			}
		}
	}

	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("field %q must be key=value", pair)
		}
		fields[k] = v
	}
	return fields, nil
}
