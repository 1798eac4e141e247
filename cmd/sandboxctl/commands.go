package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ernesto385291/finance-analyzer/pkg/api"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox/client"
)

// exitError carries a remote exit code out of a command.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type globalOptions struct {
	server  string
	token   string
	output  string
	timeout time.Duration
	retries int
}

func (o *globalOptions) client() *client.Client {
	return client.New(o.server,
		client.WithToken(o.token),
		client.WithRetry(o.retries, 500*time.Millisecond, 10*time.Second),
	)
}

func (o *globalOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Operate sandbox sessions on a finance analyzer server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("--output must be text or json, got %q", opts.output)
			}
			return nil
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("ANALYZER_URL", "http://localhost:8080"), "server base URL (or ANALYZER_URL env)")
	flags.StringVar(&opts.token, "token", os.Getenv("ANALYZER_TOKEN"), "API key or JWT (or ANALYZER_TOKEN env)")
	flags.StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "overall request timeout")
	flags.IntVar(&opts.retries, "retries", 4, "attempts for requests failing with provider unavailable")

	root.AddCommand(
		newAcquireCmd(opts),
		newExecCmd(opts),
		newRunCmd(opts),
		newUploadCmd(opts),
		newSessionsCmd(opts),
	)
	return root
}

func newAcquireCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "acquire KEY",
		Short: "Bind a sandbox to a session key, creating or resuming one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			sess, err := opts.client().Acquire(ctx, args[0])
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), opts.output, sess)
		},
	}
}

func newExecCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec KEY -- COMMAND...",
		Short: "Run a shell command in the session's sandbox",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.client().RunCommand(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return printExecution(cmd.OutOrStdout(), opts.output, res)
		},
	}
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		file     string
		code     string
		packages string
	)
	cmd := &cobra.Command{
		Use:   "run KEY",
		Short: "Run Python code in the session's sandbox",
		Long: `Run Python code in the session's sandbox. The code comes from --code,
--file, or standard input when neither is given. Packages are installed
together with the server's default analysis packages.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readCode(cmd.InOrStdin(), code, file)
			if err != nil {
				return err
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.client().RunCode(ctx, args[0], src, sandbox.ParsePackages(packages))
			if err != nil {
				return err
			}
			return printExecution(cmd.OutOrStdout(), opts.output, res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Python file to run")
	cmd.Flags().StringVarP(&code, "code", "c", "", "Python code to run")
	cmd.Flags().StringVarP(&packages, "packages", "p", "", "comma-separated pip packages to install first")
	cmd.MarkFlagsMutuallyExclusive("file", "code")
	return cmd
}

func newUploadCmd(opts *globalOptions) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "upload KEY FILE...",
		Short: "Upload local files into the session's sandbox",
		Long: `Upload local files into the session's sandbox. Files keep their base
name and land in --dest, which is relative to the sandbox workspace
unless absolute.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]client.File, 0, len(args)-1)
			for _, local := range args[1:] {
				data, err := os.ReadFile(local)
				if err != nil {
					return err
				}
				files = append(files, client.File{
					Destination: path.Join(dest, filepath.Base(local)),
					Content:     data,
				})
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.client().UploadFiles(ctx, args[0], files)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "destination directory in the sandbox")
	return cmd
}

func newSessionsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the session ledger",
	}

	var list client.ListOptions
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions ordered by key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			page, err := opts.client().ListSessions(ctx, list)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), page)
			}
			sessions := make([]*api.Session, len(page.Data))
			for i := range page.Data {
				sessions[i] = &page.Data[i]
			}
			if err := printSessions(cmd.OutOrStdout(), "text", sessions...); err != nil {
				return err
			}
			if page.HasMore {
				fmt.Fprintf(cmd.OutOrStdout(), "more sessions after %s\n", page.LastKey)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&list.After, "after", "", "list keys after this one")
	listCmd.Flags().IntVar(&list.Limit, "limit", 0, "page size")
	listCmd.Flags().StringVar(&list.Provider, "provider", "", "only sessions of this provider")

	getCmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			sess, err := opts.client().GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), opts.output, sess)
		},
	}

	forgetCmd := &cobra.Command{
		Use:   "forget KEY",
		Short: "Drop the server's cached sandbox handle for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			if err := opts.client().ForgetSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd, forgetCmd)
	return cmd
}

func readCode(stdin io.Reader, code, file string) (string, error) {
	switch {
	case code != "":
		return code, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading code from stdin: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return "", fmt.Errorf("no code given: use --code, --file or stdin")
		}
		return string(data), nil
	}
}

// printExecution writes the result and turns a non-zero remote exit code
// into an exitError.
func printExecution(w io.Writer, format string, res *api.ExecutionResult) error {
	if format == "json" {
		if err := writeJSON(w, res); err != nil {
			return err
		}
	} else {
		fmt.Fprint(w, res.Result)
		if res.Result != "" && !strings.HasSuffix(res.Result, "\n") {
			fmt.Fprintln(w)
		}
	}
	if res.ExitCode != 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}

func printSessions(w io.Writer, format string, sessions ...*api.Session) error {
	if format == "json" {
		if len(sessions) == 1 {
			return writeJSON(w, sessions[0])
		}
		return writeJSON(w, sessions)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSANDBOX\tPROVIDER\tSTATE\tPHASE\tACQUISITIONS\tLAST ACQUIRED")
	for _, s := range sessions {
		last := "-"
		if s.LastAcquiredAt > 0 {
			last = time.Unix(s.LastAcquiredAt, 0).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.Key, s.SandboxID, s.Provider, s.State, s.Phase, s.Acquisitions, last)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
