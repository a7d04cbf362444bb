package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"

	"modelsync/internal/app"
	"modelsync/internal/config"
	"modelsync/internal/credentials"
	"modelsync/internal/logging"
	"modelsync/internal/provider"
	"modelsync/internal/report"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	userID     string
	jsonOutput bool
	style      string
}

var flags globalFlags

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "modelsync",
		Short:         "Synchronize data-modeling packages with git repositories",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default is the platform config path)")
	root.PersistentFlags().StringVar(&flags.userID, "user", currentUser(), "user id whose stored tokens are used")
	root.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "print JSON instead of formatted output")
	root.PersistentFlags().StringVar(&flags.style, "style", "auto", "glamour style for formatted output")

	root.AddCommand(
		newServeCommand(),
		newMCPCommand(),
		newCommitCommand(),
		newPackageCommand(),
		newMergeCommand(),
		newLinkCommand(),
		newTokenCommand(),
	)
	return wrapErrors(root)
}

// wrapErrors prints any command error once in the error style.
func wrapErrors(root *cobra.Command) *cobra.Command {
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		if c.RunE != nil {
			run := c.RunE
			c.RunE = func(cmd *cobra.Command, args []string) error {
				err := run(cmd, args)
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), report.ErrorStyle.Render("Error: ")+err.Error())
				}
				return err
			}
		}
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(root)
	return root
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

func loadConfig() (*config.Config, error) {
	if flags.configPath != "" {
		return config.LoadFrom(flags.configPath)
	}
	return config.Load()
}

// loadApp reads configuration and wires the services for one command.
func loadApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, logging.NewAppLogger())
}

// userCredentials resolves the CLI user's credentials, falling back to the
// bot identity when nothing is stored.
func userCredentials(a *app.App, kind provider.Kind) credentials.GitCredentials {
	creds, err := a.Credentials.Resolve(credentials.Session{UserID: flags.userID}, kind)
	if err != nil {
		a.Logger.Debug("No stored credentials, using bot identity", "provider", kind, "error", err)
		return a.BotCredentials(kind)
	}
	return creds
}

// printJSON writes v indented to stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printMarkdown renders md with glamour, or prints it raw when rendering fails.
func printMarkdown(cmd *cobra.Command, md string) {
	out, err := report.Render(md, flags.style, 100)
	if err != nil {
		out = md
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
}

func printSuccess(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintln(cmd.OutOrStdout(), report.SuccessStyle.Render(fmt.Sprintf(format, args...)))
}

func printWarnings(cmd *cobra.Command, warnings []string) {
	for _, w := range warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), report.WarningStyle.Render("warning: ")+w)
	}
}
