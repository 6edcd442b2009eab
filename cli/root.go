// Package cli implements the lindachat command line: the serve command that
// runs a node and thin commands that drive a running node over its HTTP API.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"lindachat/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "text" | "json" | "yaml"
	API     string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "lindachat",
		Short: "Peer-replicated chat node",
		Long: `lindachat runs a chat node that replicates its message graph with peers
on the local network, and talks to a running node from the command line.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVar(&opts.API, "api", defaultAPIAddress(), "address of a running node's control API")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWhoamiCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewBlockCommand(opts))
	cmd.AddCommand(NewUnblockCommand(opts))
	cmd.AddCommand(NewBlockStatusCommand(opts))
	cmd.AddCommand(NewConversationCommand(opts))
	cmd.AddCommand(NewFriendCommand(opts))
	cmd.AddCommand(NewDirectCommand(opts))
	cmd.AddCommand(NewPeersCommand(opts))

	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := NewRootCommand().Execute()
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Message != "" {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return GetExitCode(err)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func defaultAPIAddress() string {
	if v := strings.TrimSpace(os.Getenv("LINDA_HTTP_ADDR")); v != "" {
		return v
	}
	return config.DefaultHTTPAddress
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) client() *apiClient {
	return newAPIClient(o.API)
}
