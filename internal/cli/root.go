// Package cli wires the replybot commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ashureev/replybot/internal/replies"
)

var versionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// SetVersionInfo is called by the main package with ldflags values.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

type rootOptions struct {
	repliesPath string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "replybot",
		Short: "Menu-driven auto responder for a messaging channel",
		Long: `replybot answers inbound messages from a fixed menu of canned replies.

Replies are rate limited per recipient and paced with a randomized delay.
Run "replybot serve" to start the bot.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.repliesPath, "replies", "",
		"reply table YAML (defaults to $REPLIES_PATH, then the built-in table)")

	root.AddCommand(
		newServeCmd(opts),
		newClassifyCmd(opts),
		newRepliesCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *rootOptions) resolveRepliesPath(fallback string) string {
	if o.repliesPath != "" {
		return o.repliesPath
	}
	if fallback != "" {
		return fallback
	}
	return os.Getenv("REPLIES_PATH")
}

func (o *rootOptions) loadTable(fallback string) (*replies.Table, error) {
	return replies.Load(o.resolveRepliesPath(fallback))
}
