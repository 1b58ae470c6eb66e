package cli

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ashureev/replybot/internal/replies"
)

const previewWidth = 48

func newRepliesCmd(opts *rootOptions) *cobra.Command {
	var markdown bool
	cmd := &cobra.Command{
		Use:   "replies",
		Short: "List the reply table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tbl, err := opts.loadTable("")
			if err != nil {
				return err
			}
			renderReplies(cmd.OutOrStdout(), tbl, markdown)
			return nil
		},
	}
	cmd.Flags().BoolVar(&markdown, "markdown", false, "render as a markdown table")
	return cmd
}

func renderReplies(w io.Writer, tbl *replies.Table, markdown bool) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Key", "Reply", "Preview"})

	for _, key := range tbl.Greetings() {
		t.AppendRow(table.Row{key, "menu", preview(tbl.Menu())})
	}
	for _, key := range tbl.Keys() {
		text, _ := tbl.Lookup(key)
		t.AppendRow(table.Row{key, "option", preview(text)})
	}
	t.AppendFooter(table.Row{"(other)", "menu", "fallback for unrecognized input"})

	if markdown {
		t.RenderMarkdown()
		return
	}
	t.Render()
}

// preview returns the first non-empty line of text, shortened.
func preview(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > previewWidth {
			return string(runes[:previewWidth-1]) + "…"
		}
		return line
	}
	return ""
}
