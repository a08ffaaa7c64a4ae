package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quinnbmay/zenflo-sub001/internal/relayclient"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

func feedCmd(flags *globalFlags) *cobra.Command {
	var (
		opts relayclient.FeedOptions
		post string
	)
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Print the message feed, or post to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			c, err := relayClient(cfg)
			if err != nil {
				return err
			}

			if post != "" {
				item, _, err := c.AppendFeed(cmd.Context(), models.TextBody{Text: post}, nil)
				if err != nil {
					return err
				}
				fmt.Println(item.ID)
				return nil
			}

			page, err := c.Feed(cmd.Context(), opts)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, it := range page.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", it.CreatedAt.Local().Format(time.DateTime), it.Body.Kind(), summarize(it.Body))
			}
			tw.Flush()
			if page.HasMore && len(page.Items) > 0 {
				fmt.Printf("more: --after %s\n", page.Items[len(page.Items)-1].Cursor)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.After, "after", "", "cursor to list items after")
	cmd.Flags().StringVar(&opts.Before, "before", "", "cursor to list items before")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&post, "post", "", "append a text item instead of listing")
	return cmd
}

func summarize(b models.FeedBody) string {
	switch v := b.(type) {
	case models.ClaudeMessageBody:
		if v.Title != "" {
			return v.Title + ": " + v.Message
		}
		return v.Message
	case models.TextBody:
		return v.Text
	case models.SessionEventBody:
		return v.SessionID + " " + v.Event
	default:
		return ""
	}
}
