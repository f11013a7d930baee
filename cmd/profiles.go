package cmd

import (
	"fmt"
	"text/tabwriter"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autoreg/internal/device"
)

type profileView struct {
	Name        string  `json:"name"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Mobile      bool    `json:"mobile"`
	Touch       bool    `json:"touch"`
	SettleMs    int64   `json:"settle_ms"`
	TypingSpeed float64 `json:"typing_speed"`
	UserAgent   string  `json:"user_agent"`
}

func newProfilesCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List the built-in device profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var views []profileView
			for _, p := range device.All() {
				views = append(views, profileView{
					Name:        p.Name,
					Width:       p.Emulation.Width,
					Height:      p.Emulation.Height,
					Mobile:      p.Emulation.Mobile,
					Touch:       p.Touch(),
					SettleMs:    p.SettleDelay.Milliseconds(),
					TypingSpeed: p.TypingSpeed,
					UserAgent:   p.Emulation.UserAgent,
				})
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVIEWPORT\tTOUCH\tSETTLE\tDEFAULT")
			for _, v := range views {
				def := ""
				if v.Name == a.cfg.Device().Profile {
					def = "*"
				}
				fmt.Fprintf(tw, "%s\t%dx%d\t%t\t%dms\t%s\n", v.Name, v.Width, v.Height, v.Touch, v.SettleMs, def)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print profiles as JSON")
	return cmd
}
