package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/ui"
)

type remoteInfo struct {
	ID          string   `json:"id" yaml:"id"`
	Type        string   `json:"type" yaml:"type"`
	Nodes       []string `json:"nodes" yaml:"nodes"`
	AuthID      string   `json:"authid" yaml:"authid"`
	Fingerprint string   `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

var remotesCmd = &cobra.Command{
	Use:     "remotes",
	GroupID: "query",
	Short:   "List configured remotes",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		if err := validateOutput(output); err != nil {
			fatal("%v", err)
		}

		remotes := loadRemotes().All()
		infos := make([]remoteInfo, 0, len(remotes))
		for _, r := range remotes {
			infos = append(infos, remoteInfo{
				ID:          r.ID,
				Type:        r.Type.String(),
				Nodes:       r.Nodes,
				AuthID:      r.AuthID,
				Fingerprint: r.Fingerprint,
			})
		}

		if done, err := writeStructured(os.Stdout, output, infos); done {
			if err != nil {
				fatal("writing output: %v", err)
			}
			return
		}

		if len(infos) == 0 {
			fmt.Printf("%s No remotes configured in %s\n", ui.RenderWarn("⚠"), cfg.RemotesFile)
			return
		}

		rows := make([][]string, 0, len(infos))
		for _, r := range infos {
			rows = append(rows, []string{r.ID, r.Type, strings.Join(r.Nodes, ","), r.AuthID})
		}
		fmt.Println(ui.Table([]string{"ID", "TYPE", "NODES", "AUTHID"}, rows, nil))
	},
}

func init() {
	remotesCmd.Flags().StringP("output", "o", outputTable, "Output format (table, json, yaml)")
	rootCmd.AddCommand(remotesCmd)
}
