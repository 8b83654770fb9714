package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/goalflow/pkg/engine"
)

type graphView struct {
	Name        string        `json:"name" yaml:"name"`
	Rule        string        `json:"rule,omitempty" yaml:"rule,omitempty"`
	Fingerprint string        `json:"fingerprint" yaml:"fingerprint"`
	Goals       []string      `json:"goals" yaml:"goals"`
	Levels      [][]string    `json:"levels" yaml:"levels"`
	Edges       []engine.Edge `json:"edges" yaml:"edges"`
}

type graphSummary struct {
	Name   string `json:"name" yaml:"name"`
	Goals  int    `json:"goals" yaml:"goals"`
	Levels int    `json:"levels" yaml:"levels"`
}

func newGraphCommand() *cobra.Command {
	var (
		format     string
		repository string
		branch     string
		metadata   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "graph [name]",
		Short: "Show catalog graphs",
		Long: `Show the graphs of a catalog.

Without a name the graphs are listed. With a name, or with --repo/--branch
selecting a graph through the catalog rules, the graph is printed as DOT
(default) or as its levels and edges.`,
		Example: `  # List graphs
  goalctl graph -f ./catalog

  # Render a graph with graphviz
  goalctl graph -f ./catalog pipeline | dot -Tsvg > pipeline.svg

  # Show the graph a push to main would get
  goalctl graph -f ./catalog --repo acme/shop --branch main --format yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, svc, err := catalogSources(nil)
			if err != nil {
				return err
			}
			loaded, err := loadCatalog(cmd.Context(), sources, conditionTimeout(svc))
			if err != nil {
				return err
			}
			c := loaded.Compiled

			var (
				graph *engine.ResolvedGraph
				rule  string
			)
			switch {
			case len(args) == 1:
				graph, err = c.Graph(args[0])
			case repository != "" || branch != "" || len(metadata) > 0:
				graph, rule, err = c.Select(engine.ChangeEvent{
					Repository: repository,
					Branch:     branch,
					Metadata:   metadata,
				})
			default:
				summaries := make([]graphSummary, 0, len(c.Graphs))
				for _, name := range c.GraphNames() {
					g := c.Graphs[name]
					summaries = append(summaries, graphSummary{Name: name, Goals: g.Len(), Levels: len(g.Levels())})
				}
				return printOutput(cmd.OutOrStdout(), summaries)
			}
			if err != nil {
				return err
			}

			return writeGraph(cmd.OutOrStdout(), graph, rule, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "dot", "output format (dot, yaml, json)")
	cmd.Flags().StringVar(&repository, "repo", "", "select by repository")
	cmd.Flags().StringVar(&branch, "branch", "", "select by branch")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "select by metadata (key=value)")

	return cmd
}

func writeGraph(w io.Writer, graph *engine.ResolvedGraph, rule, format string) error {
	switch format {
	case "dot":
		_, err := io.WriteString(w, graph.ToDOT())
		return err
	case "yaml", "json":
		view := graphView{
			Name:        graph.Name(),
			Rule:        rule,
			Fingerprint: graph.Fingerprint(),
			Goals:       graph.Names(),
			Levels:      graph.Levels(),
			Edges:       graph.Edges(),
		}
		return encode(w, view, format == "json")
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
