package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/trobanga/mediaflow/internal/models"
	"github.com/trobanga/mediaflow/internal/pipeline"
	"github.com/trobanga/mediaflow/internal/services"
)

var explainProperties []string

// pipelineCmd represents the pipeline command group
var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Inspect job requests and their pipelines",
	Long: `Inspect job requests without running them.

Available subcommands:
  validate - Check a request and show its pipeline
  explain  - Show how properties resolve for each media and action`,
}

var pipelineValidateCmd = &cobra.Command{
	Use:   "validate <request.json>",
	Short: "Validate a job request",
	Long: `Validate a job request against the request schema and the pipeline
rules, then print its tasks and actions.

Example:
  mediaflow pipeline validate request.json`,
	Args: cobra.ExactArgs(1),
	RunE: runPipelineValidate,
}

var pipelineExplainCmd = &cobra.Command{
	Use:   "explain <request.json>",
	Short: "Explain property resolution",
	Long: `Resolve properties for every media and action of a request and show
which level supplied each value: environment, media, overridden algorithm,
job, action, algorithm or workflow default.

Without --property, every property the combined set contains is shown.

Example:
  mediaflow pipeline explain request.json --property CONFIDENCE_THRESHOLD`,
	Args: cobra.ExactArgs(1),
	RunE: runPipelineExplain,
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.AddCommand(pipelineValidateCmd, pipelineExplainCmd)

	pipelineExplainCmd.Flags().StringSliceVarP(&explainProperties, "property", "p", nil, "Property names to explain (repeatable)")
}

func loadRequestJob(path string) (*models.Job, *services.PropertyResolver, error) {
	config, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	req, err := pipeline.LoadJobRequest(path)
	if err != nil {
		return nil, nil, err
	}
	resolver, err := pipeline.NewResolver(config)
	if err != nil {
		return nil, nil, err
	}
	job, err := pipeline.NewJob(req, resolver)
	if err != nil {
		return nil, nil, err
	}
	return job, resolver, nil
}

func runPipelineValidate(cmd *cobra.Command, args []string) error {
	job, _, err := loadRequestJob(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("✓ Request is valid: %s\n", args[0])
	fmt.Printf("  Pipeline: %s\n", job.Pipeline.Name)
	fmt.Printf("  Media: %d\n", len(job.Media))
	fmt.Printf("  Priority: %d\n\n", job.Priority)

	var rows [][]string
	for i, task := range job.Pipeline.Tasks {
		for j, action := range task.Actions {
			rows = append(rows, []string{
				strconv.Itoa(i),
				task.Name,
				strconv.Itoa(j),
				action.Name,
				action.Algorithm.Name,
				string(action.Algorithm.ActionType),
				models.QueueName(action),
			})
		}
	}
	fmt.Println(renderTable(
		[]string{"Task", "Task Name", "Action", "Action Name", "Algorithm", "Type", "Queue"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight},
	))
	return nil
}

func runPipelineExplain(cmd *cobra.Command, args []string) error {
	job, resolver, err := loadRequestJob(args[0])
	if err != nil {
		return err
	}

	var rows [][]string
	for mi := range job.Media {
		media := &job.Media[mi]
		for ti := range job.Pipeline.Tasks {
			for ai := range job.Pipeline.Tasks[ti].Actions {
				action := &job.Pipeline.Tasks[ti].Actions[ai]
				names := explainProperties
				if len(names) == 0 {
					names = sortedKeys(resolver.CombinedProperties(job, media, action))
				}
				for _, name := range names {
					info := resolver.Resolve(strings.ToUpper(name), job, media, action)
					value := info.Value
					level := info.Level.String()
					if !info.IsResolved() {
						value, level = "-", "unresolved"
					}
					rows = append(rows, []string{strconv.FormatInt(media.ID, 10), action.Name, info.Name, value, level})
				}
			}
		}
	}

	if len(rows) == 0 {
		fmt.Println("No properties to explain")
		return nil
	}
	fmt.Println(renderTable([]string{"Media", "Action", "Property", "Value", "Level"}, rows, []columnAlignment{alignRight}))
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
