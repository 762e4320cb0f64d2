package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tasknerd/internal/events"
	"tasknerd/internal/task"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and edit the project task store",
	}
	cmd.AddCommand(newTasksListCmd())
	cmd.AddCommand(newTasksAddCmd())
	return cmd
}

// withManager opens the store for one short-lived CLI operation.
func withManager(fn func(*task.Manager) error) error {
	_, paths, err := loadConfig()
	if err != nil {
		return err
	}
	bus := events.NewBus()
	defer bus.Close()

	m, err := task.Open(paths.TasksFile(), paths.Root, bus)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func newTasksListCmd() *cobra.Command {
	var (
		flagReady bool
		flagPhase string
		flagJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *task.Manager) error {
				var tasks []*task.Task
				if flagReady {
					ready, err := m.GetReadyTasks(task.Filter{Phase: flagPhase})
					if err != nil {
						return err
					}
					tasks = ready
				} else {
					tasks = m.ListTasks()
				}

				if flagJSON {
					return json.NewEncoder(os.Stdout).Encode(tasks)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tPHASE\tPRIORITY\tTITLE")
				for _, t := range tasks {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Phase, t.Priority, t.Title)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&flagReady, "ready", false, "only ready tasks, best first")
	cmd.Flags().StringVar(&flagPhase, "phase", "", "filter ready tasks by phase")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "JSON output")
	return cmd
}

func newTasksAddCmd() *cobra.Command {
	var (
		flagDescription string
		flagPhase       string
		flagPriority    string
		flagEffort      string
		flagBacklog     string
		flagCriteria    []string
		flagRequires    []string
		flagTags        []string
	)

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *task.Manager) error {
				created, err := m.CreateTask(task.Spec{
					Title:              args[0],
					Description:        flagDescription,
					Phase:              flagPhase,
					Priority:           task.Priority(flagPriority),
					EstimatedEffort:    flagEffort,
					Backlog:            task.Tier(flagBacklog),
					AcceptanceCriteria: flagCriteria,
					Tags:               flagTags,
					Dependencies:       task.Dependencies{Requires: flagRequires},
				})
				if err != nil {
					return err
				}
				console.Infow("task created", "id", created.ID, "status", created.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&flagDescription, "description", "", "task description")
	cmd.Flags().StringVar(&flagPhase, "phase", "research", "lifecycle phase")
	cmd.Flags().StringVar(&flagPriority, "priority", "medium", "critical|high|medium|low")
	cmd.Flags().StringVar(&flagEffort, "effort", "", "estimated effort, e.g. 2h or 1 day")
	cmd.Flags().StringVar(&flagBacklog, "backlog", "next", "now|next|later|someday")
	cmd.Flags().StringArrayVar(&flagCriteria, "criterion", nil, "acceptance criterion (repeatable)")
	cmd.Flags().StringArrayVar(&flagRequires, "requires", nil, "prerequisite task id (repeatable)")
	cmd.Flags().StringArrayVar(&flagTags, "tag", nil, "tag (repeatable)")
	return cmd
}
