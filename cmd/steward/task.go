package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/steward/internal/config"
	"github.com/ShayCichocki/steward/internal/intake"
	"github.com/ShayCichocki/steward/internal/orchestrator"
	"github.com/ShayCichocki/steward/pkg/models"
)

var (
	taskDependsOn   []string
	taskAction      string
	taskAgent       string
	taskUrgency     string
	taskComplexity  string
	taskRisk        string
	taskEnvironment string
	taskDomain      string
	taskTags        []string
	taskDeclared    int
	taskDeadline    bool
	taskRemote      bool
	taskStatuses    []string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage work items",
	Long: `Add work items, edit their dependencies, and inspect the queue.

Changes are written to the store and picked up by the next 'steward run'.
Use 'task add --remote' to hand a work item to a running daemon over NATS.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Add a work item",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskAdd,
}

var taskDependCmd = &cobra.Command{
	Use:   "depend <task-id> <depends-on-id>",
	Short: "Make a work item wait for another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineSystem(cmd, func(ctx context.Context, s *system) error {
			if err := s.dispatcher.AddDependency(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now depends on %s\n", args[0], args[1])
			return nil
		})
	},
}

var taskUndependCmd = &cobra.Command{
	Use:   "undepend <task-id> <depends-on-id>",
	Short: "Remove a dependency between work items",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineSystem(cmd, func(ctx context.Context, s *system) error {
			if err := s.dispatcher.RemoveDependency(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s no longer depends on %s\n", args[0], args[1])
			return nil
		})
	},
}

var taskOrderCmd = &cobra.Command{
	Use:   "order [task-id...]",
	Short: "Print the execution order",
	Long: `Print work items in an order that respects their dependencies.

Without arguments every unfinished item is ordered. Ties are broken by
priority, then by age.`,
	RunE: runTaskOrder,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List work items",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses := make([]models.WorkItemStatus, 0, len(taskStatuses))
		for _, s := range taskStatuses {
			st := models.WorkItemStatus(s)
			if !st.Valid() {
				return fmt.Errorf("unknown status %q", s)
			}
			statuses = append(statuses, st)
		}
		return withOfflineSystem(cmd, func(ctx context.Context, s *system) error {
			printItems(cmd.OutOrStdout(), s.dispatcher.Graph().Snapshot(statuses...))
			return nil
		})
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a work item and its decision history",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskImportCmd = &cobra.Command{
	Use:   "import <manifest.yaml>",
	Short: "Add the work items of a YAML manifest",
	Long: `Add every work item of a YAML manifest, dependencies first.

  items:
    - key: schema
      description: Apply schema migration
      action: migrate
    - key: deploy
      description: Roll out the release
      depends_on: [schema]

depends_on may name keys of the same manifest or ids of existing items.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskImport,
}

func init() {
	f := taskAddCmd.Flags()
	f.StringSliceVar(&taskDependsOn, "depends-on", nil, "ids this item waits for")
	f.StringVar(&taskAction, "action", "", "action type handed to the executor")
	f.StringVar(&taskAgent, "agent", "", "agent the action is routed to")
	f.StringVar(&taskUrgency, "urgency", "", "low, normal, high or critical")
	f.StringVar(&taskComplexity, "complexity", "", "low, medium, high or very_high")
	f.StringVar(&taskRisk, "risk-tolerance", "", "low, medium or high")
	f.StringVar(&taskEnvironment, "environment", "", "target environment, e.g. production")
	f.StringVar(&taskDomain, "domain", "", "specialty the action requires")
	f.StringSliceVar(&taskTags, "tags", nil, "expertise tags the action calls for")
	f.IntVar(&taskDeclared, "declared-dependencies", 0, "number of external dependencies")
	f.BoolVar(&taskDeadline, "time-pressure", false, "the action has a hard deadline")
	f.BoolVar(&taskRemote, "remote", false, "submit to a running daemon over NATS")

	taskListCmd.Flags().StringSliceVar(&taskStatuses, "status", nil, "only list items with these statuses")

	taskCmd.AddCommand(taskAddCmd, taskDependCmd, taskUndependCmd, taskOrderCmd, taskListCmd, taskShowCmd, taskImportCmd)
}

// withOfflineSystem loads config and store and runs fn against a dispatcher
// that holds the persisted graph.
func withOfflineSystem(cmd *cobra.Command, fn func(ctx context.Context, s *system) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	s, err := offlineSystem(ctx, cfg, db)
	if err != nil {
		return err
	}
	return fn(ctx, s)
}

func taskRequest(args []string) orchestrator.SubmitRequest {
	return orchestrator.SubmitRequest{
		Description: strings.Join(args, " "),
		DependsOn:   taskDependsOn,
		Action:      taskAction,
		Agent:       taskAgent,
		Context: models.ActionContext{
			Urgency:              models.Urgency(taskUrgency),
			Complexity:           models.Complexity(taskComplexity),
			RiskTolerance:        models.RiskTolerance(taskRisk),
			Environment:          taskEnvironment,
			Domain:               taskDomain,
			ExpertiseTags:        taskTags,
			DeclaredDependencies: taskDeclared,
			TimePressure:         taskDeadline,
		},
	}
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	req := taskRequest(args)
	if taskRemote {
		return submitRemote(cmd, req)
	}
	return withOfflineSystem(cmd, func(ctx context.Context, s *system) error {
		item, err := s.dispatcher.Submit(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", item.ID, item.Status)
		return nil
	})
}

// submitRemote sends req to the intake subject and waits for the daemon's reply.
func submitRemote(cmd *cobra.Command, req orchestrator.SubmitRequest) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url, _, err := config.NATSURL(cfg)
	if err != nil {
		return err
	}
	nc, err := nats.Connect(url, nats.Name("steward-cli"))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", config.MaskURL(url), err)
	}
	defer nc.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	msg, err := nc.RequestWithContext(ctx, cfg.NATS.IntakeSubject, data)
	if err != nil {
		return fmt.Errorf("submit to %s: %w", cfg.NATS.IntakeSubject, err)
	}
	var reply intake.SubmitReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", reply.ID, reply.Status)
	return nil
}

func runTaskOrder(cmd *cobra.Command, args []string) error {
	return withOfflineSystem(cmd, func(ctx context.Context, s *system) error {
		g := s.dispatcher.Graph()
		ids := args
		if len(ids) == 0 {
			for _, it := range g.Snapshot(models.WorkItemStatusPending, models.WorkItemStatusReady, models.WorkItemStatusRunning) {
				ids = append(ids, it.ID)
			}
		}
		order, err := g.ExecutionOrder(ids)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(order) == 0 {
			fmt.Fprintln(out, "Nothing to order.")
			return nil
		}
		for i, id := range order {
			it := g.Get(id)
			fmt.Fprintf(out, "%3d. %s  %s  %s\n", i+1, shortID(id), statusLabel(it.Status), it.Description)
		}
		return nil
	})
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	item, err := db.GetWorkItem(ctx, args[0])
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("work item %s not found", args[0])
	}
	decisions, err := db.ListDecisions(ctx, item.ID, 0)
	if err != nil {
		return err
	}
	printItem(cmd.OutOrStdout(), item, decisions)
	return nil
}

func runTaskImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	m, err := orchestrator.ParseManifest(f)
	if err != nil {
		return err
	}

	return withOfflineSystem(cmd, func(ctx context.Context, s *system) error {
		ids, err := s.dispatcher.Import(ctx, m)
		out := cmd.OutOrStdout()
		for _, it := range m.Items {
			if id, ok := ids[it.Key]; ok {
				fmt.Fprintf(out, "%-20s %s\n", it.Key, id)
			}
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Imported %d work items\n", len(ids))
		return nil
	})
}
