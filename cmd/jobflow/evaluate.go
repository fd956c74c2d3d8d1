package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/songzhibin97/gkit/generator"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/songzhibin97/jobflow/config"
	"github.com/songzhibin97/jobflow/logging"
	"github.com/songzhibin97/jobflow/mail"
	"github.com/songzhibin97/jobflow/rules"
	"github.com/songzhibin97/jobflow/storage"
	"github.com/songzhibin97/jobflow/types"
	"github.com/songzhibin97/jobflow/workflow"
)

// dryRunEpoch seeds the snowflake generator used by evaluate --execute.
var dryRunEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// reportedKinds are the record kinds an executed dry run prints.
var reportedKinds = []string{types.KindJob, types.KindTask, types.KindCommunication, types.KindActivity}

// evaluateOptions mirror the engine settings that decide whether a rule runs.
type evaluateOptions struct {
	Execute      bool
	StrictEvents bool
}

type ruleEvaluation struct {
	RuleID     string `json:"rule_id"`
	Name       string `json:"name"`
	Active     bool   `json:"active"`
	KnownEvent bool   `json:"known_event"`
	Matched    bool   `json:"matched"`
	Error      string `json:"error,omitempty"`
}

type report struct {
	Skipped string                    `json:"skipped,omitempty"`
	Rules   []ruleEvaluation          `json:"rules"`
	Result  *types.Result             `json:"result,omitempty"`
	Records map[string][]types.Record `json:"records,omitempty"`
}

func evaluateCommand() *cli.Command {
	return &cli.Command{
		Name:  "evaluate",
		Usage: "Dry-run rules against a change event read from JSON files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "rules",
				Aliases:  []string{"r"},
				Usage:    "File holding one rule or an array of rules",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "event",
				Aliases:  []string{"e"},
				Usage:    "File holding the change event",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "execute",
				Usage: "Run matching actions against an in-memory store and print the resulting records",
			},
			&cli.BoolFlag{
				Name:  "strict-events",
				Usage: "Never match rules with an unrecognized trigger event; defaults to engine.strict_events",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
				Usage: "Log level for action output",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ruleList, err := readRules(command.String("rules"))
			if err != nil {
				return err
			}
			ev, err := readEvent(command.String("event"))
			if err != nil {
				return err
			}
			logger, err := logging.New(command.String("log-level"), "console")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			opts := evaluateOptions{Execute: command.Bool("execute")}
			if command.IsSet("strict-events") {
				opts.StrictEvents = command.Bool("strict-events")
			} else {
				cfg, err := config.Load(command.String("config"))
				if err != nil {
					return err
				}
				opts.StrictEvents = cfg.Engine.StrictEvents
			}

			out, err := evaluate(ctx, ruleList, ev, opts, logger)
			if err != nil {
				return err
			}
			return writeReport(os.Stdout, out)
		},
	}
}

// evaluate matches every rule against ev with the same gates the engine
// applies: only Job updates are considered and, in strict mode, rules with an
// unrecognized trigger event never match. With opts.Execute set, the event
// also runs through an engine backed by a fresh in-memory store seeded with
// the event's job.
func evaluate(ctx context.Context, ruleList []types.WorkflowRule, ev types.ChangeEvent, opts evaluateOptions, logger *zap.Logger) (report, error) {
	out := report{Rules: make([]ruleEvaluation, 0, len(ruleList))}
	evaluator := rules.NewExprEvaluator()

	jobUpdate := ev.IsJobUpdate()
	if !jobUpdate {
		out.Skipped = "not a job update"
	}

	for _, rule := range ruleList {
		re := ruleEvaluation{
			RuleID:     rule.ID,
			Name:       rule.Name,
			Active:     rule.IsActive,
			KnownEvent: rules.KnownEvent(rule.Trigger),
		}
		if jobUpdate && (re.KnownEvent || !opts.StrictEvents) {
			matched, err := rules.Evaluate(evaluator, rule.Trigger, ev.OldData, ev.Data)
			re.Matched = matched
			if err != nil {
				re.Error = err.Error()
			}
		}
		out.Rules = append(out.Rules, re)
	}

	if !opts.Execute {
		return out, nil
	}

	store := storage.NewMemoryStorage()
	if err := store.SaveRules(ctx, ruleList); err != nil {
		return out, fmt.Errorf("load rules: %w", err)
	}
	if ev.Data.ID() != "" {
		if _, err := store.Create(ctx, types.KindJob, ev.Data.Clone()); err != nil {
			return out, fmt.Errorf("seed job: %w", err)
		}
	}

	engine, err := workflow.NewEngine(
		generator.NewSnowflake(dryRunEpoch, 1),
		store,
		mail.NewLogMailer(logging.WithModule(logger, "mail")),
		workflow.WithEvaluator(evaluator),
		workflow.WithLogger(logging.WithModule(logger, "engine")),
		workflow.WithStrictEvents(opts.StrictEvents),
	)
	if err != nil {
		return out, err
	}

	result, err := engine.HandleEvent(ctx, ev)
	if err != nil {
		return out, err
	}
	out.Result = &result

	out.Records = make(map[string][]types.Record, len(reportedKinds))
	for _, kind := range reportedKinds {
		records, err := store.Filter(ctx, kind, nil)
		if err != nil {
			return out, err
		}
		if len(records) > 0 {
			out.Records[kind] = records
		}
	}
	return out, nil
}

func readRules(path string) ([]types.WorkflowRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []types.WorkflowRule
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode rules %s: %w", path, err)
		}
		return list, nil
	}
	var rule types.WorkflowRule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("decode rule %s: %w", path, err)
	}
	return []types.WorkflowRule{rule}, nil
}

func readEvent(path string) (types.ChangeEvent, error) {
	var ev types.ChangeEvent
	data, err := os.ReadFile(path)
	if err != nil {
		return ev, fmt.Errorf("read event: %w", err)
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode event %s: %w", path, err)
	}
	return ev, nil
}

func writeReport(w io.Writer, out report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
