// Package browser implements core.Executor as a model-planned browser agent.
//
// Each task runs in a fresh page. The model observes the page (URL, title
// and visible text) and answers with one JSON action per step until it
// reports the task done, failed, or in need of a user confirmation.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/internal/util"
	"github.com/hupe1980/mailagent/logging"
	"github.com/hupe1980/mailagent/model"
)

// Action kinds understood by the agent loop.
const (
	ActionNavigate          = "navigate"
	ActionClick             = "click"
	ActionType              = "type"
	ActionDone              = "done"
	ActionFail              = "fail"
	ActionNeedsConfirmation = "needs_confirmation"
)

// Action is one step chosen by the model.
type Action struct {
	Action      string   `json:"action" description:"one of navigate, click, type, done, fail, needs_confirmation"`
	URL         string   `json:"url,omitempty" description:"target URL for navigate"`
	Selector    string   `json:"selector,omitempty" description:"CSS selector for click and type"`
	Text        string   `json:"text,omitempty" description:"text to enter for type"`
	Description string   `json:"description,omitempty" description:"short human readable description of the step"`
	Summary     string   `json:"summary,omitempty" description:"outcome summary for done, reason for fail or needs_confirmation"`
	Options     []string `json:"options,omitempty" description:"choices offered to the user for needs_confirmation"`
}

const instructions = `You are a browser automation agent carrying out a task for a user.

At every step you receive the current page. Reply with exactly one action:
- navigate: open "url"
- click: click the element matching CSS "selector"
- type: enter "text" into the element matching CSS "selector"
- done: the task is finished; put the outcome in "summary"
- fail: the task cannot be completed; put the reason in "summary"
- needs_confirmation: several plausible choices exist and the user must pick one; list them in "options"

Only ask for confirmation when the task is ambiguous and no user_confirmation is given in the context.
Describe each step briefly in "description".`

// Options configures the Executor.
type Options struct {
	MaxSteps     int
	StepTimeout  time.Duration
	MaxPageChars int
	// MaxConsecutiveErrors aborts the task after that many failing steps in a row.
	MaxConsecutiveErrors int
	Temperature          float64
	Logger               logging.Logger
}

// Executor drives a Page with actions planned by a model.
type Executor struct {
	model  model.Model
	open   Opener
	schema map[string]any
	opts   Options
}

var _ core.Executor = (*Executor)(nil)

// New creates an Executor.
func New(m model.Model, open Opener, optFns ...func(o *Options)) *Executor {
	opts := Options{
		MaxSteps:             20,
		StepTimeout:          30 * time.Second,
		MaxPageChars:         6000,
		MaxConsecutiveErrors: 3,
		Temperature:          0.2,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Executor{
		model:  m,
		open:   open,
		schema: util.CreateSchema(Action{}),
		opts:   opts,
	}
}

// ContextualizeTask appends the contextual mapping to a task description as
// "- key: value" lines. Keys are sorted.
func ContextualizeTask(description string, taskContext map[string]any) string {
	if len(taskContext) == 0 {
		return description
	}

	keys := make([]string, 0, len(taskContext))
	for k := range taskContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(description)
	b.WriteString("\n\nAdditional context:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, taskContext[k])
	}
	return b.String()
}

// Execute implements core.Executor.
func (e *Executor) Execute(ctx context.Context, description string, taskContext map[string]any) (core.Execution, error) {
	start := time.Now()
	out, err := e.execute(ctx, description, taskContext)
	logging.LogCollaboratorCall(e.opts.Logger, "executor", "", time.Since(start), err)
	return out, err
}

func (e *Executor) execute(ctx context.Context, description string, taskContext map[string]any) (core.Execution, error) {
	page, release, err := e.open(ctx)
	if err != nil {
		return core.Execution{}, fmt.Errorf("open browser: %w", err)
	}
	defer release()

	var (
		log      []string
		errCount int
	)
	messages := []model.Message{model.UserMessage("Task:\n" + ContextualizeTask(description, taskContext))}
	temperature := e.opts.Temperature

	for step := 1; step <= e.opts.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return core.Execution{}, err
		}

		messages = append(messages, model.UserMessage(e.observe(ctx, page)))

		raw, err := model.Collect(ctx, e.model, model.Request{
			Instructions: instructions + "\n\n" + util.FormatInstructions(Action{}),
			Messages:     messages,
			Temperature:  &temperature,
			JSON:         true,
		})
		if err != nil {
			return core.Execution{}, fmt.Errorf("plan step %d: %w", step, err)
		}
		messages = append(messages, model.AssistantMessage(raw))

		act, err := e.decode(raw)
		if err != nil {
			errCount++
			if errCount >= e.opts.MaxConsecutiveErrors {
				return failed(log, fmt.Sprintf("could not understand planned action: %v", err)), nil
			}
			messages = append(messages, model.UserMessage(fmt.Sprintf("Invalid action: %v", err)))
			continue
		}

		e.opts.Logger.Debug("browser.step", "step", step, "action", act.Action, "selector", act.Selector, "url", act.URL)

		switch act.Action {
		case ActionDone:
			return core.Execution{
				Success:   true,
				Result:    map[string]any{"completed": true, core.ResultKeySummary: act.Summary},
				ActionLog: log,
			}, nil
		case ActionFail:
			return failed(log, act.Summary), nil
		case ActionNeedsConfirmation:
			if len(act.Options) == 0 {
				errCount++
				messages = append(messages, model.UserMessage("needs_confirmation requires a non-empty options list"))
				continue
			}
			log = append(log, describe(act))
			return core.Execution{
				Success: true,
				Result: map[string]any{
					core.ResultKeyNeedsConfirmation:   true,
					core.ResultKeyConfirmationOptions: act.Options,
					core.ResultKeySummary:             act.Summary,
				},
				ActionLog: log,
			}, nil
		}

		if err := e.perform(ctx, page, act); err != nil {
			errCount++
			e.opts.Logger.Warn("browser.step.error", "step", step, "action", act.Action, "error", err)
			if errCount >= e.opts.MaxConsecutiveErrors {
				return failed(log, fmt.Sprintf("%s failed: %v", act.Action, err)), nil
			}
			messages = append(messages, model.UserMessage(fmt.Sprintf("Action %s failed: %v", act.Action, err)))
			continue
		}

		errCount = 0
		log = append(log, describe(act))
	}

	return failed(log, fmt.Sprintf("step limit of %d reached before the task was finished", e.opts.MaxSteps)), nil
}

func (e *Executor) decode(raw string) (Action, error) {
	obj, err := util.DecodeObject(raw)
	if err != nil {
		return Action{}, err
	}
	if err := util.ValidateParameters(obj, e.schema); err != nil {
		return Action{}, err
	}

	b, err := json.Marshal(obj)
	if err != nil {
		return Action{}, err
	}
	var act Action
	if err := json.Unmarshal(b, &act); err != nil {
		return Action{}, err
	}
	act.Action = strings.ToLower(strings.TrimSpace(act.Action))
	return act, nil
}

func (e *Executor) perform(ctx context.Context, page Page, act Action) error {
	stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()

	switch act.Action {
	case ActionNavigate:
		if act.URL == "" {
			return fmt.Errorf("navigate requires url")
		}
		return page.Navigate(stepCtx, act.URL)
	case ActionClick:
		if act.Selector == "" {
			return fmt.Errorf("click requires selector")
		}
		return page.Click(stepCtx, act.Selector)
	case ActionType:
		if act.Selector == "" {
			return fmt.Errorf("type requires selector")
		}
		return page.Type(stepCtx, act.Selector, act.Text)
	default:
		return fmt.Errorf("unknown action %q", act.Action)
	}
}

// observe renders the current page for the model. Read errors are reported
// inline so the model can react to them.
func (e *Executor) observe(ctx context.Context, page Page) string {
	stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()

	url, err := page.URL(stepCtx)
	if err != nil {
		url = "unavailable (" + err.Error() + ")"
	}
	title, _ := page.Title(stepCtx)
	text, err := page.Text(stepCtx)
	if err != nil {
		text = "unavailable (" + err.Error() + ")"
	}
	text = strings.TrimSpace(text)
	if e.opts.MaxPageChars > 0 && len(text) > e.opts.MaxPageChars {
		text = strings.ToValidUTF8(text[:e.opts.MaxPageChars], "") + "\n[truncated]"
	}

	return fmt.Sprintf("Current page:\nURL: %s\nTitle: %s\n\nContent:\n%s", url, title, text)
}

func describe(act Action) string {
	detail := act.Description
	if detail == "" {
		switch act.Action {
		case ActionNavigate:
			detail = act.URL
		case ActionNeedsConfirmation:
			detail = act.Summary
		default:
			detail = act.Selector
		}
	}
	if detail == "" {
		return act.Action
	}
	return act.Action + ": " + detail
}

func failed(log []string, reason string) core.Execution {
	if reason == "" {
		reason = "task could not be completed"
	}
	return core.Execution{
		Success:   false,
		Result:    map[string]any{"completed": false, core.ResultKeyError: reason},
		ActionLog: log,
	}
}
