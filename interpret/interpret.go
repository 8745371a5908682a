// Package interpret implements core.Interpreter on top of a language model.
// The model is asked for a JSON object matching core.Interpretation; any
// failure yields core.FallbackInterpretation alongside an error wrapping
// core.ErrInterpretation.
package interpret

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/internal/util"
	"github.com/hupe1980/mailagent/logging"
	"github.com/hupe1980/mailagent/model"
)

// DefaultTemperature keeps interpretation close to deterministic.
const DefaultTemperature = 0.1

const instructions = `You analyze tasks that users delegate by email to a browser automation assistant.

For the task you receive, determine:
- task_type: a short snake_case category such as job_application, form_submission, search, booking, purchase
- requires_clarification: true when essential information is missing to carry the task out in a browser
- clarification_questions: the specific questions to ask the user when clarification is required
- task_details.website: the website or domain to work on (empty when unknown)
- task_details.action_type: the primary action to perform (apply, search, fill_form, book, buy, ...)
- task_details.target: the specific item the action applies to
- task_details.additional_context: any further facts from the task that the browser agent needs

Never invent facts the user did not state.`

// Options configures the Interpreter.
type Options struct {
	Temperature float64
	Logger      logging.Logger
}

// Interpreter asks a model to classify and decompose a task description.
type Interpreter struct {
	model  model.Model
	schema map[string]any
	opts   Options
}

var _ core.Interpreter = (*Interpreter)(nil)

// New creates an Interpreter backed by m.
func New(m model.Model, optFns ...func(o *Options)) *Interpreter {
	opts := Options{
		Temperature: DefaultTemperature,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Interpreter{
		model:  m,
		schema: util.CreateSchema(core.Interpretation{}),
		opts:   opts,
	}
}

// Interpret implements core.Interpreter.
func (i *Interpreter) Interpret(ctx context.Context, text string) (core.Interpretation, error) {
	start := time.Now()
	out, err := i.interpret(ctx, text)
	logging.LogCollaboratorCall(i.opts.Logger, "interpreter", "", time.Since(start), err)
	if err != nil {
		return core.FallbackInterpretation(), fmt.Errorf("%w: %w", core.ErrInterpretation, err)
	}
	return out, nil
}

func (i *Interpreter) interpret(ctx context.Context, text string) (core.Interpretation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return core.Interpretation{}, fmt.Errorf("empty task description")
	}

	temperature := i.opts.Temperature
	raw, err := model.Collect(ctx, i.model, model.Request{
		Instructions: instructions + "\n\n" + util.FormatInstructions(core.Interpretation{}),
		Messages:     []model.Message{model.UserMessage("Task:\n" + text)},
		Temperature:  &temperature,
		JSON:         true,
	})
	if err != nil {
		return core.Interpretation{}, err
	}

	return i.parse(raw)
}

// parse decodes and validates model output.
func (i *Interpreter) parse(raw string) (core.Interpretation, error) {
	obj, err := util.DecodeObject(raw)
	if err != nil {
		return core.Interpretation{}, err
	}
	if err := util.ValidateParameters(obj, i.schema); err != nil {
		return core.Interpretation{}, err
	}

	b, err := json.Marshal(obj)
	if err != nil {
		return core.Interpretation{}, err
	}
	var out core.Interpretation
	if err := json.Unmarshal(b, &out); err != nil {
		return core.Interpretation{}, err
	}

	return normalize(out), nil
}

func normalize(in core.Interpretation) core.Interpretation {
	questions := make([]string, 0, len(in.ClarificationQuestions))
	for _, q := range in.ClarificationQuestions {
		if q = strings.TrimSpace(q); q != "" {
			questions = append(questions, q)
		}
	}
	in.ClarificationQuestions = questions

	if in.RequiresClarification && len(in.ClarificationQuestions) == 0 {
		in.ClarificationQuestions = []string{core.DefaultClarificationQuestion}
	}
	if !in.RequiresClarification {
		in.ClarificationQuestions = nil
	}
	in.TaskType = strings.TrimSpace(in.TaskType)
	if in.TaskType == "" {
		in.TaskType = "unknown"
	}
	return in
}
