package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hupe1980/mailagent"
	"github.com/hupe1980/mailagent/browser"
	"github.com/hupe1980/mailagent/config"
	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/interpret"
	"github.com/hupe1980/mailagent/logging"
	"github.com/hupe1980/mailagent/mail"
	"github.com/hupe1980/mailagent/mail/imap"
	"github.com/hupe1980/mailagent/mail/smtp"
	"github.com/hupe1980/mailagent/model"
	"github.com/hupe1980/mailagent/model/anthropic"
	"github.com/hupe1980/mailagent/model/openai"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the mailbox and process tasks",
	Long: `Poll the configured mailbox and process every task request until interrupted.

With --dry-run replies are logged instead of sent. With --once a single poll
cycle is processed and the command exits once its work is done.`,
	RunE: runRun,
}

func addRunFlags(fs *pflag.FlagSet) {
	fs.Bool("dry-run", false, "Log outbound mail instead of sending it")
	fs.Bool("once", false, "Process a single poll cycle and exit")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return err
	}
	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return err
	}

	agent, err := buildAgent(cfg, dryRun, logger)
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("mailagent.start", "mailbox", cfg.Mailbox.Address, "dry_run", dryRun, "once", once)

	if once {
		n := agent.Poll(ctx)
		agent.Wait()
		logger.Info("mailagent.once.done", "messages", n)
		return nil
	}

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("mailagent.stop")
	return nil
}

func newLogger(c config.LogConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return logging.Init(&logging.LoggerConfig{
		Level:  level,
		Format: strings.ToLower(c.Format),
		Output: os.Stderr,
	}), nil
}

// buildAgent wires the configured transports and collaborators.
func buildAgent(cfg *config.Config, dryRun bool, logger logging.Logger) (*mailagent.MailAgent, error) {
	mailbox := imap.New(func(o *imap.Options) {
		o.Addr = cfg.Mailbox.IMAPAddr
		o.Username = cfg.Mailbox.Address
		o.Password = cfg.Mailbox.Password
		o.Folder = cfg.Mailbox.Folder
		o.Logger = logger
	})

	var mailer core.Mailer
	if dryRun {
		mailer = mail.NewInMemoryOutbox(logger)
	} else {
		mailer = smtp.New(func(o *smtp.Options) {
			o.Addr = cfg.SMTP.Addr
			o.Username = cfg.Mailbox.Address
			o.Password = cfg.Mailbox.Password
			o.From = cfg.SMTP.From
			o.RatePerMinute = cfg.SMTP.RatePerMinute
			o.Logger = logger
		})
	}

	interpreterModel, err := newModel(cfg.Interpreter)
	if err != nil {
		return nil, err
	}
	executorModel, err := newModel(cfg.Executor.ModelConfig)
	if err != nil {
		return nil, err
	}

	interpreter := interpret.New(interpreterModel, func(o *interpret.Options) {
		o.Temperature = cfg.Interpreter.Temperature
		o.Logger = logger
	})

	executor := browser.New(executorModel,
		browser.NewChromeOpener(func(o *browser.ChromeOptions) {
			o.Headless = cfg.Executor.Headless
			o.ExecPath = cfg.Executor.ChromePath
		}),
		func(o *browser.Options) {
			o.MaxSteps = cfg.Executor.MaxSteps
			o.StepTimeout = cfg.Executor.StepTimeout
			o.Temperature = cfg.Executor.Temperature
			o.Logger = logger
		},
	)

	return mailagent.New(mailbox, mailer, interpreter, executor, func(o *mailagent.Options) {
		o.From = cfg.SMTP.From
		o.Interval = cfg.Poller.Interval
		o.MaxConcurrentThreads = cfg.Workflow.MaxConcurrentThreads
		o.MaxClarificationRounds = cfg.Workflow.MaxClarificationRounds
		o.MaxSteps = cfg.Workflow.MaxSteps
		o.InactivityTimeout = cfg.Workflow.InactivityTimeout
		o.ConfirmationTimeout = cfg.Workflow.ConfirmationTimeout
		o.Logger = logger
	}), nil
}

func newModel(c config.ModelConfig) (model.Model, error) {
	switch c.Provider {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			o.Model = c.Model
			o.Temperature = c.Temperature
			o.APIKey = c.APIKey
			o.BaseURL = c.BaseURL
		}), nil
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.Model = sdk.Model(c.Model)
			o.Temperature = c.Temperature
			o.APIKey = c.APIKey
		}), nil
	case "mock":
		return model.NewMockModel(c.Model), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", c.Provider)
	}
}
