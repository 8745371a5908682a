package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mailagent/config"
	"github.com/hupe1980/mailagent/model"
	"github.com/hupe1980/mailagent/model/anthropic"
	"github.com/hupe1980/mailagent/model/openai"
)

const validConfig = `
[mailbox]
address = "agent@example.com"
password = "secret"

[interpreter]
provider = "mock"

[executor]
provider = "mock"
`

func TestRootCommandIncludesRunFlags(t *testing.T) {
	require.NotNil(t, lookupFlag(rootCmd, "dry-run"), "root command should expose the --dry-run flag")
	require.NotNil(t, lookupFlag(rootCmd, "once"), "root command should expose the --once flag")

	configFlag := lookupFlag(rootCmd, "config")
	require.NotNil(t, configFlag)
	require.Equal(t, "c", configFlag.Shorthand)
}

func TestRootCommandDelegatesToRun(t *testing.T) {
	originalRunE := runCmd.RunE
	t.Cleanup(func() {
		runCmd.RunE = originalRunE
		resetFlag(rootCmd, "once")
		rootCmd.SetArgs(nil)
	})

	called := false
	runCmd.RunE = func(cmd *cobra.Command, args []string) error {
		called = true
		once, err := cmd.Flags().GetBool("once")
		require.NoError(t, err)
		require.True(t, once)
		return nil
	}

	rootCmd.SetArgs([]string{"--once"})
	require.NoError(t, rootCmd.Execute())
	require.True(t, called, "root command should delegate to run command")
}

func TestConfigInitWritesSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailagent.toml")
	out := executeRoot(t, "config", "init", "--config", path)

	assert.Contains(t, out, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[mailbox]")

	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	err = rootCmd.Execute()
	require.Error(t, err, "an existing file must not be overwritten")
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.toml")
	require.NoError(t, os.WriteFile(good, []byte(validConfig), 0o600))
	out := executeRoot(t, "config", "validate", "--config", good)
	assert.Contains(t, out, "Configuration is valid")

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[mailbox]\naddress = \"agent@example.com\"\n"), 0o600))
	t.Cleanup(func() {
		resetFlag(rootCmd, "config")
		rootCmd.SetArgs(nil)
	})
	rootCmd.SetArgs([]string{"config", "validate", "--config", bad})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailbox.password")
}

func TestNewModelSelectsProvider(t *testing.T) {
	m, err := newModel(config.ModelConfig{Provider: "openai", Model: "gpt-4o-mini", APIKey: "test"})
	require.NoError(t, err)
	assert.IsType(t, &openai.Model{}, m)

	m, err = newModel(config.ModelConfig{Provider: "anthropic", Model: "claude-3-5-haiku-latest", APIKey: "test"})
	require.NoError(t, err)
	assert.IsType(t, &anthropic.Model{}, m)

	m, err = newModel(config.ModelConfig{Provider: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &model.MockModel{}, m)

	_, err = newModel(config.ModelConfig{Provider: "llama"})
	require.Error(t, err)
}

func TestBuildAgentDryRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailagent.toml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	agent, err := buildAgent(cfg, true, nil)
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, 0, agent.Conversations())
}

func executeRoot(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		resetFlag(rootCmd, "config")
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	return buf.String()
}

func resetFlag(cmd *cobra.Command, name string) {
	if flag := lookupFlag(cmd, name); flag != nil {
		_ = flag.Value.Set(flag.DefValue)
		flag.Changed = false
	}
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return flag
	}
	return cmd.PersistentFlags().Lookup(name)
}
