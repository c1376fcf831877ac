package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Review.MaxIterations)
	assert.Equal(t, int64(3), cfg.Review.MaxConcurrent)
	assert.Equal(t, time.Minute, cfg.Review.CoolingOff)
	assert.Equal(t, 15*time.Minute, cfg.Grace.Window)
	assert.Equal(t, 30*time.Minute, cfg.CheckWait.CITimeout)
	assert.Equal(t, 15*time.Minute, cfg.CheckWait.BotTimeout)
	assert.Equal(t, 120*time.Second, cfg.CheckWait.BackoffCap)
	assert.Equal(t, 5, cfg.Batch.MaxBatchSize)
	assert.Equal(t, 24*time.Hour, cfg.Embedding.CacheTTL)
	assert.False(t, cfg.Review.ReviewOwnPRs)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	acDir := filepath.Join(dir, AutoClaudeDirName)
	require.NoError(t, os.MkdirAll(acDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(acDir, "config.yaml"), []byte(`
model: claude-opus-4-5
review:
  max_iterations: 2
  authorized_users: [alice, bob]
check_wait:
  expected_bots: ["coderabbitai[bot]"]
`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-5", cfg.Model)
	assert.Equal(t, 2, cfg.Review.MaxIterations)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Review.AuthorizedUsers)
	assert.Equal(t, []string{"coderabbitai[bot]"}, cfg.CheckWait.ExpectedBots)
	// Untouched sections keep defaults.
	assert.Equal(t, 15*time.Minute, cfg.Grace.Window)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDefaultBranch, "develop")
	t.Setenv(EnvModel, "claude-opus-4-5")
	t.Setenv(EnvExpectedBots, "coderabbitai[bot], sonarcloud[bot]")
	t.Setenv(EnvGraphiti, "true")
	t.Setenv(EnvLinearAPIKey, "lin_api_test")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "develop", cfg.BaseBranch)
	assert.Equal(t, "claude-opus-4-5", cfg.Model)
	assert.Equal(t, []string{"coderabbitai[bot]", "sonarcloud[bot]"}, cfg.CheckWait.ExpectedBots)
	assert.True(t, cfg.Graphiti.Enabled)
	assert.Equal(t, "lin_api_test", cfg.Linear.APIKey)
}

func TestPaths_DottedRootOnly(t *testing.T) {
	p := NewPaths("/repo")

	assert.Equal(t, "/repo/specs/004-fix-oauth", p.SpecDir("004-fix-oauth"))
	assert.Equal(t, "/repo/.auto-claude/worktrees/tasks/fix-oauth", p.WorktreeDir("fix-oauth"))
	assert.Equal(t, "/repo/.auto-claude/github/batches/batch_b1.json", p.BatchFile("b1"))
	assert.Equal(t, "/repo/.auto-claude/github/pr_review_state/pr_42.json", p.ReviewStateFile(42))
	assert.Equal(t, "/repo/.auto-claude/github/learning/acme_widgets_outcomes.json",
		p.OutcomesFile("acme/widgets"))
	assert.Equal(t, "/repo/.auto-claude/github/embeddings/acme_widgets_embeddings.json",
		p.EmbeddingsFile("acme/widgets"))

	// State never lands in a non-dotted auto-claude/ path.
	for _, path := range []string{
		p.AutoClaudeDir(), p.WorktreesDir(), p.GitHubDir(), p.AuditDir(),
		p.GracePeriodsFile(), p.OverrideHistoryFile(), p.SpecNumberLock(),
	} {
		assert.Contains(t, path, "/.auto-claude")
		assert.NotContains(t, path, "/auto-claude/")
	}
}
