package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-scoresync/internal/config"
	"github.com/mobiletoly/go-scoresync/scorelite"
	"github.com/mobiletoly/go-scoresync/scores"
	"github.com/mobiletoly/go-scoresync/scoresync"
)

func TestParseKindArg(t *testing.T) {
	kinds, err := parseKindArg(nil)
	require.NoError(t, err)
	require.Equal(t, scores.Kinds, kinds)

	kinds, err = parseKindArg([]string{"quiz"})
	require.NoError(t, err)
	require.Equal(t, []scores.Kind{scores.KindQuiz}, kinds)

	_, err = parseKindArg([]string{"homework"})
	require.Error(t, err)
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()

	tok, err := tokenSource(&config.Client{Token: "fixed"}, "dev")(ctx)
	require.NoError(t, err)
	require.Equal(t, "fixed", tok)

	_, err = tokenSource(&config.Client{}, "dev")(ctx)
	require.ErrorIs(t, err, scorelite.ErrNoToken)

	cfg := config.DefaultClient()
	cfg.UserID = "u1"
	tok, err = tokenSource(cfg, "dev-1")(ctx)
	require.NoError(t, err)
	claims, err := scoresync.NewJWTAuth(cfg.JWTSecret).ValidateToken(tok)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.Equal(t, "dev-1", claims.DeviceID)
}

func TestRecordAndShowOffline(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("SCORESYNC_SQLITE_FILE", filepath.Join(dir, "client.db"))
	t.Setenv("SCORESYNC_SERVER_URL", "http://127.0.0.1:1") // nothing listens here
	t.Setenv("SCORESYNC_LOG_LEVEL", "error")

	run := func(args ...string) string {
		var out bytes.Buffer
		cmd := newRootCommand()
		cmd.SetOut(&out)
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	out := run("--user", "u1", "record", "quiz", "--section", "s1", "--module", "m1", "--score", "3", "--total", "5", "--at", "1700000000000")
	require.Contains(t, out, `"quiz:s1/m1@1700000000000"`)

	out = run("--user", "u1", "show", "--pending")
	require.Contains(t, out, `"section": "s1"`)
	require.Contains(t, out, `"Attempts": 1`)

	cmd := newRootCommand()
	cmd.SetArgs([]string{"record", "quiz", "--total", "5"})
	require.Error(t, cmd.Execute(), "user id is required")
}
