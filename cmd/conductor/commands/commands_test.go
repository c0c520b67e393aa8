package commands

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/conductor/internal/config"
	"github.com/dyluth/conductor/internal/printer"
	"github.com/dyluth/conductor/internal/singleton"
	"github.com/dyluth/conductor/pkg/conductor"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quietPrinter discards user-facing output for the duration of a test.
func quietPrinter(t *testing.T) {
	t.Helper()
	prevOut, prevErr, prevNoColor := printer.Out, printer.ErrOut, color.NoColor
	printer.Out, printer.ErrOut, color.NoColor = io.Discard, io.Discard, true
	t.Cleanup(func() {
		printer.Out, printer.ErrOut, color.NoColor = prevOut, prevErr, prevNoColor
	})
}

// parseFlags parses args into cmd and forgets them again after the test.
func parseFlags(t *testing.T, cmd *cobra.Command, args ...string) {
	t.Helper()
	require.NoError(t, cmd.ParseFlags(args))
	t.Cleanup(func() {
		cmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	})
}

// useConfigFile points --config at a file with the given content, or at a
// missing file when content is empty.
func useConfigFile(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yml")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })
}

// setupRedis starts miniredis, points the ctl flags at it and returns a
// client for the default instance.
func setupRedis(t *testing.T) *conductor.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	prevURL, prevName := ctlRedisURL, ctlInstanceName
	ctlRedisURL, ctlInstanceName = "redis://"+mr.Addr(), ""
	t.Cleanup(func() { ctlRedisURL, ctlInstanceName = prevURL, prevName })

	client, err := conductor.NewClient(&redis.Options{Addr: mr.Addr()}, config.DefaultInstanceName)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestApplyRunFlags_OverridesOnlyChangedFlags(t *testing.T) {
	useConfigFile(t, `
version: "1.0"
sender:
  total_frames: 500
  frame_rate: 30
health:
  port: 9090
`)
	cfg, err := loadConfig()
	require.NoError(t, err)

	parseFlags(t, runCmd, "--fps", "24", "--universe", "7", "--no-singleton", "--redis-url", "redis://r:6379")
	require.NoError(t, applyRunFlags(runCmd, cfg))

	sc := cfg.SenderConfig()
	assert.Equal(t, 24.0, sc.FrameRate)
	assert.Equal(t, 7, sc.Universe)
	assert.Equal(t, 500, sc.TotalFrames, "file value kept")
	assert.True(t, cfg.Singleton.Bypass)
	assert.Equal(t, "redis://r:6379", cfg.Redis.URL)
	assert.Equal(t, 9090, *cfg.Health.Port, "file value kept")
}

func TestApplyRunFlags_RejectsOutOfRange(t *testing.T) {
	for _, fps := range []string{"240", "NaN"} {
		t.Run(fps, func(t *testing.T) {
			useConfigFile(t, "")
			cfg, err := loadConfig()
			require.NoError(t, err)

			parseFlags(t, runCmd, "--fps", fps)
			err = applyRunFlags(runCmd, cfg)
			require.Error(t, err)
			assert.True(t, conductor.IsValidation(err))
		})
	}
}

func TestResolveRedisURL(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, defaultRedisURL, resolveRedisURL("", cfg))

	cfg.Redis.URL = "redis://file:6379"
	assert.Equal(t, "redis://file:6379", resolveRedisURL("", cfg))
	assert.Equal(t, "redis://flag:6379", resolveRedisURL("redis://flag:6379", cfg))
}

func TestResolveInstanceName(t *testing.T) {
	quietPrinter(t)
	cfg := config.Default()

	name, err := resolveInstanceName("", cfg)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultInstanceName, name)

	name, err = resolveInstanceName("stage-left", cfg)
	require.NoError(t, err)
	assert.Equal(t, "stage-left", name)

	_, err = resolveInstanceName("Stage_Left", cfg)
	assert.Error(t, err)
}

func TestConnectRedis_Unreachable(t *testing.T) {
	quietPrinter(t)
	_, err := connectRedis(context.Background(), "redis://127.0.0.1:1", "default")
	require.Error(t, err)
	assert.Equal(t, "Redis not reachable", err.Error())

	_, err = connectRedis(context.Background(), "not-a-url", "default")
	require.Error(t, err)
	assert.Equal(t, "invalid Redis URL", err.Error())
}

func TestRenderPeers(t *testing.T) {
	var buf bytes.Buffer
	err := renderPeers(&buf, []singleton.HeartbeatRecord{
		{InstanceID: "00000000-0000-4000-8000-000000000001", SourceAddr: "10.0.0.7:9001", LastSeen: time.Now()},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, strings.ToUpper(out), "INSTANCE")
	assert.Contains(t, out, "00000000-0000-4000-8000-000000000001")
	assert.Contains(t, out, "10.0.0.7:9001")
}

func TestMergeSetConfigFlags(t *testing.T) {
	parseFlags(t, ctlSetConfigCmd, "--target-frame", "1500")

	base := conductor.DefaultSenderConfig()
	base.FrameRate = 25
	got := mergeSetConfigFlags(ctlSetConfigCmd, base)

	assert.Equal(t, 1500, got.TotalFrames)
	assert.Equal(t, 25.0, got.FrameRate, "unset flag keeps the mirrored value")
	assert.Equal(t, base.Universe, got.Universe)
}

func TestSendCommand_NoListener(t *testing.T) {
	quietPrinter(t)
	useConfigFile(t, "")
	setupRedis(t)

	err := sendCommand(conductor.NewCommand(conductor.CommandStart, nil), nil)
	require.Error(t, err)
	assert.Equal(t, "no conductor is listening", err.Error())
}

// waitForCommands sets --wait for the duration of a test and captures what
// sendCommand prints.
func waitForCommands(t *testing.T, timeout time.Duration) *bytes.Buffer {
	t.Helper()
	quietPrinter(t)
	var out bytes.Buffer
	printer.Out = &out

	prevWait, prevTimeout := ctlWait, ctlWaitTimeout
	ctlWait, ctlWaitTimeout = true, timeout
	t.Cleanup(func() { ctlWait, ctlWaitTimeout = prevWait, prevTimeout })
	return &out
}

func TestSendCommand_WaitIgnoresEarlierState(t *testing.T) {
	out := waitForCommands(t, 3*time.Second)
	useConfigFile(t, "")
	client := setupRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A Paused state left over from an earlier run already matches
	stale := conductor.State{CurrentFrame: 7, Phase: conductor.PhasePaused, Config: conductor.DefaultSenderConfig(), Seq: 2}
	require.NoError(t, client.PublishEvent(ctx, conductor.ProgressEvent(stale)))

	sub, err := client.SubscribeCommands(ctx)
	require.NoError(t, err)
	defer sub.Close()

	// Stand in for a running conductor: mirror Paused a little after the command arrives
	go func() {
		select {
		case cmd := <-sub.Commands():
			if cmd.Type != conductor.CommandPause {
				return
			}
			time.Sleep(300 * time.Millisecond)
			s := conductor.State{CurrentFrame: 42, Phase: conductor.PhasePaused, Config: conductor.DefaultSenderConfig(), Seq: 3}
			client.PublishEvent(ctx, conductor.ProgressEvent(s))
		case <-ctx.Done():
		}
	}()

	err = sendCommand(conductor.NewCommand(conductor.CommandPause, nil), []conductor.Phase{conductor.PhasePaused})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "42/1000")
	assert.NotContains(t, out.String(), "7/1000")
}

func TestSendCommand_WaitAcceptsUnchangedState(t *testing.T) {
	out := waitForCommands(t, 500*time.Millisecond)
	useConfigFile(t, "")
	client := setupRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	paused := conductor.State{CurrentFrame: 9, Phase: conductor.PhasePaused, Config: conductor.DefaultSenderConfig(), Seq: 5}
	require.NoError(t, client.PublishEvent(ctx, conductor.ProgressEvent(paused)))

	// A conductor that is already paused receives the command and changes nothing
	sub, err := client.SubscribeCommands(ctx)
	require.NoError(t, err)
	defer sub.Close()

	err = sendCommand(conductor.NewCommand(conductor.CommandPause, nil), []conductor.Phase{conductor.PhasePaused})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "already Paused")
}

func TestSendCommand_WaitTimesOut(t *testing.T) {
	waitForCommands(t, 300*time.Millisecond)
	useConfigFile(t, "")
	client := setupRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready := conductor.State{Phase: conductor.PhaseReady, Config: conductor.DefaultSenderConfig(), Seq: 5}
	require.NoError(t, client.PublishEvent(ctx, conductor.ProgressEvent(ready)))

	sub, err := client.SubscribeCommands(ctx)
	require.NoError(t, err)
	defer sub.Close()

	err = sendCommand(conductor.NewCommand(conductor.CommandStart, nil), []conductor.Phase{conductor.PhaseRunning, conductor.PhaseComplete})
	require.Error(t, err)
	assert.Equal(t, "conductor did not confirm the command", err.Error())
}

func TestSendCommand_RejectsLocallyInvalidConfig(t *testing.T) {
	quietPrinter(t)
	useConfigFile(t, "")
	client := setupRedis(t)

	ctx := context.Background()
	s := conductor.State{Phase: conductor.PhaseReady, Config: conductor.DefaultSenderConfig(), Seq: 1}
	require.NoError(t, client.PublishEvent(ctx, conductor.ConfigEvent(s)))

	parseFlags(t, ctlSetConfigCmd, "--fps", "0.5")
	err := runCtlSetConfig(ctlSetConfigCmd, nil)
	require.Error(t, err)
	assert.Equal(t, "invalid configuration", err.Error())
}
