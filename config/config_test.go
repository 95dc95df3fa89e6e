package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildConfigDefaults(t *testing.T) {
	fs := BuildFlagSet()
	v, err := BuildViper(fs, []string{"--" + GenesisPathKey, "genesis.json"})
	require.NoError(t, err)

	cfg, err := BuildConfig(v)
	require.NoError(t, err)

	require.Equal(t, DefaultCommandChannelSize, cfg.CommandChannelSize)
	require.Equal(t, DefaultMaxBufferSize, cfg.MaxBufferSize)
	require.Equal(t, 10*time.Second, cfg.SyncInterval)
	require.Equal(t, DefaultSyncLimitPerSubnet, cfg.SyncLimitPerSubnet)
	require.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	require.Equal(t, 0, cfg.EchoThreshold)
}

func TestBuildConfigFlagsOverrideDefaults(t *testing.T) {
	fs := BuildFlagSet()
	v, err := BuildViper(fs, []string{
		"--" + GenesisPathKey, "genesis.json",
		"--" + SyncIntervalSecondsKey, "5",
		"--" + EchoThresholdKey, "3",
		"--" + HTTPAddrKey, "0.0.0.0:8080",
	})
	require.NoError(t, err)

	cfg, err := BuildConfig(v)
	require.NoError(t, err)

	require.Equal(t, 5*time.Second, cfg.SyncInterval)
	require.Equal(t, 3, cfg.EchoThreshold)
	require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
}

func TestBuildConfigRejectsNonPositiveChannelSize(t *testing.T) {
	fs := BuildFlagSet()
	v, err := BuildViper(fs, []string{"--" + GenesisPathKey, "genesis.json", "--" + CommandChannelSizeKey, "0"})
	require.NoError(t, err)

	_, err = BuildConfig(v)
	require.Error(t, err)
}

func TestBuildConfigRejectsNonPositiveSyncInterval(t *testing.T) {
	fs := BuildFlagSet()
	v, err := BuildViper(fs, []string{"--" + GenesisPathKey, "genesis.json", "--" + SyncIntervalSecondsKey, "-1"})
	require.NoError(t, err)

	_, err = BuildConfig(v)
	require.Error(t, err)
}
