package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadGrid(t *testing.T) {
	c := Default()
	c.GridWidth = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsInvertedGeneratorBounds(t *testing.T) {
	c := Default()
	c.GeneratorMinInterval = 10 * time.Second
	c.GeneratorMaxInterval = time.Second
	require.Error(t, c.Validate())
}

func TestValidateRejectsNonPositiveHeartbeat(t *testing.T) {
	c := Default()
	c.HeartbeatInterval = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsEmptyAddresses(t *testing.T) {
	c := Default()
	c.ListenAddr = ""
	require.Error(t, c.Validate())

	c = Default()
	c.VisualizerAddr = ""
	require.Error(t, c.Validate())
}
