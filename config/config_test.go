// config_test.go - Config tests.
// Copyright (C) 2025  SilentRelay authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basicConfig = `
[Server]
Identifier = "relay1.example.net"
DataDir = "/var/lib/silentrelay"

[Redis]
Address = "127.0.0.1:6379"
`

func TestConfigDefaults(t *testing.T) {
	cfg, err := Load([]byte(basicConfig))
	require.NoError(t, err)

	assert.Equal(t, defaultAddress, cfg.Server.Address)
	assert.Equal(t, defaultMetricsAddress, cfg.Server.MetricsAddress)
	assert.Equal(t, time.Duration(defaultHeartbeatMs)*time.Millisecond, cfg.HeartbeatDuration())
	assert.Equal(t, defaultAcceptWindowMs, cfg.Envelope.AcceptanceWindow)
	assert.Equal(t, defaultRotationHours, cfg.Keys.RotationInterval)
	assert.Equal(t, defaultRetentionDays, cfg.Inbox.Retention)
	assert.True(t, cfg.Registry.Disable, "registry should default to disabled")
	assert.Equal(t, "silentrelay", cfg.Registry.ServiceName)

	// Admission defaults: strict tiers are tighter than normal.
	assert.Less(t, cfg.Admission.IPStrict.MaxRequests, cfg.Admission.IPNormal.MaxRequests)
	assert.Less(t, cfg.Admission.UserStrict.MaxRequests, cfg.Admission.UserNormal.MaxRequests)
}

func TestConfigDataDirMustBeAbsolute(t *testing.T) {
	_, err := Load([]byte(`
[Server]
Identifier = "relay1"
DataDir = "relative/path"

[Redis]
Address = "127.0.0.1:6379"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DataDir")
}

func TestConfigMissingBlocks(t *testing.T) {
	_, err := Load([]byte(`[Redis]
Address = "127.0.0.1:6379"`))
	require.Error(t, err, "missing Server block")

	_, err = Load([]byte(`[Server]
Identifier = "relay1"
DataDir = "/var/lib/silentrelay"`))
	require.Error(t, err, "missing Redis block")
}

func TestConfigSessionTTLBound(t *testing.T) {
	_, err := Load([]byte(basicConfig + `
[Keys]
RotationInterval = 24
SessionTTL = 48
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SessionTTL")
}

func TestConfigShortBootstrapSecret(t *testing.T) {
	_, err := Load([]byte(basicConfig + `
[Keys]
BootstrapSecret = "deadbeef"
`))
	require.Error(t, err)
}

func TestConfigBadLogLevel(t *testing.T) {
	_, err := Load([]byte(basicConfig + `
[Logging]
Level = "VERBOSE"
`))
	require.Error(t, err)
}

func TestConfigRegistryRequiresAddress(t *testing.T) {
	_, err := Load([]byte(basicConfig + `
[Registry]
Disable = false
`))
	require.Error(t, err)

	cfg, err := Load([]byte(basicConfig + `
[Registry]
Disable = false
Address = "127.0.0.1:8500"
`))
	require.NoError(t, err)
	assert.False(t, cfg.Registry.Disable)
}

func TestConfigUndecodedKeys(t *testing.T) {
	_, err := Load([]byte(basicConfig + `
[Bogus]
NoSuchOption = true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Undecoded")
}

func TestConfigStatePaths(t *testing.T) {
	cfg, err := Load([]byte(basicConfig))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/silentrelay/audit.db", cfg.AuditDBPath())
	assert.Equal(t, "/var/lib/silentrelay/deadletter.db", cfg.DeadLetterDBPath())
	assert.Equal(t, "/var/lib/silentrelay/keyhistory.db", cfg.KeyHistoryDBPath())
}
