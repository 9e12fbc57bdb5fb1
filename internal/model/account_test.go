package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enabledDevice(id int64, caps *DeviceCapabilities) *Device {
	return &Device{
		ID:           id,
		PushToken:    "token",
		SignedPreKey: []byte{1},
		Capabilities: caps,
	}
}

func TestDevice_IsEnabled(t *testing.T) {
	tests := []struct {
		name string
		d    Device
		want bool
	}{
		{"push token and pre-key", Device{PushToken: "t", SignedPreKey: []byte{1}}, true},
		{"fetches messages and pre-key", Device{FetchesMessages: true, SignedPreKey: []byte{1}}, true},
		{"no pre-key", Device{PushToken: "t"}, false},
		{"no delivery channel", Device{SignedPreKey: []byte{1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.d.IsEnabled())
		})
	}
}

func TestAccount_EnabledRequiresMasterDevice(t *testing.T) {
	a := NewAccount("+1000")
	assert.False(t, a.IsEnabled())

	a.AddDevice(enabledDevice(2, nil))
	assert.False(t, a.IsEnabled(), "secondary device alone must not enable the account")

	a.AddDevice(enabledDevice(MasterID, nil))
	assert.True(t, a.IsEnabled())
}

func TestAccount_AddDeviceReplacesById(t *testing.T) {
	a := NewAccount("+1000")
	a.AddDevice(&Device{ID: 2, Name: "old"})
	a.AddDevice(&Device{ID: 2, Name: "new"})

	require.Len(t, a.Devices, 1)
	assert.Equal(t, "new", a.Device(2).Name)
}

func TestAccount_CapabilityAggregates(t *testing.T) {
	a := NewAccount("+1000")
	a.AddDevice(enabledDevice(MasterID, &DeviceCapabilities{SenderKey: true, GroupsV2: true}))
	a.AddDevice(enabledDevice(2, &DeviceCapabilities{SenderKey: true}))

	assert.True(t, a.IsSenderKeySupported())
	assert.False(t, a.IsGroupsV2Supported(), "one enabled device without gv2 must veto")

	// A disabled device never vetoes a capability.
	a.AddDevice(&Device{ID: 3, Capabilities: &DeviceCapabilities{}})
	assert.True(t, a.IsSenderKeySupported())

	// No enabled devices at all means no capability.
	empty := NewAccount("+1001")
	assert.False(t, empty.IsSenderKeySupported())
}

func TestAccount_TransferFollowsMasterDevice(t *testing.T) {
	a := NewAccount("+1000")
	a.AddDevice(enabledDevice(2, &DeviceCapabilities{Transfer: true}))
	assert.False(t, a.IsTransferSupported())

	a.AddDevice(enabledDevice(MasterID, &DeviceCapabilities{Transfer: true}))
	assert.True(t, a.IsTransferSupported())
}

func TestAccount_VisibleInDirectory(t *testing.T) {
	a := NewAccount("+1000")
	a.AddDevice(enabledDevice(MasterID, nil))
	assert.True(t, a.VisibleInDirectory())

	a.Discoverable = false
	assert.False(t, a.VisibleInDirectory())

	a.Discoverable = true
	a.RemoveDevice(MasterID)
	assert.False(t, a.VisibleInDirectory())
}

func TestAccount_AddBadgeMergesKeepingLaterExpiration(t *testing.T) {
	now := time.Now()
	a := NewAccount("+1000")

	a.AddBadge(AccountBadge{ID: "donor", Expiration: now.Add(time.Hour), Visible: false})
	a.AddBadge(AccountBadge{ID: "donor", Expiration: now.Add(2 * time.Hour), Visible: true})
	a.AddBadge(AccountBadge{ID: "founder", Expiration: now.Add(time.Hour), Visible: true})

	require.Len(t, a.Badges, 2)
	assert.Equal(t, now.Add(2*time.Hour), a.Badges[0].Expiration)
	assert.True(t, a.Badges[0].Visible)

	// Merging an older expiration keeps the newer one.
	a.AddBadge(AccountBadge{ID: "donor", Expiration: now.Add(time.Minute), Visible: false})
	assert.Equal(t, now.Add(2*time.Hour), a.Badges[0].Expiration)
}

func TestAccount_PurgeExpiredBadges(t *testing.T) {
	now := time.Now()
	a := NewAccount("+1000")
	a.AddBadge(AccountBadge{ID: "stale", Expiration: now.Add(-time.Hour)})
	a.AddBadge(AccountBadge{ID: "live", Expiration: now.Add(time.Hour)})

	a.PurgeExpiredBadges(now)

	require.Len(t, a.Badges, 1)
	assert.Equal(t, "live", a.Badges[0].ID)
}
