// Package model holds the account domain objects shared by every store.
//
// Ownership rule for account handles: once a fresher copy of an account has
// been fetched (after a compensated create or a contested update), any older
// copy must be discarded by the caller. Stores either mutate the caller's
// handle in place or return a fresh one; they never keep references.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Account is the canonical per-user record.
//
// UUID and Version live outside the JSON blob: the stores persist them as
// dedicated columns/attributes and re-attach them when decoding, so the
// blob tags carry only the remaining fields.
type Account struct {
	UUID    uuid.UUID `json:"-"`
	Version int       `json:"-"`

	Login                 string         `json:"userLogin"`
	IdentityKey           string         `json:"identityKey"`
	Name                  string         `json:"name,omitempty"`
	Avatar                string         `json:"avatar,omitempty"`
	About                 string         `json:"about,omitempty"`
	CurrentProfileVersion string         `json:"cpv,omitempty"`
	Badges                []AccountBadge `json:"badges,omitempty"`
	UnidentifiedAccessKey []byte         `json:"uak,omitempty"`
	UnrestrictedAccess    bool           `json:"uua"`
	Discoverable          bool           `json:"inCds"`
	Devices               []*Device      `json:"devices"`
}

// NewAccount creates an account with a fresh random UUID at version 0.
func NewAccount(login string, devices ...*Device) *Account {
	return &Account{
		UUID:         uuid.New(),
		Login:        login,
		Discoverable: true,
		Devices:      devices,
	}
}

// Device returns the device with the given id, or nil.
func (a *Account) Device(id int64) *Device {
	for _, d := range a.Devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// MasterDevice returns the primary device, or nil if none is registered.
func (a *Account) MasterDevice() *Device {
	return a.Device(MasterID)
}

// AddDevice inserts the device, replacing any existing device with the same id.
func (a *Account) AddDevice(device *Device) {
	a.RemoveDevice(device.ID)
	a.Devices = append(a.Devices, device)
}

// RemoveDevice deletes the device with the given id, if present.
func (a *Account) RemoveDevice(id int64) {
	for i, d := range a.Devices {
		if d.ID == id {
			a.Devices = append(a.Devices[:i], a.Devices[i+1:]...)
			return
		}
	}
}

// AddBadge attaches a badge, merging with an existing badge of the same id
// by keeping the later expiration.
func (a *Account) AddBadge(badge AccountBadge) {
	for i, b := range a.Badges {
		if b.ID == badge.ID {
			a.Badges[i] = b.Merge(badge)
			return
		}
	}
	a.Badges = append(a.Badges, badge)
}

// PurgeExpiredBadges drops badges whose expiration is at or before now.
func (a *Account) PurgeExpiredBadges(now time.Time) {
	kept := a.Badges[:0]
	for _, b := range a.Badges {
		if b.Expiration.After(now) {
			kept = append(kept, b)
		}
	}
	a.Badges = kept
}

// IsEnabled reports whether the account can receive traffic, which requires
// an enabled master device.
func (a *Account) IsEnabled() bool {
	if m := a.MasterDevice(); m != nil {
		return m.IsEnabled()
	}
	return false
}

// IsDiscoverable reports whether the account may appear in the contact
// directory.
func (a *Account) IsDiscoverable() bool {
	return a.Discoverable
}

// VisibleInDirectory reports whether a directory entry should exist for
// this account.
func (a *Account) VisibleInDirectory() bool {
	return a.IsEnabled() && a.IsDiscoverable()
}

func (a *Account) allEnabledDevices(pred func(*DeviceCapabilities) bool) bool {
	any := false
	for _, d := range a.Devices {
		if !d.IsEnabled() {
			continue
		}
		any = true
		if d.Capabilities == nil || !pred(d.Capabilities) {
			return false
		}
	}
	return any
}

// IsGroupsV2Supported reports whether every enabled device supports groups v2.
func (a *Account) IsGroupsV2Supported() bool {
	return a.allEnabledDevices(func(c *DeviceCapabilities) bool { return c.GroupsV2 })
}

// IsStorageSupported reports whether any device supports the storage service.
func (a *Account) IsStorageSupported() bool {
	for _, d := range a.Devices {
		if d.Capabilities != nil && d.Capabilities.Storage {
			return true
		}
	}
	return false
}

// IsTransferSupported reports whether the master device supports transfer.
func (a *Account) IsTransferSupported() bool {
	m := a.MasterDevice()
	return m != nil && m.Capabilities != nil && m.Capabilities.Transfer
}

// IsGv1MigrationSupported reports whether every enabled device supports
// gv1 migration.
func (a *Account) IsGv1MigrationSupported() bool {
	return a.allEnabledDevices(func(c *DeviceCapabilities) bool { return c.Gv1Migration })
}

// IsSenderKeySupported reports whether every enabled device supports sender key.
func (a *Account) IsSenderKeySupported() bool {
	return a.allEnabledDevices(func(c *DeviceCapabilities) bool { return c.SenderKey })
}

// IsAnnouncementGroupSupported reports whether every enabled device supports
// announcement groups.
func (a *Account) IsAnnouncementGroupSupported() bool {
	return a.allEnabledDevices(func(c *DeviceCapabilities) bool { return c.AnnouncementGroup })
}

// IsChangeLoginSupported reports whether every enabled device supports
// changing the login handle.
func (a *Account) IsChangeLoginSupported() bool {
	return a.allEnabledDevices(func(c *DeviceCapabilities) bool { return c.ChangeLogin })
}
