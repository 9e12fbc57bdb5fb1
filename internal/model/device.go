package model

// MasterID is the device id of an account's primary device.
const MasterID int64 = 1

// DeviceCapabilities are per-device feature flags. An account-level
// capability holds only when every enabled device reports it (see the
// aggregate methods on Account).
type DeviceCapabilities struct {
	GroupsV2          bool `json:"gv2"`
	Storage           bool `json:"storage"`
	Transfer          bool `json:"transfer"`
	Gv1Migration      bool `json:"gv1-migration"`
	SenderKey         bool `json:"senderKey"`
	AnnouncementGroup bool `json:"announcementGroup"`
	ChangeLogin       bool `json:"changeLogin"`
}

// Device is a single registered device of an account.
type Device struct {
	ID              int64               `json:"id"`
	Name            string              `json:"name,omitempty"`
	PushToken       string              `json:"pushToken,omitempty"`
	FetchesMessages bool                `json:"fetchesMessages"`
	SignedPreKey    []byte              `json:"signedPreKey,omitempty"`
	LastSeen        int64               `json:"lastSeen"`
	Capabilities    *DeviceCapabilities `json:"capabilities,omitempty"`
}

// IsMaster reports whether this is the primary device.
func (d *Device) IsMaster() bool {
	return d.ID == MasterID
}

// IsEnabled reports whether the device can currently receive traffic: it
// must have uploaded a signed pre-key and either hold a push token or poll
// for messages itself.
func (d *Device) IsEnabled() bool {
	return (d.FetchesMessages || d.PushToken != "") && len(d.SignedPreKey) > 0
}
