package models

import "github.com/google/uuid"

// Account is a directory record; Number is its routable address
type Account struct {
	UUID    uuid.UUID `json:"uuid"`
	Number  string    `json:"number"`
	Devices []Device  `json:"devices"`
}

type Device struct {
	ID              int64  `json:"id"`
	GCMID           string `json:"gcm_id,omitempty"`
	APNID           string `json:"apn_id,omitempty"`
	VoIPAPNID       string `json:"voip_apn_id,omitempty"`
	FetchesMessages bool   `json:"fetches_messages,omitempty"`
}

const MasterDeviceID int64 = 1

// Device returns the device with the given id, if the account has one
func (a Account) Device(id int64) (Device, bool) {
	for _, d := range a.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

func (d Device) IsPushRegistered() bool {
	return d.GCMID != "" || d.APNID != ""
}
