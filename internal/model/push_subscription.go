package model

import "time"

// PushSubscription is a browser push endpoint registered by a supervisor or
// operator. Alerts are routed by UserID or Role.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey" json:"endpoint"`
	P256DH    string    `gorm:"column:p256dh;not null" json:"p256dh"`
	Auth      string    `gorm:"not null" json:"auth"`
	UserID    string    `gorm:"size:64;index" json:"userId"`
	Role      string    `gorm:"size:32;index" json:"role,omitempty"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
}
