package store

import "time"

// Owner holds rooms and authenticates to the administration API by API key.
type Owner struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	Username  string `gorm:"size:100;uniqueIndex;not null"`
	APIKey    string `gorm:"size:100;index"`
}

// TableName returns the table name for Owner.
func (Owner) TableName() string { return "owners" }

// Room is an owner-scoped isolation boundary with an optional webhook target.
type Room struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	OwnerID   uint   `gorm:"not null;uniqueIndex:idx_rooms_owner_name"`
	Owner     Owner  `gorm:"constraint:OnDelete:CASCADE"`
	Name      string `gorm:"size:100;not null;uniqueIndex:idx_rooms_owner_name"`
	Webhook   string `gorm:"size:500"`
}

// TableName returns the table name for Room.
func (Room) TableName() string { return "rooms" }

// Endpoint is an access token granting a capability set and identity label
// within one room.
type Endpoint struct {
	ID          uint `gorm:"primarykey"`
	CreatedAt   time.Time
	Code        string `gorm:"size:100;uniqueIndex;not null"`
	RoomID      uint   `gorm:"not null;index"`
	Room        Room   `gorm:"constraint:OnDelete:CASCADE"`
	Permissions string `gorm:"size:16;not null"`
	Identity    string `gorm:"size:100"`
}

// TableName returns the table name for Endpoint.
func (Endpoint) TableName() string { return "endpoints" }

// RoomSummary is a room with its endpoint count, as listed to its owner.
type RoomSummary struct {
	Room          Room
	OwnerName     string
	EndpointCount int
}
