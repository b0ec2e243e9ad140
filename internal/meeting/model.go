package meeting

import (
	"time"

	"github.com/weiawesome/meeting-sync/pkg/database"
)

// Meeting is a registered meeting room. Only the fields needed to decide who
// may join are kept here.
type Meeting struct {
	ID             uint                 `gorm:"primaryKey"`
	Name           string               `gorm:"type:varchar(128);uniqueIndex;not null"`
	OwnerEmail     string               `gorm:"type:varchar(255);index;not null"`
	SharedWith     database.StringArray `gorm:"type:text"`
	Description    string               `gorm:"type:text"`
	VideoLengthSec int
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Meeting.
func (Meeting) TableName() string {
	return "meetings"
}

// Allows reports whether the user with email may join. The owner and
// everyone in SharedWith may.
func (m *Meeting) Allows(email string) bool {
	if email == "" {
		return false
	}
	return m.OwnerEmail == email || m.SharedWith.Contains(email)
}
