package meeting

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/weiawesome/meeting-sync/internal/domain"
)

// GormDirectory implements Directory over the meetings table.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory creates a new GORM-based meeting directory.
func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

// Create registers a meeting.
func (d *GormDirectory) Create(ctx context.Context, m *Meeting) error {
	return d.db.WithContext(ctx).Create(m).Error
}

// Get retrieves a meeting by room name.
func (d *GormDirectory) Get(ctx context.Context, name string) (*Meeting, error) {
	var m Meeting
	result := d.db.WithContext(ctx).First(&m, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, result.Error
	}
	return &m, nil
}

// CanJoin admits the owner and the users the meeting is shared with. Without
// authentication there is no email to check, so only existence is verified.
func (d *GormDirectory) CanJoin(ctx context.Context, room string, id domain.Identity) (bool, error) {
	m, err := d.Get(ctx, room)
	if err != nil {
		return false, err
	}
	if id.Anonymous {
		return true, nil
	}
	return m.Allows(id.Email), nil
}
