package data

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// BanRecord is one banned (or exempted) address range. Exception records
// punch holes in overlapping ban records; the admission code gives them
// priority.
type BanRecord struct {
	ID uint64 `gorm:"primaryKey"`
	// Network address of the range, e.g. "203.0.113.0".
	Network string `gorm:"not null"`
	// Prefix length of the range; 32 (or 128 for IPv6) bans a single host.
	MaskBits    int  `gorm:"not null"`
	IsException bool `gorm:"default:false"`
	CreatedAt   time.Time
}

// FindBanRecords returns every stored ban and exception range.
func FindBanRecords(db *gorm.DB) ([]BanRecord, error) {
	var records []BanRecord
	if err := db.Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "loading ban records")
	}
	return records, nil
}

// CreateBanRecord persists a new ban or exception range.
func CreateBanRecord(db *gorm.DB, record *BanRecord) error {
	return errors.Wrap(db.Create(record).Error, "creating ban record")
}

// DeleteBanRecord removes the ban or exception covering exactly the given
// range, returning whether a record matched.
func DeleteBanRecord(db *gorm.DB, network string, maskBits int, isException bool) (bool, error) {
	result := db.Where(
		"network = ? AND mask_bits = ? AND is_exception = ?",
		network, maskBits, isException,
	).Delete(&BanRecord{})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "deleting ban record")
	}
	return result.RowsAffected > 0, nil
}
