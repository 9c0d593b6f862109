package server

import (
	"fmt"
	"net"

	"gorm.io/gorm"

	"github.com/arenaserver/arena/internal/data"
)

// banEntry is one address range, either banning or exempting. Exceptions
// always override ban entries that cover the same peer.
type banEntry struct {
	network     net.IP
	maskBits    int
	isException bool
}

// BanTable is the in-memory view of the persisted ban ranges. It is
// consulted on every admission attempt and mutated only by the admin
// surface, under the engine's single-writer discipline.
type BanTable struct {
	entries []banEntry
}

func NewBanTable() *BanTable {
	return &BanTable{}
}

// Load replaces the table contents with the persisted records.
func (t *BanTable) Load(db *gorm.DB) error {
	records, err := data.FindBanRecords(db)
	if err != nil {
		return err
	}
	entries := make([]banEntry, 0, len(records))
	for _, r := range records {
		ip := net.ParseIP(r.Network)
		if ip == nil {
			return fmt.Errorf("invalid ban record network %q", r.Network)
		}
		entries = append(entries, banEntry{network: ip, maskBits: r.MaskBits, isException: r.IsException})
	}
	t.entries = entries
	return nil
}

// IsBanned reports whether the address falls in a banned range with no
// matching exception.
func (t *BanTable) IsBanned(addr *net.UDPAddr) bool {
	if t.matches(addr, true) {
		return false
	}
	return t.matches(addr, false)
}

func (t *BanTable) matches(addr *net.UDPAddr, isException bool) bool {
	for _, entry := range t.entries {
		if entry.isException == isException && addrMatchesRange(addr, entry.network, entry.maskBits) {
			return true
		}
	}
	return false
}

// AddBan inserts a ban or exception range, writing through to the database
// when one is attached.
func (e *Engine) AddBan(network net.IP, maskBits int, isException bool) error {
	if network == nil {
		return fmt.Errorf("invalid ban network")
	}
	max := 32
	if network.To4() == nil {
		max = 128
	}
	if maskBits <= 0 || maskBits > max {
		return fmt.Errorf("invalid ban mask /%d", maskBits)
	}

	if e.db != nil {
		record := &data.BanRecord{Network: network.String(), MaskBits: maskBits, IsException: isException}
		if err := data.CreateBanRecord(e.db, record); err != nil {
			return err
		}
	}
	e.bans.entries = append(e.bans.entries, banEntry{network: network, maskBits: maskBits, isException: isException})
	return nil
}

// RemoveBan deletes the range matching exactly, returning whether anything
// was removed.
func (e *Engine) RemoveBan(network net.IP, maskBits int, isException bool) (bool, error) {
	if e.db != nil {
		if _, err := data.DeleteBanRecord(e.db, network.String(), maskBits, isException); err != nil {
			return false, err
		}
	}
	for i, entry := range e.bans.entries {
		if entry.network.Equal(network) && entry.maskBits == maskBits && entry.isException == isException {
			e.bans.entries = append(e.bans.entries[:i], e.bans.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}
