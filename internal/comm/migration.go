package comm

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/hcclrt/internal/qp"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// MigrationRecord tracks one queue pair being relocated from OldPort to
// NewPort. Hints addresses the slot on the old port.
type MigrationRecord struct {
	Hints   qp.Hints       `json:"hints"`
	OldPort hccltypes.Port `json:"old_port"`
	NewPort hccltypes.Port `json:"new_port"`
	OldQPN  uint32         `json:"old_qpn"`
	NewQPN  uint32         `json:"new_qpn"`
}

// AddMigration records a queue pair created on the new port.
func (c *Communicator) AddMigration(rec MigrationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.migrations = append(c.migrations, rec)
}

// Migrations returns the pending migration records.
func (c *Communicator) Migrations() []MigrationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.migrations)
}

// DropMigrations forgets every pending record and returns them so the caller
// can destroy their queue pairs.
func (c *Communicator) DropMigrations() []MigrationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	recs := c.migrations
	c.migrations = nil

	return recs
}

// SlotsOnPort lists the registered scale-out slots on port. When homedOn is
// set only slots whose set is homed on that port are returned.
func (c *Communicator) SlotsOnPort(port hccltypes.Port, homedOn *hccltypes.Port) []qp.Hints {
	if c.scaleOut == nil {
		return nil
	}

	slots := c.scaleOut.Registered(port)
	if homedOn == nil {
		return slots
	}

	out := slots[:0]
	for _, h := range slots {
		if c.scaleOut.HomePort(h.Set) == *homedOn {
			out = append(out, h)
		}
	}

	return out
}

// CommitMigrations repoints every pending record from its old port to its
// new port while holding every stream lock, so no submission observes a
// half-updated table. The committed records are returned and forgotten. On
// error the records already applied are returned with it and the rest stay
// pending, so DropMigrations still hands back their queue pairs.
func (c *Communicator) CommitMigrations() ([]MigrationRecord, error) {
	if c.scaleOut == nil {
		return nil, nil
	}

	unlock := c.LockAllStreams()
	defer unlock()

	c.mu.Lock()
	recs := c.migrations
	c.migrations = nil
	destroyed := c.destroyed
	c.mu.Unlock()

	if destroyed {
		c.restoreMigrations(recs)
		return nil, ErrDestroyed
	}

	for i, rec := range recs {
		if err := c.repoint(rec); err != nil {
			c.restoreMigrations(recs[i:])
			return recs[:i], err
		}
	}

	log.Debug().
		Uint32("comm", uint32(c.opts.ID)).
		Int("records", len(recs)).
		Msg("Queue pairs repointed")

	return recs, nil
}

func (c *Communicator) repoint(rec MigrationRecord) error {
	if got := c.scaleOut.LookupNumber(rec.Hints); got != rec.OldQPN {
		return fmt.Errorf("slot %s holds qpn %d, expected %d", rec.Hints, got, rec.OldQPN)
	}

	if err := c.scaleOut.Repoint(rec.Hints, rec.NewPort, rec.NewQPN); err != nil {
		return fmt.Errorf("repoint %s: %w", rec.Hints, err)
	}

	return nil
}

// restoreMigrations puts unapplied records back in front of any added since.
func (c *Communicator) restoreMigrations(recs []MigrationRecord) {
	if len(recs) == 0 {
		return
	}

	c.mu.Lock()
	c.migrations = append(slices.Clone(recs), c.migrations...)
	c.mu.Unlock()
}
