package history

import (
	"context"
	"errors"

	"github.com/manash/gentrack/pkg/models"
)

// Updater performs locked read-modify-write cycles against a Repository.
type Updater struct {
	repo  Repository
	locks *Locks
}

func NewUpdater(repo Repository, locks *Locks) *Updater {
	if locks == nil {
		locks = NewLocks()
	}
	return &Updater{repo: repo, locks: locks}
}

func (u *Updater) Repository() Repository { return u.repo }

func (u *Updater) Locks() *Locks { return u.locks }

// Update loads the entry for imageID, applies mutate and saves the result
// when mutate reports a change. If the entry does not exist, create is used
// to build it (and the new entry is always saved); a nil create turns a
// missing entry into ErrNotFound.
//
// The returned entry reflects the in-memory state even when the save
// failed, so callers can keep working with it.
func (u *Updater) Update(ctx context.Context, imageID string, create func() *models.ImageEntry, mutate func(*models.ImageEntry) bool) (*models.ImageEntry, error) {
	release := u.locks.Lock(imageID)
	defer release()

	entry, err := u.repo.GetByID(ctx, imageID)
	created := false
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound) && create != nil:
		entry = create()
		created = true
	default:
		return nil, err
	}

	changed := mutate != nil && mutate(entry)
	if !changed && !created {
		return entry, nil
	}
	if err := u.repo.SaveOne(ctx, entry); err != nil {
		return entry, err
	}
	return entry, nil
}
