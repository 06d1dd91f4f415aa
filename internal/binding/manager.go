package binding

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"rfidattend/internal/directory"
	"rfidattend/internal/scan"
)

// Manager owns tag (re)assignment. All multi-step mutations run inside one
// directory transaction so the one-active-tag-per-person and
// one-active-person-per-tag invariants hold under concurrent requests.
type Manager struct {
	dir directory.Directory
	log *logrus.Logger
}

// NewManager builds a Manager.
func NewManager(dir directory.Directory, log *logrus.Logger) *Manager {
	return &Manager{dir: dir, log: log}
}

// Bind assigns tagID to personID. When the tag is ACTIVE for someone else
// and replace is false, scan.ErrAlreadyBound is returned and nothing is
// mutated. With replace, the old binding is REPLACED, the old holder's
// active tag cleared, and any other tag the person holds is REPLACED too,
// all in the same transaction. Concurrent losers get
// scan.ErrConcurrentBind and may retry.
func (m *Manager) Bind(ctx context.Context, personID int64, tagID string, replace bool, reason string) (*directory.TagBinding, error) {
	tag, err := scan.CanonicalTag(tagID)
	if err != nil {
		return nil, err
	}
	if personID <= 0 {
		return nil, fmt.Errorf("%w: person id required", scan.ErrInvalidScan)
	}

	b, err := m.dir.BindTag(ctx, tag, personID, replace, reason)
	if err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{
		"tag_id":    tag,
		"person_id": personID,
		"replace":   replace,
	}).Info("tag bound")
	return b, nil
}

// Unbind clears personID's active binding. Idempotent.
func (m *Manager) Unbind(ctx context.Context, personID int64) error {
	if personID <= 0 {
		return fmt.Errorf("%w: person id required", scan.ErrInvalidScan)
	}
	if err := m.dir.UnbindPerson(ctx, personID); err != nil {
		return err
	}
	m.log.WithField("person_id", personID).Info("tag unbound")
	return nil
}
