package binding

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfidattend/internal/directory"
	"rfidattend/internal/scan"
)

// memBindings mimics the directory's transactional bind semantics in
// memory: one ACTIVE binding per tag and per person, replace retires both
// sides, nothing mutated on a refused bind.
type memBindings struct {
	directory.Directory
	activeByTag    map[string]int64
	activeByPerson map[int64]string
}

func newMemBindings() *memBindings {
	return &memBindings{
		activeByTag:    make(map[string]int64),
		activeByPerson: make(map[int64]string),
	}
}

func (m *memBindings) BindTag(_ context.Context, tagID string, personID int64, replace bool, reason string) (*directory.TagBinding, error) {
	if holder, ok := m.activeByTag[tagID]; ok && holder != personID {
		if !replace {
			return nil, fmt.Errorf("%w: tag %s is active for person %d", scan.ErrAlreadyBound, tagID, holder)
		}
		delete(m.activeByPerson, holder)
	}
	if prevTag, ok := m.activeByPerson[personID]; ok && prevTag != tagID {
		delete(m.activeByTag, prevTag)
	}
	m.activeByTag[tagID] = personID
	m.activeByPerson[personID] = tagID
	return &directory.TagBinding{
		TagID:    tagID,
		PersonID: &personID,
		Status:   directory.BindingActive,
		BoundAt:  time.Now(),
		Reason:   reason,
	}, nil
}

func (m *memBindings) UnbindPerson(_ context.Context, personID int64) error {
	if tag, ok := m.activeByPerson[personID]; ok {
		delete(m.activeByTag, tag)
		delete(m.activeByPerson, personID)
	}
	return nil
}

func quietLog() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestBindRefusedWithoutReplace(t *testing.T) {
	dir := newMemBindings()
	mgr := NewManager(dir, quietLog())
	ctx := context.Background()

	_, err := mgr.Bind(ctx, 9, "ABCD", false, "issued")
	require.NoError(t, err)

	_, err = mgr.Bind(ctx, 5, "ABCD", false, "reissue")
	require.ErrorIs(t, err, scan.ErrAlreadyBound)
	assert.EqualValues(t, 9, dir.activeByTag["ABCD"], "refused bind mutates nothing")
}

func TestBindReplaceMovesTag(t *testing.T) {
	dir := newMemBindings()
	mgr := NewManager(dir, quietLog())
	ctx := context.Background()

	_, err := mgr.Bind(ctx, 1, "ABCD", true, "issued to A")
	require.NoError(t, err)
	b, err := mgr.Bind(ctx, 2, "ABCD", true, "reissued to B")
	require.NoError(t, err)

	assert.EqualValues(t, 2, *b.PersonID)
	assert.EqualValues(t, 2, dir.activeByTag["ABCD"])
	_, aStillBound := dir.activeByPerson[1]
	assert.False(t, aStillBound, "previous holder's active tag cleared")
}

func TestBindOneActiveTagPerPerson(t *testing.T) {
	dir := newMemBindings()
	mgr := NewManager(dir, quietLog())
	ctx := context.Background()

	_, err := mgr.Bind(ctx, 1, "AAAA", true, "first badge")
	require.NoError(t, err)
	_, err = mgr.Bind(ctx, 1, "BBBB", true, "replacement badge")
	require.NoError(t, err)

	_, oldActive := dir.activeByTag["AAAA"]
	assert.False(t, oldActive, "old tag retired when person rebinds")
	assert.Equal(t, "BBBB", dir.activeByPerson[1])
}

func TestBindValidation(t *testing.T) {
	mgr := NewManager(newMemBindings(), quietLog())
	ctx := context.Background()

	_, err := mgr.Bind(ctx, 0, "ABCD", false, "")
	assert.ErrorIs(t, err, scan.ErrInvalidScan)

	_, err = mgr.Bind(ctx, 1, "zz", false, "")
	assert.ErrorIs(t, err, scan.ErrInvalidScan)
}

func TestUnbindIdempotent(t *testing.T) {
	dir := newMemBindings()
	mgr := NewManager(dir, quietLog())
	ctx := context.Background()

	_, err := mgr.Bind(ctx, 1, "ABCD", false, "issued")
	require.NoError(t, err)

	require.NoError(t, mgr.Unbind(ctx, 1))
	require.NoError(t, mgr.Unbind(ctx, 1), "second unbind is a no-op")
	assert.Empty(t, dir.activeByTag)
}
