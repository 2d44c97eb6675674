package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agies-dev/agies-guard/internal/vault"
	"github.com/agies-dev/agies-guard/pkg/schema"
)

func sampleItem(entryID string) Item {
	return Item{
		Sealed:   vault.Sealed{Ciphertext: []byte("ct"), IV: []byte("iv"), Tag: []byte("tag")},
		EntryID:  entryID,
		StoredAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemStoreCRUD(t *testing.T) {
	s := NewMemStore(nil, nil, zaptest.NewLogger(t))

	_, err := s.Get("alice", schema.DataPassword, "github")
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, s.Put("alice", schema.DataPassword, "github", sampleItem("e1")))
	_, err = s.Get("alice", schema.DataNote, "x")
	assert.ErrorIs(t, err, ErrTypeNotFound)
	_, err = s.Get("alice", schema.DataPassword, "gitlab")
	assert.ErrorIs(t, err, ErrItemNotFound)

	item, err := s.Get("alice", schema.DataPassword, "github")
	require.NoError(t, err)
	assert.Equal(t, "e1", item.EntryID)

	require.NoError(t, s.Put("alice", schema.DataNote, "todo", sampleItem("e2")))
	types, err := s.Types("alice")
	require.NoError(t, err)
	assert.Equal(t, []schema.DataType{schema.DataNote, schema.DataPassword}, types)

	require.NoError(t, s.Delete("alice", schema.DataNote, "todo"))
	types, _ = s.Types("alice")
	assert.Equal(t, []schema.DataType{schema.DataPassword}, types)
	assert.ErrorIs(t, s.Delete("bob", schema.DataNote, "todo"), ErrUserNotFound)
}

func TestListReturnsCopy(t *testing.T) {
	s := NewMemStore(nil, nil, nil)
	require.NoError(t, s.Put("alice", schema.DataPassword, "a", sampleItem("e1")))

	items, err := s.List("alice", schema.DataPassword)
	require.NoError(t, err)
	delete(items, "a")

	items, err = s.List("alice", schema.DataPassword)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Put("alice", schema.DataPassword, "github", sampleItem("e1")))
	require.NoError(t, s.Put("bob", schema.DataNote, "diary", sampleItem("e2")))
	s.Wait()

	assert.FileExists(t, filepath.Join(dir, "alice.vault.json"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.vault.json"), []byte("{"), 0600))

	reopened, err := Open(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	users, _ := reopened.Users()
	assert.Equal(t, []string{"alice", "bob"}, users)

	item, err := reopened.Get("alice", schema.DataPassword, "github")
	require.NoError(t, err)
	assert.Equal(t, []byte("ct"), item.Sealed.Ciphertext)
}

func TestSaveUserRejectsPathTraversal(t *testing.T) {
	p, err := NewPersistence(t.TempDir(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, p.SaveUser("../etc", UserData{}), ErrInvalidUserID)
	assert.ErrorIs(t, p.SaveUser("", UserData{}), ErrInvalidUserID)
}

func TestPutRejectsInvalidUserID(t *testing.T) {
	s := NewMemStore(nil, nil, nil)
	assert.ErrorIs(t, s.Put("../x", schema.DataPassword, "a", sampleItem("e1")), ErrInvalidUserID)
	users, err := s.Users()
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestPersistKeepsLatestState(t *testing.T) {
	dir := t.TempDir()
	for round := 0; round < 10; round++ {
		s, err := Open(dir, zaptest.NewLogger(t))
		require.NoError(t, err)
		user := fmt.Sprintf("user-%d", round)
		for i := 0; i < 50; i++ {
			require.NoError(t, s.Put(user, schema.DataPassword, fmt.Sprintf("item-%d", i), sampleItem("e")))
		}
		require.NoError(t, s.Delete(user, schema.DataPassword, "item-0"))
		s.Wait()

		p, err := NewPersistence(dir, nil)
		require.NoError(t, err)
		all, err := p.LoadAll()
		require.NoError(t, err)
		require.Contains(t, all, user)
		assert.Len(t, all[user][schema.DataPassword], 49, "round %d", round)
		assert.NotContains(t, all[user][schema.DataPassword], "item-0")
	}
}

func TestMigrate(t *testing.T) {
	src := NewMemStore(nil, nil, nil)
	require.NoError(t, src.Put("alice", schema.DataPassword, "github", sampleItem("e1")))
	require.NoError(t, src.Put("alice", schema.DataNote, "todo", sampleItem("e2")))
	require.NoError(t, src.Put("bob", schema.DataCreditCard, "visa", sampleItem("e3")))

	dst := NewMemStore(nil, nil, nil)
	n, err := Migrate(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	item, err := dst.Get("bob", schema.DataCreditCard, "visa")
	require.NoError(t, err)
	assert.Equal(t, "e3", item.EntryID)
}
