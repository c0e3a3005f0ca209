package jsonfile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/proformatique/provd/internal/apierr"
	"github.com/proformatique/provd/internal/collection"
	"github.com/proformatique/provd/internal/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.json")
	s, err := Open(path, nil, nil)
	require.NoError(t, err)
	return s
}

func TestInsertAssignsID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id, err := s.Insert(ctx, document.Document{"mac": "00:11:22:33:44:55"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := s.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "00:11:22:33:44:55", got.GetString("mac"))
}

func TestInsertDuplicateIDFails(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	doc := document.Document{"id": "dev1"}
	_, err := s.Insert(ctx, doc)
	require.NoError(t, err)

	_, err = s.Insert(ctx, doc)
	require.Error(t, err)
}

func TestUpdateUnknownIDFails(t *testing.T) {
	s := newStore(t)
	err := s.Update(context.Background(), document.Document{"id": "missing"})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeInvalidID, apiErr.Code)
}

func TestDeleteRespectsDeletableField(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "configs.json")
	s, err := Open(path, collection.RespectDeletableField, nil)
	require.NoError(t, err)

	id, err := s.Insert(ctx, document.Document{"deletable": false})
	require.NoError(t, err)

	err = s.Delete(ctx, id)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeNonDeletable, apiErr.Code)
}

func TestFindWithInAndNeSelectors(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	mustInsert := func(doc document.Document) string {
		id, err := s.Insert(ctx, doc)
		require.NoError(t, err)
		return id
	}

	id1 := mustInsert(document.Document{"config": "c1", "ip": "1.2.3.4"})
	mustInsert(document.Document{"config": "c2", "ip": "1.2.3.4"})
	mustInsert(document.Document{"config": "c1", "ip": "9.9.9.9"})

	results, err := s.Find(ctx, collection.Selector{"config": collection.In("c1", "c2")}, collection.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 3)

	results, err = s.Find(ctx, collection.Selector{
		"ip": "1.2.3.4",
		"id": collection.Ne(id1),
	}, collection.FindOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotEqual(t, id1, results[0].ID())
}

func TestFindPaginationAndSort(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, mac := range []string{"c", "a", "b"} {
		_, err := s.Insert(ctx, document.Document{"mac": mac})
		require.NoError(t, err)
	}

	results, err := s.Find(ctx, collection.Selector{}, collection.FindOptions{Sort: "mac", Order: collection.Asc})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].GetString("mac"))
	assert.Equal(t, "c", results[2].GetString("mac"))

	results, err = s.Find(ctx, collection.Selector{}, collection.FindOptions{Sort: "mac", Order: collection.Asc, Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].GetString("mac"))
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "devices.json")
	s1, err := Open(path, nil, nil)
	require.NoError(t, err)
	id, err := s1.Insert(ctx, document.Document{"mac": "aa:bb:cc:dd:ee:ff"})
	require.NoError(t, err)

	s2, err := Open(path, nil, nil)
	require.NoError(t, err)
	got, err := s2.Retrieve(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", got.GetString("mac"))
}
