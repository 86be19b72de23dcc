package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	// A named shared-cache memory DB: one database per test, shared by
	// every connection the pool opens.
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := NewStore(db, NewValidator(testCatalog()), zaptest.NewLogger(t))
	require.NoError(t, err)
	return store
}

func TestStoreCreateReadDeleteRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	def := validDefinition()
	id, err := store.Create(ctx, def)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, def.StrategyName, got.StrategyName)
	assert.Equal(t, def.Direction, got.Direction)
	assert.Equal(t, def.S1Signal, got.S1Signal)
	assert.Equal(t, def.Z1Entry, got.Z1Entry)
	assert.Equal(t, def.GlobalLimits, got.GlobalLimits)

	require.NoError(t, store.Delete(ctx, id))

	_, err = store.Read(ctx, id)
	assert.ErrorIs(t, err, ErrStrategyNotFound)
	assert.ErrorIs(t, store.Delete(ctx, id), ErrStrategyNotFound)
}

func TestStoreCreateRejectsInvalid(t *testing.T) {
	store := newTestStore(t)

	def := validDefinition()
	def.Z1Entry.Leverage = 50

	_, err := store.Create(context.Background(), def)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestStoreCreateDuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	def := validDefinition()
	def.StrategyID = "fixed-id"
	_, err := store.Create(ctx, def)
	require.NoError(t, err)

	dup := validDefinition()
	dup.StrategyID = "fixed-id"
	_, err = store.Create(ctx, dup)
	assert.ErrorIs(t, err, ErrStrategyExists)
}

func TestStoreUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, validDefinition())
	require.NoError(t, err)

	updated := validDefinition()
	updated.StrategyName = "pump-follow-v2"
	require.NoError(t, store.Update(ctx, id, updated))

	got, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pump-follow-v2", got.StrategyName)

	assert.ErrorIs(t, store.Update(ctx, "missing", validDefinition()), ErrStrategyNotFound)
}

func TestStoreGetEnabled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	on := validDefinition()
	on.StrategyID = "on"
	_, err := store.Create(ctx, on)
	require.NoError(t, err)

	off := validDefinition()
	off.StrategyID = "off"
	off.Enabled = false
	_, err = store.Create(ctx, off)
	require.NoError(t, err)

	enabled, err := store.GetEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "on", enabled[0].StrategyID)
}

func TestStoreChangeNotifications(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var changes []Change
	store.OnChange(func(c Change) { changes = append(changes, c) })

	id, err := store.Create(ctx, validDefinition())
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, id, validDefinition()))
	require.NoError(t, store.Delete(ctx, id))

	require.Len(t, changes, 3)
	assert.Equal(t, ChangeCreated, changes[0].Kind)
	assert.Equal(t, ChangeUpdated, changes[1].Kind)
	assert.Equal(t, ChangeDeleted, changes[2].Kind)
	for _, c := range changes {
		assert.Equal(t, id, c.StrategyID)
	}
}
