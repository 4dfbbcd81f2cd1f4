package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"listmail/backend/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ListOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	list := &domain.List{ID: "list-1", CID: "L1", Name: "Newsletter"}
	require.NoError(t, store.SaveList(ctx, list))

	got, err := store.GetListByCID(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, "Newsletter", got.Name)

	_, err = store.GetListByCID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrListNotFound)
	assert.True(t, domain.IsNotFound(err))

	// 更换 CID 后旧 CID 不再可用
	list.CID = "L2"
	require.NoError(t, store.SaveList(ctx, list))
	_, err = store.GetListByCID(ctx, "L1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.SaveField(ctx, &domain.Field{ID: "f1", ListID: "list-1", Key: "pgp", Type: domain.FieldTypeGPG}))
	require.NoError(t, store.SaveField(ctx, &domain.Field{ID: "f1", ListID: "list-1", Key: "pgp", Name: "PGP Key", Type: domain.FieldTypeGPG}))
	fields, err := store.ListFields(ctx, "list-1")
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "PGP Key", fields[0].Name)
}

func TestMemoryStore_SubscriberOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	sub := &domain.Subscriber{
		ID:     "sub-1",
		CID:    "S1",
		ListID: "list-1",
		Email:  "Ada@Example.com",
		Fields: map[string]string{"company": "ACME"},
		Status: domain.StatusPending,
	}
	require.NoError(t, store.SaveSubscriber(ctx, sub))
	assert.False(t, sub.CreatedAt.IsZero())

	t.Run("按邮箱查询不区分大小写", func(t *testing.T) {
		got, err := store.GetSubscriberByEmail(ctx, "list-1", "ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, "sub-1", got.ID)
	})

	t.Run("CID 必须属于同一列表", func(t *testing.T) {
		_, err := store.GetSubscriberByCID(ctx, "list-2", "S1")
		assert.ErrorIs(t, err, domain.ErrSubscriberNotFound)

		got, err := store.GetSubscriberByCID(ctx, "list-1", "S1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
	})

	t.Run("同一列表内邮箱唯一", func(t *testing.T) {
		dup := &domain.Subscriber{ID: "sub-2", CID: "S2", ListID: "list-1", Email: "ada@example.com"}
		assert.ErrorIs(t, store.SaveSubscriber(ctx, dup), domain.ErrSubscriberExists)

		dup.ListID = "list-2"
		assert.NoError(t, store.SaveSubscriber(ctx, dup))
	})

	t.Run("CID 唯一", func(t *testing.T) {
		dup := &domain.Subscriber{ID: "sub-3", CID: "S1", ListID: "list-3", Email: "b@example.com"}
		assert.ErrorIs(t, store.SaveSubscriber(ctx, dup), domain.ErrConflict)
	})

	t.Run("返回值是副本", func(t *testing.T) {
		got, err := store.GetSubscriberByCID(ctx, "list-1", "S1")
		require.NoError(t, err)
		got.Fields["company"] = "Other"
		got.Status = domain.StatusConfirmed

		again, err := store.GetSubscriberByCID(ctx, "list-1", "S1")
		require.NoError(t, err)
		assert.Equal(t, "ACME", again.Fields["company"])
		assert.Equal(t, domain.StatusPending, again.Status)
	})
}

func TestMemoryStore_Settings(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.SaveSettings(ctx, map[string]string{
		domain.SettingSMTPHostname: "smtp.example.com",
		domain.SettingSMTPPort:     "587",
	}))

	values, err := store.GetSettings(ctx, domain.SettingSMTPHostname, domain.SettingSMTPUser)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{domain.SettingSMTPHostname: "smtp.example.com"}, values)
}

func TestMemoryStore_ConfirmationRedeemedOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.SaveConfirmation(ctx, &domain.Confirmation{
		Token:    "tok",
		ListID:   "list-1",
		Email:    "a@example.com",
		IssuedAt: time.Now(),
	}))

	// 并发兑换只有一个成功
	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.TakeConfirmation(ctx, "tok"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)

	_, err := store.TakeConfirmation(ctx, "tok")
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
}

func TestMemoryStore_PruneConfirmations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now()

	require.NoError(t, store.SaveConfirmation(ctx, &domain.Confirmation{Token: "old", IssuedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, store.SaveConfirmation(ctx, &domain.Confirmation{Token: "new", IssuedAt: now}))

	count, err := store.PruneConfirmations(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = store.TakeConfirmation(ctx, "new")
	assert.NoError(t, err)
}
