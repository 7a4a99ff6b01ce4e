package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripsend/internal/campaign"
	logx "dripsend/pkg/logx"
)

func newCampaign(t *testing.T) *campaign.Campaign {
	t.Helper()
	c, err := campaign.New([]campaign.Contact{
		{Email: "a@example.com", CompanyName: "Acme"},
		{Email: "b@example.com"},
	}, 1000)
	require.NoError(t, err)
	return c
}

func openTestStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	c := newCampaign(t)
	require.NoError(t, s.Put(ctx, c))

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.Contacts, got.Contacts)
	assert.Equal(t, campaign.StatusActive, got.Status)

	_, err = s.Get(ctx, "no-such-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreHandsOutCopies(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	c := newCampaign(t)
	require.NoError(t, s.Put(ctx, c))

	// Mutating what Put was given or what Get returned must not leak into the
	// stored record.
	c.Contacts[0].Email = "mutated@example.com"
	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Contacts[0].Email)

	got.SentEmails = 99
	again, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.SentEmails)
}

func TestListAndDelete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	c1 := newCampaign(t)
	c2 := newCampaign(t)
	require.NoError(t, s.Put(ctx, c1))
	require.NoError(t, s.Put(ctx, c2))

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, c1.ID))
	all, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, c2.ID, all[0].ID)

	require.ErrorIs(t, s.Delete(ctx, c1.ID), ErrNotFound)
}

func TestCacheServesFreshReads(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(Config{Driver: "file", Path: dir, CacheTTL: time.Minute}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	c := newCampaign(t)
	require.NoError(t, s.Put(ctx, c))

	// Remove the backing file; a cached read must still succeed.
	require.NoError(t, os.Remove(filepath.Join(dir, c.ID+".json")))
	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestCacheDisabled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(Config{Driver: "file", Path: dir, CacheTTL: -1}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	c := newCampaign(t)
	require.NoError(t, s.Put(ctx, c))
	require.NoError(t, os.Remove(filepath.Join(dir, c.ID+".json")))

	_, err = s.Get(ctx, c.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	require.NoError(t, s.Close())

	err := s.Put(context.Background(), newCampaign(t))
	require.ErrorIs(t, err, ErrClosed)
}

func TestFileSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	c := newCampaign(t)
	c.SentEmails = 1
	c.ProcessedEmails = 1
	require.NoError(t, s.Put(ctx, c))
	require.NoError(t, s.Close())

	s2, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SentEmails)
	assert.Equal(t, 1, got.ProcessedEmails)
}

func TestFileRecoversFromInterruptedSwap(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	c := newCampaign(t)
	require.NoError(t, s.Put(ctx, c))
	require.NoError(t, s.Close())

	// Simulate a crash between the two renames: current file gone, backup left.
	cur := filepath.Join(dir, c.ID+".json")
	require.NoError(t, os.Rename(cur, cur+".bak"))
	// A stale staging file from the failed write should be cleaned up too.
	require.NoError(t, os.WriteFile(cur+".tmp", []byte("{partial"), 0o600))

	s2, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = os.Stat(cur)
	require.NoError(t, err, "backup must be promoted back to the current file")
	_, err = os.Stat(cur + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileListSkipsCorruptDocuments(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Driver: "file", Path: dir, CacheTTL: -1}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	c := newCampaign(t)
	require.NoError(t, s.Put(ctx, c))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("not json"), 0o600))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, c.ID, all[0].ID)
}

func TestConcurrentPuts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	c := newCampaign(t)
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			cp := c.Clone()
			cp.SentEmails = n
			done <- s.Put(ctx, cp)
		}(i)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	// Some write won; the document is one of the puts, never torn.
	assert.Equal(t, c.ID, got.ID)
	assert.Len(t, got.Contacts, 2)
}

func TestUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}
