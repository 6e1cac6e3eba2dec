package txnstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanShutdownRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.db")

	s, err := Open(path)
	require.NoError(t, err)
	start, err := s.RecoverAfterCrash()
	require.NoError(t, err)
	require.Equal(t, uint32(0), start)

	require.NoError(t, s.Persist(5000))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.RecoverAfterCrash()
	require.NoError(t, err)
	require.Equal(t, uint32(5000), got)
}

func TestCrashBumpsCounterForward(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.RecoverAfterCrash()
	require.NoError(t, err)
	require.NoError(t, s.Persist(2048))
	// simulate a crash: no Close(), so the dirty marker left by
	// RecoverAfterCrash is never cleared.
	require.NoError(t, s.db.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.RecoverAfterCrash()
	require.NoError(t, err)
	require.Equal(t, uint32(2048+crashRecoveryBump), got)
}
