package localstore

import (
	"os"
	"path/filepath"
	"testing"

	"alertmonitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "alerts.json"), "")
	require.NoError(t, err)

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Zero(t, doc.Version)
	assert.Empty(t, doc.Alerts)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "alerts.json"), "")
	require.NoError(t, err)

	alert, err := models.NewAlert(models.Draft{Coin: "btc", Kind: models.KindAbove, TargetPrice: 50000})
	require.NoError(t, err)

	doc, err := s.Load()
	require.NoError(t, err)
	doc.Alerts = append(doc.Alerts, alert)
	require.NoError(t, s.Save(doc))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version)
	require.Len(t, loaded.Alerts, 1)
	assert.Equal(t, alert.ID, loaded.Alerts[0].ID)
	assert.Equal(t, "btc", loaded.Alerts[0].Coin)
}

func TestSaveConflict(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "alerts.json"), "")
	require.NoError(t, err)

	first, err := s.Load()
	require.NoError(t, err)
	second, err := s.Load()
	require.NoError(t, err)

	require.NoError(t, s.Save(first))
	assert.ErrorIs(t, s.Save(second), ErrConflict)
}

func TestEncryptedRoundTrip(t *testing.T) {
	// 32-byte key, hex encoded
	key := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	path := filepath.Join(t.TempDir(), "alerts.json")

	s, err := New(path, key)
	require.NoError(t, err)

	alert, err := models.NewAlert(models.Draft{Coin: "eth", Kind: models.KindBelow, TargetPrice: 2000})
	require.NoError(t, err)

	doc, err := s.Load()
	require.NoError(t, err)
	doc.Alerts = append(doc.Alerts, alert)
	require.NoError(t, s.Save(doc))

	// Ciphertext on disk, no plaintext leakage.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "eth")
	assert.NotContains(t, string(raw), alert.ID)

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Alerts, 1)
	assert.Equal(t, alert.ID, loaded.Alerts[0].ID)
}

func TestEncryptedRejectsWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	key := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

	s, err := New(path, key)
	require.NoError(t, err)
	doc, err := s.Load()
	require.NoError(t, err)
	require.NoError(t, s.Save(doc))

	other := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	s2, err := New(path, other)
	require.NoError(t, err)
	_, err = s2.Load()
	assert.Error(t, err)
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New("alerts.json", "not-hex")
	assert.Error(t, err)

	_, err = New("alerts.json", "abcd") // wrong length
	assert.Error(t, err)
}
