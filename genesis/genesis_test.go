package genesis

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleGenesis = `{
  "epoch": 0,
  "validators": [
    {"id": "0101010101010101010101010101010101010101", "url": "http://127.0.0.1:9001"},
    {"id": "0x0202020202020202020202020202020202020202", "url": "http://127.0.0.1:9002"}
  ]
}`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleGenesis), 0o600))
	return path
}

func TestLoadParsesValidatorsAndURLs(t *testing.T) {
	g, err := Load(writeSample(t))
	require.NoError(t, err)
	require.Equal(t, uint64(0), g.Epoch)
	require.Len(t, g.Validators, 2)
}

func TestValidatorSetContainsEveryDeclaredValidator(t *testing.T) {
	g, err := Load(writeSample(t))
	require.NoError(t, err)

	vs, err := g.ValidatorSet()
	require.NoError(t, err)
	require.Equal(t, 2, vs.Size())

	id, err := parseValidatorID("0101010101010101010101010101010101010101")
	require.NoError(t, err)
	require.True(t, vs.Contains(id))
}

func TestDirectoryResolvesEveryDeclaredValidator(t *testing.T) {
	g, err := Load(writeSample(t))
	require.NoError(t, err)

	dir, err := g.Directory()
	require.NoError(t, err)

	id, err := parseValidatorID("0x0202020202020202020202020202020202020202")
	require.NoError(t, err)
	url, ok := dir.URLFor(id)
	require.True(t, ok)
	require.Equal(t, "http://127.0.0.1:9002", url)
}

func TestLoadRejectsEmptyValidatorList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"epoch":0,"validators":[]}`), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestParseValidatorIDRejectsWrongLength(t *testing.T) {
	_, err := parseValidatorID("ab")
	require.Error(t, err)
}
