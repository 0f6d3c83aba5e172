package data

import (
	"bytes"
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/docker/go/canonical/json"
	"github.com/stretchr/testify/require"
)

func TestNewFileMeta(t *testing.T) {
	payload := []byte("some target binary")

	meta, err := NewFileMeta(bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), meta.Length)
	expected := sha256.Sum256(payload)
	require.Equal(t, HexBytes(expected[:]), meta.Hashes[SHA256])

	meta, err = NewFileMeta(bytes.NewReader(payload), SHA256, SHA512)
	require.NoError(t, err)
	require.Len(t, meta.Hashes, 2)

	_, err = NewFileMeta(bytes.NewReader(payload), "md5")
	require.Error(t, err)
}

func TestCheckHashes(t *testing.T) {
	payload := []byte("some target binary")
	meta, err := NewFileMeta(bytes.NewReader(payload), SHA256, SHA512)
	require.NoError(t, err)

	require.NoError(t, CheckHashes(payload, "a/b", meta.Hashes))
	require.Error(t, CheckHashes([]byte("tampered"), "a/b", meta.Hashes))
	require.Error(t, CheckHashes(payload, "a/b", Hashes{}))
	// unsupported algorithms alone do not count
	require.Error(t, CheckHashes(payload, "a/b", Hashes{"md5": []byte("x")}))
}

func TestNewSnapshotFileMeta(t *testing.T) {
	content := []byte(`{"signed":{},"signatures":[]}`)
	meta := NewSnapshotFileMeta(content, 7)
	require.Equal(t, int64(len(content)), meta.Length)
	require.Equal(t, 7, meta.Version)
	expected := sha256.Sum256(content)
	require.Equal(t, HexBytes(expected[:]), meta.Hashes[SHA256])
}

func TestHexBytesRoundTrip(t *testing.T) {
	raw, err := json.Marshal(HexBytes{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	require.Equal(t, `"deadbeef"`, string(raw))

	var decoded HexBytes
	require.NoError(t, json.Unmarshal([]byte(`"DEADBEEF"`), &decoded))
	require.Equal(t, HexBytes{0xde, 0xad, 0xbe, 0xef}, decoded)

	require.Error(t, json.Unmarshal([]byte(`"zz"`), &decoded))
}

func TestMetadataPath(t *testing.T) {
	require.Equal(t, "targets.json", CanonicalTargetsRole.MetadataPath())
	require.Equal(t, "root.json", CanonicalRootRole.MetadataPath())
}

func TestValidRole(t *testing.T) {
	for _, role := range BaseRoles {
		require.True(t, ValidRole(role))
	}
	for _, role := range ExtensionRoles {
		require.True(t, ValidRole(role))
	}
	require.False(t, ValidRole(RoleName("whatever")))
}

func TestValidTargetPath(t *testing.T) {
	require.NoError(t, ValidTargetPath("raspberrypi_rocko-ce2ae0ee"))
	require.NoError(t, ValidTargetPath("dir/sub/file-1.0.bin"))

	require.Error(t, ValidTargetPath(""))
	require.Error(t, ValidTargetPath("/absolute"))
	require.Error(t, ValidTargetPath("../escape"))
	require.Error(t, ValidTargetPath("dir/../../escape"))
	require.Error(t, ValidTargetPath(strings.Repeat("a", 5000)))
}

func TestSignatureMethodIsLowercased(t *testing.T) {
	var sig Signature
	require.NoError(t, json.Unmarshal(
		[]byte(`{"keyid":"abc","method":"ED25519","sig":"00"}`), &sig))
	require.Equal(t, EDDSASignature, sig.Method)
}

func rawMessage(s string) *json.RawMessage {
	raw := json.RawMessage(s)
	return &raw
}

func TestMergeProprietary(t *testing.T) {
	custom := TargetCustom{
		Name:    "vim",
		Version: "2.0.1",
		Proprietary: map[string]*json.RawMessage{
			"keep":      rawMessage(`"original"`),
			"overwrite": rawMessage(`"old"`),
		},
	}

	custom.MergeProprietary(map[string]*json.RawMessage{
		"overwrite": rawMessage(`"new"`),
		"extra":     rawMessage(`42`),
	})

	require.Equal(t, rawMessage(`"original"`), custom.Proprietary["keep"])
	require.Equal(t, rawMessage(`"new"`), custom.Proprietary["overwrite"])
	require.Equal(t, rawMessage(`42`), custom.Proprietary["extra"])
	// everything outside the proprietary object is untouched
	require.Equal(t, "vim", custom.Name)
	require.Equal(t, "2.0.1", custom.Version)
}

func TestProprietarySurvivesSerialization(t *testing.T) {
	custom := TargetCustom{
		Name:    "vim",
		Version: "2.0.1",
		Proprietary: map[string]*json.RawMessage{
			"releaseNotes": rawMessage(`"first release"`),
			"build":        rawMessage(`{"number":42}`),
		},
	}

	raw, err := json.Marshal(custom)
	require.NoError(t, err)
	// proprietary values are embedded as JSON, not re-encoded as bytes
	require.Contains(t, string(raw), `"releaseNotes":"first release"`)

	var parsed TargetCustom
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.Equal(t, rawMessage(`"first release"`), parsed.Proprietary["releaseNotes"])
	require.Equal(t, rawMessage(`{"number":42}`), parsed.Proprietary["build"])
}
