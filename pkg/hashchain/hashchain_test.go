package hashchain

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

func buildChain(t *testing.T, n int) []Entry {
	t.Helper()
	chain := make([]Entry, 0, n)
	e, err := First(Payload{Action: "enforcement_start", Actor: "intervenor", Details: map[string]any{"seq": 0}}, t0)
	require.NoError(t, err)
	chain = append(chain, e)
	for i := 1; i < n; i++ {
		e, err = Append(Payload{Action: "gate_check", Actor: "intervenor", Details: map[string]any{"seq": i}}, chain[i-1], t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		chain = append(chain, e)
	}
	return chain
}

func TestFirstAnchorsAtGenesis(t *testing.T) {
	chain := buildChain(t, 1)
	require.Equal(t, Genesis, chain[0].PreviousHash)
	require.Len(t, chain[0].EntryHash, 32)
}

func TestAppendLinksToPredecessor(t *testing.T) {
	chain := buildChain(t, 3)
	require.Equal(t, chain[0].EntryHash, chain[1].PreviousHash)
	require.Equal(t, chain[1].EntryHash, chain[2].PreviousHash)
}

func TestAppendRejectsUnsealedPredecessor(t *testing.T) {
	_, err := Append(Payload{Action: "x", Actor: "y"}, Entry{}, t0)
	require.Error(t, err)
}

func TestVerifyIntactChain(t *testing.T) {
	rep := Verify(buildChain(t, 5))
	require.True(t, rep.OK)
	require.Equal(t, -1, rep.FirstBroken)
	require.Empty(t, rep.Invalid)
}

func TestVerifyEmptyChain(t *testing.T) {
	require.True(t, Verify(nil).OK)
}

func TestVerifyDetectsTamperedDetails(t *testing.T) {
	chain := buildChain(t, 4)
	chain[1].Details["seq"] = 99

	rep := Verify(chain)
	require.False(t, rep.OK)
	require.Equal(t, 1, rep.FirstBroken)
	// Every entry after the tampered one reports invalid linkage too.
	require.Equal(t, []int{1, 2, 3}, rep.Invalid)
}

func TestVerifyDetectsBrokenLinkage(t *testing.T) {
	chain := buildChain(t, 3)
	chain[2].PreviousHash = chain[0].EntryHash
	rep := Verify(chain)
	require.False(t, rep.OK)
	require.Equal(t, 2, rep.FirstBroken)
}

func TestVerifyDeterministicHash(t *testing.T) {
	a := buildChain(t, 2)
	b := buildChain(t, 2)
	require.Equal(t, a[0].EntryHash, b[0].EntryHash)
	require.Equal(t, a[1].EntryHash, b[1].EntryHash)
}

func TestExportImportRoundTrip(t *testing.T) {
	chain := buildChain(t, 4)

	var buf bytes.Buffer
	require.NoError(t, Export(chain, &buf))
	exported := buf.String()

	back, err := Import(&buf)
	require.NoError(t, err)
	var again bytes.Buffer
	require.NoError(t, Export(back, &again))
	require.Equal(t, exported, again.String())
	require.True(t, Verify(back).OK)
}

func TestImportedTamperStillDetected(t *testing.T) {
	chain := buildChain(t, 3)
	var buf bytes.Buffer
	require.NoError(t, Export(chain, &buf))

	mangled := bytes.Replace(buf.Bytes(), []byte(`"seq":1`), []byte(`"seq":7`), 1)
	back, err := Import(bytes.NewReader(mangled))
	require.NoError(t, err)

	rep := Verify(back)
	require.False(t, rep.OK)
	require.Equal(t, 1, rep.FirstBroken)
}
