package decompress

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ndurner/libextractor-sub002/internal/source"
)

// Fixtures below are real compressor output (gzip -k, bzip2 -k, xz -k),
// captured once and hex-encoded so the tests don't depend on an external
// compressor binary being present at test time.

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

const gzipReadmeHex = "1f8b0808ecad6c6a0003726561646d652e747874004b492c49040063f3f3ad04000000"
const bzip2HelloHex = "425a6839314159265359035fb7180000029d806004100010400224c0102000310340d02001a68f03a6b08284f8bb9229c284801afdb8c0"
const xzHelloHex = "fd377a585a000004e6d6b4460200210116000000742fe5a301000948656c6c6f2c20585a21000000bae7c0c9f7edfaba0001220a151ae1671fb6f37d010000000004595a"

func TestSniffGzip(t *testing.T) {
	src := source.NewMemory(mustHex(t, gzipReadmeHex))
	k, err := Sniff(src)
	require.NoError(t, err)
	require.Equal(t, Gzip, k)
	// sniffing must not disturb the cursor
	pos, err := src.Seek(0, source.CUR)
	require.NoError(t, err)
	require.EqualValues(t, 0, pos)
}

func TestSniffBzip2(t *testing.T) {
	src := source.NewMemory(mustHex(t, bzip2HelloHex))
	k, err := Sniff(src)
	require.NoError(t, err)
	require.Equal(t, Bzip2, k)
}

func TestSniffXZ(t *testing.T) {
	src := source.NewMemory(mustHex(t, xzHelloHex))
	k, err := Sniff(src)
	require.NoError(t, err)
	require.Equal(t, XZ, k)
}

func TestSniffNone(t *testing.T) {
	src := source.NewMemory([]byte("plain text, not compressed"))
	k, err := Sniff(src)
	require.NoError(t, err)
	require.Equal(t, None, k)
}

func TestGzipHeaderAndContent(t *testing.T) {
	src := source.NewMemory(mustHex(t, gzipReadmeHex))
	d, err := New(src, Gzip)
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, "readme.txt", d.Header().Name)

	buf := make([]byte, 16)
	n, err := d.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "data", string(buf[:n]))
}

func TestBzip2Content(t *testing.T) {
	src := source.NewMemory(mustHex(t, bzip2HelloHex))
	d, err := New(src, Bzip2)
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, 32)
	n, err := d.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "Hello, Bzip2!", string(buf[:n]))
}

func TestXZContent(t *testing.T) {
	src := source.NewMemory(mustHex(t, xzHelloHex))
	d, err := New(src, XZ)
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, 32)
	n, err := d.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "Hello, XZ!", string(buf[:n]))
}

func TestBackwardSeekIdempotent(t *testing.T) {
	src := source.NewMemory(mustHex(t, bzip2HelloHex))
	d, err := New(src, Bzip2)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Seek(3, source.SET)
	require.NoError(t, err)
	buf1 := make([]byte, 5)
	_, err = d.Read(buf1)
	require.NoError(t, err)

	_, err = d.Seek(3, source.SET)
	require.NoError(t, err)
	buf2 := make([]byte, 5)
	_, err = d.Read(buf2)
	require.NoError(t, err)

	require.Equal(t, buf1, buf2)
}

func TestEndSeekDiscoversSize(t *testing.T) {
	src := source.NewMemory(mustHex(t, bzip2HelloHex))
	d, err := New(src, Bzip2)
	require.NoError(t, err)
	defer d.Close()

	sz, err := d.UncompressedSize(false)
	require.NoError(t, err)
	require.EqualValues(t, -1, sz)

	_, err = d.Seek(0, source.END)
	require.NoError(t, err)

	sz, err = d.UncompressedSize(false)
	require.NoError(t, err)
	require.EqualValues(t, len("Hello, Bzip2!"), sz)
}

func TestSplitReadEquivalenceDecompressed(t *testing.T) {
	plain := "Hello, Bzip2!"
	srcA := source.NewMemory(mustHex(t, bzip2HelloHex))
	dA, err := New(srcA, Bzip2)
	require.NoError(t, err)
	defer dA.Close()
	whole := make([]byte, len(plain))
	_, err = dA.Read(whole)
	require.NoError(t, err)

	srcB := source.NewMemory(mustHex(t, bzip2HelloHex))
	dB, err := New(srcB, Bzip2)
	require.NoError(t, err)
	defer dB.Close()
	half := len(plain) / 2
	a := make([]byte, half)
	_, err = dB.Read(a)
	require.NoError(t, err)
	b := make([]byte, len(plain)-half)
	_, err = dB.Read(b)
	require.NoError(t, err)

	require.Equal(t, string(whole), string(a)+string(b))
}
