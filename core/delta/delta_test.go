package delta

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateApplyRoundTrip(t *testing.T) {
	long := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 50)

	tests := []struct {
		name   string
		src    string
		target string
	}{
		{"both empty", "", ""},
		{"empty source", "", "hello world"},
		{"empty target", long, ""},
		{"identical", long, long},
		{"short strings", "abc", "abd"},
		{"append", long, long + "one more line\n"},
		{"prepend", long, "header\n" + long},
		{"middle edit", long, long[:400] + "CHANGED" + long[420:]},
		{"unrelated", long, strings.Repeat("zyxwvutsrq", 90)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Create([]byte(tt.src), []byte(tt.target))
			got, err := Apply([]byte(tt.src), d)
			require.NoError(t, err)
			assert.Equal(t, tt.target, string(got))

			size, err := OutputSize(d)
			require.NoError(t, err)
			assert.Equal(t, len(tt.target), size)
		})
	}
}

func TestCreateIsCompactForSimilarInputs(t *testing.T) {
	src := []byte(strings.Repeat("line of text that repeats\n", 200))
	target := append(append([]byte{}, src...), []byte("tail\n")...)

	d := Create(src, target)
	assert.Less(t, len(d), len(target)/10)
}

func TestRandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for n := 0; n < 50; n++ {
		src := make([]byte, rng.Intn(4000))
		rng.Read(src)
		target := mutate(rng, src)

		d := Create(src, target)
		got, err := Apply(src, d)
		require.NoError(t, err)
		require.True(t, bytes.Equal(target, got), "round %d", n)
	}
}

func mutate(rng *rand.Rand, src []byte) []byte {
	out := append([]byte{}, src...)
	for k := 0; k < 5 && len(out) > 0; k++ {
		pos := rng.Intn(len(out))
		switch rng.Intn(3) {
		case 0:
			out = append(out[:pos], out[min(len(out), pos+rng.Intn(64)):]...)
		case 1:
			ins := make([]byte, rng.Intn(64))
			rng.Read(ins)
			out = append(out[:pos], append(ins, out[pos:]...)...)
		default:
			out[pos] ^= 0xff
		}
	}
	return out
}

func TestApplyRejectsMalformed(t *testing.T) {
	src := []byte(strings.Repeat("abcdefghijklmnopqrstuvwxyz", 10))
	target := append([]byte("prefix-"), src...)
	good := Create(src, target)

	tests := []struct {
		name  string
		delta []byte
	}{
		{"empty", nil},
		{"no newline", []byte("5")},
		{"truncated", good[:len(good)-2]},
		{"bad checksum", badChecksum([]byte("abc"))},
		{"copy out of range", []byte("3\n3@zz,0;")},
		{"unknown command", []byte("3\n3!abc")},
		{"oversized header", []byte("~~~~~~~~~~~\n0;")},
		{"oversized copy count", []byte("1\n~~~~~~~~~~~@0,0;")},
		{"oversized copy offset", []byte("1\n1@~~~~~~~~~~~,0;")},
		{"huge header", []byte("~~~~~~~~~~\n0;")},
		{"huge copy offset", []byte("1\n1@~~~~~~~~~~,0;")},
		{"huge insert", []byte("1\n~~~~~~~~~~:a0;")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(src, tt.delta)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func badChecksum(target []byte) []byte {
	var buf bytes.Buffer
	putInt(&buf, len(target))
	buf.WriteByte('\n')
	emitInsert(&buf, target)
	putInt(&buf, int(checksum(target))+1)
	buf.WriteByte(';')
	return buf.Bytes()
}

func TestIntegerEncoding(t *testing.T) {
	for _, v := range []int{0, 1, 63, 64, 4095, 4096, 1 << 30} {
		var buf bytes.Buffer
		putInt(&buf, v)
		assert.Equal(t, intLen(v), buf.Len(), "len of %d", v)

		r := &reader{data: buf.Bytes()}
		got, err := r.getInt()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestRollingHashMatchesFreshHash(t *testing.T) {
	data := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	var rolled, fresh rollingHash
	rolled.init(data[:nhash])
	for i := 1; i+nhash <= len(data); i++ {
		rolled.next(data[i+nhash-1])
		fresh.init(data[i : i+nhash])
		require.Equal(t, fresh.sum(), rolled.sum(), "window %d", i)
	}
}
