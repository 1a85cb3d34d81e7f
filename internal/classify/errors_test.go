package classify

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Category
	}{
		{errors.New("HTTP 429 too many requests"), CategoryRateLimited},
		{errors.New("HTTP 503 service unavailable"), CategoryTransient},
		{errors.New("dial tcp: connection refused"), CategoryTransient},
		{errors.New("401 unauthorized: token expired"), CategoryAuthExpired},
		{errors.New("invalid json: unexpected token"), CategoryMalformedOutput},
		{errors.New("missing required field: name"), CategoryInvalidInput},
		{errors.New("policy violation: url blocked"), CategoryPermanent},
		{errors.New("something strange happened"), CategoryUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), tc.err.Error())
	}
}

func TestBuildSignatureStableAcrossIdentifiers(t *testing.T) {
	a := BuildSignature(CategoryTransient, "email", "timeout calling 10.0.0.5:8443 after 123456789012ms, id=deadbeef01")
	b := BuildSignature(CategoryTransient, "email", "timeout calling 10.0.0.9:9000 after 999999999999ms, id=cafebabe99")
	assert.Equal(t, a, b)
}

func TestBuildSignatureCapsLength(t *testing.T) {
	long := ""
	for i := 0; i < 500; i++ {
		long += "x"
	}
	sig := BuildSignature(CategoryUnknown, "src", long)
	assert.LessOrEqual(t, len(sig), maxSignatureLen)
}

func TestStorePushDedupes(t *testing.T) {
	clock := time.Unix(0, 0)
	s := NewStore(10).WithClock(func() time.Time { return clock })

	for i := 0; i < dedupeThreshold; i++ {
		_, accepted := s.Push(CategoryTransient, "email", "boom")
		assert.True(t, accepted)
	}
	// beyond threshold within the window: dropped
	_, accepted := s.Push(CategoryTransient, "email", "boom")
	assert.False(t, accepted)

	assert.Len(t, s.Recent(100), dedupeThreshold)
}

func TestStorePushAllowsAfterWindowElapses(t *testing.T) {
	clock := time.Unix(0, 0)
	s := NewStore(10).WithClock(func() time.Time { return clock })

	for i := 0; i < dedupeThreshold; i++ {
		s.Push(CategoryTransient, "email", "boom")
	}
	clock = clock.Add(2 * dedupeWindow)
	_, accepted := s.Push(CategoryTransient, "email", "boom")
	assert.True(t, accepted)
}

func TestStoreRingBufferCap(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 10; i++ {
		s.Push(CategoryUnknown, "src", "unique message body that differs every time "+time.Now().String())
		time.Sleep(time.Microsecond)
	}
	require.LessOrEqual(t, len(s.Recent(100)), 3)
}

func TestPushErrorNil(t *testing.T) {
	s := NewStore(10)
	_, accepted := s.PushError("src", nil)
	assert.False(t, accepted)
}

func TestSanitizeMessageStripsStack(t *testing.T) {
	msg := "boom\n\tat somefile.go:42\nmore junk"
	assert.Equal(t, "boom", sanitizeMessage(msg))
}
