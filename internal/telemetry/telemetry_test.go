package telemetry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgetutor/internal/errors"
)

type uploadStub struct {
	payloads [][]byte
	err      error
}

func (u *uploadStub) Upload(_ context.Context, payload []byte) error {
	if u.err != nil {
		return u.err
	}
	u.payloads = append(u.payloads, payload)
	return nil
}

func TestFlushCarriesCountersOnly(t *testing.T) {
	stub := &uploadStub{}
	c := NewCollector(stub, "node-01", "pepper", nil)

	c.RecordQuestion("MAT10", 1)
	c.RecordQuestion("MAT10", 2)
	c.RecordQuestion("FIS11", 1)
	c.RecordCache(true)
	c.RecordCache(false)
	c.RecordRejection()

	require.NoError(t, c.Flush(context.Background()))
	require.Len(t, stub.payloads, 1)

	var payload Payload
	require.NoError(t, json.Unmarshal(stub.payloads[0], &payload))
	assert.Equal(t, int64(2), payload.QuestionCounts["MAT10"])
	assert.Equal(t, int64(1), payload.QuestionCounts["FIS11"])
	assert.Equal(t, int64(1), payload.CacheHits)
	assert.Equal(t, int64(1), payload.CacheMisses)
	assert.Equal(t, int64(1), payload.Rejections)
	assert.Equal(t, 2, payload.ActiveUsers, "distinct users, not question count")
	assert.Regexp(t, `^[0-9a-f]{64}$`, payload.NodeDigest)
	assert.NotContains(t, string(stub.payloads[0]), "node-01",
		"raw identifiers never appear in a payload")
}

func TestDigestIsSaltedAndStable(t *testing.T) {
	a := NewCollector(&uploadStub{}, "n", "salt-a", nil)
	b := NewCollector(&uploadStub{}, "n", "salt-b", nil)

	assert.Equal(t, a.Digest("user:7"), a.Digest("user:7"))
	assert.NotEqual(t, a.Digest("user:7"), b.Digest("user:7"))
	assert.NotContains(t, a.Digest("user:7"), "7")
}

func TestFlushResetsWindow(t *testing.T) {
	stub := &uploadStub{}
	c := NewCollector(stub, "node", "salt", nil)
	c.RecordQuestion("MAT10", 1)
	require.NoError(t, c.Flush(context.Background()))

	require.NoError(t, c.Flush(context.Background()))
	var payload Payload
	require.NoError(t, json.Unmarshal(stub.payloads[1], &payload))
	assert.Empty(t, payload.QuestionCounts)
	assert.Zero(t, payload.ActiveUsers)
}

func TestUploadFailureRetainsWindow(t *testing.T) {
	stub := &uploadStub{err: assert.AnError}
	c := NewCollector(stub, "node", "salt", nil)
	c.RecordQuestion("MAT10", 1)

	require.NoError(t, c.Flush(context.Background()))

	stub.err = nil
	require.NoError(t, c.Flush(context.Background()))
	require.Len(t, stub.payloads, 1)
	var payload Payload
	require.NoError(t, json.Unmarshal(stub.payloads[0], &payload))
	assert.Equal(t, int64(1), payload.QuestionCounts["MAT10"],
		"counters survive a failed upload")
}

func TestScanPII(t *testing.T) {
	clean := [][]byte{
		[]byte(`{"question_counts":{"MAT10":4},"active_users":2}`),
		[]byte(`{"node_digest":"ab12cd"}`),
	}
	for _, payload := range clean {
		assert.NoError(t, ScanPII(payload))
	}

	dirty := [][]byte{
		[]byte(`{"contact":"budi@example.com"}`),
		[]byte(`{"phone":"081234567890"}`),
		[]byte(`{"nik":"3174012345678901"}`),
		[]byte(`{"question":"berapa 2+2"}`),
		[]byte(`{"username":"budi"}`),
	}
	for _, payload := range dirty {
		err := ScanPII(payload)
		assert.Equal(t, errors.KindValidation, errors.KindOf(err), "payload %s", payload)
	}
}
