package embeddings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgetutor/internal/errors"
)

func TestLocalServiceDeterminism(t *testing.T) {
	ctx := context.Background()
	svc := NewLocalService(384)

	a, err := svc.Generate(ctx, "Apa itu fotosintesis?")
	require.NoError(t, err)
	b, err := svc.Generate(ctx, "Apa itu fotosintesis?")
	require.NoError(t, err)
	assert.Equal(t, a, b, "equal text must yield equal vectors")
	assert.Len(t, a, 384)
}

func TestLocalServiceNormalized(t *testing.T) {
	svc := NewLocalService(128)
	vec, err := svc.Generate(context.Background(), "persamaan kuadrat dan akar akarnya")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-9, "vectors must be unit length")
}

func TestLocalServiceRelatedTextsScoreHigher(t *testing.T) {
	ctx := context.Background()
	svc := NewLocalService(384)

	q, _ := svc.Generate(ctx, "rumus luas segitiga")
	related, _ := svc.Generate(ctx, "bagaimana menghitung luas segitiga")
	unrelated, _ := svc.Generate(ctx, "sejarah kerajaan majapahit")

	assert.Greater(t, dot(q, related), dot(q, unrelated))
}

func TestLocalServiceRejectsEmpty(t *testing.T) {
	svc := NewLocalService(64)
	_, err := svc.Generate(context.Background(), "   ")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	_, err = svc.GenerateBatch(context.Background(), nil)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestLocalServiceHealthy(t *testing.T) {
	svc := NewLocalService(64)
	assert.NoError(t, svc.HealthCheck(context.Background()))
	assert.Equal(t, 64, svc.Dimensions())
}

// stubService scripts remote behavior for strategy tests.
type stubService struct {
	dims  int
	fail  bool
	calls int
}

func (s *stubService) Generate(_ context.Context, _ string) ([]float64, error) {
	s.calls++
	if s.fail {
		return nil, errors.New(errors.KindTransientUpstream, "upstream down")
	}
	return make([]float64, s.dims), nil
}

func (s *stubService) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		vec, err := s.Generate(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubService) Dimensions() int { return s.dims }

func (s *stubService) HealthCheck(_ context.Context) error {
	if s.fail {
		return errors.New(errors.KindUnavailable, "unhealthy")
	}
	return nil
}

func TestStrategySovereignNeverTouchesRemote(t *testing.T) {
	remote := &stubService{dims: 1536}
	m := newStrategyManager(remote, NewLocalService(384), StrategyRemote, true, true, time.Second, nil)

	_, err := m.Generate(context.Background(), "soal matematika")
	require.NoError(t, err)
	assert.Equal(t, StrategyLocal, m.Active())
	assert.Zero(t, remote.calls, "sovereign mode must never call the remote variant")
}

func TestStrategyRemoteDefault(t *testing.T) {
	remote := &stubService{dims: 1536}
	m := newStrategyManager(remote, NewLocalService(384), StrategyRemote, true, false, time.Second, nil)

	vec, err := m.Generate(context.Background(), "soal fisika")
	require.NoError(t, err)
	assert.Len(t, vec, 1536)
	assert.Equal(t, StrategyRemote, m.Active())
	assert.Equal(t, 1, remote.calls)
}

func TestStrategyFallsBackOnRemoteFailure(t *testing.T) {
	remote := &stubService{dims: 1536, fail: true}
	m := newStrategyManager(remote, NewLocalService(384), StrategyRemote, true, false, time.Second, nil)

	vec, err := m.Generate(context.Background(), "soal kimia")
	require.NoError(t, err)
	assert.Len(t, vec, 384, "fallback must serve local dimensions")
	assert.Equal(t, StrategyLocal, m.Active())
}

func TestStrategyFallbackDisabledSurfacesError(t *testing.T) {
	remote := &stubService{dims: 1536, fail: true}
	m := newStrategyManager(remote, NewLocalService(384), StrategyRemote, false, false, time.Second, nil)

	_, err := m.Generate(context.Background(), "soal biologi")
	require.Error(t, err)
}

func TestStrategyOpenBreakerRoutesLocal(t *testing.T) {
	remote := &stubService{dims: 1536, fail: true}
	m := newStrategyManager(remote, NewLocalService(384), StrategyRemote, true, false, time.Minute, nil)

	ctx := context.Background()
	// Drive the breaker open with repeated failures.
	for i := 0; i < 6; i++ {
		_, _ = m.Generate(ctx, "soal sejarah")
	}

	callsBefore := remote.calls
	_, err := m.Generate(ctx, "soal geografi")
	require.NoError(t, err)
	assert.Equal(t, callsBefore, remote.calls, "an open breaker must short-circuit the remote call")
	assert.Equal(t, StrategyLocal, m.Active())
}

func TestStrategyBatchFallback(t *testing.T) {
	remote := &stubService{dims: 1536, fail: true}
	m := newStrategyManager(remote, NewLocalService(384), StrategyRemote, true, false, time.Second, nil)

	vecs, err := m.GenerateBatch(context.Background(), []string{"satu", "dua"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 384)
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
