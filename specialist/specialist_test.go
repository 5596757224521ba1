package specialist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorhq/maestro/cache"
	"github.com/creatorhq/maestro/delegation"
	"github.com/creatorhq/maestro/fault"
)

func TestDepthDefaults(t *testing.T) {
	assert.Equal(t, DepthStandard, ParseDepth(""))
	assert.Equal(t, DepthStandard, ParseDepth("extreme"))
	assert.Equal(t, DepthQuick, ParseDepth("quick"))
	assert.Equal(t, DepthDeep, ParseDepth("deep"))
}

func TestDepthDeadlines(t *testing.T) {
	assert.Equal(t, 10*time.Second, DepthQuick.Deadline())
	assert.Equal(t, 30*time.Second, DepthStandard.Deadline())
	assert.Equal(t, 90*time.Second, DepthDeep.Deadline())
}

func TestDepthBudgets(t *testing.T) {
	assert.Equal(t, TokenBudget{Input: 2000, Output: 1000}, DepthQuick.Budget())
	assert.Equal(t, TokenBudget{Input: 3500, Output: 1750}, DepthStandard.Budget())
	assert.Equal(t, TokenBudget{Input: 5000, Output: 2500}, DepthDeep.Budget())
}

func TestDepthCacheCategories(t *testing.T) {
	assert.Equal(t, cache.CategoryAgentQuick, DepthQuick.CacheCategory())
	assert.Equal(t, cache.CategoryAgentStandard, DepthStandard.CacheCategory())
	assert.Equal(t, cache.CategoryAgentDeep, DepthDeep.CacheCategory())
}

func TestVerifyRequest(t *testing.T) {
	auth, err := delegation.NewAuthority(delegation.AuthorityOptions{Secret: "s"})
	require.NoError(t, err)

	token, err := auth.Mint("req-1", KindContent)
	require.NoError(t, err)

	claims, err := VerifyRequest(auth, Request{RequestID: "req-1", Credential: token})
	require.NoError(t, err)
	assert.Equal(t, KindContent, claims.Subject)

	// Missing credential.
	_, err = VerifyRequest(auth, Request{RequestID: "req-1"})
	assert.True(t, fault.IsKind(err, fault.KindAuthentication))

	// Credential bound to a different request.
	_, err = VerifyRequest(auth, Request{RequestID: "req-2", Credential: token})
	assert.True(t, fault.IsKind(err, fault.KindAuthentication))
}

func TestCacheKeyStability(t *testing.T) {
	req := Request{
		QueryType: "content_analysis",
		Context:   map[string]any{"views": 12000.0, "quality": "complete"},
		Depth:     DepthStandard,
	}
	k1 := CacheKey(KindContent, "u1", req)
	k2 := CacheKey(KindContent, "u1", req)
	assert.Equal(t, k1, k2)
	assert.Contains(t, k1, "agent:"+KindContent+":u1:")

	// Any digest input changing changes the key.
	deeper := req
	deeper.Depth = DepthDeep
	assert.NotEqual(t, k1, CacheKey(KindContent, "u1", deeper))

	other := req
	other.Context = map[string]any{"views": 13000.0}
	assert.NotEqual(t, k1, CacheKey(KindContent, "u1", other))

	assert.NotEqual(t, k1, CacheKey(KindAudience, "u1", req))
	assert.NotEqual(t, k1, CacheKey(KindContent, "u2", req))
}

type stubSpecialist struct {
	kind   string
	schema []byte
}

func (s *stubSpecialist) Kind() string { return s.kind }

func (s *stubSpecialist) Process(ctx context.Context, req Request) (Response, error) {
	return Response{
		AgentType:         s.kind,
		RequestID:         req.RequestID,
		DomainMatch:       true,
		ForDispatcherOnly: true,
	}, nil
}

func (s *stubSpecialist) ContextSchema() []byte { return s.schema }

var _ Specialist = (*stubSpecialist)(nil)
var _ ContextSchema = (*stubSpecialist)(nil)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubSpecialist{kind: KindContent}))
	require.NoError(t, reg.Register(&stubSpecialist{kind: KindAudience}))

	s, ok := reg.Get(KindContent)
	require.True(t, ok)
	assert.Equal(t, KindContent, s.Kind())

	_, ok = reg.Get(KindSEO)
	assert.False(t, ok)

	assert.Equal(t, []string{KindAudience, KindContent}, reg.Kinds())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubSpecialist{kind: KindContent}))
	err := reg.Register(&stubSpecialist{kind: KindContent})
	assert.True(t, fault.IsKind(err, fault.KindConfiguration))
}

func TestRegistryRejectsNilAndEmptyKind(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, fault.IsKind(reg.Register(nil), fault.KindConfiguration))
	assert.True(t, fault.IsKind(reg.Register(&stubSpecialist{}), fault.KindConfiguration))
}

func TestRegistryContextSchemaValidation(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"views": {"type": "number"}},
		"required": ["views"]
	}`)
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubSpecialist{kind: KindContent, schema: schema}))
	require.NoError(t, reg.Register(&stubSpecialist{kind: KindAudience}))

	require.NoError(t, reg.ValidateContext(KindContent, map[string]any{"views": 12000.0}))

	err := reg.ValidateContext(KindContent, map[string]any{"quality": "complete"})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))

	// Kinds without a schema accept anything.
	require.NoError(t, reg.ValidateContext(KindAudience, map[string]any{"anything": true}))
}

func TestRegistryRejectsInvalidSchemaAtRegistration(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubSpecialist{kind: KindContent, schema: []byte(`{"type":`)})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindConfiguration))
}
