package policy

import (
	"testing"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLicense_IsAllowed(t *testing.T) {
	t.Parallel()

	l := DefaultLicense()
	for _, tier := range Tiers() {
		assert.True(t, l.IsAllowed(tier, CategoryRead), tier)
		assert.True(t, l.IsAllowed(tier, CategorySafeWrite), tier)
	}

	assert.False(t, l.IsAllowed(TierStarter, CategoryHighImpact))
	assert.False(t, l.IsAllowed(TierCreator, CategoryHighImpact))
	assert.True(t, l.IsAllowed(TierPro, CategoryHighImpact))
	assert.True(t, l.IsAllowed(TierEnterprise, CategoryHighImpact))
	assert.False(t, l.IsAllowed(TierCreator, CategoryPlanning))
	assert.True(t, l.IsAllowed(TierFounder, CategoryPlanning))
}

func TestLicense_UnknownFailsClosed(t *testing.T) {
	t.Parallel()

	l := DefaultLicense()
	assert.True(t, l.IsAllowed(Tier("platinum"), CategoryRead))
	assert.False(t, l.IsAllowed(Tier("platinum"), CategorySafeWrite))
	assert.False(t, l.IsAllowed(Tier(""), CategoryHighImpact))
	assert.False(t, l.IsAllowed(TierEnterprise, Category("admin")))
}

func TestNewLicense(t *testing.T) {
	t.Parallel()

	l, err := NewLicense(TierFounder)
	require.NoError(t, err)
	assert.False(t, l.IsAllowed(TierPioneer, CategoryHighImpact))
	assert.True(t, l.IsAllowed(TierFounder, CategoryHighImpact))
	assert.Equal(t, TierFounder, l.Minimum(CategoryPlanning))

	_, err = NewLicense(Tier("gold"))
	require.Error(t, err)
}

func TestParseTier(t *testing.T) {
	t.Parallel()

	tier, err := ParseTier(" Pro ")
	require.NoError(t, err)
	assert.Equal(t, TierPro, tier)

	_, err = ParseTier("free")
	require.Error(t, err)
}

func TestConfirm(t *testing.T) {
	t.Parallel()

	step := plan.Step{Tool: "fs.remove", ConfirmationScope: "delete-temp"}
	ok := plan.Approve("delete-temp")

	tests := []struct {
		name   string
		step   plan.Step
		token  *plan.ConfirmationToken
		forced bool
		want   bool
	}{
		{name: "no confirmation needed", step: plan.Step{Tool: "fs.read"}, want: true},
		{name: "matching token", step: step, token: &ok, want: true},
		{name: "missing token", step: step},
		{name: "one character off", step: step, token: &plan.ConfirmationToken{Kind: "explicit", Approved: true, Scope: "delete-tmp"}},
		{name: "prefix scope", step: step, token: &plan.ConfirmationToken{Kind: "explicit", Approved: true, Scope: "delete"}},
		{name: "not approved", step: step, token: &plan.ConfirmationToken{Kind: "explicit", Scope: "delete-temp"}},
		{name: "wrong kind", step: step, token: &plan.ConfirmationToken{Kind: "implicit", Approved: true, Scope: "delete-temp"}},
		{name: "required without scope", step: plan.Step{Tool: "fs.remove", RequiresConfirmation: true}, token: &plan.ConfirmationToken{Kind: "explicit", Approved: true}},
		{name: "forced without scope", step: plan.Step{Tool: "terminal.run"}, forced: true},
		{name: "forced with scope", step: step, token: &ok, forced: true, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Confirm(tt.step, tt.token, tt.forced)
			assert.Equal(t, tt.want, d.OK, d.Reason)
			if !tt.want {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}
