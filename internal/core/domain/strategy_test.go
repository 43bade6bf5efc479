package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveStrategy(t *testing.T) {
	tests := []struct {
		name           string
		requested      StrategyName
		env            Environment
		want           StrategyName
		wantDowngraded bool
	}{
		{
			name:      "direct always resolves to direct",
			requested: StrategyDirect,
			env:       Environment{Platform: PlatformNone},
			want:      StrategyDirect,
		},
		{
			name:      "blue-green with load balancer",
			requested: StrategyBlueGreen,
			env:       Environment{HasLoadBalancer: true, Platform: PlatformNone},
			want:      StrategyBlueGreen,
		},
		{
			name:           "blue-green without load balancer falls back",
			requested:      StrategyBlueGreen,
			env:            Environment{HasLoadBalancer: false, Platform: PlatformDocker},
			want:           StrategyDirect,
			wantDowngraded: true,
		},
		{
			name:      "canary on kubernetes",
			requested: StrategyCanary,
			env:       Environment{Platform: PlatformKubernetes},
			want:      StrategyCanary,
		},
		{
			name:           "canary on docker falls back",
			requested:      StrategyCanary,
			env:            Environment{Platform: PlatformDocker},
			want:           StrategyDirect,
			wantDowngraded: true,
		},
		{
			name:      "rolling on docker",
			requested: StrategyRolling,
			env:       Environment{Platform: PlatformDocker},
			want:      StrategyRolling,
		},
		{
			name:      "rolling on kubernetes",
			requested: StrategyRolling,
			env:       Environment{Platform: PlatformKubernetes},
			want:      StrategyRolling,
		},
		{
			name:           "rolling without container platform falls back",
			requested:      StrategyRolling,
			env:            Environment{Platform: PlatformNone},
			want:           StrategyDirect,
			wantDowngraded: true,
		},
		{
			name:      "empty request resolves to direct without downgrade",
			requested: "",
			env:       Environment{Platform: PlatformKubernetes},
			want:      StrategyDirect,
		},
		{
			name:      "unknown request resolves to direct",
			requested: "big-bang",
			env:       Environment{Platform: PlatformKubernetes},
			want:      StrategyDirect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ResolveStrategy(tt.requested, tt.env)
			assert.Equal(t, tt.want, res.Strategy)
			assert.Equal(t, tt.wantDowngraded, res.Downgraded)
			if tt.wantDowngraded {
				assert.NotEmpty(t, res.Reason)
			} else {
				assert.Empty(t, res.Reason)
			}
		})
	}
}

func TestStrategyNameValid(t *testing.T) {
	assert.True(t, StrategyDirect.Valid())
	assert.True(t, StrategyBlueGreen.Valid())
	assert.True(t, StrategyRolling.Valid())
	assert.True(t, StrategyCanary.Valid())
	assert.False(t, StrategyName("big-bang").Valid())
	assert.False(t, StrategyName("").Valid())
}
