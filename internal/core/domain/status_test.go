package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		wantErr bool
	}{
		{"pending to deploying", StatusPending, StatusDeploying, false},
		{"deploying to deployed", StatusDeploying, StatusDeployed, false},
		{"deploying to failed", StatusDeploying, StatusFailed, false},
		{"deploying to rolled back", StatusDeploying, StatusRolledBack, false},
		{"failed back to pending for retry", StatusFailed, StatusPending, false},
		{"rolled back to pending for retry", StatusRolledBack, StatusPending, false},
		{"deployed to pending for redeploy", StatusDeployed, StatusPending, false},
		{"pending straight to deployed", StatusPending, StatusDeployed, true},
		{"pending straight to failed", StatusPending, StatusFailed, true},
		{"deployed to deploying", StatusDeployed, StatusDeploying, true},
		{"deploying to pending", StatusDeploying, StatusPending, true},
		{"deploying to deploying", StatusDeploying, StatusDeploying, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusDeploying.Terminal())
	assert.True(t, StatusDeployed.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusRolledBack.Terminal())
}
