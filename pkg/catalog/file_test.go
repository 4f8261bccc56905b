package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/billing"
)

type recordingWriter struct {
	got []billing.Plan
}

func (w *recordingWriter) EnsurePlans(ctx context.Context, plans []billing.Plan) (int, error) {
	w.got = plans
	return len(plans), nil
}

func TestParse(t *testing.T) {
	plans, err := Parse([]byte(`
plans:
  - code: team
    name: Team
    amount_cents: 29900
    interval: month
    trial_days: 7
  - code: starter
    name: Starter
    amount_cents: 0
`))
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, billing.Plan{Code: "team", Name: "Team", AmountCents: 29900, Interval: "month", TrialDays: 7}, plans[0])
	assert.Empty(t, plans[1].Interval)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"malformed":    "plans: [",
		"missing code": "plans:\n  - name: X\n",
		"negative":     "plans:\n  - code: x\n    name: X\n    amount_cents: -5\n",
		"duplicate":    "plans:\n  - code: x\n    name: X\n  - code: x\n    name: Y\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, billing.ErrValidation)
		})
	}
}

func TestSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plans:\n  - code: team\n    name: Team\n    amount_cents: 29900\n"), 0o600))

	w := &recordingWriter{}
	added, err := Sync(context.Background(), w, path)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, "team", w.got[0].Code)

	_, err = Sync(context.Background(), w, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
