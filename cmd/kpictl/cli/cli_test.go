package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lodgeboard/kpi-engine/internal/auth"
	"github.com/lodgeboard/kpi-engine/internal/period"
	"github.com/lodgeboard/kpi-engine/jobs"
)

func fixedNow() time.Time {
	return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
}

func TestResolveCommandJSON(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := ResolveCommand(ResolveOptions{
		Period:     "last_7_d",
		JSONOutput: true,
		Now:        fixedNow,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Zero(t, exitCode)
	require.Empty(t, stderr.String())

	var summary ResolveSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, period.Last7Days, summary.Period)
	require.Equal(t, time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), summary.Start.UTC())
	require.Equal(t, 7, summary.Days)
}

func TestResolveCommandExplicitDates(t *testing.T) {
	stdout := new(bytes.Buffer)
	exitCode := ResolveCommand(ResolveOptions{
		Start:  "01/02/2024",
		End:    "29/02/2024",
		Now:    fixedNow,
		Stdout: stdout,
		Stderr: new(bytes.Buffer),
	})
	require.Zero(t, exitCode)
	require.True(t, strings.HasPrefix(stdout.String(), "CUSTOM 2024-02-01T00:00:00Z"), stdout.String())
	require.Contains(t, stdout.String(), "(29 days)")
}

func TestResolveCommandErrors(t *testing.T) {
	cases := map[string]ResolveOptions{
		"unknown period":       {Period: "LAST_2_Y"},
		"custom without dates": {Period: "CUSTOM"},
		"inverted":             {Start: "10/03/2024", End: "01/03/2024"},
		"bad hour":             {Period: "LAST_7_D", StartHour: 24},
		"bad timezone":         {Period: "LAST_7_D", Timezone: "Mars/Olympus"},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			stderr := new(bytes.Buffer)
			opts.Stdout = new(bytes.Buffer)
			opts.Stderr = stderr
			opts.Now = fixedNow
			require.Equal(t, 1, ResolveCommand(opts))
			require.True(t, strings.HasPrefix(stderr.String(), "resolve: "))
		})
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	stdout := new(bytes.Buffer)
	exitCode := TokenCommand(TokenOptions{
		Secret:    "dev-secret",
		Issuer:    "kpictl",
		CompanyID: 7,
		Role:      auth.RoleManager,
		Stdout:    stdout,
		Stderr:    new(bytes.Buffer),
	})
	require.Zero(t, exitCode)

	principal, err := auth.NewVerifier("dev-secret", "kpictl").Verify(strings.TrimSpace(stdout.String()))
	require.NoError(t, err)
	require.Equal(t, int64(7), principal.CompanyID)
	require.Equal(t, auth.RoleManager, principal.Role)
}

func TestTokenCommandValidatesInput(t *testing.T) {
	cases := map[string]TokenOptions{
		"secret":  {CompanyID: 1, Role: auth.RoleViewer},
		"company": {Secret: "s", Role: auth.RoleViewer},
		"role":    {Secret: "s", CompanyID: 1, Role: "owner"},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			stdout := new(bytes.Buffer)
			opts.Stdout = stdout
			opts.Stderr = new(bytes.Buffer)
			require.Equal(t, 1, TokenCommand(opts))
			require.Empty(t, stdout.String())
		})
	}
}

func TestJobsCLIRejectsScheduledCustomPeriod(t *testing.T) {
	var c JobsCLI
	_, err := c.Trigger(context.Background(), jobs.KPIRefreshPayload{Periods: []period.Tag{period.Custom}})
	require.Error(t, err)

	_, err = c.Trigger(context.Background(), jobs.KPIRefreshPayload{Periods: []period.Tag{period.LastMonth}})
	require.EqualError(t, err, "jobs cli: client not configured")

	_, err = c.InspectQueue(context.Background())
	require.Error(t, err)
	_, err = c.ListScheduled(context.Background(), 0)
	require.Error(t, err)
}
