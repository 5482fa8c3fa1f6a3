package observability

import (
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	jobmetrics "github.com/odyssey-erp/access-advisor/internal/jobs"
)

type alertFile struct {
	Groups []struct {
		Name  string `yaml:"name"`
		Rules []struct {
			Alert       string            `yaml:"alert"`
			Expr        string            `yaml:"expr"`
			For         string            `yaml:"for"`
			Labels      map[string]string `yaml:"labels"`
			Annotations map[string]string `yaml:"annotations"`
		} `yaml:"rules"`
	} `yaml:"groups"`
}

var metricName = regexp.MustCompile(`advisor_[a-z_]+`)

// Alert expressions must only reference series the binaries export, or the
// alert silently never fires.
func TestAlertRulesReferenceExportedMetrics(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "deploy", "prometheus", "alerts", "advisor.yml"))
	require.NoError(t, err)

	var file alertFile
	require.NoError(t, yaml.Unmarshal(data, &file))
	require.Len(t, file.Groups, 1)
	require.Equal(t, "advisor", file.Groups[0].Name)

	exported := exportedNames(t)
	severities := map[string]bool{"warning": true, "critical": true}
	for _, rule := range file.Groups[0].Rules {
		t.Run(rule.Alert, func(t *testing.T) {
			require.NotEmpty(t, rule.For)
			require.True(t, severities[rule.Labels["severity"]], "severity %q", rule.Labels["severity"])
			require.NotEmpty(t, rule.Annotations["summary"])
			require.Regexp(t, `^docs/runbook\.md#[a-z-]+$`, rule.Annotations["runbook"])

			names := metricName.FindAllString(rule.Expr, -1)
			require.NotEmpty(t, names, "expression %q", rule.Expr)
			for _, name := range names {
				require.True(t, exported[name], "%s is not exported", name)
			}
		})
	}
}

func exportedNames(t *testing.T) map[string]bool {
	t.Helper()
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jobs.Track("batch_analysis").End(os.ErrClosed)
	jobs.ObserveAlgorithmRun("dormant-users", "batch", "FAILED", 1, 1)
	jobs.AddRecommendations("created", 1)
	metrics.requestsTotal.WithLabelValues(http.MethodGet, "/", "200").Inc()
	metrics.requestDuration.WithLabelValues("/").Observe(0.1)

	families, err := metrics.registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}
