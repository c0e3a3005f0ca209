package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureOperationsIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewWithRegisterer(reg)

	e.ConfigureOperations.WithLabelValues("xivo-aastra", "configure", "success").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.True(t, hasMetric(families, "provd_device_configure_operations_total"))
}

func TestOperationsInProgressGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewWithRegisterer(reg)

	e.OperationsInProgress.WithLabelValues("install").Set(2)
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.True(t, hasMetric(families, "provd_oip_in_progress"))
}

func hasMetric(families []*dto.MetricFamily, name string) bool {
	for _, f := range families {
		if f.GetName() == name {
			return true
		}
	}
	return false
}
