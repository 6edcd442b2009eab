package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustRegisterExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	before := testutil.ToFloat64(SendRejectedTotal.WithLabelValues("blocked"))
	SendRejectedTotal.WithLabelValues("blocked").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(SendRejectedTotal.WithLabelValues("blocked")))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["lindachat_send_rejected_total"])
	assert.Panics(t, func() { MustRegister(reg) }, "double registration must panic")
}
