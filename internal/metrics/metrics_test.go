package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordBootstrapMessage(t *testing.T) {
	BootstrapMessagesTotal.Reset()

	RecordBootstrapMessage("rank_header")
	RecordBootstrapMessage("rank_header")

	assert.Equal(t, float64(2), testutil.ToFloat64(BootstrapMessagesTotal.WithLabelValues("rank_header")))
}

func TestRecordSessionTransition(t *testing.T) {
	BootstrapSessions.Reset()

	RecordSessionTransition("", "waiting_for_ranks")
	RecordSessionTransition("waiting_for_ranks", "ready")

	assert.Equal(t, float64(0), testutil.ToFloat64(BootstrapSessions.WithLabelValues("waiting_for_ranks")))
	assert.Equal(t, float64(1), testutil.ToFloat64(BootstrapSessions.WithLabelValues("ready")))
}

func TestRecordMigration(t *testing.T) {
	MigrationsTotal.Reset()

	RecordMigration("failover", true, 10*time.Millisecond)
	RecordMigration("failover", false, 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(MigrationsTotal.WithLabelValues("failover", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(MigrationsTotal.WithLabelValues("failover", "failure")))
}

func TestSetPortState(t *testing.T) {
	SetPortState(8, false)
	assert.Equal(t, float64(0), testutil.ToFloat64(PortState.WithLabelValues("8")))

	SetPortState(8, true)
	assert.Equal(t, float64(1), testutil.ToFloat64(PortState.WithLabelValues("8")))
}
